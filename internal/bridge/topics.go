package bridge

import (
	"fmt"
	"strings"
)

// Topics builds the per-device topic names under a prefix:
//
//	<prefix>/<device>/set           commands (JSON)
//	<prefix>/<device>/state         retained state (JSON)
//	<prefix>/<device>/availability  retained "online" / "offline"
//	<prefix>/<device>/effects       retained effect list (JSON array)
type Topics struct {
	Prefix string
	Device string
}

// NewTopics returns the topics for the device at address. Separators are
// stripped and the address is lower-cased.
func NewTopics(prefix, address string) Topics {
	id := strings.ToLower(address)
	id = strings.NewReplacer(":", "", "-", "").Replace(id)
	return Topics{Prefix: strings.TrimSuffix(prefix, "/"), Device: id}
}

func (t Topics) base() string { return fmt.Sprintf("%s/%s", t.Prefix, t.Device) }

// Set returns the command topic.
func (t Topics) Set() string { return t.base() + "/set" }

// State returns the state topic.
func (t Topics) State() string { return t.base() + "/state" }

// Availability returns the availability topic.
func (t Topics) Availability() string { return t.base() + "/availability" }

// Effects returns the effect list topic.
func (t Topics) Effects() string { return t.base() + "/effects" }

// Availability payloads.
const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)
