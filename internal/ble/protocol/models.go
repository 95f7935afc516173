package protocol

import "strings"

// Model describes one known controller family, matched by advertised name.
type Model struct {
	// NamePrefix is matched case-insensitively against the advertised name.
	NamePrefix string
	// Variant is the command table the model speaks unless overridden.
	Variant Variant
	// WriteCharUUIDs are the candidate write characteristics, tried in order.
	WriteCharUUIDs []string
}

// DefaultWriteCharUUID is the write characteristic exposed by BJ_LED controllers.
const DefaultWriteCharUUID = "0000ee01-0000-1000-8000-00805f9b34fb"

// Models is the known-name table. The index of a match is the model number.
var Models = []Model{
	{
		NamePrefix:     "BJ_LED",
		Variant:        VariantExtended,
		WriteCharUUIDs: []string{DefaultWriteCharUUID},
	},
}

// DetectModel returns the index into Models whose prefix matches name, or
// -1 and false when nothing matches.
func DetectModel(name string) (int, bool) {
	lower := strings.ToLower(name)
	for i, m := range Models {
		if strings.HasPrefix(lower, strings.ToLower(m.NamePrefix)) {
			return i, true
		}
	}
	return -1, false
}
