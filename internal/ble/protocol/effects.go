package protocol

import "sort"

// EffectTable maps effect names to their protocol code bytes.
// It is read-only after construction and safe for concurrent use.
type EffectTable struct {
	codes map[string][]byte
	names []string
}

// NewEffectTable builds a table from name to code bytes. Names are matched
// case-sensitively.
func NewEffectTable(codes map[string][]byte) *EffectTable {
	t := &EffectTable{
		codes: make(map[string][]byte, len(codes)),
		names: make([]string, 0, len(codes)),
	}
	for name, code := range codes {
		t.codes[name] = append([]byte(nil), code...)
		t.names = append(t.names, name)
	}
	sort.Strings(t.names)
	return t
}

// Lookup returns a copy of the code bytes for name.
func (t *EffectTable) Lookup(name string) ([]byte, bool) {
	code, ok := t.codes[name]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), code...), true
}

// Contains reports whether name is a supported effect.
func (t *EffectTable) Contains(name string) bool {
	_, ok := t.codes[name]
	return ok
}

// Names returns the effect names sorted. The caller owns the slice.
func (t *EffectTable) Names() []string {
	return append([]string(nil), t.names...)
}

// Len returns the number of effects.
func (t *EffectTable) Len() int { return len(t.names) }

// LegacyEffects is the single-byte effect table. Code 0x0b is not used by
// this firmware.
var LegacyEffects = NewEffectTable(map[string][]byte{
	"colorloop":     {0x00},
	"red_fade":      {0x01},
	"green_fade":    {0x02},
	"blue_fade":     {0x03},
	"yellow_fade":   {0x04},
	"cyan_fade":     {0x05},
	"purple_fade":   {0x06},
	"white_fade":    {0x07},
	"rg_cross_fade": {0x08},
	"rb_cross_fade": {0x09},
	"gb_cross_fade": {0x0a},
	"colorstrobe":   {0x0c},
	"red_strobe":    {0x0d},
	"green_strobe":  {0x0e},
	"blue_strobe":   {0x0f},
	"yellow_strobe": {0x10},
	"cyan_strobe":   {0x11},
	"purple_strobe": {0x12},
	"white_strobe":  {0x13},
	"colorjump":     {0x14},
})

// ExtendedEffects is the two-byte sub-coded effect table. All built-in
// animations live in group 0x03.
var ExtendedEffects = NewEffectTable(map[string][]byte{
	"Colorloop":             {0x03, 0x00},
	"Red fade":              {0x03, 0x01},
	"Green fade":            {0x03, 0x02},
	"Blue fade":             {0x03, 0x03},
	"Yellow fade":           {0x03, 0x04},
	"Cyan fade":             {0x03, 0x05},
	"Magenta fade":          {0x03, 0x06},
	"White fade":            {0x03, 0x07},
	"Red green cross fade":  {0x03, 0x08},
	"Red blue cross fade":   {0x03, 0x09},
	"Green blue cross fade": {0x03, 0x0a},
	"Rainbow fade":          {0x03, 0x0b},
	"Color strobe":          {0x03, 0x0c},
	"Red strobe":            {0x03, 0x0d},
	"Green strobe":          {0x03, 0x0e},
	"Blue strobe":           {0x03, 0x0f},
	"Yellow strobe":         {0x03, 0x10},
	"Cyan strobe":           {0x03, 0x11},
	"Magenta strobe":        {0x03, 0x12},
	"White strobe":          {0x03, 0x13},
	"Color jump":            {0x03, 0x14},
	"RGB jump":              {0x03, 0x15},
})
