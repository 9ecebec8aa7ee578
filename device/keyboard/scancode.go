// Package keyboard implements spec.md §6's keyboard scan-code mapping
// table: a pure lookup from a PS/2 Set 1 scan code (plus shift state) to
// the rune it represents, with no device I/O of its own.
package keyboard

// breakBit marks a "key released" scan code; the corresponding "key
// pressed" code is the same value with this bit cleared.
const breakBit = 0x80

// Set1ToASCII maps an IBM PC/AT Set 1 make-code to its unshifted rune.
// Index 0 is unused (no scan code is 0); entries with value 0 have no
// printable mapping (function keys, modifiers, arrows, and so on).
var Set1ToASCII = [128]rune{
	0x01: 0, // Escape
	0x02: '1', 0x03: '2', 0x04: '3', 0x05: '4', 0x06: '5',
	0x07: '6', 0x08: '7', 0x09: '8', 0x0A: '9', 0x0B: '0',
	0x0C: '-', 0x0D: '=', 0x0E: '\b',
	0x0F: '\t',
	0x10: 'q', 0x11: 'w', 0x12: 'e', 0x13: 'r', 0x14: 't',
	0x15: 'y', 0x16: 'u', 0x17: 'i', 0x18: 'o', 0x19: 'p',
	0x1A: '[', 0x1B: ']', 0x1C: '\n',
	0x1D: 0, // Left Ctrl
	0x1E: 'a', 0x1F: 's', 0x20: 'd', 0x21: 'f', 0x22: 'g',
	0x23: 'h', 0x24: 'j', 0x25: 'k', 0x26: 'l',
	0x27: ';', 0x28: '\'', 0x29: '`',
	0x2A: 0, // Left Shift
	0x2B: '\\',
	0x2C: 'z', 0x2D: 'x', 0x2E: 'c', 0x2F: 'v', 0x30: 'b',
	0x31: 'n', 0x32: 'm',
	0x33: ',', 0x34: '.', 0x35: '/',
	0x36: 0, // Right Shift
	0x37: '*',
	0x38: 0, // Left Alt
	0x39: ' ',
	0x3A: 0, // Caps Lock
}

// Set1ToASCIIShifted is Set1ToASCII's mapping when a Shift key is held.
var Set1ToASCIIShifted = [128]rune{
	0x02: '!', 0x03: '@', 0x04: '#', 0x05: '$', 0x06: '%',
	0x07: '^', 0x08: '&', 0x09: '*', 0x0A: '(', 0x0B: ')',
	0x0C: '_', 0x0D: '+', 0x0E: '\b',
	0x0F: '\t',
	0x10: 'Q', 0x11: 'W', 0x12: 'E', 0x13: 'R', 0x14: 'T',
	0x15: 'Y', 0x16: 'U', 0x17: 'I', 0x18: 'O', 0x19: 'P',
	0x1A: '{', 0x1B: '}', 0x1C: '\n',
	0x1E: 'A', 0x1F: 'S', 0x20: 'D', 0x21: 'F', 0x22: 'G',
	0x23: 'H', 0x24: 'J', 0x25: 'K', 0x26: 'L',
	0x27: ':', 0x28: '"', 0x29: '~',
	0x2B: '|',
	0x2C: 'Z', 0x2D: 'X', 0x2E: 'C', 0x2F: 'V', 0x30: 'B',
	0x31: 'N', 0x32: 'M',
	0x33: '<', 0x34: '>', 0x35: '?',
	0x37: '*',
	0x39: ' ',
}

// shiftScanCodes are the make-codes for Left Shift and Right Shift.
const (
	leftShiftCode  = 0x2A
	rightShiftCode = 0x36
)

// State tracks the one piece of modifier state spec.md's scan-code table
// needs to resolve a code into a rune: whether a shift key is currently
// held down between a shift make-code and its matching break-code.
type State struct {
	shiftHeld bool
}

// Event is the result of translating one scan code: the resolved rune
// (zero if the code has no printable mapping), whether it represents a
// key release rather than a press, and whether it was a shift key itself
// (in which case Rune is always zero and callers should not treat it as
// a character to echo).
type Event struct {
	Rune     rune
	Released bool
	IsShift  bool
}

// Translate feeds one scan code through s and returns the resulting
// Event. s is updated in place to track shift state across calls.
func (s *State) Translate(code uint8) Event {
	released := code&breakBit != 0
	makeCode := code &^ breakBit

	if makeCode == leftShiftCode || makeCode == rightShiftCode {
		s.shiftHeld = !released
		return Event{Released: released, IsShift: true}
	}

	if released || int(makeCode) >= len(Set1ToASCII) {
		return Event{Released: released}
	}

	table := &Set1ToASCII
	if s.shiftHeld {
		table = &Set1ToASCIIShifted
	}
	return Event{Rune: table[makeCode], Released: false}
}
