package keyboard

import "testing"

func TestTranslateUnshiftedLetter(t *testing.T) {
	var s State
	ev := s.Translate(0x1E) // 'a' make-code
	if ev.Rune != 'a' || ev.Released || ev.IsShift {
		t.Fatalf("expected unshifted 'a', got %+v", ev)
	}
}

func TestTranslateShiftedLetter(t *testing.T) {
	var s State
	s.Translate(leftShiftCode) // shift down
	ev := s.Translate(0x1E)
	if ev.Rune != 'A' {
		t.Fatalf("expected shifted 'A', got %+v", ev)
	}
}

func TestShiftReleaseReturnsToUnshifted(t *testing.T) {
	var s State
	s.Translate(leftShiftCode)
	s.Translate(leftShiftCode | breakBit) // shift up
	ev := s.Translate(0x1E)
	if ev.Rune != 'a' {
		t.Fatalf("expected unshifted 'a' after shift release, got %+v", ev)
	}
}

func TestBreakCodeProducesNoRune(t *testing.T) {
	var s State
	ev := s.Translate(0x1E | breakBit)
	if ev.Rune != 0 || !ev.Released {
		t.Fatalf("expected a released event with no rune, got %+v", ev)
	}
}

func TestShiftMakeAndBreakReportIsShift(t *testing.T) {
	var s State
	down := s.Translate(rightShiftCode)
	up := s.Translate(rightShiftCode | breakBit)
	if !down.IsShift || down.Released {
		t.Fatalf("expected shift make event, got %+v", down)
	}
	if !up.IsShift || !up.Released {
		t.Fatalf("expected shift break event, got %+v", up)
	}
}

func TestUnmappedCodeProducesZeroRune(t *testing.T) {
	var s State
	ev := s.Translate(0x01) // Escape: no printable mapping
	if ev.Rune != 0 {
		t.Fatalf("expected Escape to have no printable rune, got %q", ev.Rune)
	}
}
