package sym

import (
	"testing"
	"unicode/utf8"
)

func TestSymbolToCommandAndCommandToSymbolAreBidirectional(t *testing.T) {
	for symbol, cmd := range SymbolToCommand {
		got, ok := CommandToSymbol[cmd]
		if !ok {
			t.Errorf("SymbolToCommand has %q → %q, but CommandToSymbol has no entry for %q", symbol, cmd, cmd)
			continue
		}
		if got != symbol {
			t.Errorf("bidirectional mismatch: SymbolToCommand[%q] = %q, but CommandToSymbol[%q] = %q", symbol, cmd, cmd, got)
		}
	}
}

func TestGlyphsAreSingleRunes(t *testing.T) {
	for _, e := range registry {
		if n := utf8.RuneCountInString(e.glyph); n != 1 {
			t.Errorf("glyph for %q has %d runes, want 1", e.command, n)
		}
	}
}

func TestEveryCommandHasDescription(t *testing.T) {
	for cmd := range CommandToSymbol {
		if CommandDescriptions[cmd] == "" {
			t.Errorf("command %q has no description", cmd)
		}
	}
}

func TestForFallsBackToPulse(t *testing.T) {
	if got := For("like"); got != Like {
		t.Errorf("For(like) = %q, want %q", got, Like)
	}
	if got := For("unknown"); got != Pulse {
		t.Errorf("For(unknown) = %q, want %q", got, Pulse)
	}
}
