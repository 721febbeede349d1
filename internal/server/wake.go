package server

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// repairWakeText undoes a common mojibake in wake-word text: some firmwares
// decode the UTF-8 wake phrase as Latin-1 before re-encoding it, turning CJK
// text into garbage. Re-reading the string's code points as Latin-1 bytes
// restores the original UTF-8 when that happened; any text that does not
// round-trip into valid UTF-8 containing CJK is left alone.
func repairWakeText(text string) string {
	t := strings.TrimSpace(text)
	if t == "" {
		return ""
	}
	raw, err := charmap.ISO8859_1.NewEncoder().Bytes([]byte(t))
	if err != nil {
		// Contains code points outside Latin-1, so it cannot be mojibake
		// of this shape.
		return t
	}
	recovered := string(raw)
	if recovered != t && utf8.ValidString(recovered) && containsCJK(recovered) {
		return recovered
	}
	return t
}

func containsCJK(s string) bool {
	for _, r := range s {
		if r >= 0x4E00 && r <= 0x9FFF {
			return true
		}
	}
	return false
}
