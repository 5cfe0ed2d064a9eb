package encoding

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// ToUTF8 returns b as a UTF-8 string. Bytes that are not valid UTF-8 are
// read as Windows-1252, the code page legacy hosts write message bodies in
func ToUTF8(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	if utf8.Valid(b) {
		return strings.TrimSpace(string(b))
	}

	decoded, err := charmap.Windows1252.NewDecoder().Bytes(b)
	if err != nil {
		// Fallback: return raw string if decoding fails
		return string(b)
	}

	return strings.TrimSpace(string(decoded))
}
