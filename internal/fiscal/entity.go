package fiscal

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Entity is a party whose documents are synchronized.
type Entity struct {
	TaxID string `json:"tax_id" yaml:"tax_id"`
	Name  string `json:"name" yaml:"name"`
}

// NormalizeTaxID reduces a tax ID to its digits.
//
// Spreadsheet exports often carry the value as a float ("12345678000190.0")
// or drop the leading zero of a 14-digit company ID, so a trailing ".0" is
// removed and 13-digit values are left-padded. Only 11-digit (person) and
// 14-digit (company) IDs are accepted.
func NormalizeTaxID(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimSuffix(s, ".0")

	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	if len(digits) == 13 {
		digits = "0" + digits
	}
	if len(digits) != 11 && len(digits) != 14 {
		return "", fmt.Errorf("normalize tax id %q: %d digits, want 11 or 14", raw, len(digits))
	}
	return digits, nil
}

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// FolderName renders an entity name as a directory component: accents are
// folded, characters invalid on common filesystems become '_', and trailing
// dots and spaces are trimmed. An empty result falls back to the tax ID.
func (e Entity) FolderName() string {
	name, _, err := transform.String(stripMarks, e.Name)
	if err != nil {
		name = norm.NFC.String(e.Name)
	}

	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		if unicode.IsControl(r) {
			return '_'
		}
		return r
	}, name)
	name = strings.TrimRight(strings.TrimSpace(name), ". ")

	if name == "" {
		return e.TaxID
	}
	return name + "_" + e.TaxID
}
