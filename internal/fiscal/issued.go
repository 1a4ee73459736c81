package fiscal

import (
	"bytes"
	"encoding/xml"
	"strings"
	"time"
)

var issuedLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// IssuedAt extracts the emission timestamp (dhEmi, or dEmi in older
// layouts) from a document body. Namespaces are ignored. Only the first
// match is used, which is the document's own ide block for both classes.
func IssuedAt(content []byte) (time.Time, bool) {
	dec := xml.NewDecoder(bytes.NewReader(content))
	dec.Strict = false

	for {
		tok, err := dec.Token()
		if err != nil {
			return time.Time{}, false
		}
		start, ok := tok.(xml.StartElement)
		if !ok || (start.Name.Local != "dhEmi" && start.Name.Local != "dEmi") {
			continue
		}

		var text string
		if err := dec.DecodeElement(&text, &start); err != nil {
			return time.Time{}, false
		}
		text = strings.TrimSpace(text)
		for _, layout := range issuedLayouts {
			if t, err := time.Parse(layout, text); err == nil {
				return t, true
			}
		}
		return time.Time{}, false
	}
}
