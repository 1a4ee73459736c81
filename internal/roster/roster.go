// Package roster reads the list of entities to synchronize.
//
// The file is a YAML sequence:
//
//	- tax_id: "12.345.678/0001-90"
//	  name: Acme Comércio
//
// Tax IDs are normalized with fiscal.NormalizeTaxID. Entries whose ID cannot
// be normalized are skipped and reported. Repeated IDs collapse into the
// first entry.
package roster

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/fiscalsync/internal/fiscal"
)

// Issue describes a roster line that was not used as-is.
type Issue struct {
	Line    int    `json:"line"`
	TaxID   string `json:"tax_id"`
	Problem string `json:"problem"`
}

// Roster is the parsed entity list.
type Roster struct {
	Entities []fiscal.Entity `json:"entities"`
	Issues   []Issue         `json:"issues,omitempty"`
}

type entry struct {
	TaxID string `yaml:"tax_id"`
	Name  string `yaml:"name"`
}

// Load reads a roster file.
func Load(path string, logger *slog.Logger) (Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Roster{}, fmt.Errorf("read roster: %w", err)
	}
	r, err := Parse(data)
	if err != nil {
		return Roster{}, fmt.Errorf("roster %s: %w", path, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	for _, is := range r.Issues {
		logger.Warn("roster entry ignored", "path", path, "line", is.Line, "tax_id", is.TaxID, "problem", is.Problem)
	}
	return r, nil
}

// Parse decodes roster YAML.
func Parse(data []byte) (Roster, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Roster{}, fmt.Errorf("decode: %w", err)
	}
	if len(doc.Content) == 0 {
		return Roster{}, nil
	}
	seq := doc.Content[0]
	if seq.Kind != yaml.SequenceNode {
		return Roster{}, fmt.Errorf("line %d: want a list of entities", seq.Line)
	}

	var (
		r    Roster
		seen = make(map[string]int)
	)
	for _, node := range seq.Content {
		var e entry
		if err := node.Decode(&e); err != nil {
			return Roster{}, fmt.Errorf("line %d: %w", node.Line, err)
		}
		id, err := fiscal.NormalizeTaxID(e.TaxID)
		if err != nil {
			r.Issues = append(r.Issues, Issue{Line: node.Line, TaxID: e.TaxID, Problem: err.Error()})
			continue
		}
		if first, dup := seen[id]; dup {
			r.Issues = append(r.Issues, Issue{
				Line:    node.Line,
				TaxID:   e.TaxID,
				Problem: fmt.Sprintf("duplicate of line %d", first),
			})
			continue
		}
		seen[id] = node.Line

		name := strings.TrimSpace(e.Name)
		if name == "" {
			name = id
		}
		r.Entities = append(r.Entities, fiscal.Entity{TaxID: id, Name: name})
	}
	return r, nil
}

// Lookup returns the entity with taxID.
func (r Roster) Lookup(taxID string) (fiscal.Entity, bool) {
	for _, e := range r.Entities {
		if e.TaxID == taxID {
			return e, true
		}
	}
	return fiscal.Entity{}, false
}
