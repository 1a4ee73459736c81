package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/roach88/fiscalsync/internal/fiscal"
)

// LegacyFile is the name of the flat JSON state file written by earlier
// releases. Open imports it automatically.
const LegacyFile = "state.json"

// Legacy JSON shapes:
// 1 - per-role counters stored flat under root "YYYY-MM" keys as "<Class>_<Role>"
// 2 - nested maps keyed tax ID -> month -> class, months in either field order
// 3 - nested maps with every month key in MM-YYYY form (ready to partition)
const legacyFinalVersion = 3

type legacyPendency struct {
	Attempts     int    `json:"attempts"`
	Status       string `json:"status"`
	FirstFailure string `json:"first_failure_timestamp,omitempty"`
	LastAttempt  string `json:"last_attempt_timestamp,omitempty"`
}

// legacyState is the legacy document at any version. Maps are keyed
// tax ID -> month -> class (-> role for Skips).
type legacyState struct {
	Version    int
	Keys       map[string]map[string]map[string][]string
	Skips      map[string]map[string]map[string]map[string]int
	Pendencies map[string]map[string]map[string]legacyPendency
	SeedRun    string

	// Flat holds version 1 root counters: month -> tax ID -> "<Class>_<Role>" -> count.
	Flat map[string]map[string]map[string]int
}

type legacyStep func(legacyState) (legacyState, error)

// legacyChain upgrades a legacy document one version at a time. Each step is
// pure and applies only to documents at its from version.
var legacyChain = []struct {
	from int
	step legacyStep
}{
	{from: 1, step: liftFlatCounters},
	{from: 2, step: canonicalizeMonths},
}

// LegacyReport summarizes an import.
type LegacyReport struct {
	Periods    int `json:"periods"`
	Entities   int `json:"entities"`
	LedgerKeys int `json:"ledger_keys"`
	Cursors    int `json:"cursors"`
	Pendencies int `json:"pendencies"`
}

// ImportLegacy migrates a legacy JSON state file into period units. Nothing
// is written unless the whole chain succeeds. Existing unit content is
// merged, never replaced: ledgers are unioned, cursors keep the larger value
// and existing pendencies win. On success the file is renamed with a
// .migrated suffix. Importing the same file twice is harmless.
func (s *Store) ImportLegacy(ctx context.Context, path string) (LegacyReport, error) {
	var report LegacyReport

	raw, err := os.ReadFile(path)
	if err != nil {
		return report, fmt.Errorf("read legacy state: %w", err)
	}

	snaps, seed, err := migrateLegacy(raw)
	if err != nil {
		return report, &CorruptStateError{Period: "legacy", Path: path, Reason: "legacy import", Err: err}
	}

	keys := make([]string, 0, len(snaps))
	for k := range snaps {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	entities := make(map[string]struct{})
	for _, k := range keys {
		incoming := snaps[k]
		current, err := s.Load(ctx, incoming.Period)
		if err != nil {
			return report, fmt.Errorf("import legacy period %s: %w", k, err)
		}
		for _, id := range incoming.TaxIDs() {
			e := incoming.Entities[id]
			mergeEntity(current.Entity(id), e)
			entities[id] = struct{}{}
			for class := range e.Ledger {
				report.LedgerKeys += len(e.Ledger[class])
			}
			report.Cursors += len(e.Cursors)
			report.Pendencies += len(e.Pendencies)
		}
		if err := s.Save(ctx, incoming.Period, current); err != nil {
			return report, fmt.Errorf("import legacy period %s: %w", k, err)
		}
		report.Periods++
	}
	report.Entities = len(entities)

	if !seed.IsZero() {
		last, ok, err := s.LastSeedRun(ctx)
		if err != nil {
			return report, err
		}
		if !ok || seed.After(last) {
			if err := s.MarkSeedRun(ctx, seed); err != nil {
				return report, err
			}
		}
	}

	if err := s.putMeta(ctx, metaLegacyImported, s.now().UTC().Format(time.RFC3339Nano)); err != nil {
		return report, err
	}
	if err := os.Rename(path, path+".migrated"); err != nil {
		return report, fmt.Errorf("retire legacy state: %w", err)
	}
	return report, nil
}

func mergeEntity(dst, src *EntityState) {
	for class := range src.Ledger {
		dst.Record(class, src.LedgerKeys(class)...)
	}
	for k, pos := range src.Cursors {
		if pos > dst.Cursors[k] {
			dst.Cursors[k] = pos
		}
	}
	for class, p := range src.Pendencies {
		if _, ok := dst.Pendencies[class]; !ok {
			dst.Pendencies[class] = p
		}
	}
}

// migrateLegacy decodes raw, runs the chain and partitions the result by period.
func migrateLegacy(raw []byte) (map[string]*Snapshot, time.Time, error) {
	doc, err := decodeLegacy(raw)
	if err != nil {
		return nil, time.Time{}, err
	}
	for _, m := range legacyChain {
		if doc.Version != m.from {
			continue
		}
		doc, err = m.step(doc)
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("legacy v%d: %w", m.from, err)
		}
	}
	if doc.Version != legacyFinalVersion {
		return nil, time.Time{}, fmt.Errorf("legacy chain stopped at v%d", doc.Version)
	}
	return partitionLegacy(doc)
}

func decodeLegacy(raw []byte) (legacyState, error) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(raw, &root); err != nil {
		return legacyState{}, fmt.Errorf("decode: %w", err)
	}

	doc := legacyState{Version: 1}
	if v, ok := root["schema_version"]; ok {
		if err := json.Unmarshal(v, &doc.Version); err != nil {
			return legacyState{}, fmt.Errorf("decode schema_version: %w", err)
		}
		if doc.Version < 1 {
			doc.Version = 1
		}
		if doc.Version > 2 {
			return legacyState{}, fmt.Errorf("unsupported legacy schema_version %d", doc.Version)
		}
	}

	fields := []struct {
		name string
		dst  any
	}{
		{"processed_xml_keys", &doc.Keys},
		{"xml_skip_counts", &doc.Skips},
		{"report_pendencies", &doc.Pendencies},
	}
	for _, f := range fields {
		v, ok := root[f.name]
		if !ok || string(v) == "null" {
			continue
		}
		if err := json.Unmarshal(v, f.dst); err != nil {
			return legacyState{}, fmt.Errorf("decode %s: %w", f.name, err)
		}
	}

	if v, ok := root["_metadata"]; ok {
		var meta struct {
			SeedRun string `json:"last_seed_run_iso"`
		}
		if err := json.Unmarshal(v, &meta); err != nil {
			return legacyState{}, fmt.Errorf("decode _metadata: %w", err)
		}
		doc.SeedRun = meta.SeedRun
	}

	if doc.Version > 1 {
		return doc, nil
	}
	for key, v := range root {
		if _, err := fiscal.ParsePeriod(key); err != nil {
			continue
		}
		var byTax map[string]map[string]json.RawMessage
		if err := json.Unmarshal(v, &byTax); err != nil {
			continue
		}
		for taxID, counters := range byTax {
			for name, rawCount := range counters {
				var n int
				if err := json.Unmarshal(rawCount, &n); err != nil {
					continue
				}
				if doc.Flat == nil {
					doc.Flat = make(map[string]map[string]map[string]int)
				}
				if doc.Flat[key] == nil {
					doc.Flat[key] = make(map[string]map[string]int)
				}
				if doc.Flat[key][taxID] == nil {
					doc.Flat[key][taxID] = make(map[string]int)
				}
				doc.Flat[key][taxID][name] = n
			}
		}
	}
	return doc, nil
}

// liftFlatCounters moves root "<Class>_<Role>" counters into the nested
// skip map. Where both shapes carry a counter the larger one is kept.
func liftFlatCounters(in legacyState) (legacyState, error) {
	out := in
	out.Skips = cloneSkips(in.Skips)
	out.Flat = nil

	for month, byTax := range in.Flat {
		for taxID, counters := range byTax {
			for name, n := range counters {
				classPart, rolePart, ok := strings.Cut(name, "_")
				if !ok {
					continue
				}
				if _, err := fiscal.ParseClass(classPart); err != nil {
					continue
				}
				if _, err := fiscal.ParseRole(rolePart); err != nil {
					continue
				}
				roles := nestedSkip(out.Skips, taxID, month, classPart)
				if n > roles[rolePart] {
					roles[rolePart] = n
				}
			}
		}
	}
	out.Version = 2
	return out, nil
}

// canonicalizeMonths rewrites every month key to MM-YYYY. When both field
// orders exist for the same month their contents are merged.
func canonicalizeMonths(in legacyState) (legacyState, error) {
	out := in
	out.Keys = make(map[string]map[string]map[string][]string)
	out.Skips = make(map[string]map[string]map[string]map[string]int)
	out.Pendencies = make(map[string]map[string]map[string]legacyPendency)

	canon := func(month string) (string, error) {
		p, err := fiscal.ParsePeriod(month)
		if err != nil {
			return "", err
		}
		return p.Key(), nil
	}

	for taxID, months := range in.Keys {
		for month, classes := range months {
			key, err := canon(month)
			if err != nil {
				return legacyState{}, fmt.Errorf("processed_xml_keys %s: %w", taxID, err)
			}
			if out.Keys[taxID] == nil {
				out.Keys[taxID] = make(map[string]map[string][]string)
			}
			if out.Keys[taxID][key] == nil {
				out.Keys[taxID][key] = make(map[string][]string)
			}
			for class, list := range classes {
				out.Keys[taxID][key][class] = unionSorted(out.Keys[taxID][key][class], list)
			}
		}
	}

	for taxID, months := range in.Skips {
		for month, classes := range months {
			key, err := canon(month)
			if err != nil {
				return legacyState{}, fmt.Errorf("xml_skip_counts %s: %w", taxID, err)
			}
			for class, roles := range classes {
				dst := nestedSkip(out.Skips, taxID, key, class)
				for role, n := range roles {
					if n > dst[role] {
						dst[role] = n
					}
				}
			}
		}
	}

	for taxID, months := range in.Pendencies {
		for month, classes := range months {
			key, err := canon(month)
			if err != nil {
				return legacyState{}, fmt.Errorf("report_pendencies %s: %w", taxID, err)
			}
			if out.Pendencies[taxID] == nil {
				out.Pendencies[taxID] = make(map[string]map[string]legacyPendency)
			}
			if out.Pendencies[taxID][key] == nil {
				out.Pendencies[taxID][key] = make(map[string]legacyPendency)
			}
			for class, p := range classes {
				prev, ok := out.Pendencies[taxID][key][class]
				if !ok || p.Attempts > prev.Attempts ||
					(p.Attempts == prev.Attempts && p.LastAttempt > prev.LastAttempt) {
					out.Pendencies[taxID][key][class] = p
				}
			}
		}
	}

	out.Version = 3
	return out, nil
}

func partitionLegacy(doc legacyState) (map[string]*Snapshot, time.Time, error) {
	snaps := make(map[string]*Snapshot)
	entity := func(taxID, month string) (*EntityState, error) {
		p, err := fiscal.ParsePeriod(month)
		if err != nil {
			return nil, err
		}
		snap, ok := snaps[p.Key()]
		if !ok {
			snap = NewSnapshot(p)
			snaps[p.Key()] = snap
		}
		id, err := fiscal.NormalizeTaxID(taxID)
		if err != nil {
			id = strings.TrimSpace(taxID)
		}
		return snap.Entity(id), nil
	}

	for taxID, months := range doc.Keys {
		for month, classes := range months {
			e, err := entity(taxID, month)
			if err != nil {
				return nil, time.Time{}, err
			}
			for class, list := range classes {
				c, err := fiscal.ParseClass(class)
				if err != nil {
					return nil, time.Time{}, fmt.Errorf("ledger %s/%s: %w", taxID, month, err)
				}
				for _, k := range list {
					e.Record(c, fiscal.DocumentKey(strings.TrimSpace(k)))
				}
			}
		}
	}

	for taxID, months := range doc.Skips {
		for month, classes := range months {
			e, err := entity(taxID, month)
			if err != nil {
				return nil, time.Time{}, err
			}
			for class, roles := range classes {
				c, err := fiscal.ParseClass(class)
				if err != nil {
					return nil, time.Time{}, fmt.Errorf("cursor %s/%s: %w", taxID, month, err)
				}
				for role, n := range roles {
					r, err := fiscal.ParseRole(role)
					if err != nil {
						return nil, time.Time{}, fmt.Errorf("cursor %s/%s/%s: %w", taxID, month, class, err)
					}
					if n < 0 {
						return nil, time.Time{}, fmt.Errorf("cursor %s/%s/%s/%s: negative offset %d", taxID, month, class, role, n)
					}
					if n > 0 {
						e.Cursors[CursorKey{Class: c, Role: r}] = n
					}
				}
			}
		}
	}

	for taxID, months := range doc.Pendencies {
		for month, classes := range months {
			e, err := entity(taxID, month)
			if err != nil {
				return nil, time.Time{}, err
			}
			for class, lp := range classes {
				c, err := fiscal.ParseClass(class)
				if err != nil {
					return nil, time.Time{}, fmt.Errorf("pendency %s/%s: %w", taxID, month, err)
				}
				p, err := convertLegacyPendency(c, lp)
				if err != nil {
					return nil, time.Time{}, fmt.Errorf("pendency %s/%s/%s: %w", taxID, month, class, err)
				}
				e.Pendencies[c] = p
			}
		}
	}

	seed, err := parseLegacyTime(doc.SeedRun)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("last_seed_run_iso: %w", err)
	}
	return snaps, seed, nil
}

func convertLegacyPendency(class fiscal.Class, lp legacyPendency) (Pendency, error) {
	p := Pendency{Class: class, Attempts: lp.Attempts, Phase: PhaseFetch}
	switch lp.Status {
	case "pending_api_response":
		p.Status = StatusPending
	case "pending_processing":
		p.Status, p.Phase = StatusPending, PhaseProcessing
	case "no_data_confirmed":
		p.Status = StatusNoData
	case "max_attempts_reached":
		p.Status = StatusMaxAttempts
	default:
		return Pendency{}, fmt.Errorf("unknown status %q", lp.Status)
	}
	if p.Attempts < 0 {
		return Pendency{}, fmt.Errorf("negative attempts %d", p.Attempts)
	}

	var err error
	if p.FirstFailure, err = parseLegacyTime(lp.FirstFailure); err != nil {
		return Pendency{}, err
	}
	if p.LastAttempt, err = parseLegacyTime(lp.LastAttempt); err != nil {
		return Pendency{}, err
	}
	return p, nil
}

var legacyTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
}

func parseLegacyTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range legacyTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func nestedSkip(m map[string]map[string]map[string]map[string]int, taxID, month, class string) map[string]int {
	if m[taxID] == nil {
		m[taxID] = make(map[string]map[string]map[string]int)
	}
	if m[taxID][month] == nil {
		m[taxID][month] = make(map[string]map[string]int)
	}
	if m[taxID][month][class] == nil {
		m[taxID][month][class] = make(map[string]int)
	}
	return m[taxID][month][class]
}

func cloneSkips(in map[string]map[string]map[string]map[string]int) map[string]map[string]map[string]map[string]int {
	out := make(map[string]map[string]map[string]map[string]int, len(in))
	for taxID, months := range in {
		for month, classes := range months {
			for class, roles := range classes {
				dst := nestedSkip(out, taxID, month, class)
				for role, n := range roles {
					dst[role] = n
				}
			}
		}
	}
	return out
}

func unionSorted(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, k := range a {
		set[k] = struct{}{}
	}
	for _, k := range b {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
