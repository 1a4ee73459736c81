package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/fiscalsync/internal/source"
)

var (
	errManifestNoKeys     = errors.New("manifest has no keys and no no-data marker")
	errManifestContradict = errors.New("manifest has keys and a no-data marker")
)

// classifyManifest applies the strict shape check. It reports empty=true
// only for an explicit no-data answer; an empty key list on its own is
// malformed.
func classifyManifest(m source.Manifest) (empty bool, err error) {
	switch {
	case m.NoData && len(m.Keys) == 0:
		return true, nil
	case m.NoData:
		return false, errManifestContradict
	case len(m.Keys) == 0:
		return false, errManifestNoKeys
	}
	for _, k := range m.Keys {
		if !k.Valid() {
			return false, fmt.Errorf("manifest key %q: invalid", k)
		}
	}
	return false, nil
}
