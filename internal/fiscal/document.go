package fiscal

import (
	"fmt"
	"time"
)

// KeyLength is the fixed length of a document access key.
const KeyLength = 44

// DocumentKey uniquely identifies a fiscal document.
type DocumentKey string

// Valid reports whether k has the fixed key length and only digits.
func (k DocumentKey) Valid() bool {
	if len(k) != KeyLength {
		return false
	}
	for i := 0; i < len(k); i++ {
		if k[i] < '0' || k[i] > '9' {
			return false
		}
	}
	return true
}

// Document is one fetched fiscal document.
type Document struct {
	Key      DocumentKey
	Class    Class
	Role     Role
	IssuedAt time.Time
	Content  []byte
}

// Validate checks the fields the committer relies on.
func (d Document) Validate() error {
	if !d.Key.Valid() {
		return fmt.Errorf("document key %q: invalid", d.Key)
	}
	if !d.Class.Valid() {
		return fmt.Errorf("document %s: unknown class %q", d.Key, d.Class)
	}
	if !d.Role.Valid() {
		return fmt.Errorf("document %s: unknown role %q", d.Key, d.Role)
	}
	if len(d.Content) == 0 {
		return fmt.Errorf("document %s: empty content", d.Key)
	}
	return nil
}
