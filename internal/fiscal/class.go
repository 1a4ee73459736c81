package fiscal

import "fmt"

// Class is a fiscal document type. The set is closed.
type Class string

const (
	ClassNFe Class = "NFe"
	ClassCTe Class = "CTe"
)

// Classes lists every document class in processing order.
var Classes = []Class{ClassNFe, ClassCTe}

// ParseClass validates a class name.
func ParseClass(s string) (Class, error) {
	switch Class(s) {
	case ClassNFe, ClassCTe:
		return Class(s), nil
	}
	return "", fmt.Errorf("unknown document class %q", s)
}

// Valid reports whether c is a known class.
func (c Class) Valid() bool {
	_, err := ParseClass(string(c))
	return err == nil
}

// Role is an entity's relationship to a document.
type Role string

const (
	RoleIssuer       Role = "Issuer"
	RoleRecipient    Role = "Recipient"
	RoleIntermediary Role = "Intermediary"
)

// Roles lists every role in processing order.
var Roles = []Role{RoleIssuer, RoleRecipient, RoleIntermediary}

// ParseRole validates a role name. The legacy Portuguese names written by
// older state files are accepted as aliases.
func ParseRole(s string) (Role, error) {
	switch s {
	case string(RoleIssuer), "Emitente":
		return RoleIssuer, nil
	case string(RoleRecipient), "Destinatario":
		return RoleRecipient, nil
	case string(RoleIntermediary), "Tomador":
		return RoleIntermediary, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleIssuer, RoleRecipient, RoleIntermediary:
		return true
	}
	return false
}

// Incoming reports whether documents in this role represent an incoming
// transaction for the entity.
func (r Role) Incoming() bool {
	return r == RoleRecipient || r == RoleIntermediary
}
