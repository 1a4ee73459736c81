package testutil

import (
	"fmt"
	"time"

	"github.com/roach88/fiscalsync/internal/fiscal"
)

// Key returns a valid 44-digit document key derived from n.
func Key(n int) fiscal.DocumentKey {
	return fiscal.DocumentKey(fmt.Sprintf("35%042d", n))
}

// Keys returns Key(first) through Key(first+count-1).
func Keys(first, count int) []fiscal.DocumentKey {
	out := make([]fiscal.DocumentKey, count)
	for i := range out {
		out[i] = Key(first + i)
	}
	return out
}

// Doc returns a document whose XML body carries issued as its emission date.
func Doc(key fiscal.DocumentKey, class fiscal.Class, role fiscal.Role, issued time.Time) fiscal.Document {
	body := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?><%sProc><infNFe Id="%s"><ide><dhEmi>%s</dhEmi></ide></infNFe></%sProc>`,
		class, key, issued.Format(time.RFC3339), class)
	return fiscal.Document{
		Key:      key,
		Class:    class,
		Role:     role,
		IssuedAt: issued,
		Content:  []byte(body),
	}
}

// Docs returns one document per key, all issued at issued.
func Docs(keys []fiscal.DocumentKey, class fiscal.Class, role fiscal.Role, issued time.Time) []fiscal.Document {
	out := make([]fiscal.Document, len(keys))
	for i, k := range keys {
		out[i] = Doc(k, class, role, issued)
	}
	return out
}
