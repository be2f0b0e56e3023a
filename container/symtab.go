// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package container

import "golang.org/x/exp/maps"

// SymbolId addresses a deduplicated byte string in the symbols section
// (spec.md §3.1).
type SymbolId uint32

// SymbolTable interns byte strings and hands back a dense, insertion-ordered
// SymbolId for each distinct string — the same intern/lookup shape as
// Sneller's ion.Symtab (ion/symtab.go: an []string plus a string->index
// map), minus the ion-specific pre-interned system symbols, since the
// container format has no such reserved range.
type SymbolTable struct {
	interned []string
	toID     map[string]SymbolId
}

// NewSymbolTable returns an empty table.
func NewSymbolTable() *SymbolTable {
	return &SymbolTable{toID: make(map[string]SymbolId)}
}

// Intern returns s's SymbolId, assigning a new one in insertion order if s
// has not been seen before. Canonical encoding (spec.md §4.1) requires
// symbols to be emitted in this insertion order, which is exactly the order
// Strings() returns them in.
func (t *SymbolTable) Intern(s string) SymbolId {
	if id, ok := t.toID[s]; ok {
		return id
	}
	id := SymbolId(len(t.interned))
	t.interned = append(t.interned, s)
	t.toID[s] = id
	return id
}

// Lookup returns the string for id, or ("", false) if id was never interned.
func (t *SymbolTable) Lookup(id SymbolId) (string, bool) {
	if int(id) >= len(t.interned) {
		return "", false
	}
	return t.interned[id], true
}

// Len returns the number of distinct interned symbols.
func (t *SymbolTable) Len() int { return len(t.interned) }

// Strings returns the interned symbols in SymbolId order. The returned
// slice is owned by the caller.
func (t *SymbolTable) Strings() []string {
	return append([]string(nil), t.interned...)
}

// Clone returns a deep copy that can be mutated independently of t.
func (t *SymbolTable) Clone() *SymbolTable {
	return &SymbolTable{
		interned: append([]string(nil), t.interned...),
		toID:     maps.Clone(t.toID),
	}
}
