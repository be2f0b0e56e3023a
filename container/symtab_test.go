// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package container

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSymbolTableInternDedups(t *testing.T) {
	st := NewSymbolTable()
	a := st.Intern("alpha")
	b := st.Intern("beta")
	a2 := st.Intern("alpha")

	assert.Equal(t, a, a2)
	assert.NotEqual(t, a, b)
	assert.Equal(t, 2, st.Len())

	s, ok := st.Lookup(a)
	assert.True(t, ok)
	assert.Equal(t, "alpha", s)

	_, ok = st.Lookup(SymbolId(99))
	assert.False(t, ok)
}

func TestSymbolTableInsertionOrder(t *testing.T) {
	st := NewSymbolTable()
	st.Intern("z")
	st.Intern("a")
	st.Intern("m")
	assert.Equal(t, []string{"z", "a", "m"}, st.Strings())
}

func TestSymbolTableClone(t *testing.T) {
	st := NewSymbolTable()
	st.Intern("x")
	clone := st.Clone()
	clone.Intern("y")

	assert.Equal(t, 1, st.Len())
	assert.Equal(t, 2, clone.Len())
}
