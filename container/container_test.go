// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package container

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildSample assembles a small program exercising every section: symbols,
// scalar and blob constants, a struct type, a host signature, and a
// two-function call graph with a conditional branch.
func buildSample(t *testing.T) *Program {
	t.Helper()
	b := NewBuilder()

	pairType := b.AddType(TypeDef{Kind: KindStruct, FieldTypes: []ValueType{
		{Tag: TagI64}, {Tag: TagStr},
	}})

	b.AddHostSig(HostSig{
		ArgTypes: []ValueType{{Tag: TagBytes}},
		RetTypes: []ValueType{{Tag: TagBytes}},
	})

	zero := b.AddI64(0)
	one := b.AddI64(1)
	greeting := b.AddStr("hello")

	// count_up(n i64) -> i64: loops summing 0..n-1.
	b.Func("count_up", []ValueType{{Tag: TagI64}}, []ValueType{{Tag: TagI64}}, 5)
	b.Const(1, zero) // acc = 0
	b.Const(2, zero) // i = 0
	b.Label("loop")
	b.I64CmpLt(3, 2, 0) // i < n
	b.Br(3, "body", "done")
	b.Label("body")
	b.I64Add(1, 1, 2)
	b.Const(4, one)
	b.I64Add(2, 2, 4)
	b.Jmp("loop")
	b.Label("done")
	b.Ret([]uint32{1})
	countUp, err := b.EndFunc()
	require.NoError(t, err)

	// make_pair() -> struct(i64, str)
	b.Func("make_pair", nil, []ValueType{{Tag: TagAgg, TypeID: uint32(pairType)}}, 3)
	b.Const(0, zero)
	b.Const(1, greeting)
	b.StructNew(2, pairType, []uint32{0, 1})
	b.Ret([]uint32{2})
	_, err = b.EndFunc()
	require.NoError(t, err)

	// caller() -> i64: calls count_up(3).
	b.Func("caller", nil, []ValueType{{Tag: TagI64}}, 2)
	three := b.AddI64(3)
	b.Const(0, three)
	b.Call(countUp, []uint32{0}, []uint32{1})
	b.Ret([]uint32{1})
	_, err = b.EndFunc()
	require.NoError(t, err)

	p, err := b.Finish()
	require.NoError(t, err)
	return p
}

func TestRoundTrip(t *testing.T) {
	p := buildSample(t)
	encoded := Encode(p)

	decoded, err := Decode(encoded)
	require.NoError(t, err)

	assert.Equal(t, p.Symbols.Strings(), decoded.Symbols.Strings())
	assert.Equal(t, p.Types, decoded.Types)
	assert.Equal(t, p.HostSigs, decoded.HostSigs)
	assert.Equal(t, p.Bytecode, decoded.Bytecode)
	assert.Equal(t, len(p.Funcs), len(decoded.Funcs))
	for i := range p.Funcs {
		assert.Equal(t, p.Funcs[i], decoded.Funcs[i], "func %d", i)
	}
	require.Equal(t, len(p.Consts), len(decoded.Consts))
	for i, c := range p.Consts {
		d := decoded.Consts[i]
		assert.Equal(t, c.Kind, d.Kind, "const %d kind", i)
		if c.Kind == ConstBytes || c.Kind == ConstStr {
			assert.Equal(t, p.ConstBytes(ConstId(i)), decoded.ConstBytes(ConstId(i)), "const %d payload", i)
		} else {
			assert.Equal(t, c, d, "const %d", i)
		}
	}

	// Re-encoding a decoded program reproduces byte-exact output — the
	// round-trip law from spec.md §8.
	assert.Equal(t, encoded, Encode(decoded))
}

func TestDecodeIsCanonical(t *testing.T) {
	p := buildSample(t)
	a := Encode(p)
	decoded, err := Decode(a)
	require.NoError(t, err)
	b := Encode(decoded)
	assert.Equal(t, a, b)
}

func TestForwardCompatUnknownSectionSkipped(t *testing.T) {
	p := buildSample(t)
	encoded := Encode(p)

	// Splice an unknown section (tag 100, arbitrary body) into the middle
	// of the stream; Decode must skip it and parse everything else as if
	// it were absent (spec.md §4.1's forward-compat law). 100 and 3 both
	// fit in a single LEB128 byte (top bit clear).
	var extra []byte
	extra = append(extra, byte(100)) // tag
	extra = append(extra, byte(3))   // length
	extra = append(extra, []byte("xyz")...)

	spliced := append(append([]byte{}, encoded[:6]...), extra...)
	spliced = append(spliced, encoded[6:]...)

	decoded, err := Decode(spliced)
	require.NoError(t, err)
	assert.Equal(t, p.Bytecode, decoded.Bytecode)
	assert.Equal(t, len(p.Funcs), len(decoded.Funcs))
}

func TestDecodeRejectsDuplicateSection(t *testing.T) {
	p := buildSample(t)
	encoded := Encode(p)

	// Duplicate the whole post-header stream once, so every required tag
	// appears twice.
	dup := append(append([]byte{}, encoded...), encoded[6:]...)
	_, err := Decode(dup)
	require.Error(t, err)
	de, ok := err.(*DecodeError)
	require.True(t, ok)
	assert.Equal(t, ErrDuplicateSection, de.Kind)
}

func TestDecodeRejectsTruncated(t *testing.T) {
	p := buildSample(t)
	encoded := Encode(p)
	_, err := Decode(encoded[:len(encoded)-5])
	require.Error(t, err)
	_, ok := err.(*DecodeError)
	require.True(t, ok)
}

func TestDecodeRejectsMissingRequiredSection(t *testing.T) {
	// A header with no sections at all is missing function_table/bytecode/span_tables.
	hdr := append(append([]byte{}, Magic[:]...), VersionMajor, VersionMinor)
	_, err := Decode(hdr)
	require.Error(t, err)
	de, ok := err.(*DecodeError)
	require.True(t, ok)
	assert.Equal(t, ErrMissingRequiredSection, de.Kind)
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	p := buildSample(t)
	encoded := Encode(p)
	bad := append([]byte{}, encoded...)
	bad[0] ^= 0xff
	_, err := Decode(bad)
	require.Error(t, err)
}

func TestConstBytes(t *testing.T) {
	b := NewBuilder()
	id := b.AddStr("payload")
	b.Func("f", nil, nil, 1)
	b.Trap()
	_, err := b.EndFunc()
	require.NoError(t, err)
	p, err := b.Finish()
	require.NoError(t, err)
	assert.Equal(t, "payload", string(p.ConstBytes(id)))
}
