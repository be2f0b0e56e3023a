// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package refhost

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/sha3"

	"github.com/probelang/sandboxvm/container"
	"github.com/probelang/sandboxvm/vm"
)

func TestHostConcat(t *testing.T) {
	b := container.NewBuilder()
	concatSig, _ := Sigs(b)
	h := New(map[container.HostSigId]Op{concatSig: OpConcat})

	effect, results, err := h.Call(concatSig, []vm.AbiValueRef{
		{Type: container.ValueType{Tag: container.TagBytes}, Bytes: []byte("foo")},
		{Type: container.ValueType{Tag: container.TagBytes}, Bytes: []byte("bar")},
	}, vm.EffectToken{Seq: 3}, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "foobar", string(results[0].Bytes))
	assert.Equal(t, uint64(4), effect.Seq)
}

func TestHostSHA3(t *testing.T) {
	b := container.NewBuilder()
	_, sha3Sig := Sigs(b)
	h := New(map[container.HostSigId]Op{sha3Sig: OpSHA3})

	effect, results, err := h.Call(sha3Sig, []vm.AbiValueRef{
		{Type: container.ValueType{Tag: container.TagBytes}, Bytes: []byte("hello")},
	}, vm.EffectToken{}, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)

	want := sha3.Sum256([]byte("hello"))
	assert.Equal(t, want[:], results[0].Bytes)
	assert.Equal(t, uint64(1), effect.Seq)
}

func TestHostUnregisteredSig(t *testing.T) {
	h := New(nil)
	_, _, err := h.Call(container.HostSigId(7), nil, vm.EffectToken{}, nil)
	assert.Error(t, err)
}
