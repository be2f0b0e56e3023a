// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The ProbeChain is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the ProbeChain. If not, see <http://www.gnu.org/licenses/>.

// Package refhost provides a minimal reference vm.Host implementation,
// used by cmd/sandboxvm: one op per host
// signature id, dispatched by HostSigId, with no external dependency
// beyond the hashing primitive itself (spec.md §4.4: cryptography is a
// host concern, never a core opcode).
package refhost

import (
	"fmt"

	"golang.org/x/crypto/sha3"

	"github.com/probelang/sandboxvm/container"
	"github.com/probelang/sandboxvm/vm"
)

// Op identifies one of refhost's built-in host operations. A Host
// implementation is free to assign these to any HostSigId the embedding
// container's host_sig_table declares; Host does not assume op N is
// always at HostSigId N.
type Op int

const (
	// OpConcat appends its second Bytes argument to its first and
	// returns the result, grounding spec.md §8's host_ping scenario.
	OpConcat Op = iota
	// OpSHA3 returns the 32-byte SHA3-256 digest of its single Bytes
	// argument.
	OpSHA3
)

// Host is a reference vm.Host: a fixed table mapping each HostSigId it
// was constructed with to one Op, executed against the signature's
// declared arg/ret shape. It keeps no state across calls beyond the
// dispatch table itself; each successful call returns the effect token
// with Seq advanced by one.
type Host struct {
	ops map[container.HostSigId]Op
}

// New builds a Host dispatching sig to op for each entry in ops.
func New(ops map[container.HostSigId]Op) *Host {
	return &Host{ops: ops}
}

func (h *Host) Call(sigID container.HostSigId, args []vm.AbiValueRef, effect vm.EffectToken, sink vm.AccessSink) (vm.EffectToken, []vm.OwnedValue, error) {
	op, ok := h.ops[sigID]
	if !ok {
		return effect, nil, fmt.Errorf("refhost: no op registered for host sig %d", sigID)
	}
	switch op {
	case OpConcat:
		return h.callConcat(args, effect)
	case OpSHA3:
		return h.callSHA3(args, effect)
	default:
		return effect, nil, fmt.Errorf("refhost: unknown op %d", op)
	}
}

func (h *Host) callConcat(args []vm.AbiValueRef, effect vm.EffectToken) (vm.EffectToken, []vm.OwnedValue, error) {
	if len(args) != 2 {
		return effect, nil, fmt.Errorf("refhost: concat wants 2 args, got %d", len(args))
	}
	out := make([]byte, 0, len(args[0].Bytes)+len(args[1].Bytes))
	out = append(out, args[0].Bytes...)
	out = append(out, args[1].Bytes...)
	return vm.EffectToken{Seq: effect.Seq + 1}, []vm.OwnedValue{
		{Type: container.ValueType{Tag: container.TagBytes}, Bytes: out},
	}, nil
}

func (h *Host) callSHA3(args []vm.AbiValueRef, effect vm.EffectToken) (vm.EffectToken, []vm.OwnedValue, error) {
	if len(args) != 1 {
		return effect, nil, fmt.Errorf("refhost: sha3 wants 1 arg, got %d", len(args))
	}
	digest := sha3.Sum256(args[0].Bytes)
	return vm.EffectToken{Seq: effect.Seq + 1}, []vm.OwnedValue{
		{Type: container.ValueType{Tag: container.TagBytes}, Bytes: digest[:]},
	}, nil
}

// Sigs returns the HostSig declarations refhost's ops expect, in a fixed
// order (OpConcat, OpSHA3), so a caller assembling a container can add
// them to its host_sig_table and build a matching New(ops) table from
// the returned HostSigIds.
func Sigs(b *container.Builder) (concat, sha3sig container.HostSigId) {
	concat = b.AddHostSig(container.HostSig{
		ArgTypes: []container.ValueType{{Tag: container.TagBytes}, {Tag: container.TagBytes}},
		RetTypes: []container.ValueType{{Tag: container.TagBytes}},
	})
	sha3sig = b.AddHostSig(container.HostSig{
		ArgTypes: []container.ValueType{{Tag: container.TagBytes}},
		RetTypes: []container.ValueType{{Tag: container.TagBytes}},
	})
	return concat, sha3sig
}
