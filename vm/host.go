// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package vm

import (
	"sync"

	"github.com/dchest/siphash"

	"github.com/probelang/sandboxvm/container"
)

// AbiValueRef is one argument passed across the host boundary: the
// caller-side register's resolved ValueType plus enough of its payload
// for the host to read without reaching back into the VM's register file
// directly (spec.md §4.4). Scalars are carried inline; Bytes and Str carry
// the arena-held payload itself (a view, not a copy), so the host must not
// retain or modify it past the call (spec.md §4.4's "no retained
// references" rule).
type AbiValueRef struct {
	Type container.ValueType

	I64  int64
	U64  uint64
	F64  float64
	Bool bool
	Dec  Decimal

	Bytes []byte
	Str   string
}

// OwnedValue is one value the host hands back to the VM. Its Type must
// match the HostSig's declared return type at that position; the VM
// re-validates this at the call site rather than trusting the host.
type OwnedValue struct {
	Type container.ValueType

	I64  int64
	U64  uint64
	F64  float64
	Bool bool
	Dec  Decimal

	Bytes []byte
	Str   string
}

// EffectToken threads the host's ambient effect state across calls
// (spec.md §4.4): an opaque value the VM never interprets, only passes
// back unchanged to the next Host.Call. The VM holds it in its own state,
// not in a virtual register; r0 holds a function's first argument.
type EffectToken struct {
	Seq uint64
}

// ResourceKey names one external resource a host op consults or mutates,
// for AccessSink to record (spec.md §4.4's "narrow dependency contract").
type ResourceKey struct {
	Namespace string
	Key       string
}

// AccessSink receives one record per resource a host call touches. It is
// never called by anything except a Host implementation's own bookkeeping
// — the VM core has no opinion about what a ResourceKey means.
type AccessSink interface {
	Record(k ResourceKey, write bool)
}

// Host is the embedder contract a verified program's host_call
// instructions invoke (spec.md §4.4). Implementations own everything
// about what a HostSigId means; the VM only guarantees the arg/ret shapes
// matched the container's host_sig_table before Call is ever invoked.
type Host interface {
	Call(sigID container.HostSigId, args []AbiValueRef, effect EffectToken, sink AccessSink) (EffectToken, []OwnedValue, error)
}

// siphash keys used by FingerprintKey. Fixed rather than random so two
// runs fingerprint the same ResourceKey identically — callers needing
// unpredictability should hash their own salt into the Key field instead.
const (
	fingerprintK0 = 0x736b6279766d3031
	fingerprintK1 = 0x73616e64626f7831
)

// FingerprintKey hashes a ResourceKey to a dedup-friendly uint64 using
// siphash, the same function Sneller uses to fingerprint cache/tenant
// keys (vm/interphash.go, tenant.go) — grounded in SPEC_FULL.md §3.4.
func FingerprintKey(k ResourceKey) uint64 {
	buf := make([]byte, 0, len(k.Namespace)+len(k.Key)+1)
	buf = append(buf, k.Namespace...)
	buf = append(buf, 0)
	buf = append(buf, k.Key...)
	return siphash.Hash(fingerprintK0, fingerprintK1, buf)
}

// DedupingAccessSink wraps an AccessSink and suppresses repeat Record
// reads of a ResourceKey already recorded this run (by an earlier read or
// write); a write is always forwarded, since a later write is never
// redundant with an earlier read/write of the same key.
type DedupingAccessSink struct {
	mu   sync.Mutex
	next AccessSink
	seen map[uint64]bool
}

func NewDedupingAccessSink(next AccessSink) *DedupingAccessSink {
	return &DedupingAccessSink{next: next, seen: make(map[uint64]bool)}
}

func (d *DedupingAccessSink) Record(k ResourceKey, write bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fp := FingerprintKey(k)
	if !write && d.seen[fp] {
		return
	}
	d.seen[fp] = true
	d.next.Record(k, write)
}
