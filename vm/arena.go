// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package vm

// BytesArena, StrArena, and AggArena are the per-run heaps for Bytes, Str,
// and aggregate values (spec.md §3.4). Each is adapted from the teacher's
// lang/vm/memory.go Memory type: same bump-allocator-plus-handle-table
// shape, generalized from one flat byte heap tracked by base address into
// one typed slice per value kind, addressed by a dense handle instead of a
// byte offset. Unlike Memory, nothing is ever freed element-wise — a run's
// arenas are dropped wholesale when the run ends (Reset, or simply letting
// the VM go out of scope), since spec.md's memory model has no notion of
// an in-run free.

// MemoryBudgetError is returned when an arena allocation would exceed its
// configured budget.
type MemoryBudgetError struct {
	Arena    string
	Used     uint64
	Limit    uint64
	Requested uint64
}

func (e *MemoryBudgetError) Error() string {
	return "vm: " + e.Arena + " arena budget exceeded"
}

// BytesArena owns every Bytes value materialized during one run.
type BytesArena struct {
	values [][]byte
	used   uint64
	limit  uint64
}

func NewBytesArena(limit uint64) *BytesArena {
	return &BytesArena{limit: limit}
}

func (a *BytesArena) Alloc(data []byte) (BytesHandle, error) {
	if a.used+uint64(len(data)) > a.limit {
		return 0, &MemoryBudgetError{Arena: "bytes", Used: a.used, Limit: a.limit, Requested: uint64(len(data))}
	}
	h := BytesHandle(len(a.values))
	a.values = append(a.values, data)
	a.used += uint64(len(data))
	return h, nil
}

func (a *BytesArena) Get(h BytesHandle) []byte { return a.values[h] }

func (a *BytesArena) Reset() {
	a.values = a.values[:0]
	a.used = 0
}

// StrArena owns every Str value materialized during one run. Str payloads
// are required to be valid UTF-8 at allocation time (spec.md §3.3); the
// caller is responsible for validating before calling Alloc, since the
// validity check differs by source (const pool vs. bytes_to_str).
type StrArena struct {
	values []string
	used   uint64
	limit  uint64
}

func NewStrArena(limit uint64) *StrArena {
	return &StrArena{limit: limit}
}

func (a *StrArena) Alloc(s string) (StrHandle, error) {
	if a.used+uint64(len(s)) > a.limit {
		return 0, &MemoryBudgetError{Arena: "str", Used: a.used, Limit: a.limit, Requested: uint64(len(s))}
	}
	h := StrHandle(len(a.values))
	a.values = append(a.values, s)
	a.used += uint64(len(s))
	return h, nil
}

func (a *StrArena) Get(h StrHandle) string { return a.values[h] }

func (a *StrArena) Reset() {
	a.values = a.values[:0]
	a.used = 0
}

// Agg is one materialized aggregate (tuple/struct/array): its TypeId plus
// the raw register-width words of its fields/elements, stored untagged
// because the verifier has already proven each field's class statically
// (spec.md §3.4) and the interpreter only ever indexes into it with an
// already-verified field index.
type Agg struct {
	TypeID  uint32
	Fields  []uint64 // reinterpreted per field/element's known class at access time
	Handles []uint64 // parallel slot holding the sub-handle of a Bytes/Str/Agg field, or a Decimal field's low word
}

// AggArena owns every aggregate value materialized during one run.
type AggArena struct {
	values []Agg
	used   uint64
	limit  uint64
}

func NewAggArena(limit uint64) *AggArena {
	return &AggArena{limit: limit}
}

func (a *AggArena) Alloc(v Agg) (AggHandle, error) {
	cost := uint64(len(v.Fields)+len(v.Handles)) * 8
	if a.used+cost > a.limit {
		return 0, &MemoryBudgetError{Arena: "agg", Used: a.used, Limit: a.limit, Requested: cost}
	}
	h := AggHandle(len(a.values))
	a.values = append(a.values, v)
	a.used += cost
	return h, nil
}

func (a *AggArena) Get(h AggHandle) Agg { return a.values[h] }

func (a *AggArena) Reset() {
	a.values = a.values[:0]
	a.used = 0
}
