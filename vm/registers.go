// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Package vm implements the tagless, register-based bytecode interpreter
// (spec.md §4.3): a class-split register file, arena-backed heap values,
// the host call contract, and the trace sink, all driven by a
// verify.VerifiedProgram that has already proven every register stays one
// class for its whole lifetime.
package vm

import "github.com/probelang/sandboxvm/container"

// Decimal is the VM's runtime representation of a decimal value: a
// little-endian i128 mantissa split across two machine words plus a
// scale, mirroring container.ConstEntry's on-disk Decimal encoding
// (SPEC_FULL.md §3.1). Arithmetic on it is implemented in vm.go's
// execDecimal, with math/big for multiplication; no decimal library exists
// anywhere in the example pack to ground a different representation on.
type Decimal struct {
	Hi    int64
	Lo    uint64
	Scale uint8
}

// Registers is one call frame's register file, split into nine parallel
// arrays — one per container.StorageClass — instead of one tagged array.
// The verifier's class-stability guarantee (spec.md §3.4) is what licenses
// this layout: every virtual register was assigned exactly one RegSlot at
// verify time, so the interpreter indexes straight into the matching array
// with no runtime tag check (spec.md §9's tagless-execution design note).
type Registers struct {
	I64     []int64
	U64     []uint64
	F64     []float64
	Bool    []bool
	Unit    int // count only; Unit carries no payload
	Decimal []Decimal
	Bytes   []BytesHandle
	Str     []StrHandle
	Agg     []AggHandle
}

// BytesHandle, StrHandle, and AggHandle address a value in the
// corresponding arena for the lifetime of one vm.Run (spec.md §3.4).
type BytesHandle uint32
type StrHandle uint32
type AggHandle uint32

// NewRegisters allocates a Registers sized for one call frame from the
// per-class counts a verify.RegLayout computed.
func NewRegisters(classSize [9]uint32) *Registers {
	return &Registers{
		I64:     make([]int64, classSize[container.StoreI64]),
		U64:     make([]uint64, classSize[container.StoreU64]),
		F64:     make([]float64, classSize[container.StoreF64]),
		Bool:    make([]bool, classSize[container.StoreBool]),
		Unit:    int(classSize[container.StoreUnit]),
		Decimal: make([]Decimal, classSize[container.StoreDecimal]),
		Bytes:   make([]BytesHandle, classSize[container.StoreBytes]),
		Str:     make([]StrHandle, classSize[container.StoreStr]),
		Agg:     make([]AggHandle, classSize[container.StoreAgg]),
	}
}
