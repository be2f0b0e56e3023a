// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package verify

import (
	"github.com/probelang/sandboxvm/container"
	"github.com/probelang/sandboxvm/isa"
)

// RegSlot locates one virtual register within the VM's class-split
// register file (spec.md §3.4/§9's tagless-execution design): Class picks
// which of the nine parallel arrays the register lives in, Slot is its
// dense index within that array. Two different virtual registers with the
// same StorageClass get different Slots; registers of different classes
// may share a Slot number, since they live in different arrays entirely.
type RegSlot struct {
	Class container.StorageClass
	Slot  uint32
}

// RegLayout maps every virtual register address a function's bytecode
// uses to its RegSlot, plus the per-class array lengths the VM must
// allocate for a call frame.
type RegLayout struct {
	Slots     []RegSlot // indexed by virtual register number
	ClassSize [9]uint32 // indexed by container.StorageClass
}

// VerifiedInstr is isa.Instr plus the resolved ValueType of the register
// it writes, pinned down by lowering after it has proven the write safe.
// The VM still reads the const pool, type table, and function table at
// run time.
type VerifiedInstr struct {
	isa.Instr
	DstType container.ValueType // meaningful only when Instr has a single Dst
}

// VerifiedFunc is one function's lowered form: bytecode replaced by a
// linear instruction list (branch targets already resolved to indices
// into it), plus the RegLayout the VM uses to size and address its
// register file for a call frame.
type VerifiedFunc struct {
	Name     container.SymbolId
	ArgTypes []container.ValueType
	RetTypes []container.ValueType
	Layout   RegLayout
	Instrs   []VerifiedInstr
	Spans    []container.SpanEntry
}

// VerifiedProgram is the output of Verify: everything vm.Run needs, with
// every static property spec.md §4.2 names already proven.
type VerifiedProgram struct {
	Symbols  *container.SymbolTable
	Consts   []container.ConstEntry
	Types    []container.TypeDef
	HostSigs []container.HostSig
	Funcs    []VerifiedFunc
	Blob     []byte
}
