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

// Package verify implements the static analyses that stand between the
// container format and execution (spec.md §4.2): control-flow boundary
// computation, register classification, must-init dataflow, and the typed
// transfer functions that together prove a Program safe to run tagless.
// Verification never executes bytecode; it only proves properties about it.
package verify

import (
	"fmt"

	"github.com/probelang/sandboxvm/container"
)

// Config bounds the static-analysis resources spent verifying one Program
// (spec.md §6.2). Defaults match SPEC_FULL.md §3.2.
type Config struct {
	MaxRegsPerFunction   int
	MaxBytecodeBytes     int
	MaxBlocks            int
	MaxHostSigs          int
	AllowUnreachableCode bool
}

// DefaultConfig returns the limits spec.md §6.2 prescribes.
func DefaultConfig() Config {
	return Config{
		MaxRegsPerFunction:   4096,
		MaxBytecodeBytes:     1 << 20,
		MaxBlocks:            65536,
		MaxHostSigs:          4096,
		AllowUnreachableCode: true,
	}
}

// VerifyErrorKind enumerates the ways a Program can fail verification.
type VerifyErrorKind int

const (
	ErrUnknownOpcode VerifyErrorKind = iota
	ErrBranchToMidInstruction
	ErrBranchOutOfRange
	ErrUseOfUninitRegister
	ErrRegisterClassConflict
	ErrArityMismatch
	ErrTypeMismatch
	ErrUnknownFunc
	ErrUnknownHostSig
	ErrUnknownType
	ErrUnknownConst
	ErrUnknownField
	ErrResourceLimitExceeded
	ErrMissingTerminator
	ErrUnreachableCode
)

func (k VerifyErrorKind) String() string {
	switch k {
	case ErrUnknownOpcode:
		return "UnknownOpcode"
	case ErrBranchToMidInstruction:
		return "BranchToMidInstruction"
	case ErrBranchOutOfRange:
		return "BranchOutOfRange"
	case ErrUseOfUninitRegister:
		return "UseOfUninitRegister"
	case ErrRegisterClassConflict:
		return "RegisterClassConflict"
	case ErrArityMismatch:
		return "ArityMismatch"
	case ErrTypeMismatch:
		return "TypeMismatch"
	case ErrUnknownFunc:
		return "UnknownFunc"
	case ErrUnknownHostSig:
		return "UnknownHostSig"
	case ErrUnknownType:
		return "UnknownType"
	case ErrUnknownConst:
		return "UnknownConst"
	case ErrUnknownField:
		return "UnknownField"
	case ErrResourceLimitExceeded:
		return "ResourceLimitExceeded"
	case ErrMissingTerminator:
		return "MissingTerminator"
	case ErrUnreachableCode:
		return "UnreachableCode"
	default:
		return "UnknownVerifyError"
	}
}

// VerifyError reports why a Program (or one of its functions) failed
// verification, matching the teacher's codegen.VerifyError shape
// (Offset int; Message string), generalized with a Kind enum and the
// owning FuncId.
type VerifyError struct {
	Kind   VerifyErrorKind
	FuncID container.FuncId
	PC     int // byte offset within the function, -1 if not instruction-specific
	Detail string
}

func (e *VerifyError) Error() string {
	if e.PC >= 0 {
		return fmt.Sprintf("verify: func %d at pc %d: %s: %s", e.FuncID, e.PC, e.Kind, e.Detail)
	}
	return fmt.Sprintf("verify: func %d: %s: %s", e.FuncID, e.Kind, e.Detail)
}

func vErr(funcID container.FuncId, pc int, kind VerifyErrorKind, format string, args ...interface{}) error {
	return &VerifyError{Kind: kind, FuncID: funcID, PC: pc, Detail: fmt.Sprintf(format, args...)}
}

// Verify runs all four analyses over every function in prog and, if they
// all succeed, returns a VerifiedProgram ready for vm.Run. It never
// mutates prog.
func Verify(prog *container.Program, cfg Config) (*VerifiedProgram, error) {
	if len(prog.Bytecode) > cfg.MaxBytecodeBytes {
		return nil, vErr(0, -1, ErrResourceLimitExceeded, "bytecode length %d exceeds MaxBytecodeBytes %d", len(prog.Bytecode), cfg.MaxBytecodeBytes)
	}
	if len(prog.HostSigs) > cfg.MaxHostSigs {
		return nil, vErr(0, -1, ErrResourceLimitExceeded, "host_sig_table length %d exceeds MaxHostSigs %d", len(prog.HostSigs), cfg.MaxHostSigs)
	}

	vp := &VerifiedProgram{
		Symbols:  prog.Symbols,
		Consts:   prog.Consts,
		Types:    prog.Types,
		HostSigs: prog.HostSigs,
		Blob:     prog.Blob,
		Funcs:    make([]VerifiedFunc, len(prog.Funcs)),
	}

	for i := range prog.Funcs {
		fid := container.FuncId(i)
		vf, err := verifyFunc(prog, fid, cfg)
		if err != nil {
			return nil, err
		}
		vp.Funcs[i] = *vf
	}
	return vp, nil
}

func verifyFunc(prog *container.Program, fid container.FuncId, cfg Config) (*VerifiedFunc, error) {
	fe := &prog.Funcs[fid]
	if int(fe.RegCount) > cfg.MaxRegsPerFunction {
		return nil, vErr(fid, -1, ErrResourceLimitExceeded, "register count %d exceeds MaxRegsPerFunction %d", fe.RegCount, cfg.MaxRegsPerFunction)
	}

	instrs, pcIndex, err := decodeFunc(prog, fe)
	if err != nil {
		return nil, &VerifyError{Kind: ErrUnknownOpcode, FuncID: fid, PC: -1, Detail: err.Error()}
	}

	g, err := buildGraph(fid, instrs, pcIndex, cfg)
	if err != nil {
		return nil, err
	}

	entry, _ := runDataflow(prog, fe, instrs, g)

	// Only reachable instructions get must-init/type checked: an unreachable
	// instruction's entry regFile has no predecessors to converge from, so
	// it reads as all-Uninit regardless of what the program actually does
	// (spec.md §4.2.1: unreachable instructions are permitted but still
	// decoded, not validated).
	for i := range instrs {
		if !g.reachable[i] {
			if !cfg.AllowUnreachableCode {
				return nil, vErr(fid, instrs[i].PC, ErrUnreachableCode, "instruction is unreachable from the function entry and AllowUnreachableCode is false")
			}
			continue
		}
		if err := validateInstr(prog, fid, fe, instrs, i, entry[i]); err != nil {
			return nil, err
		}
	}

	return lowerFunc(prog, fid, fe, instrs, pcIndex, entry)
}
