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

package vm

import (
	"fmt"
	"math"
	"math/big"
	"math/bits"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/probelang/sandboxvm/container"
	"github.com/probelang/sandboxvm/isa"
	"github.com/probelang/sandboxvm/verify"
)

// Value is a dynamically-typed value at the VM boundary: call arguments
// going in, return values and host call args/results coming out. Inside a
// run, values live untagged in the register file and arenas; Value exists
// only where the boundary itself requires carrying a type alongside data
// (spec.md §6.3's Run signature, §4.4's host ABI).
type Value struct {
	Type container.ValueType

	I64  int64
	U64  uint64
	F64  float64
	Bool bool
	Dec  Decimal

	Bytes []byte
	Str   string
}

// Budget bounds one run's resource consumption (spec.md §5).
type Budget struct {
	MaxInstructions uint64
	MaxMemoryBytes  uint64
	MaxCallDepth    int
}

// DefaultBudget matches spec.md §6.2's VM-side defaults.
func DefaultBudget() Budget {
	return Budget{MaxInstructions: 10_000_000, MaxMemoryBytes: 64 << 20, MaxCallDepth: 10_000}
}

// frame is one live call's register file and resume point.
type frame struct {
	funcID    container.FuncId
	ip        int
	regs      *Registers
	retDst    []uint32 // caller registers to receive this frame's Ret values; nil for the outermost frame
	callerIdx int      // index into VM.frames, -1 for the outermost frame
}

// VM executes one verify.VerifiedProgram run. A VM is single-use: create
// one with New per Run, the way spec.md §5 describes run isolation ("no
// state survives between runs" beyond what the embedder passes back in).
type VM struct {
	prog  *verify.VerifiedProgram
	host  Host
	trace Trace
	sink  AccessSink
	runID string

	bytes *BytesArena
	str   *StrArena
	agg   *AggArena

	budget    Budget
	instrUsed uint64
	effect    EffectToken
	frames    []frame
	cancel    <-chan struct{}
}

// New prepares a VM for one run of prog. It does not start execution;
// call Run with the entry function and its args.
func New(prog *verify.VerifiedProgram, host Host, trace Trace, sink AccessSink, budget Budget, cancel <-chan struct{}) *VM {
	return &VM{
		prog:  prog,
		host:  host,
		trace: trace,
		sink:  sink,
		runID: uuid.New().String(),
		bytes: NewBytesArena(budget.MaxMemoryBytes),
		str:   NewStrArena(budget.MaxMemoryBytes),
		agg:   NewAggArena(budget.MaxMemoryBytes),
		budget: budget,
		cancel: cancel,
	}
}

// RunID returns the UUID identifying this VM instance's run, attached to
// every TraceEvent it emits (SPEC_FULL.md §3.3).
func (m *VM) RunID() string { return m.runID }

// Run executes entry with args to completion, returning its declared
// return values. A *Trap is returned (wrapped in err) for any run-time
// failure spec.md §7 assigns to the Trap taxonomy.
func (m *VM) Run(entry container.FuncId, args []Value) ([]Value, error) {
	if int(entry) >= len(m.prog.Funcs) {
		return nil, fmt.Errorf("vm: entry func %d out of range", entry)
	}
	if err := m.pushFrame(entry, args, nil, -1); err != nil {
		return nil, err
	}

	for len(m.frames) > 0 {
		ret, err := m.step()
		if err != nil {
			return nil, err
		}
		if ret != nil {
			if len(m.frames) == 0 {
				return ret, nil
			}
		}
	}
	return nil, fmt.Errorf("vm: run ended without a terminating return")
}

func (m *VM) pushFrame(fid container.FuncId, args []Value, retDst []uint32, callerIdx int) error {
	if len(m.frames) >= m.budget.MaxCallDepth {
		return newTrap(TrapCallStackOverflow, m.snapshot(), "call depth exceeded %d", m.budget.MaxCallDepth)
	}
	fn := &m.prog.Funcs[fid]
	regs := NewRegisters(fn.Layout.ClassSize)
	for i, a := range args {
		if err := m.storeValue(regs, fn.Layout.Slots[i], a); err != nil {
			return err
		}
	}
	m.frames = append(m.frames, frame{funcID: fid, ip: 0, regs: regs, retDst: retDst, callerIdx: callerIdx})
	return nil
}

func (m *VM) snapshot() []FrameSnapshot {
	out := make([]FrameSnapshot, len(m.frames))
	for i, f := range m.frames {
		out[i] = FrameSnapshot{FuncID: uint32(f.funcID), PC: f.ip}
	}
	return out
}

func (m *VM) checkCancelled() error {
	select {
	case <-m.cancel:
		return newTrap(TrapCancelled, m.snapshot(), "run cancelled")
	default:
		return nil
	}
}

// step executes exactly one instruction in the top frame. It returns a
// non-nil []Value only when the outermost frame just returned, in which
// case the run is complete.
func (m *VM) step() ([]Value, error) {
	if m.cancel != nil {
		if err := m.checkCancelled(); err != nil {
			return nil, err
		}
	}
	m.instrUsed++
	if m.instrUsed > m.budget.MaxInstructions {
		return nil, newTrap(TrapInstructionBudgetExceeded, m.snapshot(), "exceeded %d instructions", m.budget.MaxInstructions)
	}

	top := len(m.frames) - 1
	f := &m.frames[top]
	fn := &m.prog.Funcs[f.funcID]
	in := &fn.Instrs[f.ip].Instr

	if m.trace != nil {
		m.trace.Emit(TraceEvent{RunID: m.runID, FuncID: uint32(f.funcID), PC: in.PC, Op: in.Op.String()})
	}

	switch in.Op {
	case isa.OpRet:
		vals := make([]Value, len(in.Rets))
		for i, r := range in.Rets {
			vals[i] = m.loadValue(f.regs, fn.Layout.Slots[r])
		}
		caller := f.callerIdx
		retDst := f.retDst
		m.frames = m.frames[:top]
		if caller < 0 {
			return vals, nil
		}
		cf := &m.frames[caller]
		cfn := &m.prog.Funcs[cf.funcID]
		for i, dst := range retDst {
			if err := m.storeValue(cf.regs, cfn.Layout.Slots[dst], vals[i]); err != nil {
				return nil, err
			}
		}
		cf.ip++
		return nil, nil

	case isa.OpTrap:
		return nil, newTrap(TrapExplicit, m.snapshot(), "trap instruction executed")

	case isa.OpBr:
		cond := f.regs.Bool[fn.Layout.Slots[in.Src[0]].Slot]
		if cond {
			f.ip = int(in.BranchT)
		} else {
			f.ip = int(in.BranchF)
		}
		return nil, nil

	case isa.OpJmp:
		f.ip = int(in.BranchT)
		return nil, nil

	case isa.OpCall:
		args := make([]Value, len(in.Args))
		for i, a := range in.Args {
			args[i] = m.loadValue(f.regs, fn.Layout.Slots[a])
		}
		if err := m.pushFrame(container.FuncId(in.FuncID), args, in.Rets, top); err != nil {
			return nil, err
		}
		// ip advances for this frame only after the callee's Ret writes
		// back into it (see the OpRet branch above).
		return nil, nil

	case isa.OpHostCall:
		return nil, m.execHostCall(f, fn, in)

	default:
		if err := m.execValueOp(f, fn, in); err != nil {
			return nil, err
		}
		f.ip++
		return nil, nil
	}
}

func (m *VM) execHostCall(f *frame, fn *verify.VerifiedFunc, in *isa.Instr) error {
	args := make([]AbiValueRef, len(in.Args))
	for i, a := range in.Args {
		v := m.loadValue(f.regs, fn.Layout.Slots[a])
		args[i] = AbiValueRef{Type: v.Type, I64: v.I64, U64: v.U64, F64: v.F64, Bool: v.Bool, Dec: v.Dec, Bytes: v.Bytes, Str: v.Str}
	}
	sink := m.sink
	if sink == nil {
		sink = noopSink{}
	}
	newEffect, results, err := m.host.Call(container.HostSigId(in.HostSigID), args, m.effect, sink)
	if err != nil {
		return newTrap(TrapHostCallFailed, m.snapshot(), "%v", err)
	}
	m.effect = newEffect
	sig := m.prog.HostSigs[in.HostSigID]
	if len(results) != len(in.Rets) {
		return newTrap(TrapHostCallFailed, m.snapshot(), "host returned %d values, sig declares %d", len(results), len(in.Rets))
	}
	for i, r := range in.Rets {
		ov := results[i]
		if ov.Type != sig.RetTypes[i] {
			return newTrap(TrapHostCallFailed, m.snapshot(), "host return %d has type %s, sig declares %s", i, ov.Type, sig.RetTypes[i])
		}
		v := Value{Type: ov.Type, I64: ov.I64, U64: ov.U64, F64: ov.F64, Bool: ov.Bool, Dec: ov.Dec, Bytes: ov.Bytes, Str: ov.Str}
		if err := m.storeValue(f.regs, fn.Layout.Slots[r], v); err != nil {
			return err
		}
	}
	f.ip++
	return nil
}

type noopSink struct{}

func (noopSink) Record(ResourceKey, bool) {}

func (m *VM) loadValue(regs *Registers, slot verify.RegSlot) Value {
	switch slot.Class {
	case container.StoreI64:
		return Value{Type: container.ValueType{Tag: container.TagI64}, I64: regs.I64[slot.Slot]}
	case container.StoreU64:
		return Value{Type: container.ValueType{Tag: container.TagU64}, U64: regs.U64[slot.Slot]}
	case container.StoreF64:
		return Value{Type: container.ValueType{Tag: container.TagF64}, F64: regs.F64[slot.Slot]}
	case container.StoreBool:
		return Value{Type: container.ValueType{Tag: container.TagBool}, Bool: regs.Bool[slot.Slot]}
	case container.StoreUnit:
		return Value{Type: container.ValueType{Tag: container.TagUnit}}
	case container.StoreDecimal:
		d := regs.Decimal[slot.Slot]
		return Value{Type: container.ValueType{Tag: container.TagDecimal, Scale: d.Scale}, Dec: d}
	case container.StoreBytes:
		return Value{Type: container.ValueType{Tag: container.TagBytes}, Bytes: m.bytes.Get(regs.Bytes[slot.Slot])}
	case container.StoreStr:
		return Value{Type: container.ValueType{Tag: container.TagStr}, Str: m.str.Get(regs.Str[slot.Slot])}
	default:
		return Value{Type: container.ValueType{Tag: container.TagAgg}, U64: uint64(regs.Agg[slot.Slot])}
	}
}

func (m *VM) storeValue(regs *Registers, slot verify.RegSlot, v Value) error {
	switch slot.Class {
	case container.StoreI64:
		regs.I64[slot.Slot] = v.I64
	case container.StoreU64:
		regs.U64[slot.Slot] = v.U64
	case container.StoreF64:
		regs.F64[slot.Slot] = v.F64
	case container.StoreBool:
		regs.Bool[slot.Slot] = v.Bool
	case container.StoreUnit:
		// no payload
	case container.StoreDecimal:
		regs.Decimal[slot.Slot] = v.Dec
	case container.StoreBytes:
		h, err := m.bytes.Alloc(v.Bytes)
		if err != nil {
			return newTrap(TrapMemoryBudgetExceeded, m.snapshot(), "%v", err)
		}
		regs.Bytes[slot.Slot] = h
	case container.StoreStr:
		if !utf8.ValidString(v.Str) {
			return newTrap(TrapInvalidUTF8, m.snapshot(), "string value is not valid UTF-8")
		}
		h, err := m.str.Alloc(v.Str)
		if err != nil {
			return newTrap(TrapMemoryBudgetExceeded, m.snapshot(), "%v", err)
		}
		regs.Str[slot.Slot] = h
	case container.StoreAgg:
		regs.Agg[slot.Slot] = AggHandle(v.U64)
	}
	return nil
}

// ---- arithmetic / const / aggregate op execution ---------------------------

func (m *VM) execValueOp(f *frame, fn *verify.VerifiedFunc, in *isa.Instr) error {
	slots := fn.Layout.Slots
	switch in.Op {
	case isa.OpConst:
		return m.execConst(f, fn, in)

	case isa.OpI64Add, isa.OpI64Sub, isa.OpI64Mul, isa.OpI64Div, isa.OpI64Rem,
		isa.OpI64And, isa.OpI64Or, isa.OpI64Xor, isa.OpI64Shl, isa.OpI64Shr,
		isa.OpI64CmpEq, isa.OpI64CmpLt, isa.OpI64CmpLe:
		return m.execI64(f, slots, in)

	case isa.OpU64Add, isa.OpU64Sub, isa.OpU64Mul, isa.OpU64Div, isa.OpU64Rem,
		isa.OpU64And, isa.OpU64Or, isa.OpU64Xor, isa.OpU64Shl, isa.OpU64Shr,
		isa.OpU64CmpEq, isa.OpU64CmpLt, isa.OpU64CmpLe:
		return m.execU64(f, slots, in)

	case isa.OpF64Add, isa.OpF64Sub, isa.OpF64Mul, isa.OpF64Div,
		isa.OpF64CmpEq, isa.OpF64CmpLt, isa.OpF64CmpLe:
		return m.execF64(f, slots, in)

	case isa.OpDecAdd, isa.OpDecSub, isa.OpDecMul:
		return m.execDecimal(f, slots, in)

	case isa.OpBoolAnd, isa.OpBoolOr, isa.OpBoolNot:
		return m.execBool(f, slots, in)

	case isa.OpBytesLen, isa.OpBytesEq, isa.OpBytesConcat, isa.OpBytesSlice,
		isa.OpBytesGet, isa.OpBytesGetImm, isa.OpBytesToStr:
		return m.execBytes(f, slots, in)

	case isa.OpStrLen, isa.OpStrEq, isa.OpStrConcat, isa.OpStrSlice, isa.OpStrToBytes:
		return m.execStr(f, slots, in)

	case isa.OpTupleNew, isa.OpStructNew:
		return m.execAggNew(f, fn, in)
	case isa.OpArrayNew:
		return m.execArrayNew(f, fn, in)
	case isa.OpTupleGet, isa.OpStructGet:
		return m.execAggGet(f, fn, in)
	case isa.OpArrayGet:
		return m.execArrayGet(f, fn, in)

	default:
		return fmt.Errorf("vm: opcode %s has no execution rule", in.Op)
	}
}

func (m *VM) execConst(f *frame, fn *verify.VerifiedFunc, in *isa.Instr) error {
	c := m.prog.Consts[in.ConstIdx]
	var v Value
	switch c.Kind {
	case container.ConstI64:
		v = Value{Type: c.ValueType(), I64: c.I64}
	case container.ConstU64:
		v = Value{Type: c.ValueType(), U64: c.U64}
	case container.ConstF64:
		v = Value{Type: c.ValueType(), F64: math.Float64frombits(c.Bits)}
	case container.ConstBool:
		v = Value{Type: c.ValueType(), Bool: c.Bool}
	case container.ConstUnit:
		v = Value{Type: c.ValueType()}
	case container.ConstDecimal:
		v = Value{Type: c.ValueType(), Dec: Decimal{Hi: c.DecHi, Lo: c.DecLo, Scale: c.DecScl}}
	case container.ConstBytes:
		payload := m.prog.Blob[c.BlobOff : c.BlobOff+c.BlobLen]
		v = Value{Type: c.ValueType(), Bytes: append([]byte(nil), payload...)}
	case container.ConstStr:
		payload := m.prog.Blob[c.BlobOff : c.BlobOff+c.BlobLen]
		v = Value{Type: c.ValueType(), Str: string(payload)}
	}
	return m.storeValue(f.regs, fn.Layout.Slots[in.Dst], v)
}

// ---- i64/u64/f64/decimal/bool/bytes/str op groups --------------------------

func (m *VM) execI64(f *frame, slots []verify.RegSlot, in *isa.Instr) error {
	x, y := f.regs.I64[slots[in.Src[0]].Slot], f.regs.I64[slots[in.Src[1]].Slot]
	dst := slots[in.Dst]
	switch in.Op {
	case isa.OpI64Add:
		f.regs.I64[dst.Slot] = x + y
	case isa.OpI64Sub:
		f.regs.I64[dst.Slot] = x - y
	case isa.OpI64Mul:
		f.regs.I64[dst.Slot] = x * y
	case isa.OpI64Div:
		if y == 0 {
			return newTrap(TrapDivisionByZero, m.snapshot(), "i64.div by zero")
		}
		f.regs.I64[dst.Slot] = x / y
	case isa.OpI64Rem:
		if y == 0 {
			return newTrap(TrapDivisionByZero, m.snapshot(), "i64.rem by zero")
		}
		f.regs.I64[dst.Slot] = x % y
	case isa.OpI64And:
		f.regs.I64[dst.Slot] = x & y
	case isa.OpI64Or:
		f.regs.I64[dst.Slot] = x | y
	case isa.OpI64Xor:
		f.regs.I64[dst.Slot] = x ^ y
	case isa.OpI64Shl:
		f.regs.I64[dst.Slot] = x << uint(y)
	case isa.OpI64Shr:
		f.regs.I64[dst.Slot] = x >> uint(y)
	case isa.OpI64CmpEq:
		f.regs.Bool[dst.Slot] = x == y
	case isa.OpI64CmpLt:
		f.regs.Bool[dst.Slot] = x < y
	case isa.OpI64CmpLe:
		f.regs.Bool[dst.Slot] = x <= y
	}
	return nil
}

func (m *VM) execU64(f *frame, slots []verify.RegSlot, in *isa.Instr) error {
	x, y := f.regs.U64[slots[in.Src[0]].Slot], f.regs.U64[slots[in.Src[1]].Slot]
	dst := slots[in.Dst]
	switch in.Op {
	case isa.OpU64Add:
		f.regs.U64[dst.Slot] = x + y
	case isa.OpU64Sub:
		f.regs.U64[dst.Slot] = x - y
	case isa.OpU64Mul:
		f.regs.U64[dst.Slot] = x * y
	case isa.OpU64Div:
		if y == 0 {
			return newTrap(TrapDivisionByZero, m.snapshot(), "u64.div by zero")
		}
		f.regs.U64[dst.Slot] = x / y
	case isa.OpU64Rem:
		if y == 0 {
			return newTrap(TrapDivisionByZero, m.snapshot(), "u64.rem by zero")
		}
		f.regs.U64[dst.Slot] = x % y
	case isa.OpU64And:
		f.regs.U64[dst.Slot] = x & y
	case isa.OpU64Or:
		f.regs.U64[dst.Slot] = x | y
	case isa.OpU64Xor:
		f.regs.U64[dst.Slot] = x ^ y
	case isa.OpU64Shl:
		f.regs.U64[dst.Slot] = x << y
	case isa.OpU64Shr:
		f.regs.U64[dst.Slot] = x >> y
	case isa.OpU64CmpEq:
		f.regs.Bool[dst.Slot] = x == y
	case isa.OpU64CmpLt:
		f.regs.Bool[dst.Slot] = x < y
	case isa.OpU64CmpLe:
		f.regs.Bool[dst.Slot] = x <= y
	}
	return nil
}

func (m *VM) execF64(f *frame, slots []verify.RegSlot, in *isa.Instr) error {
	x, y := f.regs.F64[slots[in.Src[0]].Slot], f.regs.F64[slots[in.Src[1]].Slot]
	dst := slots[in.Dst]
	switch in.Op {
	case isa.OpF64Add:
		f.regs.F64[dst.Slot] = x + y
	case isa.OpF64Sub:
		f.regs.F64[dst.Slot] = x - y
	case isa.OpF64Mul:
		f.regs.F64[dst.Slot] = x * y
	case isa.OpF64Div:
		f.regs.F64[dst.Slot] = x / y
	case isa.OpF64CmpEq:
		f.regs.Bool[dst.Slot] = x == y
	case isa.OpF64CmpLt:
		f.regs.Bool[dst.Slot] = x < y
	case isa.OpF64CmpLe:
		f.regs.Bool[dst.Slot] = x <= y
	}
	return nil
}

// execDecimal implements i128 add/sub directly with math/bits (a fixed-
// width carry add/sub is exactly what bits.Add64/Sub64 are for) and
// widening multiply via math/big, since a correct 128x128-bit truncating
// multiply has no single math/bits primitive — no decimal library exists
// anywhere in the example pack to ground a different choice on
// (SPEC_FULL.md §3.1/DESIGN.md).
func (m *VM) execDecimal(f *frame, slots []verify.RegSlot, in *isa.Instr) error {
	x, y := f.regs.Decimal[slots[in.Src[0]].Slot], f.regs.Decimal[slots[in.Src[1]].Slot]
	dst := slots[in.Dst]
	switch in.Op {
	case isa.OpDecAdd:
		lo, carry := bits.Add64(x.Lo, y.Lo, 0)
		hi, _ := bits.Add64(uint64(x.Hi), uint64(y.Hi), carry)
		f.regs.Decimal[dst.Slot] = Decimal{Hi: int64(hi), Lo: lo, Scale: x.Scale}
	case isa.OpDecSub:
		lo, borrow := bits.Sub64(x.Lo, y.Lo, 0)
		hi, _ := bits.Sub64(uint64(x.Hi), uint64(y.Hi), borrow)
		f.regs.Decimal[dst.Slot] = Decimal{Hi: int64(hi), Lo: lo, Scale: x.Scale}
	case isa.OpDecMul:
		xi := i128ToBig(x)
		yi := i128ToBig(y)
		prod := new(big.Int).Mul(xi, yi)
		hi, lo := bigToI128(prod)
		f.regs.Decimal[dst.Slot] = Decimal{Hi: hi, Lo: lo, Scale: x.Scale}
	}
	return nil
}

func i128ToBig(d Decimal) *big.Int {
	v := new(big.Int).Lsh(big.NewInt(d.Hi), 64)
	v.Or(v, new(big.Int).SetUint64(d.Lo))
	return v
}

func bigToI128(v *big.Int) (hi int64, lo uint64) {
	mask := new(big.Int).SetUint64(^uint64(0))
	lo = new(big.Int).And(v, mask).Uint64()
	hi = new(big.Int).Rsh(v, 64).Int64()
	return hi, lo
}

func (m *VM) execBool(f *frame, slots []verify.RegSlot, in *isa.Instr) error {
	dst := slots[in.Dst]
	switch in.Op {
	case isa.OpBoolAnd:
		x, y := f.regs.Bool[slots[in.Src[0]].Slot], f.regs.Bool[slots[in.Src[1]].Slot]
		f.regs.Bool[dst.Slot] = x && y
	case isa.OpBoolOr:
		x, y := f.regs.Bool[slots[in.Src[0]].Slot], f.regs.Bool[slots[in.Src[1]].Slot]
		f.regs.Bool[dst.Slot] = x || y
	case isa.OpBoolNot:
		f.regs.Bool[dst.Slot] = !f.regs.Bool[slots[in.Src[0]].Slot]
	}
	return nil
}

func (m *VM) execBytes(f *frame, slots []verify.RegSlot, in *isa.Instr) error {
	dst := slots[in.Dst]
	switch in.Op {
	case isa.OpBytesLen:
		b := m.bytes.Get(f.regs.Bytes[slots[in.Src[0]].Slot])
		f.regs.U64[dst.Slot] = uint64(len(b))
	case isa.OpBytesEq:
		a := m.bytes.Get(f.regs.Bytes[slots[in.Src[0]].Slot])
		b := m.bytes.Get(f.regs.Bytes[slots[in.Src[1]].Slot])
		f.regs.Bool[dst.Slot] = string(a) == string(b)
	case isa.OpBytesConcat:
		a := m.bytes.Get(f.regs.Bytes[slots[in.Src[0]].Slot])
		b := m.bytes.Get(f.regs.Bytes[slots[in.Src[1]].Slot])
		out := append(append([]byte(nil), a...), b...)
		h, err := m.bytes.Alloc(out)
		if err != nil {
			return newTrap(TrapMemoryBudgetExceeded, m.snapshot(), "%v", err)
		}
		f.regs.Bytes[dst.Slot] = h
	case isa.OpBytesSlice:
		b := m.bytes.Get(f.regs.Bytes[slots[in.Src[0]].Slot])
		lo := f.regs.U64[slots[in.Src[1]].Slot]
		hi := f.regs.U64[slots[in.Src[2]].Slot]
		if lo > hi || hi > uint64(len(b)) {
			return newTrap(TrapIndexOutOfBounds, m.snapshot(), "bytes.slice range [%d,%d) out of bounds (len %d)", lo, hi, len(b))
		}
		h, err := m.bytes.Alloc(append([]byte(nil), b[lo:hi]...))
		if err != nil {
			return newTrap(TrapMemoryBudgetExceeded, m.snapshot(), "%v", err)
		}
		f.regs.Bytes[dst.Slot] = h
	case isa.OpBytesGet:
		b := m.bytes.Get(f.regs.Bytes[slots[in.Src[0]].Slot])
		idx := f.regs.U64[slots[in.Src[1]].Slot]
		if idx >= uint64(len(b)) {
			return newTrap(TrapIndexOutOfBounds, m.snapshot(), "bytes.get index %d out of bounds (len %d)", idx, len(b))
		}
		f.regs.U64[dst.Slot] = uint64(b[idx])
	case isa.OpBytesGetImm:
		b := m.bytes.Get(f.regs.Bytes[slots[in.Src[0]].Slot])
		idx := uint64(in.FieldIdx)
		if idx >= uint64(len(b)) {
			return newTrap(TrapIndexOutOfBounds, m.snapshot(), "bytes.get_imm index %d out of bounds (len %d)", idx, len(b))
		}
		f.regs.U64[dst.Slot] = uint64(b[idx])
	case isa.OpBytesToStr:
		b := m.bytes.Get(f.regs.Bytes[slots[in.Src[0]].Slot])
		if !utf8.Valid(b) {
			return newTrap(TrapInvalidUTF8, m.snapshot(), "bytes.to_str: not valid UTF-8")
		}
		h, err := m.str.Alloc(string(b))
		if err != nil {
			return newTrap(TrapMemoryBudgetExceeded, m.snapshot(), "%v", err)
		}
		f.regs.Str[dst.Slot] = h
	}
	return nil
}

func (m *VM) execStr(f *frame, slots []verify.RegSlot, in *isa.Instr) error {
	dst := slots[in.Dst]
	switch in.Op {
	case isa.OpStrLen:
		s := m.str.Get(f.regs.Str[slots[in.Src[0]].Slot])
		f.regs.U64[dst.Slot] = uint64(len(s))
	case isa.OpStrEq:
		a := m.str.Get(f.regs.Str[slots[in.Src[0]].Slot])
		b := m.str.Get(f.regs.Str[slots[in.Src[1]].Slot])
		f.regs.Bool[dst.Slot] = a == b
	case isa.OpStrConcat:
		a := m.str.Get(f.regs.Str[slots[in.Src[0]].Slot])
		b := m.str.Get(f.regs.Str[slots[in.Src[1]].Slot])
		h, err := m.str.Alloc(a + b)
		if err != nil {
			return newTrap(TrapMemoryBudgetExceeded, m.snapshot(), "%v", err)
		}
		f.regs.Str[dst.Slot] = h
	case isa.OpStrSlice:
		s := m.str.Get(f.regs.Str[slots[in.Src[0]].Slot])
		lo := f.regs.U64[slots[in.Src[1]].Slot]
		hi := f.regs.U64[slots[in.Src[2]].Slot]
		if lo > hi || hi > uint64(len(s)) {
			return newTrap(TrapIndexOutOfBounds, m.snapshot(), "str.slice range [%d,%d) out of bounds (len %d)", lo, hi, len(s))
		}
		sub := s[lo:hi]
		if !utf8.ValidString(sub) {
			return newTrap(TrapInvalidUTF8, m.snapshot(), "str.slice cut a multi-byte rune in half")
		}
		h, err := m.str.Alloc(sub)
		if err != nil {
			return newTrap(TrapMemoryBudgetExceeded, m.snapshot(), "%v", err)
		}
		f.regs.Str[dst.Slot] = h
	case isa.OpStrToBytes:
		s := m.str.Get(f.regs.Str[slots[in.Src[0]].Slot])
		h, err := m.bytes.Alloc([]byte(s))
		if err != nil {
			return newTrap(TrapMemoryBudgetExceeded, m.snapshot(), "%v", err)
		}
		f.regs.Bytes[dst.Slot] = h
	}
	return nil
}

func (m *VM) execAggNew(f *frame, fn *verify.VerifiedFunc, in *isa.Instr) error {
	slots := fn.Layout.Slots
	agg := Agg{TypeID: in.TypeID, Fields: make([]uint64, len(in.Args)), Handles: make([]uint64, len(in.Args))}
	for i, a := range in.Args {
		v := m.loadValue(f.regs, slots[a])
		agg.Fields[i], agg.Handles[i] = packValue(v, f.regs, slots[a])
	}
	h, err := m.agg.Alloc(agg)
	if err != nil {
		return newTrap(TrapMemoryBudgetExceeded, m.snapshot(), "%v", err)
	}
	f.regs.Agg[slots[in.Dst].Slot] = h
	return nil
}

func (m *VM) execArrayNew(f *frame, fn *verify.VerifiedFunc, in *isa.Instr) error {
	slots := fn.Layout.Slots
	count := f.regs.U64[slots[in.Src[0]].Slot]
	agg := Agg{TypeID: in.TypeID, Fields: make([]uint64, count), Handles: make([]uint64, count)}
	h, err := m.agg.Alloc(agg)
	if err != nil {
		return newTrap(TrapMemoryBudgetExceeded, m.snapshot(), "%v", err)
	}
	f.regs.Agg[slots[in.Dst].Slot] = h
	return nil
}

// packValue reduces a Value to the pair (scalar word, sub-handle) Agg
// stores for one field, so aggregate access (execAggGet/execArrayGet) can
// reconstruct a register write of the field's already-known class.
func packValue(v Value, regs *Registers, slot verify.RegSlot) (uint64, uint64) {
	switch slot.Class {
	case container.StoreI64:
		return uint64(v.I64), 0
	case container.StoreU64:
		return v.U64, 0
	case container.StoreF64:
		return math.Float64bits(v.F64), 0
	case container.StoreBool:
		if v.Bool {
			return 1, 0
		}
		return 0, 0
	case container.StoreDecimal:
		return uint64(v.Dec.Hi), v.Dec.Lo
	case container.StoreBytes:
		return 0, uint64(regs.Bytes[slot.Slot])
	case container.StoreStr:
		return 0, uint64(regs.Str[slot.Slot])
	case container.StoreAgg:
		return 0, uint64(regs.Agg[slot.Slot])
	default:
		return 0, 0
	}
}

func (m *VM) execAggGet(f *frame, fn *verify.VerifiedFunc, in *isa.Instr) error {
	slots := fn.Layout.Slots
	h := f.regs.Agg[slots[in.Src[0]].Slot]
	a := m.agg.Get(h)
	td := m.prog.Types[a.TypeID]
	ft := td.FieldTypes[in.FieldIdx]
	return m.unpackInto(f.regs, slots[in.Dst], ft, a.Fields[in.FieldIdx], a.Handles[in.FieldIdx])
}

func (m *VM) execArrayGet(f *frame, fn *verify.VerifiedFunc, in *isa.Instr) error {
	slots := fn.Layout.Slots
	h := f.regs.Agg[slots[in.Src[0]].Slot]
	idx := f.regs.U64[slots[in.Src[1]].Slot]
	a := m.agg.Get(h)
	if idx >= uint64(len(a.Fields)) {
		return newTrap(TrapIndexOutOfBounds, m.snapshot(), "array.get index %d out of bounds (len %d)", idx, len(a.Fields))
	}
	td := m.prog.Types[a.TypeID]
	return m.unpackInto(f.regs, slots[in.Dst], td.ElemType, a.Fields[idx], a.Handles[idx])
}

func (m *VM) unpackInto(regs *Registers, slot verify.RegSlot, vt container.ValueType, word, handle uint64) error {
	switch slot.Class {
	case container.StoreI64:
		regs.I64[slot.Slot] = int64(word)
	case container.StoreU64:
		regs.U64[slot.Slot] = word
	case container.StoreF64:
		regs.F64[slot.Slot] = math.Float64frombits(word)
	case container.StoreBool:
		regs.Bool[slot.Slot] = word != 0
	case container.StoreDecimal:
		regs.Decimal[slot.Slot] = Decimal{Hi: int64(word), Lo: handle, Scale: vt.Scale}
	case container.StoreBytes:
		regs.Bytes[slot.Slot] = BytesHandle(handle)
	case container.StoreStr:
		regs.Str[slot.Slot] = StrHandle(handle)
	case container.StoreAgg:
		regs.Agg[slot.Slot] = AggHandle(handle)
	}
	return nil
}
