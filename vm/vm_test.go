// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package vm

import (
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probelang/sandboxvm/container"
	"github.com/probelang/sandboxvm/verify"
)

func mustVerify(t *testing.T, p *container.Program) *verify.VerifiedProgram {
	t.Helper()
	vp, err := verify.Verify(p, verify.DefaultConfig())
	require.NoError(t, err)
	return vp
}

// buildLoopSum builds loop_sum(n) = 0 + 1 + ... + (n-1), the seed scenario
// of summing 0..n-1 with a counted loop (spec.md §8).
func buildLoopSum(t *testing.T) (*verify.VerifiedProgram, container.FuncId) {
	t.Helper()
	b := container.NewBuilder()
	zero := b.AddI64(0)
	one := b.AddI64(1)

	b.Func("loop_sum", []container.ValueType{{Tag: container.TagI64}}, []container.ValueType{{Tag: container.TagI64}}, 5)
	b.Const(1, zero) // r1: acc
	b.Const(2, zero) // r2: i
	b.Label("loop")
	b.I64CmpLt(3, 2, 0)
	b.Br(3, "body", "done")
	b.Label("body")
	b.I64Add(1, 1, 2)
	b.Const(4, one)
	b.I64Add(2, 2, 4)
	b.Jmp("loop")
	b.Label("done")
	b.Ret([]uint32{1})
	fid, err := b.EndFunc()
	require.NoError(t, err)

	p, err := b.Finish()
	require.NoError(t, err)
	return mustVerify(t, p), fid
}

func TestRunLoopSumZeroToNMinusOne(t *testing.T) {
	vp, fid := buildLoopSum(t)
	m := New(vp, nil, nil, nil, DefaultBudget(), nil)
	results, err := m.Run(fid, []Value{{Type: container.ValueType{Tag: container.TagI64}, I64: 5}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(10), results[0].I64)
}

// buildMutualCall builds two functions, one calling the other one level deep:
// addOne(x) calls double(x+1); double(y) returns y+y (spec.md §8's
// mutual_call scenario, generalized beyond direct self-recursion).
func buildMutualCall(t *testing.T) (*verify.VerifiedProgram, container.FuncId) {
	t.Helper()
	b := container.NewBuilder()
	one := b.AddI64(1)

	doubleID := container.FuncId(0)
	b.Func("double", []container.ValueType{{Tag: container.TagI64}}, []container.ValueType{{Tag: container.TagI64}}, 2)
	b.I64Add(1, 0, 0)
	b.Ret([]uint32{1})
	got, err := b.EndFunc()
	require.NoError(t, err)
	require.Equal(t, doubleID, got)

	b.Func("add_one_then_double", []container.ValueType{{Tag: container.TagI64}}, []container.ValueType{{Tag: container.TagI64}}, 3)
	b.Const(1, one)
	b.I64Add(1, 0, 1)
	b.Call(doubleID, []uint32{1}, []uint32{2})
	b.Ret([]uint32{2})
	fid, err := b.EndFunc()
	require.NoError(t, err)

	p, err := b.Finish()
	require.NoError(t, err)
	return mustVerify(t, p), fid
}

func TestRunMutualCall(t *testing.T) {
	vp, fid := buildMutualCall(t)
	m := New(vp, nil, nil, nil, DefaultBudget(), nil)
	results, err := m.Run(fid, []Value{{Type: container.ValueType{Tag: container.TagI64}, I64: 4}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(10), results[0].I64) // (4+1)*2
}

// buildTupleOfMixed builds a function returning the bool field of a
// (i64, bool) tuple it constructs from its argument and a const (spec.md
// §8's tuple_of_mixed scenario).
func buildTupleOfMixed(t *testing.T) (*verify.VerifiedProgram, container.FuncId) {
	t.Helper()
	b := container.NewBuilder()
	flag := b.AddBool(true)
	tupleType := b.AddType(container.TypeDef{
		Kind:       container.KindTuple,
		FieldTypes: []container.ValueType{{Tag: container.TagI64}, {Tag: container.TagBool}},
	})

	b.Func("tuple_of_mixed", []container.ValueType{{Tag: container.TagI64}}, []container.ValueType{{Tag: container.TagBool}}, 4)
	b.Const(1, flag)
	b.TupleNew(2, tupleType, []uint32{0, 1})
	b.TupleGet(3, 2, 1)
	b.Ret([]uint32{3})
	fid, err := b.EndFunc()
	require.NoError(t, err)

	p, err := b.Finish()
	require.NoError(t, err)
	return mustVerify(t, p), fid
}

func TestRunTupleOfMixed(t *testing.T) {
	vp, fid := buildTupleOfMixed(t)
	m := New(vp, nil, nil, nil, DefaultBudget(), nil)
	results, err := m.Run(fid, []Value{{Type: container.ValueType{Tag: container.TagI64}, I64: 7}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Bool)
}

// pingHost implements Host for TestRunHostPing: it appends " pong" in byte
// form to whatever Bytes payload it is handed, threading the effect token
// forward by one (spec.md §8's host_ping scenario).
type pingHost struct {
	calls int
}

func (h *pingHost) Call(sigID container.HostSigId, args []AbiValueRef, effect EffectToken, sink AccessSink) (EffectToken, []OwnedValue, error) {
	h.calls++
	out := append(append([]byte(nil), args[0].Bytes...), " pong"...)
	return EffectToken{Seq: effect.Seq + 1}, []OwnedValue{{Type: container.ValueType{Tag: container.TagBytes}, Bytes: out}}, nil
}

func buildHostPing(t *testing.T) (*verify.VerifiedProgram, container.FuncId, container.HostSigId) {
	t.Helper()
	b := container.NewBuilder()
	sig := b.AddHostSig(container.HostSig{
		ArgTypes: []container.ValueType{{Tag: container.TagBytes}},
		RetTypes: []container.ValueType{{Tag: container.TagBytes}},
	})

	b.Func("host_ping", []container.ValueType{{Tag: container.TagBytes}}, []container.ValueType{{Tag: container.TagBytes}}, 2)
	b.HostCall(sig, []uint32{0}, []uint32{1})
	b.Ret([]uint32{1})
	fid, err := b.EndFunc()
	require.NoError(t, err)

	p, err := b.Finish()
	require.NoError(t, err)
	return mustVerify(t, p), fid, sig
}

func TestRunHostPing(t *testing.T) {
	vp, fid, _ := buildHostPing(t)
	host := &pingHost{}
	m := New(vp, host, nil, nil, DefaultBudget(), nil)
	results, err := m.Run(fid, []Value{{Type: container.ValueType{Tag: container.TagBytes}, Bytes: []byte("ping")}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "ping pong", string(results[0].Bytes))
	assert.Equal(t, 1, host.calls)
	assert.Equal(t, uint64(1), m.effect.Seq)
}

// recordingHost records one ResourceKey read per call through sink, for
// TestRunDirtyKeyRecord to assert a repeated read of the same key dedups
// while returning an always-fresh (dirty) value (spec.md §8's
// dirty_key_record scenario).
type recordingHost struct{}

func (recordingHost) Call(sigID container.HostSigId, args []AbiValueRef, effect EffectToken, sink AccessSink) (EffectToken, []OwnedValue, error) {
	sink.Record(ResourceKey{Namespace: "kv", Key: string(args[0].Bytes)}, false)
	return effect, []OwnedValue{{Type: container.ValueType{Tag: container.TagU64}, U64: 42}}, nil
}

type spySink struct{ records []ResourceKey }

func (s *spySink) Record(k ResourceKey, write bool) { s.records = append(s.records, k) }

func buildDirtyKeyRecord(t *testing.T) (*verify.VerifiedProgram, container.FuncId, container.HostSigId) {
	t.Helper()
	b := container.NewBuilder()
	sig := b.AddHostSig(container.HostSig{
		ArgTypes: []container.ValueType{{Tag: container.TagBytes}},
		RetTypes: []container.ValueType{{Tag: container.TagU64}},
	})

	b.Func("dirty_key_record", []container.ValueType{{Tag: container.TagBytes}}, []container.ValueType{{Tag: container.TagU64}}, 3)
	b.HostCall(sig, []uint32{0}, []uint32{1})
	b.HostCall(sig, []uint32{0}, []uint32{2})
	b.U64Add(1, 1, 2)
	b.Ret([]uint32{1})
	fid, err := b.EndFunc()
	require.NoError(t, err)

	p, err := b.Finish()
	require.NoError(t, err)
	return mustVerify(t, p), fid, sig
}

func TestRunDirtyKeyRecord(t *testing.T) {
	vp, fid, _ := buildDirtyKeyRecord(t)
	spy := &spySink{}
	dedup := NewDedupingAccessSink(spy)
	m := New(vp, recordingHost{}, nil, dedup, DefaultBudget(), nil)
	results, err := m.Run(fid, []Value{{Type: container.ValueType{Tag: container.TagBytes}, Bytes: []byte("k1")}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, uint64(84), results[0].U64)
	// Both host calls read the same key; the deduping sink forwards only once.
	assert.Len(t, spy.records, 1)
}

func buildDivideByZero(t *testing.T) (*verify.VerifiedProgram, container.FuncId) {
	t.Helper()
	b := container.NewBuilder()
	zero := b.AddI64(0)

	b.Func("divide_by_zero", []container.ValueType{{Tag: container.TagI64}}, []container.ValueType{{Tag: container.TagI64}}, 2)
	b.Const(1, zero)
	b.I64Div(1, 0, 1)
	b.Ret([]uint32{1})
	fid, err := b.EndFunc()
	require.NoError(t, err)

	p, err := b.Finish()
	require.NoError(t, err)
	return mustVerify(t, p), fid
}

func TestRunDivideByZero(t *testing.T) {
	vp, fid := buildDivideByZero(t)
	m := New(vp, nil, nil, nil, DefaultBudget(), nil)
	_, err := m.Run(fid, []Value{{Type: container.ValueType{Tag: container.TagI64}, I64: 9}})
	require.Error(t, err)
	trap, ok := err.(*Trap)
	require.True(t, ok, "expected a *Trap, got %s", spew.Sdump(err))
	assert.Equal(t, TrapDivisionByZero, trap.Kind)
}

// buildSelfRecurse builds a function that unconditionally calls itself,
// for exercising the call-stack-overflow boundary case (spec.md §8) without
// waiting out a real 10,000-deep budget in a unit test.
func buildSelfRecurse(t *testing.T) (*verify.VerifiedProgram, container.FuncId) {
	t.Helper()
	b := container.NewBuilder()
	selfID := container.FuncId(0)

	b.Func("recurse", []container.ValueType{{Tag: container.TagI64}}, []container.ValueType{{Tag: container.TagI64}}, 2)
	b.Call(selfID, []uint32{0}, []uint32{1})
	b.Ret([]uint32{1})
	got, err := b.EndFunc()
	require.NoError(t, err)
	require.Equal(t, selfID, got)

	p, err := b.Finish()
	require.NoError(t, err)
	return mustVerify(t, p), selfID
}

func TestRunCallStackOverflow(t *testing.T) {
	vp, fid := buildSelfRecurse(t)
	budget := DefaultBudget()
	budget.MaxCallDepth = 32
	m := New(vp, nil, nil, nil, budget, nil)
	_, err := m.Run(fid, []Value{{Type: container.ValueType{Tag: container.TagI64}, I64: 0}})
	require.Error(t, err)
	trap, ok := err.(*Trap)
	require.True(t, ok)
	assert.Equal(t, TrapCallStackOverflow, trap.Kind)
	assert.Len(t, trap.Stack, 32, "call stack at overflow:\n%s", spew.Sdump(trap.Stack))
}

// buildInvalidUTF8 builds a function that tries to reinterpret a non-UTF-8
// Bytes constant as a Str, which must trap rather than silently producing a
// Str with invalid contents (spec.md §7's run-time-only properties).
func buildInvalidUTF8(t *testing.T) (*verify.VerifiedProgram, container.FuncId) {
	t.Helper()
	b := container.NewBuilder()
	bad := b.AddBytes([]byte{0xff, 0xfe, 0xfd})

	b.Func("invalid_utf8", nil, []container.ValueType{{Tag: container.TagStr}}, 2)
	b.Const(0, bad)
	b.BytesToStr(1, 0)
	b.Ret([]uint32{1})
	fid, err := b.EndFunc()
	require.NoError(t, err)

	p, err := b.Finish()
	require.NoError(t, err)
	return mustVerify(t, p), fid
}

func TestRunInvalidUTF8Traps(t *testing.T) {
	vp, fid := buildInvalidUTF8(t)
	m := New(vp, nil, nil, nil, DefaultBudget(), nil)
	_, err := m.Run(fid, nil)
	require.Error(t, err)
	trap, ok := err.(*Trap)
	require.True(t, ok)
	assert.Equal(t, TrapInvalidUTF8, trap.Kind)
}
