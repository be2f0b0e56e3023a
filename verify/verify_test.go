// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package verify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probelang/sandboxvm/container"
)

func buildLoopSum(t *testing.T) *container.Program {
	t.Helper()
	b := container.NewBuilder()
	zero := b.AddI64(0)
	one := b.AddI64(1)

	b.Func("loop_sum", []container.ValueType{{Tag: container.TagI64}}, []container.ValueType{{Tag: container.TagI64}}, 5)
	b.Const(1, zero)
	b.Const(2, zero)
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
	_, err := b.EndFunc()
	require.NoError(t, err)

	p, err := b.Finish()
	require.NoError(t, err)
	return p
}

func TestVerifyAcceptsLoopSum(t *testing.T) {
	p := buildLoopSum(t)
	vp, err := Verify(p, DefaultConfig())
	require.NoError(t, err)
	require.Len(t, vp.Funcs, 1)
	f := vp.Funcs[0]
	assert.Greater(t, len(f.Instrs), 0)
	// r0 (arg n) and r1 (the accumulator) should resolve to the i64
	// storage class.
	assert.Equal(t, container.StoreI64, f.Layout.Slots[0].Class)
	assert.Equal(t, container.StoreI64, f.Layout.Slots[1].Class)
}

func TestVerifyRejectsUseOfUninitRegister(t *testing.T) {
	b := container.NewBuilder()
	b.Func("f", nil, []container.ValueType{{Tag: container.TagI64}}, 2)
	// Register 0 is read (returned) without ever being written.
	b.Ret([]uint32{0})
	_, err := b.EndFunc()
	require.NoError(t, err)
	p, err := b.Finish()
	require.NoError(t, err)

	_, err = Verify(p, DefaultConfig())
	require.Error(t, err)
	ve, ok := err.(*VerifyError)
	require.True(t, ok)
	assert.Equal(t, ErrUseOfUninitRegister, ve.Kind)
}

func TestVerifyRejectsRegisterClassConflict(t *testing.T) {
	b := container.NewBuilder()
	i := b.AddI64(1)
	s := b.AddStr("x")

	b.Func("f", []container.ValueType{{Tag: container.TagBool}}, []container.ValueType{{Tag: container.TagI64}}, 3)
	b.Br(0, "a", "b")
	b.Label("a")
	b.Const(1, i) // register 1 becomes i64 on this path
	b.Jmp("join")
	b.Label("b")
	b.Const(1, s) // register 1 becomes str on this path
	b.Jmp("join")
	b.Label("join")
	b.Ret([]uint32{1})
	_, err := b.EndFunc()
	require.NoError(t, err)
	p, err := b.Finish()
	require.NoError(t, err)

	_, err = Verify(p, DefaultConfig())
	require.Error(t, err)
	ve, ok := err.(*VerifyError)
	require.True(t, ok)
	assert.Equal(t, ErrRegisterClassConflict, ve.Kind)
}

func TestVerifyRejectsArityMismatch(t *testing.T) {
	b := container.NewBuilder()
	b.Func("callee", []container.ValueType{{Tag: container.TagI64}}, []container.ValueType{{Tag: container.TagI64}}, 1)
	b.Ret([]uint32{0})
	callee, err := b.EndFunc()
	require.NoError(t, err)

	b.Func("caller", nil, []container.ValueType{{Tag: container.TagI64}}, 2)
	// Calls callee with zero args instead of the required one.
	b.Call(callee, nil, []uint32{0})
	b.Ret([]uint32{0})
	_, err = b.EndFunc()
	require.NoError(t, err)

	p, err := b.Finish()
	require.NoError(t, err)

	_, err = Verify(p, DefaultConfig())
	require.Error(t, err)
	ve, ok := err.(*VerifyError)
	require.True(t, ok)
	assert.Equal(t, ErrArityMismatch, ve.Kind)
}

func TestVerifyRejectsMissingTerminator(t *testing.T) {
	b := container.NewBuilder()
	one := b.AddI64(1)
	b.Func("f", nil, []container.ValueType{{Tag: container.TagI64}}, 1)
	b.Const(0, one)
	// No Ret/Trap/Br/Jmp: falls off the end of the function.
	_, err := b.EndFunc()
	require.NoError(t, err)
	p, err := b.Finish()
	require.NoError(t, err)

	_, err = Verify(p, DefaultConfig())
	require.Error(t, err)
	ve, ok := err.(*VerifyError)
	require.True(t, ok)
	assert.Equal(t, ErrMissingTerminator, ve.Kind)
}

func buildUnreachableUninitRead(t *testing.T) *container.Program {
	t.Helper()
	b := container.NewBuilder()
	b.Func("f", []container.ValueType{{Tag: container.TagI64}}, []container.ValueType{{Tag: container.TagI64}}, 2)
	b.Ret([]uint32{0}) // returns the argument; everything below is dead
	b.Trap()
	b.Ret([]uint32{1}) // reads register 1, never written on any path
	_, err := b.EndFunc()
	require.NoError(t, err)
	p, err := b.Finish()
	require.NoError(t, err)
	return p
}

func TestVerifyAcceptsUnreachableUninitReadByDefault(t *testing.T) {
	p := buildUnreachableUninitRead(t)
	_, err := Verify(p, DefaultConfig())
	require.NoError(t, err)
}

func TestVerifyRejectsUnreachableCodeWhenDisallowed(t *testing.T) {
	p := buildUnreachableUninitRead(t)
	cfg := DefaultConfig()
	cfg.AllowUnreachableCode = false
	_, err := Verify(p, cfg)
	require.Error(t, err)
	ve, ok := err.(*VerifyError)
	require.True(t, ok)
	assert.Equal(t, ErrUnreachableCode, ve.Kind)
}

func TestVerifyRejectsRetTypeMismatch(t *testing.T) {
	b := container.NewBuilder()
	s := b.AddStr("x")
	b.Func("f", nil, []container.ValueType{{Tag: container.TagI64}}, 1)
	b.Const(0, s)
	b.Ret([]uint32{0})
	_, err := b.EndFunc()
	require.NoError(t, err)
	p, err := b.Finish()
	require.NoError(t, err)

	_, err = Verify(p, DefaultConfig())
	require.Error(t, err)
	ve, ok := err.(*VerifyError)
	require.True(t, ok)
	assert.Equal(t, ErrTypeMismatch, ve.Kind)
}
