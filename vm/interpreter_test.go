package vm_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stelevm/stele/vm"
)

func TestExecuteSimpleArithmetic(t *testing.T) {
	// (2 + 3) * 4 == 20
	var code []byte
	push2, err := vm.EncodePush(vm.Int(2))
	require.NoError(t, err)
	push3, err := vm.EncodePush(vm.Int(3))
	require.NoError(t, err)
	push4, err := vm.EncodePush(vm.Int(4))
	require.NoError(t, err)
	code = append(code, push2...)
	code = append(code, push3...)
	code = append(code, vm.EncodeSimple(vm.OpAdd)...)
	code = append(code, push4...)
	code = append(code, vm.EncodeSimple(vm.OpMultiply)...)
	code = append(code, vm.EncodeSimple(vm.OpHalt)...)

	in := vm.New(1000)
	err = in.Execute(context.Background(), code, nil, 0)
	require.NoError(t, err)

	stack := in.StackView()
	require.Len(t, stack, 1)
	assert.Equal(t, vm.Int(20), stack[0])
}

func TestExecuteFFIEcho(t *testing.T) {
	reg := vm.NewRegistry()
	reg.Register("echo", func(args []vm.Value, perms vm.Permissions) (vm.Value, error) {
		return args[0], nil
	})

	pushArg, err := vm.EncodePush(vm.String("hello"))
	require.NoError(t, err)
	var code []byte
	code = append(code, pushArg...)
	code = append(code, vm.EncodeCallFfi("echo", 1)...)
	code = append(code, vm.EncodeSimple(vm.OpHalt)...)

	in := vm.New(1000)
	err = in.Execute(context.Background(), code, reg, 0)
	require.NoError(t, err)

	stack := in.StackView()
	require.Len(t, stack, 1)
	assert.Equal(t, vm.String("hello"), stack[0])
}

func TestExecuteFFIArgumentOrderReversal(t *testing.T) {
	// call sub(a, b) = a - b implemented by popping reversed args; pushing
	// a then b then calling with arg_count=2 must deliver args as [a, b].
	reg := vm.NewRegistry()
	reg.Register("sub", func(args []vm.Value, perms vm.Permissions) (vm.Value, error) {
		require.Len(t, args, 2)
		return vm.Int(args[0].Int - args[1].Int), nil
	})

	pushA, err := vm.EncodePush(vm.Int(10))
	require.NoError(t, err)
	pushB, err := vm.EncodePush(vm.Int(3))
	require.NoError(t, err)
	var code []byte
	code = append(code, pushA...)
	code = append(code, pushB...)
	code = append(code, vm.EncodeCallFfi("sub", 2)...)
	code = append(code, vm.EncodeSimple(vm.OpHalt)...)

	in := vm.New(1000)
	require.NoError(t, in.Execute(context.Background(), code, reg, 0))

	stack := in.StackView()
	require.Len(t, stack, 1)
	assert.Equal(t, vm.Int(7), stack[0])
}

func TestExecuteBranch(t *testing.T) {
	// if (1 < 2) push 111 else push 222; halt.
	push1, err := vm.EncodePush(vm.Int(1))
	require.NoError(t, err)
	push2, err := vm.EncodePush(vm.Int(2))
	require.NoError(t, err)
	pushElse, err := vm.EncodePush(vm.Int(222))
	require.NoError(t, err)
	pushThen, err := vm.EncodePush(vm.Int(111))
	require.NoError(t, err)

	jumpOverElse := vm.EncodeJump(vm.OpJump, 0) // patched below
	halt := vm.EncodeSimple(vm.OpHalt)

	// layout: push1 push2 LESS_THAN JUMP_IF_FALSE(elseAddr) pushThen JUMP(end) pushElse HALT
	lessThan := vm.EncodeSimple(vm.OpLessThan)

	prefix := append(append([]byte{}, push1...), push2...)
	prefix = append(prefix, lessThan...)

	// compute offsets incrementally
	jumpIfFalseLen := 5
	thenLen := len(pushThen)
	jumpLen := len(jumpOverElse)
	elseAddr := uint32(len(prefix) + jumpIfFalseLen + thenLen + jumpLen)
	endAddr := uint32(len(prefix) + jumpIfFalseLen + thenLen + jumpLen + len(pushElse))

	code := append([]byte{}, prefix...)
	code = append(code, vm.EncodeJump(vm.OpJumpIfFalse, elseAddr)...)
	code = append(code, pushThen...)
	code = append(code, vm.EncodeJump(vm.OpJump, endAddr)...)
	code = append(code, pushElse...)
	code = append(code, halt...)

	in := vm.New(1000)
	require.NoError(t, in.Execute(context.Background(), code, nil, 0))

	stack := in.StackView()
	require.Len(t, stack, 1)
	assert.Equal(t, vm.Int(111), stack[0])
}

func TestExecuteGasExhaustionExact(t *testing.T) {
	push1, _ := vm.EncodePush(vm.Int(1))
	push2, _ := vm.EncodePush(vm.Int(2))
	code := append(append([]byte{}, push1...), push2...)
	code = append(code, vm.EncodeSimple(vm.OpAdd)...)
	code = append(code, vm.EncodeSimple(vm.OpHalt)...)

	// Exactly four instructions: push, push, add, halt.
	in := vm.New(4)
	require.NoError(t, in.Execute(context.Background(), code, nil, 0))

	in2 := vm.New(3)
	err := in2.Execute(context.Background(), code, nil, 0)
	require.Error(t, err)
	var vmErr *vm.Error
	require.ErrorAs(t, err, &vmErr)
	assert.Equal(t, vm.KindOutOfGas, vmErr.Kind)
}

func TestExecuteDivisionByZero(t *testing.T) {
	push1, _ := vm.EncodePush(vm.Int(1))
	push0, _ := vm.EncodePush(vm.Int(0))
	code := append(append([]byte{}, push1...), push0...)
	code = append(code, vm.EncodeSimple(vm.OpDivide)...)
	code = append(code, vm.EncodeSimple(vm.OpHalt)...)

	in := vm.New(1000)
	err := in.Execute(context.Background(), code, nil, 0)
	require.Error(t, err)
	var vmErr *vm.Error
	require.ErrorAs(t, err, &vmErr)
	assert.Equal(t, vm.KindDivisionByZero, vmErr.Kind)
}

func TestExecuteStackUnderflow(t *testing.T) {
	code := append([]byte{}, vm.EncodeSimple(vm.OpAdd)...)
	code = append(code, vm.EncodeSimple(vm.OpHalt)...)

	in := vm.New(1000)
	err := in.Execute(context.Background(), code, nil, 0)
	require.Error(t, err)
	var vmErr *vm.Error
	require.ErrorAs(t, err, &vmErr)
	assert.Equal(t, vm.KindStackUnderflow, vmErr.Kind)
}

func TestExecuteTypeMismatch(t *testing.T) {
	pushInt, _ := vm.EncodePush(vm.Int(1))
	pushBool, _ := vm.EncodePush(vm.Bool(true))
	code := append(append([]byte{}, pushInt...), pushBool...)
	code = append(code, vm.EncodeSimple(vm.OpLessThan)...)
	code = append(code, vm.EncodeSimple(vm.OpHalt)...)

	in := vm.New(1000)
	err := in.Execute(context.Background(), code, nil, 0)
	require.Error(t, err)
	var vmErr *vm.Error
	require.ErrorAs(t, err, &vmErr)
	assert.Equal(t, vm.KindTypeMismatch, vmErr.Kind)
}

func TestExecuteUnsupportedOpcode(t *testing.T) {
	code := []byte{0xFE}
	in := vm.New(1000)
	err := in.Execute(context.Background(), code, nil, 0)
	require.Error(t, err)
	var vmErr *vm.Error
	require.ErrorAs(t, err, &vmErr)
	assert.Equal(t, vm.KindUnsupportedOpcode, vmErr.Kind)
}

func TestExecuteStringConcatAdd(t *testing.T) {
	pushA, _ := vm.EncodePush(vm.String("foo"))
	pushB, _ := vm.EncodePush(vm.Int(7))
	code := append(append([]byte{}, pushA...), pushB...)
	code = append(code, vm.EncodeSimple(vm.OpAdd)...)
	code = append(code, vm.EncodeSimple(vm.OpHalt)...)

	in := vm.New(1000)
	require.NoError(t, in.Execute(context.Background(), code, nil, 0))
	stack := in.StackView()
	require.Len(t, stack, 1)
	assert.Equal(t, vm.String("foo7"), stack[0])
}

func TestFFIPermissionDenied(t *testing.T) {
	reg := vm.StandardRegistry(func(string) (string, bool) { return "", false }, func() string { return "now" })
	pushName, _ := vm.EncodePush(vm.String("HOME"))
	code := append([]byte{}, pushName...)
	code = append(code, vm.EncodeCallFfi("env.read", 1)...)
	code = append(code, vm.EncodeSimple(vm.OpHalt)...)

	in := vm.New(1000)
	err := in.Execute(context.Background(), code, reg, 0) // no permissions granted
	require.Error(t, err)
	var vmErr *vm.Error
	require.ErrorAs(t, err, &vmErr)
	assert.Equal(t, vm.KindRuntimeError, vmErr.Kind)
}

func TestFFIPermissionGranted(t *testing.T) {
	reg := vm.StandardRegistry(func(k string) (string, bool) {
		if k == "HOME" {
			return "/root", true
		}
		return "", false
	}, func() string { return "now" })
	pushName, _ := vm.EncodePush(vm.String("HOME"))
	code := append([]byte{}, pushName...)
	code = append(code, vm.EncodeCallFfi("env.read", 1)...)
	code = append(code, vm.EncodeSimple(vm.OpHalt)...)

	in := vm.New(1000)
	require.NoError(t, in.Execute(context.Background(), code, reg, vm.PermEnvRead))
	stack := in.StackView()
	require.Len(t, stack, 1)
	assert.Equal(t, vm.String("/root"), stack[0])
}
