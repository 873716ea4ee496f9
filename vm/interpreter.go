package vm

import (
	"context"
	"encoding/binary"

	"github.com/stelevm/stele/telemetry"
)

// Interpreter runs a single bytecode stream against a Value stack under a
// gas budget. Interpreter state is created per Evaluate block and discarded
// at Halt or gas exhaustion; instances are not safe for concurrent use.
type Interpreter struct {
	stack []Value
	gas   int64

	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer
}

// Option configures an Interpreter at construction time.
type Option func(*Interpreter)

// WithLogger attaches a structured logger. Defaults to a no-op logger.
func WithLogger(l telemetry.Logger) Option { return func(i *Interpreter) { i.logger = l } }

// WithMetrics attaches a metrics recorder. Defaults to a no-op recorder.
func WithMetrics(m telemetry.Metrics) Option { return func(i *Interpreter) { i.metrics = m } }

// WithTracer attaches a tracer. Defaults to a no-op tracer.
func WithTracer(t telemetry.Tracer) Option { return func(i *Interpreter) { i.tracer = t } }

// New constructs an Interpreter with the given initial gas budget.
func New(gas int64, opts ...Option) *Interpreter {
	in := &Interpreter{
		gas:     gas,
		logger:  telemetry.NoopLogger{},
		metrics: telemetry.NoopMetrics{},
		tracer:  telemetry.NoopTracer{},
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Gas returns the remaining gas budget.
func (in *Interpreter) Gas() int64 { return in.gas }

// SetGas overwrites the remaining gas budget.
func (in *Interpreter) SetGas(n int64) { in.gas = n }

// Push pushes a value onto the stack.
func (in *Interpreter) Push(v Value) { in.stack = append(in.stack, v) }

// Pop pops and returns the top of the stack, or a StackUnderflow error.
func (in *Interpreter) Pop() (Value, error) {
	if len(in.stack) == 0 {
		return Value{}, newError(KindStackUnderflow, "pop from empty stack")
	}
	v := in.stack[len(in.stack)-1]
	in.stack = in.stack[:len(in.stack)-1]
	return v, nil
}

// StackView returns a read-only snapshot of the current stack, bottom to top.
func (in *Interpreter) StackView() []Value {
	out := make([]Value, len(in.stack))
	copy(out, in.stack)
	return out
}

func (in *Interpreter) pop2() (Value, Value, error) {
	b, err := in.Pop()
	if err != nil {
		return Value{}, Value{}, err
	}
	a, err := in.Pop()
	if err != nil {
		return Value{}, Value{}, err
	}
	return a, b, nil
}

// Execute runs bytecode to completion (OpHalt or end-of-stream), dispatching
// one opcode at a time and decrementing gas by one per dispatched
// instruction. It returns a *Error on any failure, including gas exhaustion.
func (in *Interpreter) Execute(ctx context.Context, bytecode []byte, registry *Registry, permissions Permissions) error {
	ctx, span := in.tracer.Start(ctx, "vm.execute")
	defer span.End()

	ip := 0
	dispatched := 0
	defer func() {
		in.metrics.IncCounter("vm.instructions_dispatched", float64(dispatched))
	}()

	for ip < len(bytecode) {
		if in.gas <= 0 {
			return newError(KindOutOfGas, "gas exhausted at ip=%d", ip)
		}

		op := OpCode(bytecode[ip])
		if !op.isValid() {
			return newError(KindUnsupportedOpcode, "unknown opcode byte 0x%02x at ip=%d", bytecode[ip], ip)
		}
		ip++
		in.gas--
		dispatched++

		var err error
		ip, err = in.dispatch(op, bytecode, ip, registry, permissions)
		if err != nil {
			span.RecordError(err)
			return err
		}
		if op == OpHalt {
			return nil
		}
	}
	return nil
}

// dispatch executes a single opcode starting at ip (the byte following the
// opcode itself) and returns the instruction pointer to resume at.
func (in *Interpreter) dispatch(op OpCode, code []byte, ip int, registry *Registry, permissions Permissions) (int, error) {
	switch op {
	case OpPush:
		v, next, err := readPushOperand(code, ip)
		if err != nil {
			return 0, err
		}
		in.Push(v)
		return next, nil

	case OpPop:
		if _, err := in.Pop(); err != nil {
			return 0, err
		}
		return ip, nil

	case OpDup:
		if len(in.stack) == 0 {
			return 0, newError(KindStackUnderflow, "dup on empty stack")
		}
		in.Push(in.stack[len(in.stack)-1])
		return ip, nil

	case OpSwap:
		if len(in.stack) < 2 {
			return 0, newError(KindStackUnderflow, "swap requires two values")
		}
		n := len(in.stack)
		in.stack[n-1], in.stack[n-2] = in.stack[n-2], in.stack[n-1]
		return ip, nil

	case OpAdd:
		a, b, err := in.pop2()
		if err != nil {
			return 0, err
		}
		v, err := addValues(a, b)
		if err != nil {
			return 0, err
		}
		in.Push(v)
		return ip, nil

	case OpSubtract:
		return ip, in.intBinOp(func(a, b int64) int64 { return saturatingSub(a, b) })
	case OpMultiply:
		return ip, in.intBinOp(func(a, b int64) int64 { return saturatingMul(a, b) })
	case OpDivide:
		a, b, err := in.pop2()
		if err != nil {
			return 0, err
		}
		if a.Kind != KindInt || b.Kind != KindInt {
			return 0, newError(KindTypeMismatch, "divide requires two integers")
		}
		if b.Int == 0 {
			return 0, newError(KindDivisionByZero, "division by zero")
		}
		in.Push(Int(a.Int / b.Int))
		return ip, nil
	case OpModulo:
		a, b, err := in.pop2()
		if err != nil {
			return 0, err
		}
		if a.Kind != KindInt || b.Kind != KindInt {
			return 0, newError(KindTypeMismatch, "modulo requires two integers")
		}
		if b.Int == 0 {
			return 0, newError(KindDivisionByZero, "modulo by zero")
		}
		in.Push(Int(a.Int % b.Int))
		return ip, nil

	case OpNegate:
		v, err := in.Pop()
		if err != nil {
			return 0, err
		}
		if v.Kind != KindInt {
			return 0, newError(KindTypeMismatch, "negate requires an integer")
		}
		in.Push(Int(saturatingSub(0, v.Int)))
		return ip, nil

	case OpEqual:
		a, b, err := in.pop2()
		if err != nil {
			return 0, err
		}
		in.Push(Bool(a.Equal(b)))
		return ip, nil
	case OpNotEqual:
		a, b, err := in.pop2()
		if err != nil {
			return 0, err
		}
		in.Push(Bool(!a.Equal(b)))
		return ip, nil

	case OpGreaterThan:
		return ip, in.intCompare(func(a, b int64) bool { return a > b })
	case OpLessThan:
		return ip, in.intCompare(func(a, b int64) bool { return a < b })
	case OpGreaterEqual:
		return ip, in.intCompare(func(a, b int64) bool { return a >= b })
	case OpLessEqual:
		return ip, in.intCompare(func(a, b int64) bool { return a <= b })

	case OpAnd:
		a, b, err := in.pop2()
		if err != nil {
			return 0, err
		}
		in.Push(Bool(a.Truthy() && b.Truthy()))
		return ip, nil
	case OpOr:
		a, b, err := in.pop2()
		if err != nil {
			return 0, err
		}
		in.Push(Bool(a.Truthy() || b.Truthy()))
		return ip, nil
	case OpNot:
		v, err := in.Pop()
		if err != nil {
			return 0, err
		}
		in.Push(Bool(!v.Truthy()))
		return ip, nil

	case OpJump:
		target, _, err := readU32(code, ip)
		if err != nil {
			return 0, err
		}
		return int(target), nil

	case OpJumpIfFalse:
		target, next, err := readU32(code, ip)
		if err != nil {
			return 0, err
		}
		v, err := in.Pop()
		if err != nil {
			return 0, err
		}
		if !v.Truthy() {
			return int(target), nil
		}
		return next, nil

	case OpJumpIfTrue:
		target, next, err := readU32(code, ip)
		if err != nil {
			return 0, err
		}
		v, err := in.Pop()
		if err != nil {
			return 0, err
		}
		if v.Truthy() {
			return int(target), nil
		}
		return next, nil

	case OpCallFfi:
		return in.callFFI(code, ip, registry, permissions)

	case OpHalt:
		return ip, nil

	default:
		return 0, newError(KindUnsupportedOpcode, "opcode %s has no dispatch handler", op)
	}
}

func (in *Interpreter) intBinOp(f func(a, b int64) int64) error {
	a, b, err := in.pop2()
	if err != nil {
		return err
	}
	if a.Kind != KindInt || b.Kind != KindInt {
		return newError(KindTypeMismatch, "arithmetic requires two integers")
	}
	in.Push(Int(f(a.Int, b.Int)))
	return nil
}

func (in *Interpreter) intCompare(f func(a, b int64) bool) error {
	a, b, err := in.pop2()
	if err != nil {
		return err
	}
	if a.Kind != KindInt || b.Kind != KindInt {
		return newError(KindTypeMismatch, "comparison requires two integers")
	}
	in.Push(Bool(f(a.Int, b.Int)))
	return nil
}

// callFFI decodes the CallFfi operand (name length, name bytes, arg count),
// pops arg_count values off the stack, restores caller order (the last
// popped value becomes the first argument), invokes the registry, and
// pushes the result.
func (in *Interpreter) callFFI(code []byte, ip int, registry *Registry, permissions Permissions) (int, error) {
	nameLen, next, err := readU32(code, ip)
	if err != nil {
		return 0, err
	}
	if next+int(nameLen) > len(code) {
		return 0, newError(KindInvalidBytecode, "call_ffi: truncated name")
	}
	name := string(code[next : next+int(nameLen)])
	next += int(nameLen)
	if next >= len(code) {
		return 0, newError(KindInvalidBytecode, "call_ffi: missing arg count")
	}
	argCount := int(code[next])
	next++

	popped := make([]Value, argCount)
	for i := 0; i < argCount; i++ {
		v, err := in.Pop()
		if err != nil {
			return 0, err
		}
		popped[i] = v
	}
	// popped[0] is the last value pushed (first popped); reverse so
	// popped[0] becomes args[argCount-1] and the first-pushed argument
	// becomes args[0], i.e. caller order.
	args := make([]Value, argCount)
	for i, v := range popped {
		args[argCount-1-i] = v
	}

	if registry == nil {
		return 0, newError(KindRuntimeError, "call_ffi %q: no registry configured", name)
	}
	result, err := registry.Call(name, args, permissions)
	if err != nil {
		return 0, err
	}
	in.Push(result)
	return next, nil
}

func addValues(a, b Value) (Value, error) {
	if a.Kind == KindInt && b.Kind == KindInt {
		return Int(saturatingAdd(a.Int, b.Int)), nil
	}
	if a.Kind == KindString || b.Kind == KindString {
		return String(a.AsString() + b.AsString()), nil
	}
	return Value{}, newError(KindTypeMismatch, "add requires two integers or a string operand")
}

func saturatingAdd(a, b int64) int64 {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		if b > 0 {
			return maxInt64
		}
		return minInt64
	}
	return sum
}

func saturatingSub(a, b int64) int64 {
	return saturatingAdd(a, -b)
}

func saturatingMul(a, b int64) int64 {
	if a == 0 || b == 0 {
		return 0
	}
	result := a * b
	if result/b != a {
		if (a > 0) == (b > 0) {
			return maxInt64
		}
		return minInt64
	}
	return result
}

const (
	maxInt64 = int64(1<<63 - 1)
	minInt64 = -maxInt64 - 1
)

// readPushOperand decodes Push's operand: a 4-byte little-endian length
// prefix followed by that many bytes of JSON-encoded literal.
func readPushOperand(code []byte, ip int) (Value, int, error) {
	length, next, err := readU32(code, ip)
	if err != nil {
		return Value{}, 0, err
	}
	if next+int(length) > len(code) {
		return Value{}, 0, newError(KindInvalidBytecode, "push: truncated literal")
	}
	lit := code[next : next+int(length)]
	v, err := FromJSON(lit)
	if err != nil {
		return Value{}, 0, newError(KindInvalidBytecode, "push: %v", err)
	}
	return v, next + int(length), nil
}

func readU32(code []byte, ip int) (uint32, int, error) {
	if ip+4 > len(code) {
		return 0, 0, newError(KindInvalidBytecode, "truncated 4-byte operand at ip=%d", ip)
	}
	return binary.LittleEndian.Uint32(code[ip : ip+4]), ip + 4, nil
}

// EncodePush renders a Push instruction for v.
func EncodePush(v Value) ([]byte, error) {
	lit, err := v.ToJSON()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 1+4+len(lit))
	out[0] = byte(OpPush)
	binary.LittleEndian.PutUint32(out[1:5], uint32(len(lit)))
	copy(out[5:], lit)
	return out, nil
}

// EncodeJump renders a Jump/JumpIfFalse/JumpIfTrue instruction targeting offset.
func EncodeJump(op OpCode, target uint32) []byte {
	out := make([]byte, 5)
	out[0] = byte(op)
	binary.LittleEndian.PutUint32(out[1:5], target)
	return out
}

// EncodeCallFfi renders a CallFfi instruction.
func EncodeCallFfi(name string, argCount uint8) []byte {
	out := make([]byte, 1+4+len(name)+1)
	out[0] = byte(OpCallFfi)
	binary.LittleEndian.PutUint32(out[1:5], uint32(len(name)))
	copy(out[5:5+len(name)], name)
	out[5+len(name)] = argCount
	return out
}

// EncodeSimple renders an opcode with no operand (Pop, Dup, Swap, Add, ...).
func EncodeSimple(op OpCode) []byte { return []byte{byte(op)} }
