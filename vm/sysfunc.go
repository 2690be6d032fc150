package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Sys-function registry
// ---------------------------------------------------------------------------

// SysFunction is a built-in operation invoked by name from bundle code.
// It receives the machine and the counted argument total, and reads and
// writes the operand stack directly.
type SysFunction func(m *Machine, nargs int) error

// The registry is process-wide and immutable after static initialisation;
// the compiler embeds a slot number as the SYSCALL_COUNTED operand.
var (
	sysFunctions []SysFunction
	sysSlots     = make(map[string]int)
)

func registerSysFunction(name string, fn SysFunction) {
	sysSlots[name] = len(sysFunctions)
	sysFunctions = append(sysFunctions, fn)
}

// SysFunctionSlot returns the registry slot for name.
func SysFunctionSlot(name string) (int, bool) {
	slot, ok := sysSlots[name]
	return slot, ok
}

// sysFunctionAt resolves a slot operand back to its function.
func sysFunctionAt(slot int64) (SysFunction, error) {
	if slot < 0 || slot >= int64(len(sysFunctions)) {
		return nil, Errorf(ErrUnknownSysFunction, "invalid sys-function slot %d", slot)
	}
	return sysFunctions[slot], nil
}

func init() {
	registerSysFunction("println", sysPrintln)
	registerSysFunction("+", binaryIntOp("add", "+", func(a, b int64) (Cell, error) {
		return TagInt(a + b), nil
	}))
	registerSysFunction("-", binaryIntOp("subtract", "-", func(a, b int64) (Cell, error) {
		return TagInt(a - b), nil
	}))
	registerSysFunction("*", binaryIntOp("multiply", "*", func(a, b int64) (Cell, error) {
		return TagInt(a * b), nil
	}))
	registerSysFunction("/", binaryIntOp("divide", "/", func(a, b int64) (Cell, error) {
		if b == 0 {
			return 0, Errorf(ErrDivByZero, "divide (/): division by zero")
		}
		return TagInt(a / b), nil
	}))
	registerSysFunction("negate", sysNegate)
	registerSysFunction("<", binaryIntOp("less_than", "<", func(a, b int64) (Cell, error) {
		return MakeBool(a < b), nil
	}))
	registerSysFunction(">", binaryIntOp("greater_than", ">", func(a, b int64) (Cell, error) {
		return MakeBool(a > b), nil
	}))
	registerSysFunction("<=", binaryIntOp("less_equal", "<=", func(a, b int64) (Cell, error) {
		return MakeBool(a <= b), nil
	}))
	registerSysFunction(">=", binaryIntOp("greater_equal", ">=", func(a, b int64) (Cell, error) {
		return MakeBool(a >= b), nil
	}))
	registerSysFunction("===", binaryIntOp("identical", "===", func(a, b int64) (Cell, error) {
		return MakeBool(a == b), nil
	}))
	registerSysFunction("!==", binaryIntOp("not_identical", "!==", func(a, b int64) (Cell, error) {
		return MakeBool(a != b), nil
	}))
}

// ---------------------------------------------------------------------------
// println
// ---------------------------------------------------------------------------

// sysPrintln prints the top nargs values space-separated, oldest first,
// followed by a newline, then removes them in one step.
func sysPrintln(m *Machine, nargs int) error {
	if nargs < 0 || nargs > m.StackSize() {
		return Errorf(ErrStackUnderflow, "println: %d arguments with %d values on the stack",
			nargs, m.StackSize())
	}
	base := m.StackSize() - nargs
	var sb strings.Builder
	for i := 0; i < nargs; i++ {
		v, err := m.PeekAt(base + i)
		if err != nil {
			return err
		}
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(m.FormatCell(v))
	}
	sb.WriteByte('\n')
	if _, err := fmt.Fprint(m.out, sb.String()); err != nil {
		return Errorf(ErrAssertion, "println: %v", err)
	}
	return m.PopMultiple(nargs)
}

// ---------------------------------------------------------------------------
// Arithmetic and comparison
// ---------------------------------------------------------------------------

// binaryIntOp wraps a two-argument integer operation. The second operand
// is popped and the result overwrites the first in place, so the net
// stack effect is one pop.
func binaryIntOp(name, symbol string, op func(a, b int64) (Cell, error)) SysFunction {
	return func(m *Machine, nargs int) error {
		if nargs != 2 {
			return Errorf(ErrArity, "%s (%s): expected 2 arguments, got %d", name, symbol, nargs)
		}
		n, err := m.Pop()
		if err != nil {
			return err
		}
		lhs, err := m.Peek()
		if err != nil {
			return err
		}
		if !lhs.IsInt() || !n.IsInt() {
			return Errorf(ErrType, "%s (%s): both arguments must be integers", name, symbol)
		}
		result, err := op(lhs.UntagInt(), n.UntagInt())
		if err != nil {
			return err
		}
		return m.SetTop(result)
	}
}

// sysNegate replaces the top integer with its negation.
func sysNegate(m *Machine, nargs int) error {
	if nargs != 1 {
		return Errorf(ErrArity, "negate: expected 1 argument, got %d", nargs)
	}
	v, err := m.Peek()
	if err != nil {
		return err
	}
	if !v.IsInt() {
		return Errorf(ErrType, "negate: argument must be an integer")
	}
	return m.SetTop(TagInt(-v.UntagInt()))
}
