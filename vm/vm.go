package vm

import (
	"fmt"
	"io"
	"os"
	"strings"
	"unsafe"
)

// ---------------------------------------------------------------------------
// Machine: one isolated Pecan instance
// ---------------------------------------------------------------------------

// Machine owns everything one Pecan task needs: the heap, the operand and
// return stacks, and the globals table. Machines are fully isolated from
// each other; nothing here is shared except the immutable sysfunction
// registry. Execution is single-threaded and never yields except at HALT.
type Machine struct {
	operands *CellStack
	returns  *CellStack
	globals  *Globals
	heap     *Heap

	// out receives println output; defaults to os.Stdout.
	out io.Writer

	// traceInstructions logs every dispatched instruction. Too noisy for
	// the shared logger's level gating alone, so it has its own switch.
	traceInstructions bool
}

// Options configures a new machine. Zero fields take defaults.
type Options struct {
	HeapCells         int
	StackCells        int
	Out               io.Writer
	TraceInstructions bool
}

// NewMachine creates a machine with default sizes.
func NewMachine() (*Machine, error) {
	return NewMachineWithOptions(Options{})
}

// NewMachineWithOptions creates a machine with explicit sizes.
func NewMachineWithOptions(opts Options) (*Machine, error) {
	if opts.HeapCells <= 0 {
		opts.HeapCells = DefaultHeapCells
	}
	if opts.StackCells <= 0 {
		opts.StackCells = DefaultStackCells
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	heap, err := NewHeap(opts.HeapCells)
	if err != nil {
		return nil, err
	}
	return &Machine{
		operands:          NewCellStack(opts.StackCells),
		returns:           NewCellStack(opts.StackCells),
		globals:           NewGlobals(),
		heap:              heap,
		out:               opts.Out,
		traceInstructions: opts.TraceInstructions,
	}, nil
}

// Heap returns the machine's heap.
func (m *Machine) Heap() *Heap { return m.heap }

// Globals returns the machine's globals table.
func (m *Machine) Globals() *Globals { return m.globals }

// OperandStack returns the machine's operand stack.
func (m *Machine) OperandStack() *CellStack { return m.operands }

// ReturnStack returns the machine's return stack.
func (m *Machine) ReturnStack() *CellStack { return m.returns }

// ---------------------------------------------------------------------------
// Operand-stack access for sysfunctions
// ---------------------------------------------------------------------------

// Push places a value on the operand stack.
func (m *Machine) Push(c Cell) error { return m.operands.Push(c) }

// Pop removes and returns the operand-stack top.
func (m *Machine) Pop() (Cell, error) { return m.operands.Pop() }

// Peek returns the operand-stack top without removing it.
func (m *Machine) Peek() (Cell, error) { return m.operands.Peek() }

// PeekAt returns the operand-stack value at an absolute index.
func (m *Machine) PeekAt(index int) (Cell, error) { return m.operands.PeekAt(index) }

// SetTop overwrites the operand-stack top.
func (m *Machine) SetTop(c Cell) error { return m.operands.SetTop(c) }

// PopMultiple removes the top count operand-stack values.
func (m *Machine) PopMultiple(count int) error { return m.operands.PopMultiple(count) }

// StackSize returns the operand-stack size.
func (m *Machine) StackSize() int { return m.operands.Size() }

// ---------------------------------------------------------------------------
// Allocation helpers
// ---------------------------------------------------------------------------

// AllocateString places a string in the heap and returns its tagged
// pointer.
func (m *Machine) AllocateString(s string) (Cell, error) {
	obj, err := m.heap.AllocateString(s)
	if err != nil {
		return 0, err
	}
	return TagPtr(obj), nil
}

// AllocateFunction places a compiled function in the heap and returns a
// pointer to its datakey cell.
func (m *Machine) AllocateFunction(fn *FunctionObject) (*Cell, error) {
	return m.heap.AllocateFunction(fn.Code, fn.NLocals, fn.NParams)
}

// functionPtr decodes c as a function object pointer, or fails with a
// type error.
func (m *Machine) functionPtr(c Cell) (*Cell, error) {
	if !c.IsPtr() {
		return nil, Errorf(ErrType, "attempt to call a non-pointer value %s", c)
	}
	obj := c.UntagPtr()
	if !m.heap.IsFunctionObject(obj) {
		return nil, Errorf(ErrType, "attempt to call a non-function object")
	}
	return obj, nil
}

// ---------------------------------------------------------------------------
// Execution entry
// ---------------------------------------------------------------------------

// Execute runs the function in funcCell to completion. Any values already
// on the operand stack serve as the entry point's arguments. A three-cell
// launcher {LAUNCH, func, HALT} is synthesized in the heap so the initial
// frame's return address lands on a HALT: a top-level body that returns
// (or falls off its end) stops the machine cleanly.
func (m *Machine) Execute(funcCell Cell) error {
	obj, err := m.functionPtr(funcCell)
	if err != nil {
		return err
	}
	launcher, err := m.heap.Pool().Allocate(3)
	if err != nil {
		return err
	}
	*cellAt(launcher, 0) = opcodeWord(OpLaunch)
	*cellAt(launcher, 1) = MakeRawPtr(unsafe.Pointer(obj))
	*cellAt(launcher, 2) = opcodeWord(OpHalt)
	return m.run(launcher)
}

// ExecuteWithArgs pushes args then executes the function.
func (m *Machine) ExecuteWithArgs(funcCell Cell, args []Cell) error {
	for _, a := range args {
		if err := m.operands.Push(a); err != nil {
			return err
		}
	}
	return m.Execute(funcCell)
}

// ---------------------------------------------------------------------------
// Heap-aware formatting
// ---------------------------------------------------------------------------

// FormatCell renders a cell for program output: integers in decimal,
// booleans as true/false, nil as nil, string objects as their bytes, and
// other pointers by address.
func (m *Machine) FormatCell(c Cell) string {
	switch {
	case c.IsInt():
		return fmt.Sprintf("%d", c.UntagInt())
	case c.IsBool():
		if c.AsBool() {
			return "true"
		}
		return "false"
	case c.IsNil():
		return "nil"
	case c.IsPtr():
		obj := c.UntagPtr()
		if m.heap.Pool().Contains(obj) && m.heap.IsStringObject(obj) {
			return string(m.heap.StringBytes(obj))
		}
		return c.String()
	default:
		return c.String()
	}
}

// FormatStack renders the operand stack bottom-to-top for diagnostics.
func (m *Machine) FormatStack() string {
	var sb strings.Builder
	for i := 0; i < m.operands.Size(); i++ {
		c, _ := m.operands.PeekAt(i)
		fmt.Fprintf(&sb, "  [%d]: %s\n", i, m.FormatCell(c))
	}
	return sb.String()
}
