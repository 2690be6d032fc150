package vm

import "unsafe"

// ---------------------------------------------------------------------------
// Dispatch
// ---------------------------------------------------------------------------
//
// The instruction stream is directly threaded: the first cell of every
// instruction is its handler word, and each handler reads its operand
// cells, does its work, and hands the dispatcher the address of the next
// instruction. There is no central switch; the loop below is only the
// trampoline between handlers.
//
// A handler receives pc pointing at its first operand cell and op
// pointing at its own handler word (so the lazy variants can rewrite
// themselves in place). It returns the next instruction's handler word,
// or nil to stop the machine.

type handlerFunc func(m *Machine, pc *Cell, op *Cell) (*Cell, error)

var handlers = [numOpcodes]handlerFunc{
	OpPushInt:               opPushValue,
	OpPushBool:              opPushValue,
	OpPushString:            opPushValue,
	OpPopLocal:              opPopLocal,
	OpPushLocal:             opPushLocal,
	OpPushGlobal:            opPushGlobal,
	OpPushGlobalLazy:        opPushGlobalLazy,
	OpCallGlobalCounted:     opCallGlobalCounted,
	OpCallGlobalCountedLazy: opCallGlobalCountedLazy,
	OpSyscallCounted:        opSyscallCounted,
	OpStackLength:           opStackLength,
	OpCheckBool:             opCheckBool,
	OpGoto:                  opGoto,
	OpIfNot:                 opIfNot,
	OpReturn:                opReturn,
	OpHalt:                  opHalt,
	OpDone:                  opDone,
	OpLaunch:                opLaunch,
}

// run dispatches from the instruction at pc until a handler halts the
// machine or fails. Handlers execute atomically with respect to each
// other; the serial dispatch order here is the machine's only ordering.
func (m *Machine) run(pc *Cell) error {
	for pc != nil {
		word := (*pc).RawInt()
		if word < 0 || word >= int64(numOpcodes) || handlers[word] == nil {
			return Errorf(ErrUnknownOpcode, "corrupt instruction stream: handler word %d", word)
		}
		if m.traceInstructions {
			log.Debugf("exec %s (operands=%d returns=%d)",
				Opcode(word), m.operands.Size(), m.returns.Size())
		}
		next, err := handlers[word](m, cellAt(pc, 1), pc)
		if err != nil {
			return err
		}
		pc = next
	}
	return nil
}

// ---------------------------------------------------------------------------
// Frame access
// ---------------------------------------------------------------------------

// A call frame occupies the top of the return stack, pushed bottom-up:
//
//	[ local_0 .. local_{L-1}, saved_func, saved_return_addr ]  <- top
//
// local_i holds argument i for i < nparams and starts as NIL otherwise.
// Compiled operands encode a local as its distance L-i+2 from the stack
// top, so handlers address frame slots without knowing L.

// localAt reads the frame slot at the given raw offset from the top.
func (m *Machine) localAt(off int64) (Cell, error) {
	return m.returns.PeekAt(m.returns.Size() - int(off))
}

// setLocalAt writes the frame slot at the given raw offset from the top.
func (m *Machine) setLocalAt(off int64, c Cell) error {
	return m.returns.SetAt(m.returns.Size()-int(off), c)
}

// snapshotAt reads a frame slot holding an operand-stack size recorded by
// STACK_LENGTH, for the counted-argument instructions.
func (m *Machine) snapshotAt(off int64) (int, error) {
	c, err := m.localAt(off)
	if err != nil {
		return 0, err
	}
	if !c.IsInt() {
		return 0, Errorf(ErrAssertion, "frame slot at offset %d holds %s, not a stack snapshot", off, c)
	}
	return int(c.UntagInt()), nil
}

// callFunction builds a frame for fn and transfers control to its code.
// The i-th argument pushed by the caller becomes local i: arguments are
// buffered off the operand stack and replayed in push order, extra locals
// are filled with NIL, then the raw function pointer and return address
// complete the frame.
func (m *Machine) callFunction(ret *Cell, fn *Cell, nargs int) (*Cell, error) {
	nlocals := m.heap.FunctionNLocals(fn)
	nparams := m.heap.FunctionNParams(fn)
	if nargs != nparams {
		return nil, Errorf(ErrArity, "function expected %d arguments, got %d", nparams, nargs)
	}

	params := make([]Cell, nparams)
	for i := nparams - 1; i >= 0; i-- {
		c, err := m.operands.Pop()
		if err != nil {
			return nil, err
		}
		params[i] = c
	}
	for i := 0; i < nparams; i++ {
		if err := m.returns.Push(params[i]); err != nil {
			return nil, err
		}
	}
	for i := nparams; i < nlocals; i++ {
		if err := m.returns.Push(Nil); err != nil {
			return nil, err
		}
	}
	if err := m.returns.Push(MakeRawPtr(unsafe.Pointer(fn))); err != nil {
		return nil, err
	}
	if err := m.returns.Push(MakeRawPtr(unsafe.Pointer(ret))); err != nil {
		return nil, err
	}
	return m.heap.FunctionCode(fn), nil
}

// forceLazy begins evaluating a lazy binding's body with zero arguments,
// returning to ret when the body unwinds. Re-entering a force that is
// already underway means the binding's value depends on itself.
func (m *Machine) forceLazy(ret *Cell, id *Ident) (*Cell, error) {
	if id.InProgress {
		return nil, Errorf(ErrRecursiveLazyForce, "recursive evaluation of a lazy binding")
	}
	id.InProgress = true
	fn, err := m.functionPtr(id.Value)
	if err != nil {
		return nil, err
	}
	return m.callFunction(ret, fn, 0)
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

// opPushValue serves PUSH_INT, PUSH_BOOL, and PUSH_STRING: the operand
// cell is the already-encoded value.
func opPushValue(m *Machine, pc *Cell, op *Cell) (*Cell, error) {
	if err := m.operands.Push(*pc); err != nil {
		return nil, err
	}
	return cellAt(pc, 1), nil
}

func opPushLocal(m *Machine, pc *Cell, op *Cell) (*Cell, error) {
	v, err := m.localAt((*pc).RawInt())
	if err != nil {
		return nil, err
	}
	if err := m.operands.Push(v); err != nil {
		return nil, err
	}
	return cellAt(pc, 1), nil
}

func opPopLocal(m *Machine, pc *Cell, op *Cell) (*Cell, error) {
	v, err := m.operands.Pop()
	if err != nil {
		return nil, err
	}
	if err := m.setLocalAt((*pc).RawInt(), v); err != nil {
		return nil, err
	}
	return cellAt(pc, 1), nil
}

func opPushGlobal(m *Machine, pc *Cell, op *Cell) (*Cell, error) {
	id := cellToIdent(*pc)
	if err := m.operands.Push(id.Value); err != nil {
		return nil, err
	}
	return cellAt(pc, 1), nil
}

// opPushGlobalLazy rewrites its handler word to the eager PUSH_GLOBAL —
// a single aligned cell write, safe under single-threaded execution —
// then either forces the binding or re-dispatches the rewritten
// instruction. When forcing, the return address is the next instruction:
// the body's DONE leaves the computed value on the operand stack, which
// is exactly the push this instruction owed.
func opPushGlobalLazy(m *Machine, pc *Cell, op *Cell) (*Cell, error) {
	id := cellToIdent(*pc)
	*op = opcodeWord(OpPushGlobal)
	if id.Lazy {
		return m.forceLazy(cellAt(pc, 1), id)
	}
	return op, nil
}

func opCallGlobalCounted(m *Machine, pc *Cell, op *Cell) (*Cell, error) {
	snapshot, err := m.snapshotAt((*pc).RawInt())
	if err != nil {
		return nil, err
	}
	nargs := m.operands.Size() - snapshot
	id := cellToIdent(*cellAt(pc, 1))
	fn, err := m.functionPtr(id.Value)
	if err != nil {
		return nil, err
	}
	return m.callFunction(cellAt(pc, 2), fn, nargs)
}

// opCallGlobalCountedLazy forces a still-lazy callee with zero arguments
// and resumes past the call site; once the binding is eager it rewrites
// itself to CALL_GLOBAL_COUNTED and re-dispatches.
func opCallGlobalCountedLazy(m *Machine, pc *Cell, op *Cell) (*Cell, error) {
	id := cellToIdent(*cellAt(pc, 1))
	if id.Lazy {
		return m.forceLazy(cellAt(pc, 2), id)
	}
	*op = opcodeWord(OpCallGlobalCounted)
	return op, nil
}

func opSyscallCounted(m *Machine, pc *Cell, op *Cell) (*Cell, error) {
	snapshot, err := m.snapshotAt((*pc).RawInt())
	if err != nil {
		return nil, err
	}
	nargs := m.operands.Size() - snapshot
	fn, err := sysFunctionAt((*cellAt(pc, 1)).RawInt())
	if err != nil {
		return nil, err
	}
	if err := fn(m, nargs); err != nil {
		return nil, err
	}
	return cellAt(pc, 2), nil
}

func opStackLength(m *Machine, pc *Cell, op *Cell) (*Cell, error) {
	size := TagInt(int64(m.operands.Size()))
	if err := m.setLocalAt((*pc).RawInt(), size); err != nil {
		return nil, err
	}
	return cellAt(pc, 1), nil
}

// opCheckBool verifies that exactly one value arrived since the snapshot
// and that it is a boolean.
func opCheckBool(m *Machine, pc *Cell, op *Cell) (*Cell, error) {
	before, err := m.snapshotAt((*pc).RawInt())
	if err != nil {
		return nil, err
	}
	current := m.operands.Size()
	if current != before+1 {
		return nil, Errorf(ErrAssertion, "condition left %d values on the stack, expected 1", current-before)
	}
	top, err := m.operands.Peek()
	if err != nil {
		return nil, err
	}
	if !top.IsBool() {
		return nil, Errorf(ErrType, "condition produced %s, expected a boolean", m.FormatCell(top))
	}
	return cellAt(pc, 1), nil
}

func opGoto(m *Machine, pc *Cell, op *Cell) (*Cell, error) {
	offset := (*pc).RawInt()
	return cellAt(pc, 1+int(offset)), nil
}

// opIfNot jumps only when the popped value is the False literal; every
// other value, including 0 and nil, falls through.
func opIfNot(m *Machine, pc *Cell, op *Cell) (*Cell, error) {
	v, err := m.operands.Pop()
	if err != nil {
		return nil, err
	}
	if v == False {
		return cellAt(pc, 1+int((*pc).RawInt())), nil
	}
	return cellAt(pc, 1), nil
}

// opReturn unwinds the current frame: restore the return address, recover
// the callee's local count from the saved function pointer, and release
// the frame's slots.
func opReturn(m *Machine, pc *Cell, op *Cell) (*Cell, error) {
	retCell, err := m.returns.Pop()
	if err != nil {
		return nil, err
	}
	fnCell, err := m.returns.Pop()
	if err != nil {
		return nil, err
	}
	fn := (*Cell)(fnCell.RawPtr())
	if err := m.returns.PopMultiple(m.heap.FunctionNLocals(fn)); err != nil {
		return nil, err
	}
	return (*Cell)(retCell.RawPtr()), nil
}

func opHalt(m *Machine, pc *Cell, op *Cell) (*Cell, error) {
	return nil, nil
}

// opDone finalises a lazy binding: exactly one value must have arrived
// since the snapshot; it becomes the binding's cached value and stays on
// the operand stack for the forcing site.
func opDone(m *Machine, pc *Cell, op *Cell) (*Cell, error) {
	snapshot, err := m.snapshotAt((*pc).RawInt())
	if err != nil {
		return nil, err
	}
	count := m.operands.Size() - snapshot
	if count != 1 {
		return nil, Errorf(ErrAssertion, "lazy binding produced %d values, expected 1", count)
	}
	v, err := m.operands.Peek()
	if err != nil {
		return nil, err
	}
	id := cellToIdent(*cellAt(pc, 1))
	id.Value = v
	id.Lazy = false
	id.InProgress = false
	return cellAt(pc, 2), nil
}

// opLaunch builds the initial frame for the entry point, drawing the
// entry's parameters from whatever the host pushed onto the operand
// stack. Its return address is the cell after its operand, which the
// launcher arranges to be a HALT.
func opLaunch(m *Machine, pc *Cell, op *Cell) (*Cell, error) {
	fn := (*Cell)((*pc).RawPtr())
	if !m.heap.IsFunctionObject(fn) {
		return nil, Errorf(ErrType, "entry point is not a function object")
	}
	return m.callFunction(cellAt(pc, 1), fn, m.heap.FunctionNParams(fn))
}
