package vm

import (
	"encoding/json"
	"sort"
	"strings"
)

// ---------------------------------------------------------------------------
// Binding-body document model
// ---------------------------------------------------------------------------

// functionDocument is the JSON shape of one binding body.
type functionDocument struct {
	NLocals      int                   `json:"nlocals"`
	NParams      int                   `json:"nparams"`
	Instructions []instructionDocument `json:"instructions"`
}

// instructionDocument is one symbolic instruction. Optional fields decode
// as pointers so a missing field is distinguishable from a zero value.
type instructionDocument struct {
	Type   string  `json:"type"`
	Index  *int    `json:"index,omitempty"`
	IValue *int64  `json:"ivalue,omitempty"`
	Value  *string `json:"value,omitempty"`
	Name   *string `json:"name,omitempty"`
}

// FunctionObject is a compiled function body: its frame shape plus the
// threaded instruction stream, ready to be copied into a heap-allocated
// function object.
type FunctionObject struct {
	NLocals int
	NParams int
	Code    []Cell
}

// ---------------------------------------------------------------------------
// Compiler
// ---------------------------------------------------------------------------

// Compiler translates one binding body into threaded code. It resolves
// global names to identity-record pointers and sysfunction names to
// registry slots at compile time, computes frame offsets from symbolic
// local indices, and patches forward label references as labels are
// defined.
type Compiler struct {
	machine *Machine
	name    string          // binding being compiled, for diagnostics
	deps    map[string]bool // dependency view: referenced name → lazy?

	fn          FunctionObject
	labels      map[string]int   // label id → code position
	forwardRefs map[string][]int // label id → operand positions to patch
}

// NewCompiler creates a compiler for the named binding. The dependency
// view decides, per referenced name, whether the lazy opcode variant is
// selected.
func NewCompiler(m *Machine, name string, deps map[string]bool) *Compiler {
	return &Compiler{
		machine:     m,
		name:        name,
		deps:        deps,
		labels:      make(map[string]int),
		forwardRefs: make(map[string][]int),
	}
}

// Compile parses the JSON body and plants each instruction into the
// threaded stream. All forward references must resolve by the end of the
// body. A RETURN and a HALT are appended after the last user instruction:
// a body that falls off its end unwinds to its caller, and the HALT is a
// terminator for streams entered without a frame.
func (c *Compiler) Compile(body []byte) (*FunctionObject, error) {
	var doc functionDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, Errorf(ErrJSONDecode, "binding %q: %v", c.name, err)
	}

	c.fn = FunctionObject{NLocals: doc.NLocals, NParams: doc.NParams}
	log.Debugf("compiling %q: nlocals=%d nparams=%d ninstructions=%d",
		c.name, doc.NLocals, doc.NParams, len(doc.Instructions))

	for _, inst := range doc.Instructions {
		if err := c.plant(inst); err != nil {
			return nil, err
		}
	}
	if err := c.checkForwardRefs(); err != nil {
		return nil, err
	}

	c.emit(OpReturn)
	c.emit(OpHalt)
	return &c.fn, nil
}

// plant compiles a single instruction into the stream.
func (c *Compiler) plant(inst instructionDocument) error {
	// LABEL is compile-time only: record the position, emit nothing.
	if inst.Type == instructionTypeLabel || inst.Type == "Label" {
		return c.plantLabel(inst)
	}

	pair, ok := opcodeForType[inst.Type]
	if !ok {
		return Errorf(ErrUnknownOpcode, "binding %q: unknown instruction type %q", c.name, inst.Type)
	}
	op := pair.Eager
	if inst.Name != nil && c.deps[*inst.Name] {
		op = pair.Lazy
	}
	log.Debugf("  plant %s", op)

	switch op {
	case OpPushInt:
		return c.plantPushInt(inst)
	case OpPushBool:
		return c.plantPushBool(inst)
	case OpPushString:
		return c.plantPushString(inst)
	case OpPopLocal, OpPushLocal:
		return c.plantLocal(op, inst)
	case OpPushGlobal, OpPushGlobalLazy:
		return c.plantPushGlobal(op, inst)
	case OpCallGlobalCounted, OpCallGlobalCountedLazy:
		return c.plantCallGlobal(op, inst)
	case OpSyscallCounted:
		return c.plantSyscall(inst)
	case OpStackLength, OpCheckBool:
		return c.plantSnapshotOp(op, inst)
	case OpGoto, OpIfNot:
		return c.plantJump(op, inst)
	case OpReturn, OpHalt:
		c.emit(op)
		return nil
	case OpDone:
		return c.plantDone(inst)
	default:
		return Errorf(ErrUnknownOpcode, "binding %q: unhandled opcode %s", c.name, op)
	}
}

// ---------------------------------------------------------------------------
// Emission helpers
// ---------------------------------------------------------------------------

func (c *Compiler) emit(op Opcode) {
	c.fn.Code = append(c.fn.Code, opcodeWord(op))
}

func (c *Compiler) emitCell(cell Cell) {
	c.fn.Code = append(c.fn.Code, cell)
}

// frameOffset converts a symbolic local index into the raw operand the
// handlers use: for local i in a frame with L locals, the slot sits at
// L-i+2 cells below the return-stack top (under the saved function
// pointer and return address).
func (c *Compiler) frameOffset(index int) int64 {
	return int64(c.fn.NLocals - index + 2)
}

func (c *Compiler) requireIndex(inst instructionDocument, op Opcode) (int, error) {
	if inst.Index == nil {
		return 0, Errorf(ErrMissingField, "binding %q: %s requires an index field", c.name, op)
	}
	return *inst.Index, nil
}

func (c *Compiler) requireName(inst instructionDocument, op Opcode) (string, error) {
	if inst.Name == nil {
		return "", Errorf(ErrMissingField, "binding %q: %s requires a name field", c.name, op)
	}
	return *inst.Name, nil
}

func (c *Compiler) requireValue(inst instructionDocument, op Opcode) (string, error) {
	if inst.Value == nil {
		return "", Errorf(ErrMissingField, "binding %q: %s requires a value field", c.name, op)
	}
	return *inst.Value, nil
}

// lookupIdent resolves a global name to its identity record. The loader
// defines every dependency before any body compiles, so an unresolved
// name here is a genuine error rather than an ordering accident.
func (c *Compiler) lookupIdent(name string, op Opcode) (*Ident, error) {
	id := c.machine.Globals().Lookup(name)
	if id == nil {
		return nil, Errorf(ErrUndefinedGlobal, "binding %q: %s references undefined global %q", c.name, op, name)
	}
	return id, nil
}

// ---------------------------------------------------------------------------
// Per-opcode planting
// ---------------------------------------------------------------------------

func (c *Compiler) plantPushInt(inst instructionDocument) error {
	if inst.IValue == nil {
		return Errorf(ErrMissingField, "binding %q: PUSH_INT requires an ivalue field", c.name)
	}
	c.emit(OpPushInt)
	c.emitCell(TagInt(*inst.IValue))
	return nil
}

func (c *Compiler) plantPushBool(inst instructionDocument) error {
	value, err := c.requireValue(inst, OpPushBool)
	if err != nil {
		return err
	}
	switch value {
	case "true":
		c.emit(OpPushBool)
		c.emitCell(True)
	case "false":
		c.emit(OpPushBool)
		c.emitCell(False)
	default:
		return Errorf(ErrJSONDecode, "binding %q: PUSH_BOOL value must be \"true\" or \"false\", got %q", c.name, value)
	}
	return nil
}

func (c *Compiler) plantPushString(inst instructionDocument) error {
	value, err := c.requireValue(inst, OpPushString)
	if err != nil {
		return err
	}
	str, err := c.machine.AllocateString(value)
	if err != nil {
		return err
	}
	c.emit(OpPushString)
	c.emitCell(str)
	return nil
}

func (c *Compiler) plantLocal(op Opcode, inst instructionDocument) error {
	index, err := c.requireIndex(inst, op)
	if err != nil {
		return err
	}
	c.emit(op)
	c.emitCell(MakeRawInt(c.frameOffset(index)))
	return nil
}

func (c *Compiler) plantPushGlobal(op Opcode, inst instructionDocument) error {
	name, err := c.requireName(inst, op)
	if err != nil {
		return err
	}
	id, err := c.lookupIdent(name, op)
	if err != nil {
		return err
	}
	c.emit(op)
	c.emitCell(identToCell(id))
	return nil
}

func (c *Compiler) plantCallGlobal(op Opcode, inst instructionDocument) error {
	index, err := c.requireIndex(inst, op)
	if err != nil {
		return err
	}
	name, err := c.requireName(inst, op)
	if err != nil {
		return err
	}
	id, err := c.lookupIdent(name, op)
	if err != nil {
		return err
	}
	c.emit(op)
	c.emitCell(MakeRawInt(c.frameOffset(index)))
	c.emitCell(identToCell(id))
	return nil
}

func (c *Compiler) plantSyscall(inst instructionDocument) error {
	index, err := c.requireIndex(inst, OpSyscallCounted)
	if err != nil {
		return err
	}
	name, err := c.requireName(inst, OpSyscallCounted)
	if err != nil {
		return err
	}
	slot, ok := SysFunctionSlot(name)
	if !ok {
		return Errorf(ErrUnknownSysFunction, "binding %q: unknown sys-function %q", c.name, name)
	}
	c.emit(OpSyscallCounted)
	c.emitCell(MakeRawInt(c.frameOffset(index)))
	c.emitCell(MakeRawInt(int64(slot)))
	return nil
}

func (c *Compiler) plantSnapshotOp(op Opcode, inst instructionDocument) error {
	index, err := c.requireIndex(inst, op)
	if err != nil {
		return err
	}
	c.emit(op)
	c.emitCell(MakeRawInt(c.frameOffset(index)))
	return nil
}

func (c *Compiler) plantDone(inst instructionDocument) error {
	index, err := c.requireIndex(inst, OpDone)
	if err != nil {
		return err
	}
	name, err := c.requireName(inst, OpDone)
	if err != nil {
		return err
	}
	id, err := c.lookupIdent(name, OpDone)
	if err != nil {
		return err
	}
	c.emit(OpDone)
	c.emitCell(MakeRawInt(c.frameOffset(index)))
	c.emitCell(identToCell(id))
	return nil
}

// ---------------------------------------------------------------------------
// Labels and jumps
// ---------------------------------------------------------------------------

// plantLabel records the current code position as the label's target and
// patches any forward references already emitted against it.
func (c *Compiler) plantLabel(inst instructionDocument) error {
	if inst.Value == nil {
		return Errorf(ErrMissingField, "binding %q: LABEL requires a value field", c.name)
	}
	name := *inst.Value
	target := len(c.fn.Code)
	c.labels[name] = target
	log.Debugf("  label %q at %d", name, target)

	for _, operandPos := range c.forwardRefs[name] {
		c.fn.Code[operandPos] = MakeRawInt(int64(target - (operandPos + 1)))
	}
	delete(c.forwardRefs, name)
	return nil
}

// plantJump emits a GOTO or IF_NOT with a relative offset operand. A
// backward reference resolves immediately; a forward reference leaves a
// placeholder that plantLabel patches.
func (c *Compiler) plantJump(op Opcode, inst instructionDocument) error {
	name, err := c.requireValue(inst, op)
	if err != nil {
		return err
	}
	c.emit(op)
	operandPos := len(c.fn.Code)
	if target, ok := c.labels[name]; ok {
		c.emitCell(MakeRawInt(int64(target - (operandPos + 1))))
	} else {
		c.emitCell(MakeRawInt(0)) // placeholder
		c.forwardRefs[name] = append(c.forwardRefs[name], operandPos)
	}
	return nil
}

// checkForwardRefs fails compilation if any jump still targets an
// undefined label.
func (c *Compiler) checkForwardRefs() error {
	if len(c.forwardRefs) == 0 {
		return nil
	}
	names := make([]string, 0, len(c.forwardRefs))
	for name := range c.forwardRefs {
		names = append(names, name)
	}
	sort.Strings(names)
	return Errorf(ErrUnresolvedLabel, "binding %q: unresolved label references: %s",
		c.name, strings.Join(names, ", "))
}
