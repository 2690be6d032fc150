package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode identifies an instruction handler. In the compiled stream the
// first cell of every instruction holds its opcode word, which the
// dispatcher uses to transfer control to the handler body; the fixed
// number of operand cells that follow is opcode-specific.
type Opcode uint8

const (
	OpPushInt Opcode = iota
	OpPushBool
	OpPushString
	OpPopLocal
	OpPushLocal
	OpPushGlobal
	OpPushGlobalLazy
	OpCallGlobalCounted
	OpCallGlobalCountedLazy
	OpSyscallCounted
	OpStackLength
	OpCheckBool
	OpGoto
	OpIfNot
	OpReturn
	OpHalt
	OpDone
	OpLaunch
)

// numOpcodes bounds the handler table.
const numOpcodes = int(OpLaunch) + 1

// OpcodeInfo holds static metadata about an opcode.
type OpcodeInfo struct {
	Name     string
	Operands int // operand cells following the opcode word
}

var opcodeTable = [numOpcodes]OpcodeInfo{
	OpPushInt:               {"PUSH_INT", 1},
	OpPushBool:              {"PUSH_BOOL", 1},
	OpPushString:            {"PUSH_STRING", 1},
	OpPopLocal:              {"POP_LOCAL", 1},
	OpPushLocal:             {"PUSH_LOCAL", 1},
	OpPushGlobal:            {"PUSH_GLOBAL", 1},
	OpPushGlobalLazy:        {"PUSH_GLOBAL_LAZY", 1},
	OpCallGlobalCounted:     {"CALL_GLOBAL_COUNTED", 2},
	OpCallGlobalCountedLazy: {"CALL_GLOBAL_COUNTED_LAZY", 2},
	OpSyscallCounted:        {"SYSCALL_COUNTED", 2},
	OpStackLength:           {"STACK_LENGTH", 1},
	OpCheckBool:             {"CHECK_BOOL", 1},
	OpGoto:                  {"GOTO", 1},
	OpIfNot:                 {"IF_NOT", 1},
	OpReturn:                {"RETURN", 0},
	OpHalt:                  {"HALT", 0},
	OpDone:                  {"DONE", 2},
	OpLaunch:                {"LAUNCH", 1},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if int(op) < numOpcodes {
		return opcodeTable[op]
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", uint8(op))}
}

// Name returns the opcode's diagnostic name.
func (op Opcode) Name() string {
	return op.Info().Name
}

// OperandCount returns the number of operand cells the opcode consumes.
func (op Opcode) OperandCount() int {
	return op.Info().Operands
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}

// opcodeWord builds the handler cell for an opcode.
func opcodeWord(op Opcode) Cell {
	return MakeRawInt(int64(op))
}

// ---------------------------------------------------------------------------
// Binding-body instruction types
// ---------------------------------------------------------------------------

// instructionTypeLabel marks the compile-time-only LABEL pseudo-instruction,
// which records a jump target and emits no code.
const instructionTypeLabel = "label"

// opcodePair maps a name-bearing instruction type to its eager and lazy
// variants. The compiler selects the lazy variant iff the referenced
// binding is marked lazy in the dependency view; for instruction types
// without a name the two variants collapse.
type opcodePair struct {
	Eager Opcode
	Lazy  Opcode
}

// opcodeForType maps binding-body instruction type strings to opcodes.
// Both the dotted and the CamelCase spellings are accepted; bundle
// producers have emitted each at different times.
var opcodeForType = map[string]opcodePair{
	"push.int":            {OpPushInt, OpPushInt},
	"PushInt":             {OpPushInt, OpPushInt},
	"push.bool":           {OpPushBool, OpPushBool},
	"PushBool":            {OpPushBool, OpPushBool},
	"push.string":         {OpPushString, OpPushString},
	"PushString":          {OpPushString, OpPushString},
	"pop.local":           {OpPopLocal, OpPopLocal},
	"PopLocal":            {OpPopLocal, OpPopLocal},
	"push.local":          {OpPushLocal, OpPushLocal},
	"PushLocal":           {OpPushLocal, OpPushLocal},
	"push.global":         {OpPushGlobal, OpPushGlobalLazy},
	"PushGlobal":          {OpPushGlobal, OpPushGlobalLazy},
	"call.global.counted": {OpCallGlobalCounted, OpCallGlobalCountedLazy},
	"CallGlobalCounted":   {OpCallGlobalCounted, OpCallGlobalCountedLazy},
	"syscall.counted":     {OpSyscallCounted, OpSyscallCounted},
	"SyscallCounted":      {OpSyscallCounted, OpSyscallCounted},
	"stack.length":        {OpStackLength, OpStackLength},
	"StackLength":         {OpStackLength, OpStackLength},
	"check.bool":          {OpCheckBool, OpCheckBool},
	"CheckBool":           {OpCheckBool, OpCheckBool},
	"goto":                {OpGoto, OpGoto},
	"Goto":                {OpGoto, OpGoto},
	"if.not":              {OpIfNot, OpIfNot},
	"IfNot":               {OpIfNot, OpIfNot},
	"return":              {OpReturn, OpReturn},
	"Return":              {OpReturn, OpReturn},
	"halt":                {OpHalt, OpHalt},
	"Halt":                {OpHalt, OpHalt},
	"done":                {OpDone, OpDone},
	"Done":                {OpDone, OpDone},
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// Disassemble renders a compiled instruction stream for diagnostics. It
// walks the stream by each opcode's declared operand count; operand cells
// are shown as raw integers since their interpretation is opcode-specific.
func Disassemble(code []Cell) string {
	var sb strings.Builder
	for i := 0; i < len(code); {
		op := Opcode(code[i].RawInt())
		info := op.Info()
		fmt.Fprintf(&sb, "%04d  %s", i, info.Name)
		i++
		for j := 0; j < info.Operands && i < len(code); j++ {
			fmt.Fprintf(&sb, " %d", code[i].RawInt())
			i++
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
