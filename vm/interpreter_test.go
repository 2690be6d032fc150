package vm

import (
	"testing"
)

// ---------------------------------------------------------------------------
// Hand-built threaded code
// ---------------------------------------------------------------------------

func TestExecuteHandBuiltCode(t *testing.T) {
	m, _ := newTestMachine(t)
	code := []Cell{
		opcodeWord(OpPushInt), TagInt(42),
		opcodeWord(OpPushInt), TagInt(100),
		opcodeWord(OpHalt),
	}
	obj, err := m.Heap().AllocateFunction(code, 0, 0)
	if err != nil {
		t.Fatalf("AllocateFunction: %v", err)
	}
	if err := m.Execute(TagPtr(obj)); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	expectInts(t, m, 42, 100)
}

func TestExecuteHandBuiltString(t *testing.T) {
	m, _ := newTestMachine(t)
	str, err := m.AllocateString("hello")
	if err != nil {
		t.Fatalf("AllocateString: %v", err)
	}
	code := []Cell{
		opcodeWord(OpPushString), str,
		opcodeWord(OpHalt),
	}
	obj, err := m.Heap().AllocateFunction(code, 0, 0)
	if err != nil {
		t.Fatalf("AllocateFunction: %v", err)
	}
	if err := m.Execute(TagPtr(obj)); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	top, _ := m.Peek()
	if !top.IsPtr() {
		t.Fatal("top should be a tagged pointer")
	}
	if got := string(m.Heap().StringBytes(top.UntagPtr())); got != "hello" {
		t.Errorf("string = %q, want %q", got, "hello")
	}
}

func TestRunRejectsCorruptStream(t *testing.T) {
	m, _ := newTestMachine(t)
	code := []Cell{MakeRawInt(999)}
	if err := m.run(&code[0]); !IsKind(err, ErrUnknownOpcode) {
		t.Errorf("corrupt stream = %v, want UnknownOpcode", err)
	}
}

// ---------------------------------------------------------------------------
// Compiled round trips
// ---------------------------------------------------------------------------

func TestPushIntReturnRoundTrip(t *testing.T) {
	// Compiling then executing [push.int V, return] leaves tag_int(V) on
	// the operand stack: the return unwinds to the launcher's HALT.
	m, _ := newTestMachine(t)
	mustRun(t, m, `{
		"nlocals": 0, "nparams": 0,
		"instructions": [
			{"type": "push.int", "ivalue": 7},
			{"type": "return"}
		]
	}`)
	expectInts(t, m, 7)
	// The frame fully unwound.
	if m.ReturnStack().Size() != 0 {
		t.Errorf("return stack size = %d after return, want 0", m.ReturnStack().Size())
	}
}

func TestFallOffEndUnwinds(t *testing.T) {
	m, _ := newTestMachine(t)
	mustRun(t, m, `{
		"nlocals": 0, "nparams": 0,
		"instructions": [{"type": "push.int", "ivalue": 3}]
	}`)
	expectInts(t, m, 3)
	if m.ReturnStack().Size() != 0 {
		t.Errorf("return stack size = %d, want 0", m.ReturnStack().Size())
	}
}

// ---------------------------------------------------------------------------
// Jumps
// ---------------------------------------------------------------------------

func TestForwardJumpSkips(t *testing.T) {
	m, _ := newTestMachine(t)
	mustRun(t, m, `{
		"nlocals": 0, "nparams": 0,
		"instructions": [
			{"type": "push.int", "ivalue": 1},
			{"type": "goto", "value": "skip"},
			{"type": "push.int", "ivalue": 999},
			{"type": "label", "value": "skip"},
			{"type": "push.int", "ivalue": 2},
			{"type": "halt"}
		]
	}`)
	expectInts(t, m, 1, 2)
}

func TestBackwardJumpExecutes(t *testing.T) {
	m, _ := newTestMachine(t)
	mustRun(t, m, `{
		"nlocals": 0, "nparams": 0,
		"instructions": [
			{"type": "push.int", "ivalue": 10},
			{"type": "goto", "value": "over"},
			{"type": "label", "value": "target"},
			{"type": "push.int", "ivalue": 30},
			{"type": "goto", "value": "end"},
			{"type": "label", "value": "over"},
			{"type": "push.int", "ivalue": 20},
			{"type": "goto", "value": "target"},
			{"type": "label", "value": "end"},
			{"type": "halt"}
		]
	}`)
	expectInts(t, m, 10, 20, 30)
}

func TestBranchOnTrue(t *testing.T) {
	m, _ := newTestMachine(t)
	mustRun(t, m, `{
		"nlocals": 0, "nparams": 0,
		"instructions": [
			{"type": "push.bool", "value": "true"},
			{"type": "if.not", "value": "skip"},
			{"type": "push.int", "ivalue": 99},
			{"type": "label", "value": "skip"},
			{"type": "push.int", "ivalue": 42},
			{"type": "halt"}
		]
	}`)
	// True falls through: 99 below, 42 on top.
	expectInts(t, m, 99, 42)
}

func TestBranchOnFalse(t *testing.T) {
	m, _ := newTestMachine(t)
	mustRun(t, m, `{
		"nlocals": 0, "nparams": 0,
		"instructions": [
			{"type": "push.bool", "value": "false"},
			{"type": "if.not", "value": "skip"},
			{"type": "push.int", "ivalue": 99},
			{"type": "label", "value": "skip"},
			{"type": "push.int", "ivalue": 42},
			{"type": "halt"}
		]
	}`)
	expectInts(t, m, 42)
}

// TestIfNotOnlyJumpsOnFalseLiteral verifies that every value except the
// False literal falls through, including 0, nil, and strings.
func TestIfNotOnlyJumpsOnFalseLiteral(t *testing.T) {
	body := `{
		"nlocals": 0, "nparams": 0,
		"instructions": [
			{"type": "if.not", "value": "skip"},
			{"type": "push.int", "ivalue": 1},
			{"type": "label", "value": "skip"},
			{"type": "halt"}
		]
	}`
	run := func(seed func(m *Machine) Cell) []int64 {
		m, _ := newTestMachine(t)
		fn := mustLoadFunction(t, m, "test", nil, body)
		if err := m.ExecuteWithArgs(fn, []Cell{seed(m)}); err != nil {
			t.Fatalf("Execute: %v", err)
		}
		return operandInts(t, m)
	}

	fallThrough := map[string]func(m *Machine) Cell{
		"zero":   func(m *Machine) Cell { return TagInt(0) },
		"nil":    func(m *Machine) Cell { return Nil },
		"true":   func(m *Machine) Cell { return True },
		"string": func(m *Machine) Cell { s, _ := m.AllocateString("x"); return s },
	}
	for name, seed := range fallThrough {
		if got := run(seed); len(got) != 1 || got[0] != 1 {
			t.Errorf("seed %s: stack = %v, want [1]", name, got)
		}
	}
	if got := run(func(m *Machine) Cell { return False }); len(got) != 0 {
		t.Errorf("seed false: stack = %v, want []", got)
	}
}

// ---------------------------------------------------------------------------
// Locals and frames
// ---------------------------------------------------------------------------

func TestPopLocalPushLocal(t *testing.T) {
	m, _ := newTestMachine(t)
	mustRun(t, m, `{
		"nlocals": 2, "nparams": 0,
		"instructions": [
			{"type": "push.int", "ivalue": 7},
			{"type": "pop.local", "index": 1},
			{"type": "push.local", "index": 1},
			{"type": "push.local", "index": 1},
			{"type": "halt"}
		]
	}`)
	expectInts(t, m, 7, 7)
}

func TestExtraLocalsStartNil(t *testing.T) {
	m, _ := newTestMachine(t)
	mustRun(t, m, `{
		"nlocals": 2, "nparams": 0,
		"instructions": [
			{"type": "push.local", "index": 0},
			{"type": "halt"}
		]
	}`)
	top, _ := m.Peek()
	if !top.IsNil() {
		t.Errorf("uninitialised local = %s, want nil", top)
	}
}

// TestFirstArgumentIsLocalZero pins the frame layout: with two
// parameters, the first-pushed argument is reachable as PUSH_LOCAL 0
// after the call.
func TestFirstArgumentIsLocalZero(t *testing.T) {
	m, _ := newTestMachine(t)
	callee := mustLoadFunction(t, m, "callee", nil, `{
		"nlocals": 2, "nparams": 2,
		"instructions": [
			{"type": "push.local", "index": 0},
			{"type": "return"}
		]
	}`)
	m.Globals().Define("callee", callee, false)

	mustRun(t, m, `{
		"nlocals": 1, "nparams": 0,
		"instructions": [
			{"type": "stack.length", "index": 0},
			{"type": "push.int", "ivalue": 11},
			{"type": "push.int", "ivalue": 22},
			{"type": "call.global.counted", "index": 0, "name": "callee"},
			{"type": "halt"}
		]
	}`)
	expectInts(t, m, 11)
}

func TestCallAndReturnBalanceStacks(t *testing.T) {
	m, _ := newTestMachine(t)
	callee := mustLoadFunction(t, m, "sum2", nil, `{
		"nlocals": 3, "nparams": 2,
		"instructions": [
			{"type": "stack.length", "index": 2},
			{"type": "push.local", "index": 0},
			{"type": "push.local", "index": 1},
			{"type": "syscall.counted", "index": 2, "name": "+"},
			{"type": "return"}
		]
	}`)
	m.Globals().Define("sum2", callee, false)

	mustRun(t, m, `{
		"nlocals": 1, "nparams": 0,
		"instructions": [
			{"type": "stack.length", "index": 0},
			{"type": "push.int", "ivalue": 40},
			{"type": "push.int", "ivalue": 2},
			{"type": "call.global.counted", "index": 0, "name": "sum2"},
			{"type": "halt"}
		]
	}`)
	// Both arguments were consumed; the callee's one result remains.
	expectInts(t, m, 42)
}

func TestCallArityMismatch(t *testing.T) {
	m, _ := newTestMachine(t)
	callee := mustLoadFunction(t, m, "unary", nil, `{
		"nlocals": 1, "nparams": 1,
		"instructions": [{"type": "return"}]
	}`)
	m.Globals().Define("unary", callee, false)

	caller := mustLoadFunction(t, m, "caller", nil, `{
		"nlocals": 1, "nparams": 0,
		"instructions": [
			{"type": "stack.length", "index": 0},
			{"type": "push.int", "ivalue": 1},
			{"type": "push.int", "ivalue": 2},
			{"type": "call.global.counted", "index": 0, "name": "unary"},
			{"type": "halt"}
		]
	}`)
	if err := m.Execute(caller); !IsKind(err, ErrArity) {
		t.Errorf("call with 2 args to 1-param function = %v, want ArityError", err)
	}
}

func TestCallNonFunction(t *testing.T) {
	m, _ := newTestMachine(t)
	m.Globals().Define("notfn", TagInt(5), false)
	caller := mustLoadFunction(t, m, "caller", nil, `{
		"nlocals": 1, "nparams": 0,
		"instructions": [
			{"type": "stack.length", "index": 0},
			{"type": "call.global.counted", "index": 0, "name": "notfn"},
			{"type": "halt"}
		]
	}`)
	if err := m.Execute(caller); !IsKind(err, ErrType) {
		t.Errorf("calling an int = %v, want TypeError", err)
	}
}

func TestPopOnEmptyStackUnderflows(t *testing.T) {
	m, _ := newTestMachine(t)
	fn := mustLoadFunction(t, m, "f", nil, `{
		"nlocals": 1, "nparams": 0,
		"instructions": [{"type": "pop.local", "index": 0}]
	}`)
	if err := m.Execute(fn); !IsKind(err, ErrStackUnderflow) {
		t.Errorf("pop on empty stack = %v, want StackUnderflow", err)
	}
}

func TestOperandStackOverflow(t *testing.T) {
	m, err := NewMachineWithOptions(Options{StackCells: 8})
	if err != nil {
		t.Fatalf("NewMachineWithOptions: %v", err)
	}
	fn := mustLoadFunction(t, m, "f", nil, `{
		"nlocals": 0, "nparams": 0,
		"instructions": [
			{"type": "label", "value": "loop"},
			{"type": "push.int", "ivalue": 1},
			{"type": "goto", "value": "loop"}
		]
	}`)
	if err := m.Execute(fn); !IsKind(err, ErrStackOverflow) {
		t.Errorf("unbounded pushes = %v, want StackOverflow", err)
	}
}

// ---------------------------------------------------------------------------
// Globals
// ---------------------------------------------------------------------------

func TestPushGlobalReadsCurrentValue(t *testing.T) {
	m, _ := newTestMachine(t)
	id := m.Globals().Define("g", TagInt(1), false)
	fn := mustLoadFunction(t, m, "f", nil, `{
		"nlocals": 0, "nparams": 0,
		"instructions": [
			{"type": "push.global", "name": "g"},
			{"type": "halt"}
		]
	}`)
	if err := m.Execute(fn); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	expectInts(t, m, 1)

	// The instruction reads through the identity record, so a re-bind is
	// visible without recompilation.
	id.Value = TagInt(2)
	if err := m.Execute(fn); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	expectInts(t, m, 1, 2)
}

// ---------------------------------------------------------------------------
// Snapshot instructions
// ---------------------------------------------------------------------------

func TestStackLengthRecordsSize(t *testing.T) {
	m, _ := newTestMachine(t)
	mustRun(t, m, `{
		"nlocals": 1, "nparams": 0,
		"instructions": [
			{"type": "push.int", "ivalue": 5},
			{"type": "push.int", "ivalue": 6},
			{"type": "stack.length", "index": 0},
			{"type": "push.local", "index": 0},
			{"type": "halt"}
		]
	}`)
	expectInts(t, m, 5, 6, 2)
}

func TestCheckBoolAcceptsSingleBool(t *testing.T) {
	m, _ := newTestMachine(t)
	mustRun(t, m, `{
		"nlocals": 1, "nparams": 0,
		"instructions": [
			{"type": "stack.length", "index": 0},
			{"type": "push.bool", "value": "true"},
			{"type": "check.bool", "index": 0},
			{"type": "halt"}
		]
	}`)
}

func TestCheckBoolRejectsNonBool(t *testing.T) {
	m, _ := newTestMachine(t)
	fn := mustLoadFunction(t, m, "f", nil, `{
		"nlocals": 1, "nparams": 0,
		"instructions": [
			{"type": "stack.length", "index": 0},
			{"type": "push.int", "ivalue": 1},
			{"type": "check.bool", "index": 0}
		]
	}`)
	if err := m.Execute(fn); !IsKind(err, ErrType) {
		t.Errorf("check.bool on int = %v, want TypeError", err)
	}
}

func TestCheckBoolRejectsWrongCount(t *testing.T) {
	m, _ := newTestMachine(t)
	fn := mustLoadFunction(t, m, "f", nil, `{
		"nlocals": 1, "nparams": 0,
		"instructions": [
			{"type": "stack.length", "index": 0},
			{"type": "push.bool", "value": "true"},
			{"type": "push.bool", "value": "true"},
			{"type": "check.bool", "index": 0}
		]
	}`)
	if err := m.Execute(fn); !IsKind(err, ErrAssertion) {
		t.Errorf("check.bool with two values = %v, want AssertionError", err)
	}
}

// ---------------------------------------------------------------------------
// Lazy globals
// ---------------------------------------------------------------------------

// defineLazyBinding compiles body as the lazy binding name and registers
// it, mirroring what the loader does.
func defineLazyBinding(t *testing.T, m *Machine, name, body string, deps map[string]bool) *Ident {
	t.Helper()
	m.Globals().Define(name, Undef, true)
	fn := mustLoadFunction(t, m, name, deps, body)
	return m.Globals().Define(name, fn, true)
}

func TestLazyGlobalForcesOnce(t *testing.T) {
	m, _ := newTestMachine(t)
	deps := map[string]bool{"A": true}
	id := defineLazyBinding(t, m, "A", `{
		"nlocals": 1, "nparams": 0,
		"instructions": [
			{"type": "stack.length", "index": 0},
			{"type": "push.int", "ivalue": 7},
			{"type": "done", "index": 0, "name": "A"}
		]
	}`, deps)

	main := mustLoadFunction(t, m, "main", deps, `{
		"nlocals": 0, "nparams": 0,
		"instructions": [
			{"type": "push.global", "name": "A"},
			{"type": "push.global", "name": "A"},
			{"type": "halt"}
		]
	}`)
	if err := m.Execute(main); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	// First push forced the binding; the second observed the cached
	// value without re-running the body.
	expectInts(t, m, 7, 7)
	if id.Lazy || id.InProgress {
		t.Error("forced binding should be eager and not in progress")
	}
	if id.Value.UntagInt() != 7 {
		t.Errorf("cached value = %s, want 7", id.Value)
	}
}

func TestLazyForcingIsIdempotentAcrossRuns(t *testing.T) {
	m, _ := newTestMachine(t)
	deps := map[string]bool{"A": true}
	defineLazyBinding(t, m, "A", `{
		"nlocals": 1, "nparams": 0,
		"instructions": [
			{"type": "stack.length", "index": 0},
			{"type": "push.int", "ivalue": 9},
			{"type": "done", "index": 0, "name": "A"}
		]
	}`, deps)

	main := mustLoadFunction(t, m, "main", deps, `{
		"nlocals": 0, "nparams": 0,
		"instructions": [
			{"type": "push.global", "name": "A"},
			{"type": "halt"}
		]
	}`)
	for i := 0; i < 3; i++ {
		if err := m.Execute(main); err != nil {
			t.Fatalf("Execute %d: %v", i, err)
		}
	}
	expectInts(t, m, 9, 9, 9)
}

func TestRecursiveLazyForceFails(t *testing.T) {
	m, _ := newTestMachine(t)
	deps := map[string]bool{"A": true}
	defineLazyBinding(t, m, "A", `{
		"nlocals": 1, "nparams": 0,
		"instructions": [
			{"type": "stack.length", "index": 0},
			{"type": "push.global", "name": "A"},
			{"type": "done", "index": 0, "name": "A"}
		]
	}`, deps)

	main := mustLoadFunction(t, m, "main", deps, `{
		"nlocals": 0, "nparams": 0,
		"instructions": [
			{"type": "push.global", "name": "A"},
			{"type": "halt"}
		]
	}`)
	if err := m.Execute(main); !IsKind(err, ErrRecursiveLazyForce) {
		t.Errorf("self-referential lazy binding = %v, want RecursiveLazyForce", err)
	}
}

func TestDoneRequiresExactlyOneValue(t *testing.T) {
	m, _ := newTestMachine(t)
	deps := map[string]bool{"A": true}
	defineLazyBinding(t, m, "A", `{
		"nlocals": 1, "nparams": 0,
		"instructions": [
			{"type": "stack.length", "index": 0},
			{"type": "push.int", "ivalue": 1},
			{"type": "push.int", "ivalue": 2},
			{"type": "done", "index": 0, "name": "A"}
		]
	}`, deps)

	main := mustLoadFunction(t, m, "main", deps, `{
		"nlocals": 0, "nparams": 0,
		"instructions": [
			{"type": "push.global", "name": "A"},
			{"type": "halt"}
		]
	}`)
	if err := m.Execute(main); !IsKind(err, ErrAssertion) {
		t.Errorf("done with two values = %v, want AssertionError", err)
	}
}

// ---------------------------------------------------------------------------
// Entry arguments
// ---------------------------------------------------------------------------

func TestLaunchPassesEntryArguments(t *testing.T) {
	m, _ := newTestMachine(t)
	fn := mustLoadFunction(t, m, "entry", nil, `{
		"nlocals": 2, "nparams": 2,
		"instructions": [
			{"type": "push.local", "index": 1},
			{"type": "push.local", "index": 0},
			{"type": "halt"}
		]
	}`)
	if err := m.ExecuteWithArgs(fn, []Cell{TagInt(10), TagInt(20)}); err != nil {
		t.Fatalf("ExecuteWithArgs: %v", err)
	}
	// Argument order: first pushed is local 0.
	expectInts(t, m, 20, 10)
}
