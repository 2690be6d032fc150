package vm

import "sort"

// ---------------------------------------------------------------------------
// Binding source
// ---------------------------------------------------------------------------

// Binding is one top-level definition from a bundle: whether it is lazy,
// and its body as JSON text.
type Binding struct {
	Lazy bool
	Body string
}

// BindingSource is the read-only view of a bundle the loader consumes.
// The storage behind it is not the core's concern.
type BindingSource interface {
	// EntryPoints lists the bundle's entry bindings.
	EntryPoints() ([]string, error)
	// Binding fetches one binding by name.
	Binding(name string) (Binding, error)
	// DependencyClosure maps every binding the named one transitively
	// needs (itself included) to its laziness.
	DependencyClosure(name string) (map[string]bool, error)
}

// ---------------------------------------------------------------------------
// Loader
// ---------------------------------------------------------------------------

// Loader pulls a dependency closure out of a binding source, compiles
// every body into the machine's heap, and launches an entry point.
type Loader struct {
	machine *Machine
	source  BindingSource
}

// NewLoader creates a loader feeding the given machine from the given
// source.
func NewLoader(m *Machine, source BindingSource) *Loader {
	return &Loader{machine: m, source: source}
}

// Load compiles the transitive closure of entry and returns the entry
// binding's function value.
//
// Loading is two-pass: first every name in the closure is defined with a
// placeholder, so each identity record exists before any body compiles
// and compiled code can embed pointers to names whose bodies come later —
// including cyclic references. Then each body is compiled and its global
// re-bound to the resulting function object, reusing the same record.
func (l *Loader) Load(entry string) (Cell, error) {
	deps, err := l.source.DependencyClosure(entry)
	if err != nil {
		return 0, err
	}

	names := make([]string, 0, len(deps))
	for name := range deps {
		names = append(names, name)
	}
	sort.Strings(names)

	globals := l.machine.Globals()
	for _, name := range names {
		globals.Define(name, Undef, deps[name])
	}

	for _, name := range names {
		binding, err := l.source.Binding(name)
		if err != nil {
			return 0, err
		}
		fn, err := NewCompiler(l.machine, name, deps).Compile([]byte(binding.Body))
		if err != nil {
			return 0, err
		}
		obj, err := l.machine.AllocateFunction(fn)
		if err != nil {
			return 0, err
		}
		globals.Define(name, TagPtr(obj), deps[name])
		log.Debugf("loaded %q: %d instruction words", name, len(fn.Code))
	}

	return globals.ValueOf(entry)
}

// Run loads the closure of entry and executes it.
func (l *Loader) Run(entry string) error {
	fn, err := l.Load(entry)
	if err != nil {
		return err
	}
	return l.machine.Execute(fn)
}

// RunWithArgs loads the closure of entry and executes it with the given
// arguments on the operand stack.
func (l *Loader) RunWithArgs(entry string, args []Cell) error {
	fn, err := l.Load(entry)
	if err != nil {
		return err
	}
	return l.machine.ExecuteWithArgs(fn, args)
}

// DefaultEntryPoint returns the bundle's first declared entry point.
func (l *Loader) DefaultEntryPoint() (string, error) {
	entries, err := l.source.EntryPoints()
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", Errorf(ErrBundle, "bundle declares no entry points")
	}
	return entries[0], nil
}
