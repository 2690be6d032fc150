package vm

import (
	"sort"
	"unsafe"
)

// Ident is the identity record backing one global binding. Compiled code
// embeds raw pointers to Idents, so a record is created once and never
// moves; only its fields are rewritten. Lazy marks a binding whose body
// runs at most once, the first time its value is read; InProgress guards
// against re-entering that forcing.
type Ident struct {
	Value      Cell
	Lazy       bool
	InProgress bool
}

// identToCell embeds an identity record pointer as a raw operand cell.
func identToCell(id *Ident) Cell {
	return MakeRawPtr(unsafe.Pointer(id))
}

// cellToIdent recovers the identity record from a raw operand cell. The
// globals table keeps every Ident reachable, so the round trip through a
// raw cell cannot outlive the record.
func cellToIdent(c Cell) *Ident {
	return (*Ident)(c.RawPtr())
}

// Globals maps binding names to identity records. The indirection through
// *Ident gives compiled code stable pointers that survive table growth.
type Globals struct {
	idents map[string]*Ident
}

// NewGlobals creates an empty globals table.
func NewGlobals() *Globals {
	return &Globals{idents: make(map[string]*Ident)}
}

// Define creates the record for name if absent, otherwise rewrites the
// existing record's value and laziness in place. Returns the record.
func (g *Globals) Define(name string, value Cell, lazy bool) *Ident {
	if id, ok := g.idents[name]; ok {
		id.Value = value
		id.Lazy = lazy
		return id
	}
	id := &Ident{Value: value, Lazy: lazy}
	g.idents[name] = id
	return id
}

// Lookup returns the identity record for name, or nil if undefined. The
// returned pointer is stable for the lifetime of the machine.
func (g *Globals) Lookup(name string) *Ident {
	return g.idents[name]
}

// ValueOf returns the current value of name.
func (g *Globals) ValueOf(name string) (Cell, error) {
	id, ok := g.idents[name]
	if !ok {
		return 0, Errorf(ErrUndefinedGlobal, "undefined global: %s", name)
	}
	return id.Value, nil
}

// Names returns the defined binding names in sorted order.
func (g *Globals) Names() []string {
	names := make([]string, 0, len(g.idents))
	for name := range g.idents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
