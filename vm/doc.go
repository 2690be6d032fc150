// Package vm implements the Pecan execution core: a single-threaded,
// directly-threaded stack machine that runs pre-compiled bundles of
// bytecode.
//
// A bundle carries named top-level bindings; each binding's value is a
// function body expressed as a list of symbolic instructions in JSON. The
// core compiles each body into a threaded instruction stream stored in a
// VM-managed heap of 64-bit cells, then executes an entry point using a
// dual-stack calling convention: an operand stack for computation and a
// return stack of call frames.
//
// Values are tagged in the low bits of a cell (integers, floats, heap
// pointers, and the special literals true/false/nil/undef). Heap objects
// carry their runtime type as a pointer to a datakey object; two objects
// share a type iff their datakey fields are the same address.
//
// Global bindings resolve lazily: compiled code embeds pointers to stable
// identity records, and a lazy binding's body runs at most once, the
// first time its value is read, after which the instruction rewrites
// itself to the eager form.
package vm

import (
	"github.com/tliron/commonlog"
)

// log carries compile- and execution-level tracing. Instruction-granular
// tracing is gated separately on the machine because of its volume.
var log = commonlog.GetLogger("pecan.vm")
