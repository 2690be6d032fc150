package bundle

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/chazu/pecan/vm"
)

// A bundle archive is a single canonical-CBOR blob carrying everything a
// bundle file holds. Archives travel between hosts more easily than a
// database file and encode deterministically, so equal bundles produce
// byte-identical archives.

// cborEncMode uses canonical options for deterministic encoding.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("bundle: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Archive is the portable form of a bundle.
type Archive struct {
	Bindings    []ArchiveBinding `cbor:"1,keyasint"`
	EntryPoints []string         `cbor:"2,keyasint,omitempty"`
}

// ArchiveBinding is one binding with its dependency edges inlined.
type ArchiveBinding struct {
	Name     string   `cbor:"1,keyasint"`
	Lazy     bool     `cbor:"2,keyasint,omitempty"`
	Body     string   `cbor:"3,keyasint"`
	Needs    []string `cbor:"4,keyasint,omitempty"`
	FileName string   `cbor:"5,keyasint,omitempty"`
}

// MarshalArchive serializes an Archive to CBOR bytes.
func MarshalArchive(a *Archive) ([]byte, error) {
	data, err := cborEncMode.Marshal(a)
	if err != nil {
		return nil, vm.Errorf(vm.ErrBundle, "archive encode failed: %v", err)
	}
	return data, nil
}

// UnmarshalArchive deserializes an Archive from CBOR bytes.
func UnmarshalArchive(data []byte) (*Archive, error) {
	var a Archive
	if err := cbor.Unmarshal(data, &a); err != nil {
		return nil, vm.Errorf(vm.ErrBundle, "archive decode failed: %v", err)
	}
	return &a, nil
}

// Export reads every binding, dependency edge, and entry point out of a
// bundle into an Archive.
func Export(r *Reader) (*Archive, error) {
	bindings, err := r.Bindings()
	if err != nil {
		return nil, err
	}
	a := &Archive{}
	for _, nb := range bindings {
		needs, err := r.Dependencies(nb.Name)
		if err != nil {
			return nil, err
		}
		a.Bindings = append(a.Bindings, ArchiveBinding{
			Name:     nb.Name,
			Lazy:     nb.Lazy,
			Body:     nb.Body,
			Needs:    needs,
			FileName: nb.FileName,
		})
	}
	if a.EntryPoints, err = r.EntryPoints(); err != nil {
		return nil, err
	}
	log.Debugf("exported %d bindings, %d entry points", len(a.Bindings), len(a.EntryPoints))
	return a, nil
}

// Import materialises an Archive as a bundle file at path.
func Import(a *Archive, path string) error {
	w, err := Create(path)
	if err != nil {
		return err
	}
	defer w.Close()

	for _, b := range a.Bindings {
		if err := w.AddBinding(b.Name, b.Lazy, b.Body, b.FileName); err != nil {
			return err
		}
		for _, dep := range b.Needs {
			if err := w.AddDependency(b.Name, dep); err != nil {
				return err
			}
		}
	}
	for _, entry := range a.EntryPoints {
		if err := w.AddEntryPoint(entry); err != nil {
			return err
		}
	}
	return nil
}
