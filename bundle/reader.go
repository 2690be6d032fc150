// Package bundle implements Pecan's bundle storage: a SQLite file holding
// named bindings, their dependency edges, and an entry-point list, plus a
// portable CBOR archive form for moving bundles between hosts.
package bundle

import (
	"database/sql"
	"errors"

	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/chazu/pecan/vm"
)

var log = commonlog.GetLogger("pecan.bundle")

// NamedBinding is a binding row together with its name and originating
// source file.
type NamedBinding struct {
	Name     string
	Lazy     bool
	Body     string
	FileName string
}

// Reader provides read-only access to a bundle file. It implements
// vm.BindingSource. The reader owns one database handle, scoped to the
// loader phase; close it before execution begins.
type Reader struct {
	db   *sql.DB
	path string
}

// Open opens a bundle file and verifies it carries the bundle schema.
func Open(path string) (*Reader, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, vm.Errorf(vm.ErrBundle, "cannot open bundle %q: %v", path, err)
	}
	r := &Reader{db: db, path: path}
	var name string
	err = db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'bindings'").Scan(&name)
	if err != nil {
		db.Close()
		if errors.Is(err, sql.ErrNoRows) {
			return nil, vm.Errorf(vm.ErrBundle, "%q is not a bundle: no bindings table", path)
		}
		return nil, vm.Errorf(vm.ErrBundle, "cannot read bundle %q: %v", path, err)
	}
	log.Debugf("opened bundle %q", path)
	return r, nil
}

// Close releases the database handle.
func (r *Reader) Close() error {
	return r.db.Close()
}

// Path returns the bundle file path.
func (r *Reader) Path() string {
	return r.path
}

// EntryPoints lists the bundle's entry bindings in declaration order.
func (r *Reader) EntryPoints() ([]string, error) {
	rows, err := r.db.Query("SELECT id_name FROM entry_points")
	if err != nil {
		return nil, vm.Errorf(vm.ErrBundle, "entry-point query failed: %v", err)
	}
	defer rows.Close()

	var entries []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, vm.Errorf(vm.ErrBundle, "entry-point scan failed: %v", err)
		}
		entries = append(entries, name)
	}
	if err := rows.Err(); err != nil {
		return nil, vm.Errorf(vm.ErrBundle, "entry-point query failed: %v", err)
	}
	return entries, nil
}

// Binding fetches one binding by name.
func (r *Reader) Binding(name string) (vm.Binding, error) {
	nb, err := r.namedBinding(name)
	if err != nil {
		return vm.Binding{}, err
	}
	return vm.Binding{Lazy: nb.Lazy, Body: nb.Body}, nil
}

func (r *Reader) namedBinding(name string) (NamedBinding, error) {
	var nb NamedBinding
	var lazy int
	err := r.db.QueryRow(
		"SELECT id_name, lazy, value, file_name FROM bindings WHERE id_name = ?", name).
		Scan(&nb.Name, &lazy, &nb.Body, &nb.FileName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nb, vm.Errorf(vm.ErrBundle, "binding not found: %s", name)
		}
		return nb, vm.Errorf(vm.ErrBundle, "binding query failed for %q: %v", name, err)
	}
	nb.Lazy = lazy != 0
	return nb, nil
}

// Bindings returns every binding in the bundle, ordered by name.
func (r *Reader) Bindings() ([]NamedBinding, error) {
	rows, err := r.db.Query(
		"SELECT id_name, lazy, value, file_name FROM bindings ORDER BY id_name")
	if err != nil {
		return nil, vm.Errorf(vm.ErrBundle, "bindings query failed: %v", err)
	}
	defer rows.Close()

	var bindings []NamedBinding
	for rows.Next() {
		var nb NamedBinding
		var lazy int
		if err := rows.Scan(&nb.Name, &lazy, &nb.Body, &nb.FileName); err != nil {
			return nil, vm.Errorf(vm.ErrBundle, "binding scan failed: %v", err)
		}
		nb.Lazy = lazy != 0
		bindings = append(bindings, nb)
	}
	if err := rows.Err(); err != nil {
		return nil, vm.Errorf(vm.ErrBundle, "bindings query failed: %v", err)
	}
	return bindings, nil
}

// Dependencies returns the direct dependencies of one binding.
func (r *Reader) Dependencies(name string) ([]string, error) {
	rows, err := r.db.Query("SELECT needs FROM depends_ons WHERE id_name = ?", name)
	if err != nil {
		return nil, vm.Errorf(vm.ErrBundle, "dependency query failed for %q: %v", name, err)
	}
	defer rows.Close()

	var needs []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, vm.Errorf(vm.ErrBundle, "dependency scan failed: %v", err)
		}
		needs = append(needs, dep)
	}
	if err := rows.Err(); err != nil {
		return nil, vm.Errorf(vm.ErrBundle, "dependency query failed for %q: %v", name, err)
	}
	return needs, nil
}

// DependencyClosure walks depends_ons from name and maps every binding in
// the transitive closure (name itself included) to its laziness. Already
// visited names are skipped, so dependency cycles terminate.
func (r *Reader) DependencyClosure(name string) (map[string]bool, error) {
	closure := make(map[string]bool)
	pending := []string{name}
	for len(pending) > 0 {
		next := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		if _, seen := closure[next]; seen {
			continue
		}
		binding, err := r.Binding(next)
		if err != nil {
			return nil, err
		}
		closure[next] = binding.Lazy
		needs, err := r.Dependencies(next)
		if err != nil {
			return nil, err
		}
		pending = append(pending, needs...)
	}
	log.Debugf("closure of %q: %d bindings", name, len(closure))
	return closure, nil
}
