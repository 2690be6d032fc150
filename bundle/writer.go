package bundle

import (
	"database/sql"

	_ "modernc.org/sqlite"

	"github.com/chazu/pecan/vm"
)

// Writer creates bundle files. It is used by the bundling toolchain, by
// the archive importer, and by tests that need a bundle on disk.
type Writer struct {
	db *sql.DB
}

const bundleSchema = `
CREATE TABLE IF NOT EXISTS bindings (
	id_name   TEXT PRIMARY KEY,
	lazy      INTEGER NOT NULL DEFAULT 0,
	value     TEXT NOT NULL,
	file_name TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS entry_points (
	id_name TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS depends_ons (
	id_name TEXT NOT NULL,
	needs   TEXT NOT NULL
);
`

// Create opens (or creates) a bundle file and installs the schema.
func Create(path string) (*Writer, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, vm.Errorf(vm.ErrBundle, "cannot create bundle %q: %v", path, err)
	}
	if _, err := db.Exec(bundleSchema); err != nil {
		db.Close()
		return nil, vm.Errorf(vm.ErrBundle, "cannot install bundle schema in %q: %v", path, err)
	}
	return &Writer{db: db}, nil
}

// Close releases the database handle.
func (w *Writer) Close() error {
	return w.db.Close()
}

// AddBinding inserts or replaces one binding.
func (w *Writer) AddBinding(name string, lazy bool, body string, fileName string) error {
	lazyInt := 0
	if lazy {
		lazyInt = 1
	}
	_, err := w.db.Exec(
		"INSERT OR REPLACE INTO bindings (id_name, lazy, value, file_name) VALUES (?, ?, ?, ?)",
		name, lazyInt, body, fileName)
	if err != nil {
		return vm.Errorf(vm.ErrBundle, "cannot store binding %q: %v", name, err)
	}
	return nil
}

// AddDependency records that name needs another binding.
func (w *Writer) AddDependency(name, needs string) error {
	_, err := w.db.Exec(
		"INSERT INTO depends_ons (id_name, needs) VALUES (?, ?)", name, needs)
	if err != nil {
		return vm.Errorf(vm.ErrBundle, "cannot store dependency %q -> %q: %v", name, needs, err)
	}
	return nil
}

// AddEntryPoint declares name as an entry binding.
func (w *Writer) AddEntryPoint(name string) error {
	_, err := w.db.Exec("INSERT INTO entry_points (id_name) VALUES (?)", name)
	if err != nil {
		return vm.Errorf(vm.ErrBundle, "cannot store entry point %q: %v", name, err)
	}
	return nil
}
