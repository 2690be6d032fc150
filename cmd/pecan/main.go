// Pecan CLI - loads a bundle and executes an entry point.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/pecan/bundle"
	"github.com/chazu/pecan/config"
	"github.com/chazu/pecan/vm"
)

func main() {
	entryShort := flag.String("e", "", "Entry point to invoke")
	entryLong := flag.String("entry-point", "", "Entry point to invoke")
	configPath := flag.String("config", "", "Path to pecan.toml (default: next to the bundle)")
	exportPath := flag.String("export-archive", "", "Write the bundle as a CBOR archive to PATH and exit")
	verbose := flag.Bool("v", false, "Verbose output")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: pecan [OPTIONS] BUNDLE [ARGUMENTS...]\n\n")
		fmt.Fprintf(os.Stderr, "Runs the entry point of a pre-compiled bundle.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  pecan app.bundle                   # Run the default entry point\n")
		fmt.Fprintf(os.Stderr, "  pecan -e main.test app.bundle      # Run a named entry point\n")
		fmt.Fprintf(os.Stderr, "  pecan --export-archive app.pecanar app.bundle\n")
	}
	flag.Parse()

	if *verbose {
		commonlog.Configure(1, nil)
	} else {
		commonlog.Configure(0, nil)
	}

	if flag.NArg() == 0 {
		fmt.Fprintf(os.Stderr, "Error: missing BUNDLE argument\n\n")
		flag.Usage()
		os.Exit(1)
	}
	bundlePath := flag.Arg(0)
	programArgs := flag.Args()[1:]

	if err := run(bundlePath, programArgs, *entryShort, *entryLong, *configPath, *exportPath); err != nil {
		fmt.Fprintf(os.Stderr, "pecan: %v\n", err)
		os.Exit(1)
	}
}

func run(bundlePath string, programArgs []string, entryShort, entryLong, configPath, exportPath string) error {
	reader, cleanup, err := openBundle(bundlePath)
	if err != nil {
		return err
	}
	defer cleanup()

	if exportPath != "" {
		return exportArchive(reader, exportPath)
	}

	cfg, err := loadConfig(configPath, bundlePath)
	if err != nil {
		return err
	}

	machine, err := vm.NewMachineWithOptions(vm.Options{
		HeapCells:         cfg.Machine.HeapCells,
		StackCells:        cfg.Machine.StackCells,
		TraceInstructions: cfg.Trace.Instructions,
	})
	if err != nil {
		return err
	}

	loader := vm.NewLoader(machine, reader)
	entry := firstNonEmpty(entryShort, entryLong, cfg.Run.EntryPoint)
	if entry == "" {
		if entry, err = loader.DefaultEntryPoint(); err != nil {
			return err
		}
	}

	fn, err := loader.Load(entry)
	if err != nil {
		return err
	}

	// The bundle handle is scoped to the loader phase; release it before
	// execution begins.
	if err := reader.Close(); err != nil {
		return err
	}

	args := make([]vm.Cell, len(programArgs))
	for i, a := range programArgs {
		if args[i], err = machine.AllocateString(a); err != nil {
			return err
		}
	}
	return machine.ExecuteWithArgs(fn, args)
}

// openBundle opens a bundle file. A .pecanar argument is a CBOR archive:
// it is unpacked into a temporary bundle first.
func openBundle(path string) (*bundle.Reader, func(), error) {
	if !strings.HasSuffix(path, ".pecanar") {
		r, err := bundle.Open(path)
		if err != nil {
			return nil, nil, err
		}
		return r, func() { r.Close() }, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot read archive %s: %w", path, err)
	}
	archive, err := bundle.UnmarshalArchive(data)
	if err != nil {
		return nil, nil, err
	}
	dir, err := os.MkdirTemp("", "pecan-bundle-")
	if err != nil {
		return nil, nil, err
	}
	tmpBundle := filepath.Join(dir, "bundle.db")
	if err := bundle.Import(archive, tmpBundle); err != nil {
		os.RemoveAll(dir)
		return nil, nil, err
	}
	r, err := bundle.Open(tmpBundle)
	if err != nil {
		os.RemoveAll(dir)
		return nil, nil, err
	}
	return r, func() { r.Close(); os.RemoveAll(dir) }, nil
}

func exportArchive(reader *bundle.Reader, path string) error {
	archive, err := bundle.Export(reader)
	if err != nil {
		return err
	}
	data, err := bundle.MarshalArchive(archive)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// loadConfig loads an explicit config path, or a pecan.toml beside the
// bundle when present.
func loadConfig(configPath, bundlePath string) (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	return config.LoadIfExists(filepath.Join(filepath.Dir(bundlePath), "pecan.toml"))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
