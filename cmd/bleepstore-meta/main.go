// Command bleepstore-meta exports and imports BleepStore metadata as JSON.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/bleepstore/bleepstore/internal/serialization"
)

const usage = "usage: bleepstore-meta <export|import> [flags]"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "export":
		err = runExport(os.Args[2:])
	case "import":
		err = runImport(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "bleepstore-meta: %v\n", err)
		os.Exit(1)
	}
}

// resolveDBPath reads just the metadata.sqlite.path key from the YAML
// config, defaulting like the server does.
func resolveDBPath(configPath string) (string, error) {
	var cfg struct {
		Metadata struct {
			SQLite struct {
				Path string `yaml:"path"`
			} `yaml:"sqlite"`
		} `yaml:"metadata"`
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		return "", err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return "", err
	}
	if cfg.Metadata.SQLite.Path == "" {
		return "./data/metadata.db", nil
	}
	return cfg.Metadata.SQLite.Path, nil
}

func databasePath(dbFlag, configFlag string) (string, error) {
	if dbFlag != "" {
		return dbFlag, nil
	}
	return resolveDBPath(configFlag)
}

func runExport(args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configPath := fs.String("config", "bleepstore.yaml", "config file path")
	dbPath := fs.String("db", "", "SQLite database path (overrides config)")
	output := fs.String("output", "-", "output file path, - for stdout")
	tables := fs.String("tables", "", "comma-separated table subset")
	includeCreds := fs.Bool("include-credentials", false, "export secret keys in the clear")
	fs.Parse(args)

	db, err := databasePath(*dbPath, *configPath)
	if err != nil {
		return fmt.Errorf("resolving database path: %w", err)
	}

	opts := serialization.ExportOptions{IncludeCredentials: *includeCreds}
	if *tables != "" {
		for _, name := range strings.Split(*tables, ",") {
			opts.Tables = append(opts.Tables, strings.TrimSpace(name))
		}
	}

	doc, err := serialization.Export(db, opts)
	if err != nil {
		return err
	}
	doc = append(doc, '\n')

	if *output == "-" {
		_, err = os.Stdout.Write(doc)
		return err
	}
	if err := os.WriteFile(*output, doc, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "exported to %s\n", *output)
	return nil
}

func runImport(args []string) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	configPath := fs.String("config", "bleepstore.yaml", "config file path")
	dbPath := fs.String("db", "", "SQLite database path (overrides config)")
	input := fs.String("input", "-", "input file path, - for stdin")
	replace := fs.Bool("replace", false, "wipe imported tables before inserting")
	fs.Parse(args)

	db, err := databasePath(*dbPath, *configPath)
	if err != nil {
		return fmt.Errorf("resolving database path: %w", err)
	}

	var doc []byte
	if *input == "-" {
		doc, err = io.ReadAll(os.Stdin)
	} else {
		doc, err = os.ReadFile(*input)
	}
	if err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	result, err := serialization.Import(db, doc, serialization.ImportOptions{Replace: *replace})
	if err != nil {
		return err
	}

	for _, table := range serialization.TableNames() {
		inserted, skipped := result.Inserted[table], result.Skipped[table]
		if inserted == 0 && skipped == 0 {
			continue
		}
		line := fmt.Sprintf("  %s: %d imported", table, inserted)
		if skipped > 0 {
			line += fmt.Sprintf(", %d skipped", skipped)
		}
		fmt.Fprintln(os.Stderr, line)
	}
	for _, warning := range result.Warnings {
		fmt.Fprintf(os.Stderr, "  warning: %s\n", warning)
	}
	return nil
}
