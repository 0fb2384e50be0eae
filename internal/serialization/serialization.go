// Package serialization moves BleepStore metadata between a SQLite
// database and a portable JSON document. Exports redact secret keys
// unless asked not to, and imports refuse to restore redacted rows.
package serialization

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

const (
	// FormatVersion is bumped when the envelope layout changes.
	FormatVersion = 1

	envelopeKey = "bleepstore_export"
	redacted    = "REDACTED"
)

// tableSpec describes one exported table: its columns in schema order and
// the sort that makes exports deterministic.
type tableSpec struct {
	name    string
	columns []string
	orderBy string
}

// tables is in foreign-key dependency order; imports insert in this order
// and wipes run in reverse.
var tables = []tableSpec{
	{"buckets",
		[]string{"name", "region", "owner_id", "owner_display", "acl", "created_at"},
		"name"},
	{"objects",
		[]string{"bucket", "key", "size", "etag", "content_type", "content_encoding", "content_language", "content_disposition", "cache_control", "expires", "storage_class", "acl", "user_metadata", "last_modified", "delete_marker"},
		"bucket, key"},
	{"multipart_uploads",
		[]string{"upload_id", "bucket", "key", "content_type", "content_encoding", "content_language", "content_disposition", "cache_control", "expires", "storage_class", "acl", "user_metadata", "owner_id", "owner_display", "initiated_at"},
		"upload_id"},
	{"multipart_parts",
		[]string{"upload_id", "part_number", "size", "etag", "last_modified"},
		"upload_id, part_number"},
	{"credentials",
		[]string{"access_key_id", "secret_key", "owner_id", "display_name", "active", "created_at"},
		"access_key_id"},
}

// jsonColumns hold JSON text in SQLite and expand to objects on export.
var jsonColumns = map[string]bool{"acl": true, "user_metadata": true}

// boolColumns hold 0/1 integers in SQLite and export as booleans.
var boolColumns = map[string]bool{"delete_marker": true, "active": true}

// TableNames returns every exportable table in dependency order.
func TableNames() []string {
	names := make([]string, len(tables))
	for i, spec := range tables {
		names[i] = spec.name
	}
	return names
}

func specFor(name string) (tableSpec, bool) {
	for _, spec := range tables {
		if spec.name == name {
			return spec, true
		}
	}
	return tableSpec{}, false
}

// ExportOptions selects tables and whether secret keys survive.
type ExportOptions struct {
	// Tables limits the export; nil means everything.
	Tables []string
	// IncludeCredentials keeps secret keys in the clear.
	IncludeCredentials bool
}

// ImportOptions controls conflict handling on import.
type ImportOptions struct {
	// Replace wipes each imported table first; otherwise existing rows win.
	Replace bool
}

// ImportResult reports what an import did per table.
type ImportResult struct {
	Inserted map[string]int
	Skipped  map[string]int
	Warnings []string
}

// Export reads the database at dbPath and renders the selected tables as
// an indented JSON document with deterministic key and row order.
func Export(dbPath string, opts ExportOptions) ([]byte, error) {
	db, err := sql.Open("sqlite", dbPath+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	selected := opts.Tables
	if len(selected) == 0 {
		selected = TableNames()
	}

	doc := map[string]any{
		envelopeKey: map[string]any{
			"version":        FormatVersion,
			"exported_at":    time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
			"schema_version": schemaVersion(db),
			"source":         "bleepstore",
		},
	}

	for _, name := range selected {
		spec, ok := specFor(name)
		if !ok {
			return nil, fmt.Errorf("unknown table %q", name)
		}
		rows, err := exportTable(db, spec, opts.IncludeCredentials)
		if err != nil {
			return nil, err
		}
		doc[spec.name] = rows
	}

	return marshalCanonical(doc)
}

func exportTable(db *sql.DB, spec tableSpec, includeCredentials bool) ([]any, error) {
	rows, err := db.Query(fmt.Sprintf("SELECT %s FROM %s ORDER BY %s",
		strings.Join(spec.columns, ", "), spec.name, spec.orderBy))
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", spec.name, err)
	}
	defer rows.Close()

	out := make([]any, 0)
	for rows.Next() {
		values := make([]any, len(spec.columns))
		ptrs := make([]any, len(spec.columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", spec.name, err)
		}

		row := make(map[string]any, len(spec.columns))
		for i, col := range spec.columns {
			row[col] = expandValue(col, values[i])
		}
		if spec.name == "credentials" && !includeCredentials {
			row["secret_key"] = redacted
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating %s: %w", spec.name, err)
	}
	return out, nil
}

// Import loads a JSON export into the database at dbPath. Rows that fail
// to insert are skipped with a warning rather than aborting the run, but
// the whole import commits atomically.
func Import(dbPath string, data []byte, opts ImportOptions) (*ImportResult, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing export: %w", err)
	}

	envelope, _ := doc[envelopeKey].(map[string]any)
	if version, _ := envelope["version"].(float64); version < 1 || version > FormatVersion {
		return nil, fmt.Errorf("unsupported export version %v", version)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if opts.Replace {
		for i := len(tables) - 1; i >= 0; i-- {
			if _, present := doc[tables[i].name]; !present {
				continue
			}
			if _, err := tx.Exec("DELETE FROM " + tables[i].name); err != nil {
				return nil, fmt.Errorf("clearing %s: %w", tables[i].name, err)
			}
		}
	}

	result := &ImportResult{
		Inserted: make(map[string]int),
		Skipped:  make(map[string]int),
	}
	for _, spec := range tables {
		rowList, ok := doc[spec.name].([]any)
		if !ok {
			continue
		}
		importTable(tx, spec, rowList, opts.Replace, result)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing import: %w", err)
	}
	return result, nil
}

func importTable(tx *sql.Tx, spec tableSpec, rowList []any, replace bool, result *ImportResult) {
	verb := "INSERT OR IGNORE"
	if replace {
		verb = "INSERT"
	}
	query := fmt.Sprintf("%s INTO %s (%s) VALUES (%s)",
		verb, spec.name,
		strings.Join(spec.columns, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(spec.columns)), ", "))

	for _, raw := range rowList {
		row, ok := raw.(map[string]any)
		if !ok {
			result.Skipped[spec.name]++
			continue
		}
		if spec.name == "credentials" {
			if sk, _ := row["secret_key"].(string); sk == redacted {
				result.Skipped[spec.name]++
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("skipped credential %v: secret key is redacted", row["access_key_id"]))
				continue
			}
		}

		values := make([]any, len(spec.columns))
		for i, col := range spec.columns {
			values[i] = flattenValue(col, row[col])
		}

		res, err := tx.Exec(query, values...)
		if err != nil {
			result.Skipped[spec.name]++
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("skipped %s row: %v", spec.name, err))
			continue
		}
		if affected, _ := res.RowsAffected(); affected > 0 {
			result.Inserted[spec.name]++
		} else {
			result.Skipped[spec.name]++
		}
	}
}

func schemaVersion(db *sql.DB) int {
	var version int
	if err := db.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&version); err != nil {
		return 1
	}
	return version
}

// expandValue converts a scanned SQLite value into its JSON export shape.
func expandValue(col string, val any) any {
	if val == nil {
		return nil
	}
	if b, ok := val.([]byte); ok {
		val = string(b)
	}
	switch {
	case jsonColumns[col]:
		s, _ := val.(string)
		var obj any
		if err := json.Unmarshal([]byte(s), &obj); err != nil {
			return map[string]any{}
		}
		return obj
	case boolColumns[col]:
		switch v := val.(type) {
		case int64:
			return v != 0
		case bool:
			return v
		}
		return false
	}
	return val
}

// flattenValue converts a JSON export value back to its SQLite column shape.
func flattenValue(col string, val any) any {
	if val == nil {
		return nil
	}
	switch {
	case jsonColumns[col]:
		b, err := json.Marshal(val)
		if err != nil {
			return "{}"
		}
		return string(b)
	case boolColumns[col]:
		if b, ok := val.(bool); ok {
			if b {
				return int64(1)
			}
			return int64(0)
		}
	}
	return val
}

// marshalCanonical renders the document with sorted keys and two-space
// indentation, so re-exports of the same data diff clean.
func marshalCanonical(doc map[string]any) ([]byte, error) {
	raw, err := canonicalValue(doc)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func canonicalValue(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			vb, err := canonicalValue(val[k])
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	case []any:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			eb, err := canonicalValue(elem)
			if err != nil {
				return nil, err
			}
			buf.Write(eb)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	default:
		return json.Marshal(v)
	}
}
