// Package ledgerfile parses externally supplied mutation ledgers: newline-
// delimited JSON files (or URLs) holding one mutation entry per line, oldest
// first. Every line is validated against a schema before anything is
// replayed, so a malformed file is rejected whole rather than half-applied.
package ledgerfile

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Entry is one line of a mutation ledger. Ops carries the raw field-op
// payload in either the structured or the flat shape; normalization happens
// in the sync engine, not here.
type Entry struct {
	ID        string         `json:"id"`
	RecordID  string         `json:"recordId"`
	TableID   string         `json:"tableId"`
	TableName string         `json:"tableName,omitempty"`
	TS        int64          `json:"ts"` // unix milliseconds, upstream-supplied
	Ops       map[string]any `json:"ops"`
}

// entrySchema is the JSON Schema each ledger line must satisfy.
const entrySchema = `{
	"type": "object",
	"required": ["id", "recordId", "tableId", "ts", "ops"],
	"properties": {
		"id":        {"type": "string", "minLength": 1},
		"recordId":  {"type": "string", "minLength": 1},
		"tableId":   {"type": "string", "minLength": 1},
		"tableName": {"type": "string"},
		"ts":        {"type": "integer", "minimum": 0},
		"ops":       {"type": "object"}
	}
}`

// maxLineBytes bounds a single ledger line (1 MiB). Field maps are flat;
// anything larger is not a record mutation.
const maxLineBytes = 1 << 20

// compileSchema builds the validator once per Parse call; compilation is
// cheap relative to I/O.
func compileSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(entrySchema))
	if err != nil {
		return nil, fmt.Errorf("ledgerfile: parsing entry schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("ledger-entry.json", doc); err != nil {
		return nil, fmt.Errorf("ledgerfile: adding schema resource: %w", err)
	}

	schema, err := compiler.Compile("ledger-entry.json")
	if err != nil {
		return nil, fmt.Errorf("ledgerfile: compiling entry schema: %w", err)
	}

	return schema, nil
}

// Parse reads a ledger stream and returns its entries in file order
// (oldest first). Blank lines are skipped. Any invalid line fails the whole
// parse with its line number.
func Parse(r io.Reader) ([]Entry, error) {
	schema, err := compileSchema()
	if err != nil {
		return nil, err
	}

	var entries []Entry

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	lineNo := 0
	for scanner.Scan() {
		lineNo++

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(line))
		if err != nil {
			return nil, fmt.Errorf("ledgerfile: line %d: invalid JSON: %w", lineNo, err)
		}

		if err := schema.Validate(doc); err != nil {
			return nil, fmt.Errorf("ledgerfile: line %d: %w", lineNo, err)
		}

		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("ledgerfile: line %d: %w", lineNo, err)
		}

		entries = append(entries, e)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("ledgerfile: reading ledger: %w", err)
	}

	return entries, nil
}

// ParseFile reads and parses a ledger file from disk.
func ParseFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ledgerfile: opening %s: %w", path, err)
	}
	defer f.Close()

	return Parse(f)
}

// FetchURL downloads and parses a ledger from a URL.
func FetchURL(ctx context.Context, client *http.Client, url string) ([]Entry, error) {
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ledgerfile: creating request for %s: %w", url, err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ledgerfile: fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ledgerfile: fetching %s: HTTP %d", url, resp.StatusCode)
	}

	return Parse(resp.Body)
}
