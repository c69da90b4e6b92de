package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/casevault/casesync/internal/store"
)

// statusReport is the JSON shape of the status command output.
type statusReport struct {
	DBPath       string        `json:"dbPath"`
	TotalRecords int           `json:"totalRecords"`
	Tables       []tableStatus `json:"tables"`
}

type tableStatus struct {
	TableID   string `json:"tableId"`
	Name      string `json:"name,omitempty"`
	Records   int    `json:"records"`
	Cursor    string `json:"cursor,omitempty"`
	Source    string `json:"cursorSource,omitempty"`
	UpdatedAt string `json:"cursorUpdatedAt,omitempty"`
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show local store contents and sync cursors",
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := resolvedCfg

	logger := buildLogger()

	if _, err := os.Stat(cfg.Storage.DBPath); err != nil {
		return fmt.Errorf("no local store at %s; run sync first", cfg.Storage.DBPath)
	}

	st, err := store.Open(cfg.Storage.DBPath, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	report, err := collectStatus(ctx, st, cfg.Storage.DBPath)
	if err != nil {
		return err
	}

	if flagJSON {
		return json.NewEncoder(os.Stdout).Encode(report)
	}

	printStatus(report)

	if logger.Enabled(ctx, slog.LevelDebug) {
		logger.Debug("status collected", slog.Int("tables", len(report.Tables)))
	}

	return nil
}

// collectStatus assembles per-table counts and cursors. Status never needs
// the vault key: counts and cursors live outside the encrypted payloads.
func collectStatus(ctx context.Context, st *store.Store, dbPath string) (*statusReport, error) {
	total, err := st.CountRecords(ctx)
	if err != nil {
		return nil, err
	}

	counts, err := st.CountByTable(ctx)
	if err != nil {
		return nil, err
	}

	tables, err := st.ListTables(ctx)
	if err != nil {
		return nil, err
	}

	cursors, err := st.ListCursors(ctx)
	if err != nil {
		return nil, err
	}

	cursorByTable := make(map[string]store.CursorRow, len(cursors))
	for _, c := range cursors {
		cursorByTable[c.TableID] = c
	}

	names := make(map[string]string, len(tables))
	for _, t := range tables {
		names[t.TableID] = t.Name
	}

	// Tables with records but no metadata row still show up.
	seen := make(map[string]bool, len(tables))
	report := &statusReport{DBPath: dbPath, TotalRecords: total}

	for _, t := range tables {
		seen[t.TableID] = true
		report.Tables = append(report.Tables, tableRow(t.TableID, names, counts, cursorByTable))
	}

	// Sorted so output order is stable across runs.
	var orphans []string

	for tableID := range counts {
		if !seen[tableID] {
			orphans = append(orphans, tableID)
		}
	}

	sort.Strings(orphans)

	for _, tableID := range orphans {
		report.Tables = append(report.Tables, tableRow(tableID, names, counts, cursorByTable))
	}

	return report, nil
}

func tableRow(tableID string, names map[string]string, counts map[string]int, cursors map[string]store.CursorRow) tableStatus {
	ts := tableStatus{
		TableID: tableID,
		Name:    names[tableID],
		Records: counts[tableID],
	}

	if c, ok := cursors[tableID]; ok {
		ts.Cursor = c.Cursor
		ts.Source = c.Source
		ts.UpdatedAt = time.UnixMilli(c.UpdatedAt).UTC().Format(time.RFC3339)
	}

	return ts
}

func printStatus(report *statusReport) {
	fmt.Printf("Store: %s\n", filepath.Clean(report.DBPath))
	fmt.Printf("Records: %d\n\n", report.TotalRecords)

	if len(report.Tables) == 0 {
		fmt.Println("No tables hydrated.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TABLE\tNAME\tRECORDS\tCURSOR\tSOURCE\tUPDATED")

	for _, t := range report.Tables {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			t.TableID, t.Name, t.Records, t.Cursor, t.Source, t.UpdatedAt)
	}

	w.Flush()
}
