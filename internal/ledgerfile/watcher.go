package ledgerfile

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// ledgerExtensions are the file suffixes the watcher considers ledgers.
var ledgerExtensions = map[string]bool{
	".jsonl":  true,
	".ndjson": true,
}

// Watch monitors dir for newly written ledger files and invokes handle with
// each path. Blocks until ctx is canceled, returning nil on clean shutdown.
// Handler errors are logged, not fatal: one bad import file must not stop
// the watcher.
func Watch(ctx context.Context, dir string, logger *slog.Logger, handle func(path string) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("ledgerfile: creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("ledgerfile: watching %s: %w", dir, err)
	}

	logger.Info("watching import directory", slog.String("dir", dir))

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			// Create covers atomic renames into the directory; Write covers
			// in-place appends. Both fire repeatedly during a copy, so the
			// handler must tolerate re-imports (deduplication handles that).
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}

			if !ledgerExtensions[strings.ToLower(filepath.Ext(ev.Name))] {
				continue
			}

			if err := handle(ev.Name); err != nil {
				logger.Warn("import failed",
					slog.String("path", ev.Name),
					slog.String("error", err.Error()),
				)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			logger.Warn("watcher error", slog.String("error", err.Error()))
		}
	}
}
