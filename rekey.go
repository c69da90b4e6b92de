package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/casevault/casesync/internal/config"
	"github.com/casevault/casesync/internal/store"
	syncer "github.com/casevault/casesync/internal/sync"
	"github.com/casevault/casesync/internal/vault"
)

func newRekeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rekey",
		Short: "Re-encrypt local records under a new password",
		Long: `Migrate every locally stored record from the old vault key to the new
one in bounded batches.

The old password comes from ` + config.EnvLegacyPassword + ` and the new one
from ` + config.EnvPassword + `. Unlike a plain password change at startup,
rekey refuses to run when neither password matches the stored data, so a
typo cannot trigger a purge.`,
		RunE: runRekey,
	}
}

func runRekey(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := resolvedCfg

	logger := buildLogger().With(slog.String("run_id", uuid.NewString()))

	newPassword := config.Password()
	if newPassword == "" {
		return fmt.Errorf("no new password: set %s", config.EnvPassword)
	}

	oldPassword := config.LegacyPassword()
	if oldPassword == "" {
		return fmt.Errorf("no old password: set %s", config.EnvLegacyPassword)
	}

	newKey, err := vault.DeriveKey(newPassword, cfg.Storage.UserID)
	if err != nil {
		return fmt.Errorf("deriving new vault key: %w", err)
	}

	oldKey, err := vault.DeriveKey(oldPassword, cfg.Storage.UserID)
	if err != nil {
		return fmt.Errorf("deriving old vault key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.DBPath), 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	st, err := store.Open(cfg.Storage.DBPath, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	migrated, err := syncer.RekeyStore(ctx, st, oldKey, newKey, logger)
	if err != nil {
		return err
	}

	if !flagQuiet {
		if migrated == 0 {
			fmt.Println("Store already sealed under the current key; nothing to migrate.")
		} else {
			fmt.Printf("Re-encrypted %d records.\n", migrated)
		}
	}

	return nil
}
