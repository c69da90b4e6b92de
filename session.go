package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/casevault/casesync/internal/config"
	"github.com/casevault/casesync/internal/realtime"
	"github.com/casevault/casesync/internal/remote"
	"github.com/casevault/casesync/internal/store"
	syncer "github.com/casevault/casesync/internal/sync"
	"github.com/casevault/casesync/internal/vault"
)

// session bundles everything a command needs: the opened store, the sealed
// record store, and an assembled engine. Commands that only inspect local
// state leave the remote pieces nil.
type session struct {
	cfg     *config.Config
	logger  *slog.Logger
	st      *store.Store
	records *syncer.RecordStore
	engine  *syncer.Engine

	api     syncer.SnapshotAPI
	mutlog  syncer.MutationLogAPI
	channel syncer.EventChannel

	// purged is set when the stored verification token matched neither the
	// active nor the legacy key and local data was wiped. The caller decides
	// whether re-hydration makes the run still viable.
	purged bool
}

// openSession derives the vault key, opens the store, and assembles the
// engine. needRemote commands fail fast without a configured API endpoint.
func openSession(ctx context.Context, needRemote bool) (*session, error) {
	cfg := resolvedCfg

	logger := buildLogger().With(slog.String("run_id", uuid.NewString()))

	password := config.Password()
	if password == "" {
		return nil, fmt.Errorf("no vault password: set %s", config.EnvPassword)
	}

	key, err := vault.DeriveKey(password, cfg.Storage.UserID)
	if err != nil {
		return nil, fmt.Errorf("deriving vault key: %w", err)
	}

	var legacy *vault.Key

	if lp := config.LegacyPassword(); lp != "" {
		legacy, err = vault.DeriveKey(lp, cfg.Storage.UserID)
		if err != nil {
			return nil, fmt.Errorf("deriving legacy vault key: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	st, err := store.Open(cfg.Storage.DBPath, logger)
	if err != nil {
		return nil, err
	}

	sess := &session{cfg: cfg, logger: logger, st: st}

	records, err := syncer.OpenRecordStore(ctx, st, key, legacy, logger)
	if err != nil {
		if !errors.Is(err, syncer.ErrRehydrationRequired) {
			st.Close()
			return nil, err
		}

		sess.purged = true
	}

	sess.records = records

	if cfg.Remote.BaseURL != "" {
		client := remote.NewClient(cfg.Remote.BaseURL, defaultHTTPClient(), tokenSource(ctx, cfg), logger)
		sess.api = client
		sess.mutlog = client
	} else if needRemote {
		st.Close()
		return nil, errors.New("no remote endpoint: set remote.base_url or CASESYNC_BASE_URL")
	}

	if cfg.Realtime.HTTPURL != "" {
		pollTimeout, _ := time.ParseDuration(cfg.Realtime.PollTimeout)

		// The poll client must outlast the server-side long-poll window.
		pollClient := &http.Client{Timeout: pollTimeout + httpClientTimeout}
		sess.channel = realtime.New(cfg.Realtime.HTTPURL, cfg.Realtime.WSURL, pollClient, logger)
	}

	sess.rebuildEngine(engineOptions(cfg, logger))

	return sess, nil
}

// rebuildEngine replaces the session engine, tearing down the previous one.
// Used at open and when a command overrides engine options.
func (s *session) rebuildEngine(opts syncer.Options) {
	if s.engine != nil {
		s.engine.Close()
	}

	s.engine = syncer.NewEngine(s.st, s.records, s.api, s.mutlog, s.channel, opts, s.logger)
}

// Close tears down the engine and the store.
func (s *session) Close() {
	if s.engine != nil {
		s.engine.Close()
	}

	if s.st != nil {
		s.st.Close()
	}
}

// engineOptions maps resolved config onto engine options.
func engineOptions(cfg *config.Config, logger *slog.Logger) syncer.Options {
	tiers := make([]syncer.TierName, 0, len(cfg.Sync.TierOrder))
	for _, name := range cfg.Sync.TierOrder {
		tiers = append(tiers, syncer.TierName(name))
	}

	pollTimeout, _ := time.ParseDuration(cfg.Realtime.PollTimeout)

	return syncer.Options{
		TierOrder:               tiers,
		Strategy:                syncer.OrderStrategy(cfg.Sync.OrderStrategy),
		PriorityTables:          cfg.Sync.PriorityTables,
		HydrateConcurrency:      cfg.Sync.HydrateConcurrency,
		Topic:                   cfg.Realtime.Topic,
		PollTimeout:             pollTimeout,
		DecryptFailureThreshold: cfg.Sync.DecryptFailureThreshold,
		OnCritical: func(err error) {
			logger.Error("critical sync failure", slog.String("error", err.Error()))
		},
	}
}

// tokenSource builds the OAuth2 token source for the remote API. With a
// token URL configured it uses the client-credentials flow; otherwise the
// client secret is treated as a static bearer token.
func tokenSource(ctx context.Context, cfg *config.Config) oauth2.TokenSource {
	if cfg.Remote.TokenURL != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.Remote.ClientID,
			ClientSecret: cfg.Remote.ClientSecret,
			TokenURL:     cfg.Remote.TokenURL,
			Scopes:       cfg.Remote.Scopes,
		}

		return cc.TokenSource(ctx)
	}

	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Remote.ClientSecret})
}
