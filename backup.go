package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/arkivault/arkivault-go/internal/api"
	"github.com/arkivault/arkivault-go/internal/collections"
	"github.com/arkivault/arkivault-go/internal/config"
	"github.com/arkivault/arkivault-go/internal/events"
	"github.com/arkivault/arkivault-go/internal/media"
	"github.com/arkivault/arkivault-go/internal/store"
	"github.com/arkivault/arkivault-go/internal/uploader"
)

func newBackupCmd() *cobra.Command {
	var (
		background bool
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Encrypt and upload pending media",
		Long: `Encrypt all files without a remote copy and upload them.

Runs as the foreground process by default. With --background the
process takes the background personality: distinct temp file names, a
liveness heartbeat, and locks the foreground can reclaim if the
heartbeat stops.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBackup(cmd.Context(), background, force)
		},
	}

	cmd.Flags().BoolVar(&background, "background", false, "run with the background process personality")
	cmd.Flags().BoolVar(&force, "force", false, "upload even when Wi-Fi is unavailable")

	return cmd
}

func runBackup(parent context.Context, background, force bool) error {
	cfg := resolvedCfg
	logger := buildLogger()

	if cfg.Token == "" {
		return fmt.Errorf("backup: no API token configured (set token in config or ARKIVAULT_TOKEN)")
	}

	masterKey, err := cfg.MasterKeyBytes()
	if err != nil {
		return err
	}

	if masterKey == nil {
		return fmt.Errorf("backup: no master key configured (set master_key in config or ARKIVAULT_MASTER_KEY)")
	}

	for _, dir := range []string{cfg.DataDir, cfg.TempDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("backup: creating %s: %w", dir, err)
		}
	}

	owner := store.OwnerForeground
	if background {
		owner = store.OwnerBackground
	}

	// One process per personality. Per-file contention across
	// personalities is handled by the store's lock table.
	unlock, err := writePIDFile(pidFilePath(cfg.DataDir, owner))
	if err != nil {
		return err
	}
	defer unlock()

	ctx := shutdownContext(parent, logger)

	st, err := store.Open(cfg.DBPath(), logger)
	if err != nil {
		return err
	}
	defer st.Close()

	bus := events.NewBus(logger)
	defer bus.Close()

	engine := buildEngine(cfg, st, bus, owner, force, logger)

	if err := engine.RecoverLocks(ctx); err != nil {
		return err
	}

	engine.Run()
	defer engine.Close()

	if cfg.EventsURL != "" {
		stream := events.NewStream(cfg.EventsURL, cfg.Token, bus, logger)

		go func() {
			if err := stream.Run(ctx); err != nil {
				logger.Warn("event stream stopped", slog.String("error", err.Error()))
			}
		}()
	}

	if cfg.MediaDir != "" && owner == store.OwnerForeground {
		watcher := media.NewWatcher(cfg.MediaDir, bus, logger)

		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Warn("media watcher stopped", slog.String("error", err.Error()))
			}
		}()
	}

	sessionID := uuid.NewString()
	logger.Info("backup session starting",
		slog.String("session_id", sessionID),
		slog.String("personality", string(owner)),
	)

	pending, err := st.ListNotUploaded(ctx, cfg.OwnerID)
	if err != nil {
		return err
	}

	if len(pending) == 0 {
		logger.Info("nothing to upload", slog.String("session_id", sessionID))
		statusf("Nothing to upload.\n")

		return nil
	}

	statusf("Uploading %d files...\n", len(pending))

	futures := make([]*uploader.Future, 0, len(pending))
	for i := range pending {
		futures = append(futures, engine.Enqueue(pending[i], pending[i].CollectionID))
	}

	succeeded, failed := 0, 0

	for _, fut := range futures {
		select {
		case <-ctx.Done():
			return fmt.Errorf("backup interrupted: %w", ctx.Err())
		case <-fut.Done():
		}

		if _, err := fut.Result(); err != nil {
			if !errors.Is(err, uploader.ErrSilentlyCancelUploads) {
				failed++
			}

			continue
		}

		succeeded++
	}

	logger.Info("backup session finished",
		slog.String("session_id", sessionID),
		slog.Int("succeeded", succeeded),
		slog.Int("failed", failed),
	)

	statusf("Done: %d uploaded, %d failed.\n", succeeded, failed)

	if failed > 0 {
		return fmt.Errorf("backup: %d of %d uploads failed", failed, len(futures))
	}

	return nil
}

// pidFilePath returns the per-personality PID file location.
func pidFilePath(dataDir string, owner store.Owner) string {
	name := "backup.pid"
	if owner == store.OwnerBackground {
		name = "backup-bg.pid"
	}

	return filepath.Join(dataDir, name)
}

// buildEngine wires the upload pipeline: catalog client, presigned URL
// pool, blob putter, collections service, mapper, worker, engine.
func buildEngine(
	cfg *config.Config, st *store.Store, bus *events.Bus,
	owner store.Owner, force bool, logger *slog.Logger,
) *uploader.Engine {
	masterKey, _ := cfg.MasterKeyBytes()

	client := api.NewClient(cfg.Endpoint, cfg.Token, catalogHTTPClient(), logger)
	pool := api.NewURLPool(client, logger)
	putter := api.NewBlobPutter(&http.Client{}, pool, logger)
	colls := collections.New(client, st, masterKey, logger)
	mapper := uploader.NewMapper(st, colls, cfg.OwnerID, logger)

	worker := uploader.NewWorker(uploader.WorkerDeps{
		Store:        st,
		Catalog:      client,
		Putter:       putter,
		Extractor:    media.NewFSExtractor(logger),
		Collections:  colls,
		Connectivity: uploader.AlwaysWiFi{},
		SyncCtl:      uploader.NeverStop{},
		Mapper:       mapper,
		Bus:          bus,
		Logger:       logger,
	}, cfg.TempDir, owner, cfg.AllowMobileData)

	return uploader.NewEngine(uploader.EngineDeps{
		Store:       st,
		Worker:      worker,
		Collections: colls,
		SyncCtl:     uploader.NeverStop{},
		Pool:        pool,
		Bus:         bus,
		Logger:      logger,
	}, owner, uploader.Options{
		GlobalLimit: cfg.Limits.Global,
		VideoLimit:  cfg.Limits.Video,
		Forced:      force,
	})
}
