package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/arkivault/arkivault-go/internal/store"
)

// statusPendingLimit caps the pending-file table in text output.
const statusPendingLimit = 20

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pending uploads, locks, and background liveness",
		RunE:  runStatus,
	}
}

// statusReport is the machine-readable status shape.
type statusReport struct {
	Database       string `json:"database"`
	DatabaseSize   int64  `json:"database_size"`
	PendingUploads int    `json:"pending_uploads"`
	ActiveLocks    int    `json:"active_locks"`
	BackgroundSeen string `json:"background_seen,omitempty"`
	ForegroundPID  int    `json:"foreground_pid,omitempty"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg := resolvedCfg
	logger := buildLogger()

	dbPath := cfg.DBPath()

	info, err := os.Stat(dbPath)
	if os.IsNotExist(err) {
		fmt.Println("No database yet. Run 'arkivault backup' to get started.")

		return nil
	}

	st, err := store.Open(dbPath, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()

	pending, err := st.ListNotUploaded(ctx, cfg.OwnerID)
	if err != nil {
		return err
	}

	locks, err := st.LockCount(ctx)
	if err != nil {
		return err
	}

	report := statusReport{
		Database:       dbPath,
		DatabaseSize:   info.Size(),
		PendingUploads: len(pending),
		ActiveLocks:    locks,
	}

	if beat, ok, err := st.GetInt64(ctx, store.KeyBGHeartbeat); err == nil && ok {
		report.BackgroundSeen = time.UnixMicro(beat).Format(time.RFC3339)
	}

	if pid, err := readPIDFile(pidFilePath(cfg.DataDir, store.OwnerForeground)); err == nil && processAlive(pid) {
		report.ForegroundPID = pid
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(report)
	}

	fmt.Printf("Database:        %s (%s)\n", report.Database, formatSize(report.DatabaseSize))
	fmt.Printf("Pending uploads: %d\n", report.PendingUploads)
	fmt.Printf("Active locks:    %d\n", report.ActiveLocks)

	if report.BackgroundSeen != "" {
		if t, err := time.Parse(time.RFC3339, report.BackgroundSeen); err == nil {
			fmt.Printf("Background seen: %s\n", formatTime(t))
		}
	}

	if report.ForegroundPID != 0 {
		fmt.Printf("Foreground:      running (PID %d)\n", report.ForegroundPID)
	}

	if len(pending) > 0 {
		fmt.Println()
		printPending(os.Stdout, pending)
	}

	return nil
}

// printPending renders a table of the first few pending files.
func printPending(w io.Writer, pending []store.File) {
	n := len(pending)
	if n > statusPendingLimit {
		n = statusPendingLimit
	}

	rows := make([][]string, 0, n)

	for i := 0; i < n; i++ {
		f := &pending[i]

		size := "?"
		if info, err := os.Stat(f.SourcePath); err == nil {
			size = formatSize(info.Size())
		}

		rows = append(rows, []string{
			filepath.Base(f.Title),
			string(f.Kind),
			size,
			fmt.Sprintf("%d", f.CollectionID),
		})
	}

	printTable(w, []string{"TITLE", "KIND", "SIZE", "COLLECTION"}, rows)

	if len(pending) > n {
		fmt.Fprintf(w, "... and %d more\n", len(pending)-n)
	}
}
