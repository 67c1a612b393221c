package uploader

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/arkivault/arkivault-go/internal/store"
)

// liaisonInterval is how often the foreground process checks on items
// parked with the background process.
const liaisonInterval = 2 * time.Second

// liaison periodically probes items in the background status. When the
// background process has released an item's lock, the liaison settles
// the item's handle from the database: a remote ID means the upload
// finished, no remote ID means the background process gave up.
type liaison struct {
	engine  *Engine
	logger  *slog.Logger
	probing bool
}

func newLiaison(e *Engine, logger *slog.Logger) *liaison {
	return &liaison{engine: e, logger: logger}
}

func (l *liaison) run(ctx context.Context) error {
	ticker := time.NewTicker(liaisonInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

// tick is a single probe pass. A slow pass (busy database) must not
// stack probes behind it, hence the re-entrancy guard.
func (l *liaison) tick(ctx context.Context) {
	if l.probing {
		return
	}

	l.probing = true
	defer func() { l.probing = false }()

	e := l.engine

	e.mu.Lock()
	var parked []*item

	for _, id := range e.order {
		it := e.items[id]
		if it.status == StatusInBackground {
			parked = append(parked, it)
		}
	}
	e.mu.Unlock()

	if len(parked) == 0 {
		return
	}

	settled := false

	for _, it := range parked {
		locked, err := e.store.IsLocked(ctx, it.localID, store.OwnerBackground)
		if err != nil {
			l.logger.Warn("liaison lock probe failed",
				slog.String("local_id", it.localID),
				slog.String("error", err.Error()),
			)

			continue
		}

		if locked {
			continue
		}

		l.settle(ctx, it)
		settled = true
	}

	if settled {
		e.Poll()
	}
}

// settle resolves a parked item whose background lock is gone.
func (l *liaison) settle(ctx context.Context, it *item) {
	e := l.engine

	e.mu.Lock()
	delete(e.items, it.localID)
	e.removeFromOrderLocked(it.localID)
	e.mu.Unlock()

	rec, err := e.store.GetFile(ctx, it.file.GeneratedID)
	if err != nil && !errors.Is(err, store.ErrFileNotFound) {
		l.logger.Warn("liaison could not load file record",
			slog.String("local_id", it.localID),
			slog.String("error", err.Error()),
		)
		it.future.Fail(err)

		return
	}

	if rec != nil && rec.HasRemoteID() {
		l.logger.Info("background process completed upload",
			slog.String("local_id", it.localID),
			slog.Int64("remote_id", *rec.UploadedFileID),
		)
		it.future.Complete(rec)

		return
	}

	// Lock gone, no remote record: the background process bailed out.
	l.logger.Debug("background process abandoned upload",
		slog.String("local_id", it.localID),
	)
	it.future.Fail(ErrSilentlyCancelUploads)
}
