package uploader

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arkivault/arkivault-go/internal/api"
	"github.com/arkivault/arkivault-go/internal/events"
	"github.com/arkivault/arkivault-go/internal/media"
	"github.com/arkivault/arkivault-go/internal/store"
)

// Cross-process lock policy.
const (
	// lockExpiry is the global staleness window: any lock older than
	// this is fair game for the startup sweep.
	lockExpiry = 24 * time.Hour
	// bgDeathTimeout: a background heartbeat older than this means the
	// background process died and its locks are reclaimable.
	bgDeathTimeout = 5 * time.Second
	// heartbeatInterval is how often the background personality writes
	// its heartbeat.
	heartbeatInterval = 1 * time.Second
)

// Runner executes one upload attempt. *Worker is the production
// implementation; the scheduler only needs this slice of it.
type Runner interface {
	TryToUpload(ctx context.Context, file *store.File, collectionID int64, queueSize int, forced bool) (*store.File, error)
}

// Options tunes an Engine. Zero values take defaults.
type Options struct {
	GlobalLimit int
	VideoLimit  int
	// Forced bypasses the connectivity gate (CLI --force).
	Forced bool
}

// Engine is the upload orchestrator: one per process, created at the
// composition root with an explicit personality (foreground or
// background).
type Engine struct {
	store       *store.Store
	worker      Runner
	collections CollectionsService
	syncCtl     SyncControl
	pool        *api.URLPool
	bus         *events.Bus
	logger      *slog.Logger
	owner       store.Owner

	globalLimit int
	videoLimit  int
	forced      bool

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	wg     sync.WaitGroup

	mu              sync.Mutex
	items           map[string]*item
	order           []string
	inProgress      int
	videoInProgress int
	totalInSession  int

	// nowMicros supplies sweep timestamps. Tests override.
	nowMicros func() int64
}

// EngineDeps bundles the Engine's collaborators.
type EngineDeps struct {
	Store       *store.Store
	Worker      Runner
	Collections CollectionsService
	SyncCtl     SyncControl
	Pool        *api.URLPool
	Bus         *events.Bus
	Logger      *slog.Logger
}

// NewEngine creates an engine with the given process personality.
// Call RecoverLocks before Run on process start.
func NewEngine(deps EngineDeps, owner store.Owner, opts Options) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if opts.GlobalLimit < 1 {
		opts.GlobalLimit = 4
	}

	if opts.VideoLimit < 1 {
		opts.VideoLimit = 2
	}

	syncCtl := deps.SyncCtl
	if syncCtl == nil {
		syncCtl = NeverStop{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		store:       deps.Store,
		worker:      deps.Worker,
		collections: deps.Collections,
		syncCtl:     syncCtl,
		pool:        deps.Pool,
		bus:         deps.Bus,
		logger:      logger,
		owner:       owner,
		globalLimit: opts.GlobalLimit,
		videoLimit:  opts.VideoLimit,
		forced:      opts.Forced,
		ctx:         ctx,
		cancel:      cancel,
		items:       map[string]*item{},
		nowMicros:   func() int64 { return time.Now().UnixMicro() },
	}
}

// RecoverLocks applies the startup lock policy: release this process's
// own stale locks (crash recovery), sweep globally expired locks, and,
// in the foreground only, reclaim locks of a background process whose
// heartbeat has gone silent.
func (e *Engine) RecoverLocks(ctx context.Context) error {
	now := e.nowMicros()

	if _, err := e.store.ReleaseOwnerBefore(ctx, e.owner, now); err != nil {
		return err
	}

	if _, err := e.store.ReleaseAllBefore(ctx, now-lockExpiry.Microseconds()); err != nil {
		return err
	}

	if e.owner != store.OwnerForeground {
		return nil
	}

	beat, ok, err := e.store.GetInt64(ctx, store.KeyBGHeartbeat)
	if err != nil {
		return err
	}

	if ok && now-beat > bgDeathTimeout.Microseconds() {
		e.logger.Info("background heartbeat stale, reclaiming its locks",
			slog.Int64("last_beat_us", beat),
		)

		if _, err := e.store.ReleaseOwnerBefore(ctx, store.OwnerBackground, now); err != nil {
			return err
		}
	}

	return nil
}

// Run starts the engine's background goroutines: the liaison (in the
// foreground personality), the heartbeat writer (in the background
// personality), and the event bus pumps. It returns immediately;
// Close stops everything.
func (e *Engine) Run() {
	g, gctx := errgroup.WithContext(e.ctx)
	e.group = g

	if e.owner == store.OwnerForeground {
		liaison := newLiaison(e, e.logger)
		g.Go(func() error { return liaison.run(gctx) })
	} else {
		g.Go(func() error { return e.heartbeatLoop(gctx) })
	}

	if e.bus != nil {
		g.Go(func() error { return e.pumpDeletions(gctx) })
		g.Go(func() error { return e.pumpSubscriptionPurchases(gctx) })
	}
}

// Close cancels background goroutines, waits for in-flight workers,
// and fails any still-queued items so no handle is left unfulfilled.
func (e *Engine) Close() {
	e.cancel()

	if e.group != nil {
		_ = e.group.Wait()
	}

	e.wg.Wait()

	e.ClearQueue(ErrSyncStopRequested)

	// Anything parked in background is abandoned by this process.
	e.mu.Lock()
	var orphaned []*item

	for id, it := range e.items {
		orphaned = append(orphaned, it)
		delete(e.items, id)
	}

	e.order = nil
	e.mu.Unlock()

	for _, it := range orphaned {
		it.future.Fail(ErrSilentlyCancelUploads)
	}
}

// heartbeatLoop keeps the background heartbeat fresh so the foreground
// process doesn't reclaim our locks mid-upload.
func (e *Engine) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.store.PutInt64(ctx, store.KeyBGHeartbeat, e.nowMicros()); err != nil {
				e.logger.Warn("failed to write heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

// pumpDeletions drops queued items whose local media was deleted.
func (e *Engine) pumpDeletions(ctx context.Context) error {
	ch, cancel := e.bus.Subscribe(events.TopicLocalPhotosDeleted)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}

			deleted, _ := ev.Payload.([]string)
			if len(deleted) == 0 {
				continue
			}

			gone := map[string]bool{}
			for _, id := range deleted {
				gone[id] = true
			}

			e.RemoveWhere(func(localID string, _ *store.File) bool {
				return gone[localID]
			}, media.ErrInvalidFile)
		}
	}
}

// pumpSubscriptionPurchases resets the URL pool's refill coalescer so
// a refill doomed by HTTP 402 isn't shared with post-purchase callers.
func (e *Engine) pumpSubscriptionPurchases(ctx context.Context) error {
	ch, cancel := e.bus.Subscribe(events.TopicSubscriptionPurchased)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-ch:
			if !ok {
				return nil
			}

			e.logger.Info("subscription purchased, resetting URL refill")
			e.pool.Reset()
		}
	}
}
