// Package daemon provides the background loop that keeps the local store
// and the sync server converging.
//
// The daemon:
//  1. Periodically drains the sync queue (push side)
//  2. Periodically reconciles server records into the store (pull side)
//  3. Accepts pokes for an immediate drain after a local mutation
//  4. Handles graceful shutdown
//
// Network failures are logged and non-fatal: the next tick retries. The
// daemon never blocks its caller on the network.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/fieldops/attendsync/internal/monitor"
	"github.com/fieldops/attendsync/internal/queue"
	"github.com/fieldops/attendsync/internal/reconcile"
	"github.com/fieldops/attendsync/internal/server"
)

// Config holds configuration for the daemon.
type Config struct {
	// UserID is the signed-in field worker whose records are reconciled.
	UserID string

	// DrainInterval is how often the sync queue is drained.
	DrainInterval time.Duration

	// ReconcileInterval is how often server records are pulled and merged.
	ReconcileInterval time.Duration

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DrainInterval:     30 * time.Second,
		ReconcileInterval: 5 * time.Minute,
		Logger:            log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon orchestrates background queue drains and reconciliations.
type Daemon struct {
	queue  *queue.Queue
	engine *reconcile.Engine
	client server.Client
	config *Config

	// mon is optional; a nil monitor silently drops events.
	mon *monitor.Server

	poke chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Daemon instance.
//
// Use Start() to begin the drain and reconcile loops.
func New(q *queue.Queue, engine *reconcile.Engine, client server.Client, config *Config) (*Daemon, error) {
	if q == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if engine == nil {
		return nil, fmt.Errorf("reconcile engine cannot be nil")
	}
	if client == nil {
		return nil, fmt.Errorf("server client cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	if config.UserID == "" {
		return nil, fmt.Errorf("userID cannot be empty")
	}
	if config.DrainInterval <= 0 {
		config.DrainInterval = DefaultConfig().DrainInterval
	}
	if config.ReconcileInterval <= 0 {
		config.ReconcileInterval = DefaultConfig().ReconcileInterval
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		queue:  q,
		engine: engine,
		client: client,
		config: config,
		poke:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// SetMonitor attaches an optional live event feed.
func (d *Daemon) SetMonitor(m *monitor.Server) {
	d.mon = m
}

// Start begins the daemon's operation.
//
// An initial reconcile and drain run immediately, then the periodic loops
// take over. This blocks until ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Printf("Starting daemon for user %s (drain every %v, reconcile every %v)",
		d.config.UserID, d.config.DrainInterval, d.config.ReconcileInterval)

	// Initial convergence pass. Failures here are retryable, not fatal.
	d.runReconcile(ctx)
	d.runDrain(ctx)

	d.wg.Add(2)
	go d.drainLoop()
	go d.reconcileLoop()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.cancel()
	d.wg.Wait()
	d.config.Logger.Println("Daemon stopped")
	return nil
}

// Poke requests an immediate drain, e.g. right after a local punch.
// Non-blocking; redundant pokes while one is queued collapse into one.
func (d *Daemon) Poke() {
	select {
	case d.poke <- struct{}{}:
	default:
	}
}

// drainLoop drains the sync queue on every tick or poke.
func (d *Daemon) drainLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.runDrain(d.ctx)

		case <-d.poke:
			d.runDrain(d.ctx)
		}
	}
}

// reconcileLoop pulls and merges server records on every tick.
func (d *Daemon) reconcileLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.runReconcile(d.ctx)
		}
	}
}

// runDrain performs one queue drain pass. An overlapping drain is already
// doing the work, so ErrDrainInFlight is not an error here.
func (d *Daemon) runDrain(ctx context.Context) {
	result, err := d.queue.DrainOnce(ctx, d.client)
	if err != nil {
		if errors.Is(err, queue.ErrDrainInFlight) {
			return
		}
		d.config.Logger.Printf("Warning: drain failed: %v", err)
		return
	}

	if result.Pushed+result.Failed+result.Dead > 0 {
		d.mon.Emit(monitor.EventDrainComplete, monitor.DrainData{
			Pushed: result.Pushed,
			Failed: result.Failed,
			Dead:   result.Dead,
		})
	}
	if result.Dead > 0 {
		d.mon.Emit(monitor.EventEntryDead, monitor.DrainData{Dead: result.Dead})
	}
}

// runReconcile performs one pull-and-merge pass for the configured user.
func (d *Daemon) runReconcile(ctx context.Context) {
	if err := d.engine.Reconcile(ctx, d.config.UserID, ""); err != nil {
		d.config.Logger.Printf("Warning: reconcile failed: %v", err)
		return
	}

	d.mon.Emit(monitor.EventReconcileComplete, monitor.ReconcileData{
		UserID: d.config.UserID,
	})
}
