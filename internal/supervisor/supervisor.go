package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"edge-gateway/internal/catalog"
)

// Role distinguishes the worker kinds so one device can legally carry one
// worker per protocol role.
type Role string

const (
	RoleModbus    Role = "modbus"
	RoleOpcUaPoll Role = "opcua-poll"
	RoleOpcUaSub  Role = "opcua-sub"
)

// RunFunc is a worker body; it returns when the worker is done or failed.
type RunFunc func(ctx context.Context) error

// WorkerFactory builds the worker body for one device.
type WorkerFactory func(dev catalog.Device) RunFunc

const (
	defaultReconcileInterval = 5 * time.Second
	shutdownGrace            = 15 * time.Second
)

type workerHandle struct {
	device catalog.Device
	done   chan struct{}
	err    error
}

// Supervisor owns one partition of the catalog cache and guarantees at most
// one live worker per device for its role. A completed worker is reaped on
// the next reconcile tick and respawned if the device is still listed.
//
// A device vanishing from the partition does not kill its worker; catalog
// refresh is advisory and removal only happens at process shutdown.
type Supervisor struct {
	Role      Role
	Partition string
	Cache     *catalog.Cache
	Factory   WorkerFactory
	Logger    *zap.Logger

	// Teardown, if set, runs when a worker is reaped. Errors are swallowed;
	// a failing teardown must not block the respawn.
	Teardown func(dev catalog.Device) error

	// ReconcileInterval defaults to 5 s.
	ReconcileInterval time.Duration

	mu      sync.Mutex
	workers map[uuid.UUID]*workerHandle
	wg      sync.WaitGroup
}

// Run reconciles until ctx is cancelled, then waits for the workers with a
// bounded grace period.
func (s *Supervisor) Run(ctx context.Context) error {
	s.workers = make(map[uuid.UUID]*workerHandle)

	interval := s.ReconcileInterval
	if interval <= 0 {
		interval = defaultReconcileInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			return s.shutdown()
		case <-ticker.C:
			s.reconcile(ctx)
		}
	}
}

func (s *Supervisor) reconcile(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reapLocked()

	devices, ok := s.Cache.Get(s.Partition)
	if !ok {
		return
	}
	for _, dev := range devices {
		if _, live := s.workers[dev.ID]; live {
			continue
		}
		s.spawnLocked(ctx, dev)
	}
}

// reapLocked removes finished workers and runs their teardown.
func (s *Supervisor) reapLocked() {
	for id, h := range s.workers {
		select {
		case <-h.done:
			if h.err != nil {
				s.Logger.Warn("worker exited with error",
					zap.String("role", string(s.Role)),
					zap.String("device", id.String()),
					zap.Error(h.err))
			}
			if s.Teardown != nil {
				if err := s.Teardown(h.device); err != nil {
					s.Logger.Debug("teardown error swallowed",
						zap.String("device", id.String()),
						zap.Error(err))
				}
			}
			delete(s.workers, id)
		default:
		}
	}
}

func (s *Supervisor) spawnLocked(ctx context.Context, dev catalog.Device) {
	if _, live := s.workers[dev.ID]; live {
		// Two workers for one (role, device) cannot be recovered from;
		// crash and let the process supervisor restart us clean.
		panic(fmt.Sprintf("supervisor: duplicate worker for %s/%s", s.Role, dev.ID))
	}

	h := &workerHandle{device: dev, done: make(chan struct{})}
	s.workers[dev.ID] = h
	run := s.Factory(dev)

	s.Logger.Info("starting worker",
		zap.String("role", string(s.Role)),
		zap.String("device", dev.ID.String()),
		zap.String("name", dev.Name))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(h.done)
		h.err = run(ctx)
	}()
}

// WorkerCount reports the live worker population for tests and diagnostics.
func (s *Supervisor) WorkerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, h := range s.workers {
		select {
		case <-h.done:
		default:
			n++
		}
	}
	return n
}

func (s *Supervisor) shutdown() error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(shutdownGrace):
		return fmt.Errorf("supervisor %s: timeout waiting for workers to stop", s.Role)
	}
}
