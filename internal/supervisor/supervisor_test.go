package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"edge-gateway/internal/catalog"
)

func newSupervisor(cache *catalog.Cache, factory WorkerFactory) *Supervisor {
	return &Supervisor{
		Role:              RoleModbus,
		Partition:         catalog.PartitionModbus,
		Cache:             cache,
		Factory:           factory,
		Logger:            zap.NewNop(),
		ReconcileInterval: 10 * time.Millisecond,
	}
}

func TestSupervisorSpawnsOnePerDevice(t *testing.T) {
	cache := catalog.NewCache()
	devices := []catalog.Device{
		{ID: uuid.New(), Name: "a"},
		{ID: uuid.New(), Name: "b"},
	}
	cache.Set(catalog.PartitionModbus, devices, time.Minute)

	var spawns atomic.Int32
	s := newSupervisor(cache, func(dev catalog.Device) RunFunc {
		return func(ctx context.Context) error {
			spawns.Add(1)
			<-ctx.Done()
			return nil
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { s.Run(ctx); close(done) }()

	require.Eventually(t, func() bool { return s.WorkerCount() == 2 },
		time.Second, 10*time.Millisecond)

	// Further reconciles must not double-spawn live workers.
	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 2, spawns.Load())

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}

func TestSupervisorRestartsCompletedWorker(t *testing.T) {
	cache := catalog.NewCache()
	dev := catalog.Device{ID: uuid.New(), Name: "flaky"}
	cache.Set(catalog.PartitionModbus, []catalog.Device{dev}, time.Minute)

	var runs atomic.Int32
	s := newSupervisor(cache, func(dev catalog.Device) RunFunc {
		return func(ctx context.Context) error {
			runs.Add(1)
			return nil // terminate immediately; supervisor restarts
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	require.Eventually(t, func() bool { return runs.Load() >= 3 },
		2*time.Second, 10*time.Millisecond,
		"completed workers must be reaped and respawned")
}

func TestSupervisorKeepsWorkerWhenDeviceVanishes(t *testing.T) {
	cache := catalog.NewCache()
	dev := catalog.Device{ID: uuid.New(), Name: "persistent"}
	cache.Set(catalog.PartitionModbus, []catalog.Device{dev}, time.Minute)

	s := newSupervisor(cache, func(dev catalog.Device) RunFunc {
		return func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	require.Eventually(t, func() bool { return s.WorkerCount() == 1 },
		time.Second, 10*time.Millisecond)

	// Catalog refresh drops the device; the running worker stays up.
	cache.Set(catalog.PartitionModbus, nil, time.Minute)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, s.WorkerCount())
}

func TestSupervisorTeardownOnReap(t *testing.T) {
	cache := catalog.NewCache()
	dev := catalog.Device{ID: uuid.New()}
	cache.Set(catalog.PartitionModbus, []catalog.Device{dev}, time.Minute)

	var mu sync.Mutex
	var torndown []uuid.UUID

	s := newSupervisor(cache, func(dev catalog.Device) RunFunc {
		return func(ctx context.Context) error { return nil }
	})
	s.Teardown = func(dev catalog.Device) error {
		mu.Lock()
		torndown = append(torndown, dev.ID)
		mu.Unlock()
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(torndown) >= 1
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	require.Equal(t, dev.ID, torndown[0])
	mu.Unlock()
}

func TestSupervisorEmptyCache(t *testing.T) {
	s := newSupervisor(catalog.NewCache(), func(dev catalog.Device) RunFunc {
		return func(ctx context.Context) error { return nil }
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))
	require.Equal(t, 0, s.WorkerCount())
}
