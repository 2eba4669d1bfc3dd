package gateway

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"edge-gateway/internal/catalog"
	"edge-gateway/internal/config"
	"edge-gateway/internal/forwarder"
	"edge-gateway/internal/modbus"
	"edge-gateway/internal/opcua"
	"edge-gateway/internal/supervisor"
	"edge-gateway/internal/telemetry"
)

// App wires the acquisition and forwarding pipeline together and runs it
// until the context is cancelled.
type App struct {
	cfg    *config.Config
	logger *zap.Logger
}

func New(cfg *config.Config, logger *zap.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// Run performs bootstrap (catalog load, cache seed) and runs the three
// supervisors, the catalog refresher, and the forwarder concurrently.
// Starting with an empty catalog is fine; the next refresh fills it in.
func (a *App) Run(ctx context.Context) error {
	tokens := catalog.NewTokenSource(a.cfg.Auth.BaseURL,
		a.cfg.Gateway.ClientID, a.cfg.Gateway.ClientSecret,
		a.logger.Named("auth"))
	client := catalog.NewClient(a.cfg.DeviceAPI.BaseURL, a.cfg.Gateway.ID,
		tokens, a.logger.Named("catalog"))
	cache := catalog.NewCache()

	a.refreshCatalog(ctx, client, cache)

	sink := telemetry.NewSink(a.cfg.InfluxDB, a.logger.Named("sink"))
	defer sink.Close()
	queue := telemetry.NewQueue(ctx, sink, 1024, a.logger.Named("queue"))

	sessions := opcua.NewSessionManager(a.cfg.OpcUa, a.logger.Named("opcua"))

	store := forwarder.NewInfluxStore(a.cfg.InfluxDB)
	defer store.Close()
	publisher := forwarder.NewAmqpPublisher(a.cfg.RabbitMQ)
	defer publisher.Close()

	fwd := &forwarder.Forwarder{
		Store:              store,
		Publisher:          publisher,
		Interval:           a.cfg.Forwarder.Interval(),
		DeleteAfterPublish: a.cfg.Forwarder.DeleteAfterPublish,
		Logger:             a.logger.Named("forwarder"),
	}

	modbusSem := make(chan struct{}, a.cfg.Modbus.MaxConcurrentPolls)
	modbusLog := a.logger.Named("modbus")
	pollLog := a.logger.Named("opcua-poll")
	subLog := a.logger.Named("opcua-sub")

	supervisors := []*supervisor.Supervisor{
		{
			Role:      supervisor.RoleModbus,
			Partition: catalog.PartitionModbus,
			Cache:     cache,
			Logger:    a.logger.Named("supervisor"),
			Factory: func(dev catalog.Device) supervisor.RunFunc {
				w := &modbus.Worker{Device: dev, Sink: sink, Sem: modbusSem, Logger: modbusLog}
				return w.Run
			},
		},
		{
			Role:      supervisor.RoleOpcUaPoll,
			Partition: catalog.PartitionOpcUaPolling,
			Cache:     cache,
			Logger:    a.logger.Named("supervisor"),
			Factory: func(dev catalog.Device) supervisor.RunFunc {
				w := &opcua.PollWorker{Device: dev, Sessions: sessions, Sink: sink, Logger: pollLog}
				return w.Run
			},
		},
		{
			Role:      supervisor.RoleOpcUaSub,
			Partition: catalog.PartitionOpcUaSub,
			Cache:     cache,
			Logger:    a.logger.Named("supervisor"),
			Factory: func(dev catalog.Device) supervisor.RunFunc {
				w := &opcua.SubscribeWorker{Device: dev, Sessions: sessions, Queue: queue, Logger: subLog}
				return w.Run
			},
		},
	}

	var wg sync.WaitGroup
	for _, s := range supervisors {
		wg.Add(1)
		go func(s *supervisor.Supervisor) {
			defer wg.Done()
			if err := s.Run(ctx); err != nil {
				a.logger.Warn("supervisor stopped", zap.String("role", string(s.Role)), zap.Error(err))
			}
		}(s)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = fwd.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.refreshLoop(ctx, client, cache)
	}()

	<-ctx.Done()
	a.logger.Info("shutting down")
	wg.Wait()
	queue.Wait()
	return nil
}

// refreshLoop reloads the catalog at half the cache TTL so partitions never
// expire under a healthy API.
func (a *App) refreshLoop(ctx context.Context, client *catalog.Client, cache *catalog.Cache) {
	interval := a.cfg.Cache.TTL() / 2
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.refreshCatalog(ctx, client, cache)
		}
	}
}

// refreshCatalog loads and partitions the catalog. Load failure after boot is
// not fatal: the gateway keeps running on the last good partitions.
func (a *App) refreshCatalog(ctx context.Context, client *catalog.Client, cache *catalog.Cache) {
	devices, err := client.Load(ctx)
	if err != nil {
		a.logger.Warn("catalog load failed", zap.Error(err))
		return
	}
	ttl := a.cfg.Cache.TTL()
	for key, part := range catalog.Partition(devices) {
		cache.Set(key, part, ttl)
	}
}
