package telemetry

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"

	"edge-gateway/internal/config"
)

// Measurement is shared with the forwarder's query. The name is a historical
// artifact kept for cross-protocol compatibility: OPC UA points land under it
// too.
const Measurement = "modbus_telemetry"

// Sink batch-writes points to InfluxDB, tag signal_id, field value,
// millisecond timestamps.
type Sink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	logger   *zap.Logger
}

// NewSink builds the sink from the InfluxDB section.
func NewSink(cfg config.InfluxConfig, logger *zap.Logger) *Sink {
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().SetPrecision(time.Millisecond))
	return &Sink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		logger:   logger,
	}
}

// WriteBatch persists the batch. An empty batch is a no-op. Points that fail
// validation poison the whole batch; the producers guarantee they never
// construct one.
func (s *Sink) WriteBatch(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	now := time.Now()
	records := make([]*write.Point, 0, len(points))
	for _, p := range points {
		if err := p.Validate(now); err != nil {
			return fmt.Errorf("sink: %w", err)
		}
		records = append(records, influxdb2.NewPoint(
			Measurement,
			map[string]string{"signal_id": p.SignalID.String()},
			map[string]interface{}{"value": p.Value},
			p.Timestamp,
		))
	}

	if err := s.writeAPI.WritePoint(ctx, records...); err != nil {
		return fmt.Errorf("sink: write %d points: %w", len(points), err)
	}
	s.logger.Debug("batch written", zap.Int("points", len(points)))
	return nil
}

// Close releases the underlying HTTP client.
func (s *Sink) Close() {
	s.client.Close()
}
