package forwarder

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"edge-gateway/internal/config"
	"edge-gateway/internal/telemetry"
)

// Record is one stored sample as read back from the time-series store.
type Record struct {
	SignalID  string
	Value     float64
	Timestamp time.Time
}

// Store is the drain's view of the time-series store.
type Store interface {
	// QueryWindow returns records in [start, stop] carrying a non-empty
	// signal_id tag, in store order.
	QueryWindow(ctx context.Context, start, stop time.Time) ([]Record, error)
	// DeleteWindow removes every stored telemetry record in [start, stop],
	// whether or not it was published.
	DeleteWindow(ctx context.Context, start, stop time.Time) error
}

// InfluxStore implements Store over the InfluxDB v2 query and delete APIs.
type InfluxStore struct {
	client    influxdb2.Client
	queryAPI  api.QueryAPI
	deleteAPI api.DeleteAPI
	org       string
	bucket    string
}

func NewInfluxStore(cfg config.InfluxConfig) *InfluxStore {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxStore{
		client:    client,
		queryAPI:  client.QueryAPI(cfg.Org),
		deleteAPI: client.DeleteAPI(),
		org:       cfg.Org,
		bucket:    cfg.Bucket,
	}
}

func (s *InfluxStore) QueryWindow(ctx context.Context, start, stop time.Time) ([]Record, error) {
	flux := fmt.Sprintf(`from(bucket: %q)
  |> range(start: %s, stop: %s)
  |> filter(fn: (r) => r._measurement == %q and r._field == "value")
  |> filter(fn: (r) => exists r.signal_id and r.signal_id != "")`,
		s.bucket,
		start.UTC().Format(time.RFC3339Nano),
		stop.UTC().Format(time.RFC3339Nano),
		telemetry.Measurement)

	result, err := s.queryAPI.Query(ctx, flux)
	if err != nil {
		return nil, fmt.Errorf("query telemetry: %w", err)
	}
	defer result.Close()

	var records []Record
	for result.Next() {
		rec := result.Record()
		value, ok := rec.Value().(float64)
		if !ok {
			continue
		}
		signalID, _ := rec.ValueByKey("signal_id").(string)
		records = append(records, Record{
			SignalID:  signalID,
			Value:     value,
			Timestamp: rec.Time(),
		})
	}
	if result.Err() != nil {
		return nil, fmt.Errorf("query telemetry: %w", result.Err())
	}
	return records, nil
}

func (s *InfluxStore) DeleteWindow(ctx context.Context, start, stop time.Time) error {
	predicate := fmt.Sprintf(`_measurement=%q`, telemetry.Measurement)
	if err := s.deleteAPI.DeleteWithName(ctx, s.org, s.bucket, start, stop, predicate); err != nil {
		return fmt.Errorf("delete telemetry window: %w", err)
	}
	return nil
}

func (s *InfluxStore) Close() {
	s.client.Close()
}
