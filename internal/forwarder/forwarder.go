package forwarder

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const brokerBackoff = 10 * time.Second

// Message is the wire shape published to the queue.
type Message struct {
	SignalID  uuid.UUID `json:"signalId"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Forwarder drains the time-series store onto the broker: query a window,
// publish every record, and only then advance the watermark. A failed cycle
// keeps the watermark where it was, so delivery is at least once; downstream
// deduplicates on (signalId, timestamp).
type Forwarder struct {
	Store              Store
	Publisher          Publisher
	Interval           time.Duration
	DeleteAfterPublish bool
	Logger             *zap.Logger

	watermark time.Time
}

// Run loops until ctx is cancelled. The watermark starts one hour back so a
// restart replays anything the previous process had not confirmed.
func (f *Forwarder) Run(ctx context.Context) error {
	if f.Interval <= 0 {
		f.Interval = 5 * time.Second
	}
	f.watermark = time.Now().UTC().Add(-time.Hour)

	for {
		if err := f.Cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			f.Logger.Warn("forward cycle failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(brokerBackoff):
			}
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(f.Interval):
		}
	}
}

// Cycle runs one drain pass. The watermark advances to this cycle's start
// instant only when every record was either published or skipped as
// malformed.
func (f *Forwarder) Cycle(ctx context.Context) error {
	now := time.Now().UTC()

	records, err := f.Store.QueryWindow(ctx, f.watermark, now)
	if err != nil {
		return err
	}

	var published int
	var minTs, maxTs time.Time
	for _, rec := range records {
		signalID, err := uuid.Parse(rec.SignalID)
		if err != nil || signalID == uuid.Nil {
			// Malformed records are skipped; they must not wedge the drain.
			f.Logger.Warn("skipping record with bad signal id",
				zap.String("signal_id", rec.SignalID))
			continue
		}

		body, err := json.Marshal(Message{
			SignalID:  signalID,
			Value:     rec.Value,
			Timestamp: rec.Timestamp.UTC(),
		})
		if err != nil {
			f.Logger.Warn("skipping unmarshalable record",
				zap.String("signal_id", rec.SignalID), zap.Error(err))
			continue
		}

		if err := f.Publisher.Publish(ctx, body); err != nil {
			// Broker trouble: leave the watermark so the whole window is
			// retried next time.
			return fmt.Errorf("publish: %w", err)
		}

		published++
		if minTs.IsZero() || rec.Timestamp.Before(minTs) {
			minTs = rec.Timestamp
		}
		if rec.Timestamp.After(maxTs) {
			maxTs = rec.Timestamp
		}
	}

	if f.DeleteAfterPublish && published > 0 {
		if err := f.Store.DeleteWindow(ctx, minTs, maxTs.Add(time.Second)); err != nil {
			// The records are already on the broker and the watermark still
			// advances, so later cycles do not re-read the undeleted records.
			f.Logger.Warn("delete after publish failed", zap.Error(err))
		}
	}

	if published > 0 {
		f.Logger.Info("telemetry forwarded",
			zap.Int("published", published),
			zap.Time("watermark", now))
	}
	f.watermark = now
	return nil
}

// Watermark exposes the cursor for inspection.
func (f *Forwarder) Watermark() time.Time {
	return f.watermark
}
