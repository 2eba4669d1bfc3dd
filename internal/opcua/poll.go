package opcua

import (
	"context"
	"fmt"
	"time"

	"github.com/gopcua/opcua/ua"
	"go.uber.org/zap"

	"edge-gateway/internal/catalog"
	"edge-gateway/internal/telemetry"
)

// Sink receives the points of one acquisition batch.
type Sink interface {
	WriteBatch(ctx context.Context, points []telemetry.Point) error
}

// PollWorker reads each configured node's Value attribute in a loop. One
// session per worker; a session failure terminates the worker and the
// supervisor restarts it.
type PollWorker struct {
	Device   catalog.Device
	Sessions *SessionManager
	Sink     Sink
	Logger   *zap.Logger

	// Open defaults to the session manager; tests substitute a fake.
	Open OpenFunc
}

func (w *PollWorker) Run(ctx context.Context) error {
	if w.Open == nil {
		w.Open = func(ctx context.Context, endpoint string) (Session, error) {
			return w.Sessions.Open(ctx, endpoint)
		}
	}

	session, err := w.Open(ctx, w.Device.ConnectionURL)
	if err != nil {
		return err
	}
	defer closeSession(session, w.Logger)

	interval := time.Duration(w.Device.PollIntervalMs) * time.Millisecond
	if interval < time.Millisecond {
		interval = time.Millisecond
	}

	for {
		now := time.Now().UTC()

		var points []telemetry.Point
		for _, node := range w.Device.Nodes {
			if !node.Healthy {
				continue
			}
			id, err := ua.ParseNodeID(node.NodeString)
			if err != nil {
				w.Logger.Warn("bad node id",
					zap.String("device", w.Device.ID.String()),
					zap.String("node", node.NodeString),
					zap.Error(err))
				continue
			}

			resp, err := session.Read(ctx, &ua.ReadRequest{
				NodesToRead: []*ua.ReadValueID{
					{NodeID: id, AttributeID: ua.AttributeIDValue},
				},
				TimestampsToReturn: ua.TimestampsToReturnNeither,
			})
			if err != nil {
				// Read failure means the session is gone; let the
				// supervisor restart us.
				return fmt.Errorf("read %s: %w", node.NodeString, err)
			}
			if len(resp.Results) == 0 || resp.Results[0].Status != ua.StatusOK {
				w.Logger.Warn("node read rejected",
					zap.String("device", w.Device.ID.String()),
					zap.String("node", node.NodeString))
				continue
			}

			value, ok := coerceFloat(resp.Results[0].Value)
			if !ok {
				w.Logger.Warn("non-numeric node value",
					zap.String("device", w.Device.ID.String()),
					zap.String("node", node.NodeString))
				continue
			}
			if node.SignalID == nil {
				continue
			}
			points = append(points, telemetry.Point{
				SignalID:  *node.SignalID,
				Value:     value,
				Timestamp: now,
			})
		}

		if len(points) > 0 {
			if err := w.Sink.WriteBatch(ctx, points); err != nil {
				w.Logger.Error("telemetry write failed",
					zap.String("device", w.Device.ID.String()),
					zap.Error(err))
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}
