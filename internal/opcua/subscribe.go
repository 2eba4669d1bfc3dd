package opcua

import (
	"context"
	"fmt"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/monitor"
	"github.com/gopcua/opcua/ua"
	"go.uber.org/zap"

	"edge-gateway/internal/catalog"
	"edge-gateway/internal/telemetry"
)

const (
	subscribeAttempts = 5
	subscribeBackoff  = 10 * time.Second

	// defaultPublishingInterval applies when the device has no poll interval,
	// which is legal for subscription devices.
	defaultPublishingInterval = time.Second

	defaultHealthInterval = 5 * time.Second
)

// Enqueuer is the non-blocking handoff for notification-driven points. The
// notification path must never block the OPC UA stack, so writes go through a
// queue instead of the sink directly.
type Enqueuer interface {
	Enqueue(points []telemetry.Point)
}

// Subscription is the live monitored-item subscription held for one device.
type Subscription interface {
	Unsubscribe(ctx context.Context) error
}

// SubscribeFunc creates the subscription with one monitored item per node,
// delivering notifications on ch. Workers default it to the gopcua monitor;
// tests substitute a fake.
type SubscribeFunc func(ctx context.Context, session Session, interval time.Duration,
	ch chan<- *monitor.DataChangeMessage, nodes ...string) (Subscription, error)

func gopcuaSubscribe(ctx context.Context, session Session, interval time.Duration,
	ch chan<- *monitor.DataChangeMessage, nodes ...string) (Subscription, error) {
	client, ok := session.(*opcua.Client)
	if !ok {
		return nil, fmt.Errorf("session is not backed by a gopcua client")
	}
	nodeMonitor, err := monitor.NewNodeMonitor(client)
	if err != nil {
		return nil, fmt.Errorf("node monitor: %w", err)
	}
	return nodeMonitor.ChanSubscribe(ctx, &opcua.SubscriptionParameters{
		Interval: interval,
	}, ch, nodes...)
}

// SubscribeWorker keeps one subscription with monitored items per device,
// wrapped in a bounded retry harness: up to five attempts with a fixed 10 s
// back-off, the counter resetting whenever a subscription came up.
type SubscribeWorker struct {
	Device   catalog.Device
	Sessions *SessionManager
	Queue    Enqueuer
	Logger   *zap.Logger

	// Open, Subscribe, Backoff and HealthInterval default in Run; tests
	// substitute fakes and shorter timings.
	Open           OpenFunc
	Subscribe      SubscribeFunc
	Backoff        time.Duration
	HealthInterval time.Duration
}

func (w *SubscribeWorker) Run(ctx context.Context) error {
	if w.Open == nil {
		w.Open = func(ctx context.Context, endpoint string) (Session, error) {
			return w.Sessions.Open(ctx, endpoint)
		}
	}
	if w.Subscribe == nil {
		w.Subscribe = gopcuaSubscribe
	}
	if w.Backoff <= 0 {
		w.Backoff = subscribeBackoff
	}
	if w.HealthInterval <= 0 {
		w.HealthInterval = defaultHealthInterval
	}

	attempts := 0
	for {
		subscribed, err := w.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if subscribed {
			attempts = 0
		} else {
			attempts++
			if attempts >= subscribeAttempts {
				return fmt.Errorf("subscription for %s gave up after %d attempts: %w",
					w.Device.ID, attempts, err)
			}
		}
		if err != nil {
			w.Logger.Warn("subscription attempt failed",
				zap.String("device", w.Device.ID.String()),
				zap.Int("attempt", attempts),
				zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.Backoff):
		}
	}
}

// runOnce opens a session and holds the subscription until it drops or ctx
// ends. The first return reports whether the subscription was established.
func (w *SubscribeWorker) runOnce(ctx context.Context) (bool, error) {
	session, err := w.Open(ctx, w.Device.ConnectionURL)
	if err != nil {
		return false, err
	}
	defer closeSession(session, w.Logger)

	interval := time.Duration(w.Device.PollIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = defaultPublishingInterval
	}

	// Keyed by the canonical NodeId rendering so notification lookups match
	// regardless of how the catalog spells the id.
	signals := make(map[string]catalog.Node)
	var nodeIDs []string
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
		signals[id.String()] = node
		nodeIDs = append(nodeIDs, node.NodeString)
	}
	if len(nodeIDs) == 0 {
		// Nothing to monitor; hold the session and idle until ctx ends.
		<-ctx.Done()
		return true, nil
	}

	ch := make(chan *monitor.DataChangeMessage, 256)
	sub, err := w.Subscribe(ctx, session, interval, ch, nodeIDs...)
	if err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Unsubscribe(context.Background())

	w.Logger.Info("subscription established",
		zap.String("device", w.Device.ID.String()),
		zap.Int("nodes", len(nodeIDs)),
		zap.Duration("interval", interval))

	health := time.NewTicker(w.HealthInterval)
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case <-health.C:
			if session.State() != opcua.Connected {
				return true, fmt.Errorf("session disconnected")
			}
		case msg := <-ch:
			w.handleNotification(msg, signals)
		}
	}
}

// handleNotification converts one dequeued value and enqueues the write; it
// must return quickly and never block.
func (w *SubscribeWorker) handleNotification(msg *monitor.DataChangeMessage, signals map[string]catalog.Node) {
	if msg == nil {
		return
	}
	if msg.Error != nil {
		w.Logger.Warn("notification error",
			zap.String("device", w.Device.ID.String()),
			zap.Error(msg.Error))
		return
	}
	if msg.DataValue == nil || msg.NodeID == nil {
		return
	}
	node, ok := signals[msg.NodeID.String()]
	if !ok || node.SignalID == nil {
		return
	}
	value, ok := coerceFloat(msg.Value)
	if !ok {
		w.Logger.Warn("non-numeric notification",
			zap.String("device", w.Device.ID.String()),
			zap.String("node", msg.NodeID.String()))
		return
	}
	w.Queue.Enqueue([]telemetry.Point{{
		SignalID:  *node.SignalID,
		Value:     value,
		Timestamp: time.Now().UTC(),
	}})
}
