package modbus

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"edge-gateway/internal/catalog"
	"edge-gateway/internal/telemetry"
)

// Sink receives the points accumulated in one poll cycle.
type Sink interface {
	WriteBatch(ctx context.Context, points []telemetry.Point) error
}

// ConnectTimeout bounds the TCP dial of each poll cycle.
const ConnectTimeout = 3 * time.Second

// DialFunc opens the device connection. Overridable in tests.
type DialFunc func(ctx context.Context, address string) (net.Conn, error)

func defaultDial(ctx context.Context, address string) (net.Conn, error) {
	d := net.Dialer{Timeout: ConnectTimeout}
	return d.DialContext(ctx, "tcp", address)
}

// Worker polls one Modbus device. Each cycle opens a fresh connection, reads
// every planned range, decodes, and hands the batch to the sink.
type Worker struct {
	Device catalog.Device
	Sink   Sink
	Logger *zap.Logger

	// Sem caps how many workers sit in the connect phase at once. Nil means
	// unbounded.
	Sem chan struct{}

	// Dial defaults to a TCP dial with ConnectTimeout.
	Dial DialFunc
}

// Run loops until ctx is cancelled. A failed cycle leaves no state behind;
// the next one starts from the catalog again.
func (w *Worker) Run(ctx context.Context) error {
	if w.Dial == nil {
		w.Dial = defaultDial
	}

	interval := time.Duration(w.Device.PollIntervalMs) * time.Millisecond
	if interval < time.Millisecond {
		interval = time.Millisecond
	}

	for {
		if err := w.pollOnce(ctx); err != nil && ctx.Err() == nil {
			w.Logger.Warn("poll cycle failed",
				zap.String("device", w.Device.ID.String()),
				zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

func (w *Worker) pollOnce(ctx context.Context) error {
	host, port, err := w.Device.HostPort()
	if err != nil {
		return err
	}

	conn, err := w.connect(ctx, fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return err
	}
	defer conn.Close()

	// Cancellation unblocks any in-flight read by closing the socket; the
	// framing reads themselves carry no deadline.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	// One timestamp per cycle, captured before the first read.
	now := time.Now().UTC()

	var points []telemetry.Point
	for _, plan := range BuildPlan(w.Device) {
		for _, rng := range plan.Ranges {
			words, err := ReadHoldingRegisters(conn, plan.UnitID, rng.Start, rng.Count)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if IsProtocolViolation(err) {
					// The stream is poisoned; abandon the cycle.
					w.flush(ctx, points)
					return err
				}
				// A single failed range does not abort the poll.
				w.Logger.Warn("range read failed",
					zap.String("device", w.Device.ID.String()),
					zap.Uint8("unit", plan.UnitID),
					zap.Uint16("start", rng.Start),
					zap.Error(err))
				continue
			}
			for _, item := range rng.Items {
				value, ok := Decode(words, int(item.Start-rng.Start), item.Register, w.Device.Endianness)
				if !ok || item.Register.SignalID == nil {
					continue
				}
				points = append(points, telemetry.Point{
					SignalID:  *item.Register.SignalID,
					Value:     value,
					Timestamp: now,
				})
			}
		}
	}

	w.flush(ctx, points)
	return nil
}

// connect holds the shared semaphore for the dial only; the slot is released
// on every path, including cancellation.
func (w *Worker) connect(ctx context.Context, address string) (net.Conn, error) {
	if w.Sem != nil {
		select {
		case w.Sem <- struct{}{}:
			defer func() { <-w.Sem }()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	conn, err := w.Dial(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", address, err)
	}
	return conn, nil
}

func (w *Worker) flush(ctx context.Context, points []telemetry.Point) {
	if len(points) == 0 {
		return
	}
	if err := w.Sink.WriteBatch(ctx, points); err != nil {
		// Retrying would double-count on the next cycle; log and drop.
		w.Logger.Error("telemetry write failed",
			zap.String("device", w.Device.ID.String()),
			zap.Int("points", len(points)),
			zap.Error(err))
	}
}
