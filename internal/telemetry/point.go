package telemetry

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Point is one acquired sample, immutable once produced.
// SignalID ties the sample to the upstream measurement definition.
type Point struct {
	SignalID  uuid.UUID
	Value     float64
	Timestamp time.Time
}

// ClockSkewTolerance bounds how far into the future a point timestamp may sit
// before the sink rejects it.
const ClockSkewTolerance = time.Second

// Validate rejects points the sink must never see: an empty signal id, a zero
// timestamp, or a timestamp ahead of wall clock beyond the skew tolerance.
func (p Point) Validate(now time.Time) error {
	if p.SignalID == uuid.Nil {
		return fmt.Errorf("point: empty signal id")
	}
	if p.Timestamp.IsZero() {
		return fmt.Errorf("point %s: zero timestamp", p.SignalID)
	}
	if p.Timestamp.After(now.Add(ClockSkewTolerance)) {
		return fmt.Errorf("point %s: timestamp %s is in the future", p.SignalID, p.Timestamp.Format(time.RFC3339Nano))
	}
	return nil
}
