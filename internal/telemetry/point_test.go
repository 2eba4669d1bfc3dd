package telemetry

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestPointValidate(t *testing.T) {
	now := time.Now().UTC()

	good := Point{SignalID: uuid.New(), Value: 1.5, Timestamp: now}
	if err := good.Validate(now); err != nil {
		t.Fatalf("valid point rejected: %v", err)
	}

	// Slightly ahead of wall clock is inside the skew tolerance.
	skewed := Point{SignalID: uuid.New(), Timestamp: now.Add(500 * time.Millisecond)}
	if err := skewed.Validate(now); err != nil {
		t.Fatalf("point within skew tolerance rejected: %v", err)
	}

	cases := map[string]Point{
		"empty signal":     {Timestamp: now},
		"zero timestamp":   {SignalID: uuid.New()},
		"future timestamp": {SignalID: uuid.New(), Timestamp: now.Add(2 * time.Second)},
	}
	for name, p := range cases {
		if err := p.Validate(now); err == nil {
			t.Fatalf("%s must be rejected", name)
		}
	}
}
