package catalog

import (
	"testing"

	"github.com/google/uuid"
)

func TestHostPort(t *testing.T) {
	d := Device{ID: uuid.New(), ConnectionURL: "10.0.0.5:1502"}
	host, port, err := d.HostPort()
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if host != "10.0.0.5" || port != 1502 {
		t.Fatalf("got %s:%d", host, port)
	}

	// Bare host defaults to the Modbus port.
	d.ConnectionURL = "plc-7"
	host, port, err = d.HostPort()
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if host != "plc-7" || port != 502 {
		t.Fatalf("got %s:%d", host, port)
	}

	d.ConnectionURL = ""
	if _, _, err := d.HostPort(); err == nil {
		t.Fatalf("empty locator must fail")
	}

	d.ConnectionURL = "plc-7:notaport"
	if _, _, err := d.HostPort(); err == nil {
		t.Fatalf("bad port must fail")
	}
}

func TestPartition(t *testing.T) {
	devices := []Device{
		{ID: uuid.New(), Protocol: ProtocolModbus},
		{ID: uuid.New(), Protocol: ProtocolOpcUa, Mode: ModePolling},
		{ID: uuid.New(), Protocol: ProtocolOpcUa, Mode: ModePubSub},
		{ID: uuid.New(), Protocol: ProtocolOpcUa, Mode: ModePubSub},
		{ID: uuid.New(), Protocol: "S7"},
	}

	parts := Partition(devices)
	if len(parts[PartitionModbus]) != 1 {
		t.Fatalf("modbus partition: %d", len(parts[PartitionModbus]))
	}
	if len(parts[PartitionOpcUaPolling]) != 1 {
		t.Fatalf("polling partition: %d", len(parts[PartitionOpcUaPolling]))
	}
	if len(parts[PartitionOpcUaSub]) != 2 {
		t.Fatalf("sub partition: %d", len(parts[PartitionOpcUaSub]))
	}
}
