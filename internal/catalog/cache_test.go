package catalog

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestCacheSetGet(t *testing.T) {
	c := NewCache()
	devices := []Device{{ID: uuid.New(), Name: "press-1"}}

	c.Set(PartitionModbus, devices, time.Minute)

	got, ok := c.Get(PartitionModbus)
	if !ok {
		t.Fatalf("expected hit")
	}
	if len(got) != 1 || got[0].Name != "press-1" {
		t.Fatalf("unexpected devices: %#v", got)
	}

	if _, ok := c.Get(PartitionOpcUaSub); ok {
		t.Fatalf("unset key must miss")
	}
}

func TestCacheExpiry(t *testing.T) {
	c := NewCache()
	c.Set(PartitionModbus, []Device{{ID: uuid.New()}}, 10*time.Millisecond)

	time.Sleep(25 * time.Millisecond)
	if _, ok := c.Get(PartitionModbus); ok {
		t.Fatalf("expired entry must miss")
	}
}

func TestCacheReplace(t *testing.T) {
	c := NewCache()
	c.Set(PartitionModbus, []Device{{Name: "old"}}, time.Minute)
	c.Set(PartitionModbus, []Device{{Name: "new"}}, time.Minute)

	got, ok := c.Get(PartitionModbus)
	if !ok || len(got) != 1 || got[0].Name != "new" {
		t.Fatalf("set must replace the whole partition: %#v", got)
	}
}

func TestCacheConcurrentReaders(t *testing.T) {
	c := NewCache()
	c.Set(PartitionModbus, []Device{{ID: uuid.New()}}, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Get(PartitionModbus)
			}
		}()
	}
	for i := 0; i < 10; i++ {
		c.Set(PartitionModbus, []Device{{ID: uuid.New()}}, time.Minute)
	}
	wg.Wait()
}
