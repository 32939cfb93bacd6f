package ids_test

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/sneh-joshi/spoolmq/internal/ids"
	"github.com/sneh-joshi/spoolmq/internal/types"
)

func TestNew_NonZero(t *testing.T) {
	id := ids.New()
	if id.IsZero() {
		t.Fatal("expected non-zero ID")
	}
	if len(id.String()) != 32 {
		t.Errorf("hex form should be 32 chars, got %d: %s", len(id.String()), id)
	}
	if len(ids.Format(id)) != 26 {
		t.Errorf("ULID form should be 26 chars, got %d", len(ids.Format(id)))
	}
}

func TestNew_UniqueAcrossCalls(t *testing.T) {
	seen := make(map[types.ID]bool)
	for i := 0; i < 1000; i++ {
		id := ids.New()
		if seen[id] {
			t.Fatalf("duplicate id generated: %s", id)
		}
		seen[id] = true
	}
}

func TestNew_IsMonotonicallyIncreasing(t *testing.T) {
	prev := ids.New()
	for i := 0; i < 1000; i++ {
		next := ids.New()
		if bytes.Compare(prev[:], next[:]) >= 0 {
			t.Fatalf("expected %s < %s (ids must be monotonically increasing)", prev, next)
		}
		prev = next
	}
}

func TestNew_ConcurrentCallersNeverCollide(t *testing.T) {
	const workers, perWorker = 8, 500

	var (
		mu   sync.Mutex
		seen = make(map[types.ID]bool, workers*perWorker)
		wg   sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id := ids.New()
				mu.Lock()
				if seen[id] {
					mu.Unlock()
					t.Errorf("duplicate id %s", id)
					return
				}
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
}

func TestTime_EmbedsGenerationTime(t *testing.T) {
	before := time.Now().Add(-time.Second)
	id := ids.New()
	after := time.Now().Add(time.Second)

	got := ids.Time(id)
	if got.Before(before) || got.After(after) {
		t.Errorf("embedded time %v outside [%v, %v]", got, before, after)
	}
}
