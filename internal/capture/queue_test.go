package capture

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/andresmejia3/veil/internal/types"
	"github.com/rs/zerolog"
)

func TestQueueSavesOneAtATimeInOrder(t *testing.T) {
	lib := &fakeLibrary{gate: make(chan struct{})}
	q := NewVideoQueue(lib, zerolog.Nop())
	defer q.Close()

	var results []<-chan SaveResult
	for _, id := range []string{"a", "b", "c"} {
		results = append(results, q.Enqueue(id, "/tmp/"+id+".mp4", Metadata{}))
	}
	if q.Len() != 3 {
		t.Errorf("Expected 3 pending saves, got %d", q.Len())
	}

	for i := 0; i < 3; i++ {
		lib.gate <- struct{}{}
	}
	for i, want := range []string{"a", "b", "c"} {
		select {
		case res := <-results[i]:
			if res.Err != nil || res.SessionID != want {
				t.Errorf("Result %d = %+v, want session %s", i, res, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("Result %d never arrived", i)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.Wait(ctx); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	lib.mu.Lock()
	defer lib.mu.Unlock()
	if lib.maxSeen != 1 {
		t.Errorf("Expected one save at a time, saw %d concurrent", lib.maxSeen)
	}
	for i, want := range []string{"a", "b", "c"} {
		if lib.assets[i].SessionID != want || lib.assets[i].Kind != types.AssetVideo {
			t.Errorf("Asset %d = %+v, want video for %s", i, lib.assets[i], want)
		}
	}
}

func TestWaitReturnsOnCancelWithoutLeaking(t *testing.T) {
	lib := &fakeLibrary{gate: make(chan struct{})}
	q := NewVideoQueue(lib, zerolog.Nop())
	defer q.Close()
	res := q.Enqueue("s", "v.mp4", Metadata{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	before := runtime.NumGoroutine()
	for i := 0; i < 50; i++ {
		if err := q.Wait(ctx); !errors.Is(err, context.Canceled) {
			t.Fatalf("Wait = %v, want context.Canceled", err)
		}
	}
	if after := runtime.NumGoroutine(); after > before+5 {
		t.Errorf("Wait left goroutines behind: %d before, %d after", before, after)
	}

	lib.gate <- struct{}{}
	<-res
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	if err := q.Wait(waitCtx); err != nil {
		t.Errorf("Wait after the save completed = %v", err)
	}
}

func TestQueueRejectsDuplicateSession(t *testing.T) {
	lib := &fakeLibrary{gate: make(chan struct{})}
	q := NewVideoQueue(lib, zerolog.Nop())
	defer q.Close()

	first := q.Enqueue("s1", "a.mp4", Metadata{})
	dup := <-q.Enqueue("s1", "a.mp4", Metadata{})
	if !errors.Is(dup.Err, ErrDuplicateSession) {
		t.Errorf("Expected ErrDuplicateSession, got %v", dup.Err)
	}
	lib.gate <- struct{}{}
	if res := <-first; res.Err != nil {
		t.Errorf("First save failed: %v", res.Err)
	}
}

func TestQueueReportsLibraryFailure(t *testing.T) {
	q := NewVideoQueue(&fakeLibrary{err: errDenied}, zerolog.Nop())
	defer q.Close()
	if res := <-q.Enqueue("s", "v.mp4", Metadata{}); !errors.Is(res.Err, errDenied) {
		t.Errorf("Expected library error, got %v", res.Err)
	}
}

func TestQueueClosed(t *testing.T) {
	q := NewVideoQueue(&fakeLibrary{}, zerolog.Nop())
	q.Close()
	if res := <-q.Enqueue("s", "v.mp4", Metadata{}); !errors.Is(res.Err, ErrQueueClosed) {
		t.Errorf("Expected ErrQueueClosed, got %v", res.Err)
	}
}

func TestCloseDrainsQueuedSaves(t *testing.T) {
	lib := &fakeLibrary{}
	q := NewVideoQueue(lib, zerolog.Nop())
	res := q.Enqueue("s", "v.mp4", Metadata{})
	q.Close()
	select {
	case r := <-res:
		if r.Err != nil {
			t.Errorf("Save failed: %v", r.Err)
		}
	default:
		t.Error("Close returned before the queued save finished")
	}
}

func TestHistoryKeepsNewestThree(t *testing.T) {
	h := NewHistory(0)
	for _, id := range []string{"1", "2", "3", "4"} {
		h.Add(types.CapturedItem{LibraryID: id})
	}
	items := h.Items()
	if len(items) != 3 {
		t.Fatalf("Expected 3 items, got %d", len(items))
	}
	for i, want := range []string{"4", "3", "2"} {
		if items[i].LibraryID != want {
			t.Errorf("items[%d] = %s, want %s", i, items[i].LibraryID, want)
		}
	}
}
