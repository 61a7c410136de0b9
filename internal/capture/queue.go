package capture

import (
	"context"
	"sync"
	"time"

	"github.com/andresmejia3/veil/internal/types"
	"github.com/rs/zerolog"
)

// SaveResult is the outcome of one queued library save.
type SaveResult struct {
	SessionID string
	LibraryID string
	Path      string
	Err       error
}

type queueItem struct {
	sessionID string
	path      string
	meta      Metadata
	result    chan SaveResult
}

// VideoQueue saves finished videos into the library one at a time, in
// the order they were enqueued.
type VideoQueue struct {
	lib Library
	log zerolog.Logger

	mu      sync.Mutex
	items   []queueItem
	pending map[string]struct{}
	closed  bool
	wake    chan struct{}
	// idle is closed whenever pending is empty.
	idle chan struct{}

	done chan struct{}
}

// NewVideoQueue starts the save worker.
func NewVideoQueue(lib Library, log zerolog.Logger) *VideoQueue {
	q := &VideoQueue{
		lib:     lib,
		log:     log.With().Str("component", "video-queue").Logger(),
		pending: make(map[string]struct{}),
		wake:    make(chan struct{}, 1),
		idle:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	close(q.idle)
	go q.run()
	return q
}

// Enqueue schedules path for saving. The returned channel yields exactly
// one result.
func (q *VideoQueue) Enqueue(sessionID, path string, meta Metadata) <-chan SaveResult {
	res := make(chan SaveResult, 1)
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		res <- SaveResult{SessionID: sessionID, Path: path, Err: ErrQueueClosed}
		return res
	}
	if _, dup := q.pending[sessionID]; dup {
		res <- SaveResult{SessionID: sessionID, Path: path, Err: ErrDuplicateSession}
		return res
	}
	if len(q.pending) == 0 {
		q.idle = make(chan struct{})
	}
	q.pending[sessionID] = struct{}{}
	q.items = append(q.items, queueItem{sessionID: sessionID, path: path, meta: meta, result: res})
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return res
}

// Len returns the number of saves not yet completed.
func (q *VideoQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Wait blocks until every enqueued save has completed or ctx is done.
func (q *VideoQueue) Wait(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work, lets queued saves finish and stops the worker.
func (q *VideoQueue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.wake)
	}
	q.mu.Unlock()
	<-q.done
}

func (q *VideoQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			if _, ok := <-q.wake; !ok {
				// Closed while idle; drain anything enqueued before the close.
				q.mu.Lock()
				empty := len(q.items) == 0
				q.mu.Unlock()
				if empty {
					return
				}
			}
			continue
		}
		item := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		q.save(item)
	}
}

func (q *VideoQueue) save(item queueItem) {
	asset := item.meta.Asset(types.AssetVideo, item.path, item.sessionID, time.Now())
	id, err := q.lib.SaveAsset(context.Background(), asset)
	if err != nil {
		q.log.Error().Err(err).Str("session", item.sessionID).Msg("video save failed")
	} else {
		q.log.Info().Str("session", item.sessionID).Str("id", id).Msg("video saved")
	}
	item.result <- SaveResult{SessionID: item.sessionID, LibraryID: id, Path: item.path, Err: err}

	q.mu.Lock()
	delete(q.pending, item.sessionID)
	if len(q.pending) == 0 {
		close(q.idle)
	}
	q.mu.Unlock()
}
