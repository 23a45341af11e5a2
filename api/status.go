package api

import (
	"context"
	"sync"

	"github.com/OMAR3lwafi/video-api-sub001/core"
	"github.com/OMAR3lwafi/video-api-sub001/eventbus"
	"github.com/OMAR3lwafi/video-api-sub001/store"
)

// StatusHub fans job:update events out to per-job subscribers. SSE
// handlers subscribe for the lifetime of one client connection.
type StatusHub struct {
	jobs store.JobStore

	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan *core.JobRecord
}

// NewStatusHub creates the hub and, when a bus is given, wires it to
// job:update events.
func NewStatusHub(jobs store.JobStore, bus *eventbus.Bus) (*StatusHub, error) {
	h := &StatusHub{
		jobs: jobs,
		subs: make(map[string]map[int]chan *core.JobRecord),
	}
	if bus != nil {
		_, err := bus.Subscribe([]string{"job:update"}, h.onUpdate, eventbus.SubscribeOptions{})
		if err != nil {
			return nil, err
		}
	}
	return h, nil
}

// onUpdate resolves the updated record and pushes it to subscribers.
// Events relayed from other nodes carry the record as decoded JSON, so
// the store is the fallback source of truth.
func (h *StatusHub) onUpdate(ctx context.Context, event *eventbus.Event) error {
	jobID, _ := event.Data["job_id"].(string)
	if jobID == "" {
		return nil
	}

	record, ok := event.Data["job"].(*core.JobRecord)
	if !ok {
		var err error
		record, err = h.jobs.Get(ctx, jobID)
		if err != nil {
			return nil
		}
	}

	h.mu.Lock()
	channels := make([]chan *core.JobRecord, 0, len(h.subs[jobID]))
	for _, ch := range h.subs[jobID] {
		channels = append(channels, ch)
	}
	h.mu.Unlock()

	for _, ch := range channels {
		// Slow consumers drop intermediate frames; the latest snapshot
		// always supersedes them.
		select {
		case ch <- record:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel of job snapshots and a release function.
func (h *StatusHub) Subscribe(jobID string) (<-chan *core.JobRecord, func()) {
	ch := make(chan *core.JobRecord, 8)

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[int]chan *core.JobRecord)
	}
	h.subs[jobID][id] = ch
	h.mu.Unlock()

	release := func() {
		h.mu.Lock()
		if m, ok := h.subs[jobID]; ok {
			delete(m, id)
			if len(m) == 0 {
				delete(h.subs, jobID)
			}
		}
		h.mu.Unlock()
	}
	return ch, release
}

// Subscribers reports the number of active subscriptions for a job.
func (h *StatusHub) Subscribers(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[jobID])
}
