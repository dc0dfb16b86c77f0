package actor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// sseClient is one live event-stream subscriber. Never persisted; on
// actor relocation the subscriber reconnects and gets a fresh snapshot.
type sseClient struct {
	id      string
	w       http.ResponseWriter
	flusher http.Flusher
	writeMu sync.Mutex
	cancel  context.CancelFunc
}

func (c *sseClient) sendEvent(name string, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := fmt.Fprintf(c.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

func (c *sseClient) sendComment(comment string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := fmt.Fprintf(c.w, ": %s\n\n", comment); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

// sseHub fans job updates out to subscribers. Rapid updates coalesce
// into one send per throttle window; terminal transitions flush the
// pending broadcast immediately.
type sseHub struct {
	actor   *Actor
	mu      sync.Mutex
	clients map[string]*sseClient
	pending *time.Timer
}

func newSSEHub(a *Actor) *sseHub {
	return &sseHub{
		actor:   a,
		clients: make(map[string]*sseClient),
	}
}

func (h *sseHub) add(c *sseClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.id] = c
}

func (h *sseHub) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, id)
}

func (h *sseHub) snapshot() []*sseClient {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := make([]*sseClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	return clients
}

// closeAll tears down every subscriber (job deleted)
func (h *sseHub) closeAll() {
	for _, c := range h.snapshot() {
		c.cancel()
	}
}

// scheduleBroadcastLocked is called with the actor mutex held. Broadcasts
// are scheduled, not sent inline, so slow subscribers apply backpressure
// through coalescing instead of blocking the actor.
func (h *sseHub) scheduleBroadcastLocked(terminal bool) {
	h.mu.Lock()
	if terminal {
		if h.pending != nil {
			h.pending.Stop()
			h.pending = nil
		}
		h.mu.Unlock()
		go h.broadcast()
		return
	}

	if h.pending == nil {
		h.pending = time.AfterFunc(h.actor.deps.ThrottleWindow, func() {
			h.mu.Lock()
			h.pending = nil
			h.mu.Unlock()
			h.broadcast()
		})
	}
	h.mu.Unlock()
}

func (h *sseHub) broadcast() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	view, err := h.actor.Read(ctx)
	cancel()
	if err != nil {
		return
	}

	data, err := json.Marshal(view)
	if err != nil {
		return
	}

	for _, c := range h.snapshot() {
		if err := c.sendEvent("status", data); err != nil {
			c.cancel()
			h.remove(c.id)
			continue
		}
		h.actor.deps.Metrics.SSEEventsSent.Inc()
	}
}

// ServeSSE streams the public view as Server-Sent Events: a retry
// directive and an immediate snapshot on connect, one status event per
// coalesced update, and a comment keep-alive while idle.
func (a *Actor) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	view, err := a.Read(r.Context())
	if err != nil {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprint(w, "retry: 3000\n\n")
	flusher.Flush()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	client := &sseClient{
		id:      uuid.New().String(),
		w:       w,
		flusher: flusher,
		cancel:  cancel,
	}

	snapshot, err := json.Marshal(view)
	if err == nil {
		if err := client.sendEvent("status", snapshot); err != nil {
			return
		}
	}

	a.hub.add(client)
	a.deps.Metrics.SSESubscribers.Inc()
	defer func() {
		a.hub.remove(client.id)
		a.deps.Metrics.SSESubscribers.Dec()
	}()

	keepalive := time.NewTicker(a.deps.KeepAliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if err := client.sendComment("keep-alive"); err != nil {
				return
			}
		}
	}
}
