package fabric

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/stormglass-sec/stormglass/common/logging"
	"github.com/stormglass-sec/stormglass/common/models"
	"github.com/stormglass-sec/stormglass/stream/internal/metrics"
)

// OutboundQueueSize bounds each channel's in-flight frames. When the
// queue is full the fabric relies on the side cache and drops the live
// push; the verdict path never blocks on a slow client.
const OutboundQueueSize = 64

// WriteTimeout is the per-message push budget.
const WriteTimeout = 5 * time.Second

// ErrCrossTenant rejects subscriptions to another tenant's artifact.
var ErrCrossTenant = errors.New("artifact does not belong to tenant")

// Identity is the authenticated principal on a channel.
type Identity struct {
	UserID   string
	TenantID string
}

// ArtifactChecker validates artifact ownership before a subscription is
// accepted.
type ArtifactChecker interface {
	ArtifactTenant(ctx context.Context, artifactID string) (string, error)
}

// Conn is the client connection surface the hub writes to. The gorilla
// websocket connection satisfies it.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// client is one connected channel with its outbound pump.
type client struct {
	id       string
	identity Identity
	conn     Conn
	out      chan *Frame
	done     chan struct{}

	mu       sync.Mutex
	lastSent map[string]uint64 // artifact -> last delivered seq
	subs     map[string]bool
	// replaying parks live frames in pending while the subscription's
	// backlog is being replayed, so replayed frames keep their order and
	// are not starved out by concurrent dispatches.
	replaying map[string]bool
	pending   map[string][]*Frame
	closed    bool
}

// enqueue offers a live frame to the subscription. While a replay is in
// flight the frame is parked; otherwise it is delivered in seq order,
// dropping to the side cache when the queue is full.
func (c *client) enqueue(f *Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.subs[f.ArtifactID] {
		return
	}
	if c.replaying[f.ArtifactID] {
		c.pending[f.ArtifactID] = append(c.pending[f.ArtifactID], f)
		return
	}
	c.deliverLocked(f)
}

// deliverLocked pushes a frame past the monotonic-seq guard. Callers hold
// c.mu; the send is non-blocking so the lock never waits on a client.
func (c *client) deliverLocked(f *Frame) {
	if f.Seq <= c.lastSent[f.ArtifactID] {
		return
	}
	select {
	case c.out <- f:
		c.lastSent[f.ArtifactID] = f.Seq
	default:
		metrics.DroppedFrames.Inc()
	}
}

// Hub is the streaming fabric: subscription registry, fan-out, and
// replay coordination.
type Hub struct {
	buffer  *Buffer
	checker ArtifactChecker
	log     *logging.Logger

	mu      sync.RWMutex
	clients map[string]*client
	// byArtifact maps artifact -> set of client IDs.
	byArtifact map[string]map[string]bool
}

// NewHub builds the fabric hub.
func NewHub(buffer *Buffer, checker ArtifactChecker, log *logging.Logger) *Hub {
	return &Hub{
		buffer:     buffer,
		checker:    checker,
		log:        log,
		clients:    make(map[string]*client),
		byArtifact: make(map[string]map[string]bool),
	}
}

// Register attaches a connected channel and starts its outbound pump.
func (h *Hub) Register(ctx context.Context, id string, identity Identity, conn Conn) {
	c := &client{
		id:        id,
		identity:  identity,
		conn:      conn,
		out:       make(chan *Frame, OutboundQueueSize),
		done:      make(chan struct{}),
		lastSent:  make(map[string]uint64),
		subs:      make(map[string]bool),
		replaying: make(map[string]bool),
		pending:   make(map[string][]*Frame),
	}
	h.mu.Lock()
	h.clients[id] = c
	h.mu.Unlock()
	metrics.ChannelsActive.Inc()

	go h.pump(ctx, c)
}

// pump drains the outbound queue to the connection.
func (h *Hub) pump(ctx context.Context, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case f := <-c.out:
			done := make(chan error, 1)
			go func() { done <- c.conn.WriteJSON(f) }()
			select {
			case err := <-done:
				if err != nil {
					h.log.DebugContext(ctx, "channel write failed, unregistering",
						logging.Error(err))
					h.Unregister(c.id)
					return
				}
				metrics.FramesDelivered.WithLabelValues(string(f.Type)).Inc()
			case <-time.After(WriteTimeout):
				h.Unregister(c.id)
				return
			}
		}
	}
}

// Unregister detaches a channel and releases its subscriptions.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	c, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
		for artifact := range c.subs {
			delete(h.byArtifact[artifact], id)
			if len(h.byArtifact[artifact]) == 0 {
				delete(h.byArtifact, artifact)
			}
		}
	}
	h.mu.Unlock()

	if ok {
		c.mu.Lock()
		if !c.closed {
			c.closed = true
			close(c.done)
		}
		c.mu.Unlock()
		_ = c.conn.Close()
		metrics.ChannelsActive.Dec()
	}
}

// Subscribe validates tenancy, replays buffered frames after lastSeq, and
// switches the subscription live. Cross-tenant subscribes are rejected
// with ErrCrossTenant; the caller sends the authorization error frame.
func (h *Hub) Subscribe(ctx context.Context, clientID, artifactID string, lastSeq uint64) error {
	h.mu.RLock()
	c, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return errors.New("unknown channel")
	}

	owner, err := h.checker.ArtifactTenant(ctx, artifactID)
	if err != nil {
		return err
	}
	if owner != c.identity.TenantID {
		metrics.CrossTenantRejects.Inc()
		h.log.WarnContext(ctx, "cross-tenant subscribe rejected",
			logging.TenantID(c.identity.TenantID),
			logging.ArtifactID(artifactID))
		return ErrCrossTenant
	}

	// The subscription goes live for dispatch immediately, but frames
	// arriving during the replay window are parked in pending so the
	// backlog drains first, in order.
	c.mu.Lock()
	c.subs[artifactID] = true
	c.replaying[artifactID] = true
	if lastSeq > c.lastSent[artifactID] {
		c.lastSent[artifactID] = lastSeq
	}
	c.mu.Unlock()

	h.mu.Lock()
	if h.byArtifact[artifactID] == nil {
		h.byArtifact[artifactID] = make(map[string]bool)
	}
	h.byArtifact[artifactID][clientID] = true
	h.mu.Unlock()

	frames, err := h.buffer.Replay(ctx, artifactID, lastSeq)
	if err != nil {
		h.log.WarnContext(ctx, "replay failed", logging.Error(err))
		frames = nil
	}

	c.enqueueDirect(&Frame{Type: FrameSubscribed, ArtifactID: artifactID, Seq: lastSeq})

	// Drain replay, then anything parked while replaying, then go live.
	// The monotonic-seq guard drops frames present in both sets.
	c.mu.Lock()
	for _, f := range frames {
		c.deliverLocked(f)
	}
	for _, f := range c.pending[artifactID] {
		c.deliverLocked(f)
	}
	delete(c.pending, artifactID)
	c.replaying[artifactID] = false
	c.mu.Unlock()

	metrics.Subscriptions.Inc()
	return nil
}

// enqueueDirect bypasses subscription/seq filtering (control frames).
func (c *client) enqueueDirect(f *Frame) {
	select {
	case c.out <- f:
	default:
	}
}

// SendControl pushes a control frame (e.g. an authorization error) to one
// channel outside any subscription.
func (h *Hub) SendControl(clientID string, f *Frame) {
	h.mu.RLock()
	c, ok := h.clients[clientID]
	h.mu.RUnlock()
	if ok {
		c.enqueueDirect(f)
	}
}

// Dispatch resolves the event's stable sequence, buffers the frame for
// replay, and fans it out to every live subscription of the artifact.
// Every fabric replica dispatches every bus event; the event ID keeps a
// logical event at one seq no matter which replicas process it.
func (h *Hub) Dispatch(ctx context.Context, eventID string, f *Frame) error {
	seq, err := h.buffer.SeqFor(ctx, f.ArtifactID, eventID)
	if err != nil {
		return err
	}
	f.Seq = seq

	// The side cache holds the frame regardless of live delivery, so a
	// slow or absent subscriber can always catch up within the TTL.
	if err := h.buffer.Append(ctx, f); err != nil {
		h.log.WarnContext(ctx, "frame buffering failed", logging.Error(err))
	}

	h.mu.RLock()
	ids := make([]string, 0, len(h.byArtifact[f.ArtifactID]))
	for id := range h.byArtifact[f.ArtifactID] {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	for _, id := range ids {
		h.mu.RLock()
		c, ok := h.clients[id]
		h.mu.RUnlock()
		if ok {
			c.enqueue(f)
		}
	}
	return nil
}

// DispatchProgress builds and dispatches a progress frame under the
// producer-assigned event ID.
func (h *Hub) DispatchProgress(ctx context.Context, ev *models.ProgressEvent) error {
	eventID := ev.EventID
	if eventID == "" {
		eventID = "progress:" + ev.ArtifactID + ":" + string(ev.Stage)
	}
	return h.Dispatch(ctx, eventID, &Frame{
		Type:       FrameProgress,
		ArtifactID: ev.ArtifactID,
		Stage:      ev.Stage,
		Percent:    ev.Percent,
	})
}

// DispatchVerdict builds and dispatches a verdict frame with the full
// record. The verdict revision ID names the logical event.
func (h *Hub) DispatchVerdict(ctx context.Context, v *models.Verdict) error {
	return h.Dispatch(ctx, "verdict:"+v.ID, &Frame{
		Type:       FrameVerdict,
		ArtifactID: v.ArtifactID,
		Verdict:    v,
	})
}

// DispatchError builds and dispatches the terminal error frame.
func (h *Hub) DispatchError(ctx context.Context, ev *models.PipelineError) error {
	eventID := ev.EventID
	if eventID == "" {
		eventID = "error:" + ev.ArtifactID
	}
	return h.Dispatch(ctx, eventID, &Frame{
		Type:       FrameError,
		ArtifactID: ev.ArtifactID,
		ErrorKind:  ev.ErrorKind,
		Message:    ev.Message,
	})
}
