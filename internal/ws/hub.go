package ws

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/splax/localvercel/preview/internal/domain"
)

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Event types published to run subscribers.
const (
	EventRun     = "run"
	EventDeleted = "deleted"
)

// Event is the payload streamed to run subscribers.
type Event struct {
	Type  string      `json:"type"`
	RunID string      `json:"runId"`
	Run   *domain.Run `json:"run,omitempty"`
}

// outboxSize bounds the events queued for one subscriber. A subscriber
// that falls this far behind is dropped.
const outboxSize = 16

// Hub manages stream subscriptions by run ID. The hub loop never writes to a
// subscriber itself: each one has a bounded outbox drained by its own
// goroutine, so a stalled connection cannot hold up publishers.
type Hub struct {
	peers     map[string]map[Subscriber]*peer
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

// message couples payload with run identifier. final closes the run's
// subscribers after delivery.
type message struct {
	runID   string
	payload []byte
	final   bool
}

// subscription defines register/unregister requests. peer is set when the
// request comes from a writer whose subscriber failed.
type subscription struct {
	runID  string
	client Subscriber
	peer   *peer
}

type peer struct {
	runID  string
	client Subscriber
	outbox chan []byte
}

// NewHub creates an initialized Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		peers:     make(map[string]map[Subscriber]*peer),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, 64),
		done:      make(chan struct{}),
		logger:    logger.With("component", "ws_hub"),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			peers, ok := h.peers[sub.runID]
			if !ok {
				peers = make(map[Subscriber]*peer)
				h.peers[sub.runID] = peers
			}
			if _, dup := peers[sub.client]; dup {
				continue
			}
			p := &peer{runID: sub.runID, client: sub.client, outbox: make(chan []byte, outboxSize)}
			peers[sub.client] = p
			go h.write(p)
		case sub := <-h.unreg:
			if p, ok := h.peers[sub.runID][sub.client]; ok && (sub.peer == nil || sub.peer == p) {
				h.drop(p)
			}
		case msg := <-h.broadcast:
			for _, p := range h.peers[msg.runID] {
				select {
				case p.outbox <- msg.payload:
				default:
					h.logger.Warn("subscriber too slow, dropping", "run_id", msg.runID)
					h.drop(p)
					continue
				}
				if msg.final {
					h.drop(p)
				}
			}
		case <-h.done:
			for _, peers := range h.peers {
				for _, p := range peers {
					close(p.outbox)
				}
			}
			h.peers = nil
			return
		}
	}
}

// drop forgets p and closes its outbox. Its writer delivers what is queued
// and then closes the subscriber.
func (h *Hub) drop(p *peer) {
	peers := h.peers[p.runID]
	delete(peers, p.client)
	if len(peers) == 0 {
		delete(h.peers, p.runID)
	}
	close(p.outbox)
}

func (h *Hub) write(p *peer) {
	defer p.client.Close()
	for payload := range p.outbox {
		if err := p.client.Send(payload); err != nil {
			h.logger.Debug("subscriber send failed", "run_id", p.runID, "error", err)
			select {
			case h.unreg <- subscription{runID: p.runID, client: p.client, peer: p}:
			case <-h.done:
			}
			return
		}
	}
}

// Register adds a client to a run stream.
func (h *Hub) Register(runID string, client Subscriber) {
	select {
	case h.register <- subscription{runID: runID, client: client}:
	case <-h.done:
		client.Close()
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(runID string, client Subscriber) {
	select {
	case h.unreg <- subscription{runID: runID, client: client}:
	case <-h.done:
	}
}

// Broadcast sends payload to all run clients.
func (h *Hub) Broadcast(runID string, payload []byte) {
	h.publish(message{runID: runID, payload: payload})
}

// publish hands msg to the hub loop. Only final messages wait for room in
// the queue; others are dropped when it is full.
func (h *Hub) publish(msg message) {
	select {
	case <-h.done:
		return
	default:
	}
	if msg.final {
		select {
		case h.broadcast <- msg:
		case <-h.done:
		}
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("event queue full, dropping event", "run_id", msg.runID)
	}
}

// RunChanged streams the new run snapshot to its subscribers.
func (h *Hub) RunChanged(run domain.Run) {
	payload, err := Encode(Event{Type: EventRun, RunID: run.ID, Run: &run})
	if err != nil {
		h.logger.Error("encode run event", "run_id", run.ID, "error", err)
		return
	}
	h.publish(message{runID: run.ID, payload: payload})
}

// RunDeleted notifies subscribers and closes their streams.
func (h *Hub) RunDeleted(id string) {
	payload, err := Encode(Event{Type: EventDeleted, RunID: id})
	if err != nil {
		h.logger.Error("encode delete event", "run_id", id, "error", err)
		return
	}
	h.publish(message{runID: id, payload: payload, final: true})
}

// Close stops the hub and closes every subscriber.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
	})
}

// Encode marshals an event for the wire.
func Encode(evt Event) ([]byte, error) {
	return json.Marshal(evt)
}
