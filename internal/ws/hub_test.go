package ws

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/splax/localvercel/preview/internal/domain"
	"github.com/splax/localvercel/preview/internal/registry"
)

type recordingSubscriber struct {
	mu       sync.Mutex
	payloads [][]byte
	closed   bool
	fail     bool
}

func (s *recordingSubscriber) Send(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("broken pipe")
	}
	s.payloads = append(s.payloads, p)
	return nil
}

func (s *recordingSubscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *recordingSubscriber) events(t *testing.T) []Event {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, 0, len(s.payloads))
	for _, p := range s.payloads {
		var evt Event
		if err := json.Unmarshal(p, &evt); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		out = append(out, evt)
	}
	return out
}

func (s *recordingSubscriber) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func newTestHub(t *testing.T) *Hub {
	h := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(h.Close)
	return h
}

func TestHubDeliversRunEventsPerRun(t *testing.T) {
	h := newTestHub(t)
	a, b := &recordingSubscriber{}, &recordingSubscriber{}
	h.Register("run-a", a)
	h.Register("run-b", b)

	h.RunChanged(domain.Run{ID: "run-a", Status: domain.RunExtracting, ArchivePath: "/secret/upload.zip"})
	h.RunChanged(domain.Run{ID: "run-a", Status: domain.RunBuilding})

	eventually(t, func() bool { return len(a.events(t)) == 2 })
	got := a.events(t)
	if got[0].Type != EventRun || got[0].Run == nil || got[0].Run.Status != domain.RunExtracting || got[1].Run.Status != domain.RunBuilding {
		t.Fatalf("unexpected events %+v", got)
	}
	if strings.Contains(string(a.payloads[0]), "/secret") {
		t.Fatalf("internal paths must not be streamed: %s", a.payloads[0])
	}
	if len(b.events(t)) != 0 {
		t.Fatalf("subscribers of other runs must not receive events")
	}
}

func TestHubDeleteClosesSubscribers(t *testing.T) {
	h := newTestHub(t)
	sub := &recordingSubscriber{}
	h.Register("run-a", sub)
	h.RunDeleted("run-a")

	eventually(t, sub.isClosed)
	got := sub.events(t)
	if len(got) != 1 || got[0].Type != EventDeleted || got[0].RunID != "run-a" {
		t.Fatalf("unexpected events %+v", got)
	}
}

func TestHubDropsFailingSubscribers(t *testing.T) {
	h := newTestHub(t)
	broken := &recordingSubscriber{fail: true}
	h.Register("run-a", broken)
	h.Broadcast("run-a", []byte(`{}`))
	eventually(t, broken.isClosed)
}

// stalledSubscriber blocks in Send until release is closed.
type stalledSubscriber struct {
	release chan struct{}
	closed  chan struct{}
	once    sync.Once
}

func newStalledSubscriber() *stalledSubscriber {
	return &stalledSubscriber{release: make(chan struct{}), closed: make(chan struct{})}
}

func (s *stalledSubscriber) Send([]byte) error {
	<-s.release
	return nil
}

func (s *stalledSubscriber) Close() {
	s.once.Do(func() { close(s.closed) })
}

func TestHubStalledSubscriberDoesNotBlockRegistry(t *testing.T) {
	h := newTestHub(t)
	stalled := newStalledSubscriber()
	t.Cleanup(func() { close(stalled.release) })
	h.Register("slow", stalled)
	healthy := &recordingSubscriber{}
	h.Register("run-99", healthy)

	reg := registry.New(h)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for i := 0; i < outboxSize+4; i++ {
			h.RunChanged(domain.Run{ID: "slow", Status: domain.RunBuilding})
		}
		for i := 0; i < 200; i++ {
			id := "run-" + strconv.Itoa(i)
			if err := reg.Create(domain.Run{ID: id, Status: domain.RunQueued}); err != nil {
				t.Errorf("create %s: %v", id, err)
				return
			}
		}
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatalf("registry writes blocked behind a stalled subscriber")
	}

	eventually(t, func() bool { return len(healthy.events(t)) == 1 })
	if got := healthy.events(t)[0]; got.RunID != "run-99" || got.Run.Status != domain.RunQueued {
		t.Fatalf("unexpected event %+v", got)
	}
}

func TestHubDropsSubscriberWithFullOutbox(t *testing.T) {
	h := newTestHub(t)
	stalled := newStalledSubscriber()
	h.Register("slow", stalled)
	for i := 0; i < outboxSize+2; i++ {
		h.Broadcast("slow", []byte(`{}`))
	}
	close(stalled.release)
	select {
	case <-stalled.closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected the lagging subscriber to be closed")
	}
}

func TestHubCloseClosesEverything(t *testing.T) {
	h := NewHub(nil)
	sub := &recordingSubscriber{}
	h.Register("run-a", sub)
	h.Close()
	eventually(t, sub.isClosed)

	late := &recordingSubscriber{}
	h.Register("run-b", late)
	if !late.isClosed() {
		t.Fatalf("registering on a closed hub must close the client")
	}
	h.RunChanged(domain.Run{ID: "run-b"})
}

func TestSSEClientFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	client := NewSSEClient(rec, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := client.Send([]byte(`{"type":"run"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := client.Heartbeat(); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	client.Close()
	select {
	case <-client.Done():
	default:
		t.Fatalf("expected done to be closed")
	}
	if err := client.Send([]byte("x")); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after close, got %v", err)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "data: {\"type\":\"run\"}\n\n") || !strings.Contains(body, ": ping\n\n") {
		t.Fatalf("unexpected stream %q", body)
	}
}
