package stream

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/custodyledger/internal/unit"
)

type fakeConn struct {
	mu       sync.Mutex
	messages chan []byte
	block    chan struct{}
	writeErr error
	closed   bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{messages: make(chan []byte, 16)}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	if c.block != nil {
		<-c.block
	}
	if c.writeErr != nil {
		return c.writeErr
	}
	c.messages <- data
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) next(t *testing.T) Message {
	t.Helper()
	select {
	case data := <-c.messages:
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("message does not decode: %v", err)
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
	return Message{}
}

func (c *fakeConn) expectNone(t *testing.T) {
	t.Helper()
	select {
	case data := <-c.messages:
		t.Fatalf("unexpected message %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func testUnit() (unit.TrackedUnit, unit.TraceEvent) {
	ev := unit.TraceEvent{EventID: "e2", Kind: unit.KindDispatch, ActorID: "M", EventDigest: "ab", PreviousDigest: "cd"}
	u := unit.TrackedUnit{
		UnitID:              "u1",
		ManufacturerID:      "M",
		CurrentOwnerID:      "M",
		IntendedRecipientID: "D",
		Status:              unit.StatusInTransit,
		Trace:               []unit.TraceEvent{{EventID: "e1", Kind: unit.KindManufacture, ActorID: "M"}, ev},
	}
	return u, ev
}

func TestBroadcaster_FiltersByVisibility(t *testing.T) {
	b := NewBroadcaster(nil, NewMetrics())
	defer b.Close()

	recipient := newFakeConn()
	regulator := newFakeConn()
	stranger := newFakeConn()
	b.Subscribe(unit.Principal{ID: "D", Role: unit.RoleDistributor}, recipient)
	b.Subscribe(unit.Principal{ID: "R", Role: unit.RoleRegulator}, regulator)
	b.Subscribe(unit.Principal{ID: "X", Role: unit.RoleRetailer}, stranger)
	if b.SubscriberCount() != 3 {
		t.Fatalf("SubscriberCount() = %d, want 3", b.SubscriberCount())
	}

	u, ev := testUnit()
	b.Publish(u, ev)

	for name, c := range map[string]*fakeConn{"recipient": recipient, "regulator": regulator} {
		m := c.next(t)
		if m.Type != MessageTypeTraceEvent || m.UnitID != "u1" || m.Event.EventID != "e2" || m.Status != unit.StatusInTransit {
			t.Errorf("%s got %+v", name, m)
		}
	}
	stranger.expectNone(t)
}

func TestBroadcaster_Unsubscribe(t *testing.T) {
	b := NewBroadcaster(nil, nil)
	conn := newFakeConn()
	s := b.Subscribe(unit.Principal{ID: "R", Role: unit.RoleRegulator}, conn)

	b.Unsubscribe(s)
	b.Unsubscribe(s)
	if b.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", b.SubscriberCount())
	}
	if !conn.isClosed() {
		t.Error("connection not closed")
	}
	select {
	case <-s.Done():
	default:
		t.Error("Done() not closed")
	}

	u, ev := testUnit()
	b.Publish(u, ev)
	conn.expectNone(t)
}

func TestBroadcaster_WriteErrorDisconnects(t *testing.T) {
	b := NewBroadcaster(nil, nil)
	conn := newFakeConn()
	conn.writeErr = errors.New("broken pipe")
	s := b.Subscribe(unit.Principal{ID: "R", Role: unit.RoleAuditor}, conn)

	u, ev := testUnit()
	b.Publish(u, ev)

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not ended after write error")
	}
	if b.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", b.SubscriberCount())
	}
}

func TestBroadcaster_SlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := NewBroadcaster(nil, NewMetrics())
	b.bufferSize = 2
	slow := newFakeConn()
	slow.block = make(chan struct{})
	s := b.Subscribe(unit.Principal{ID: "R", Role: unit.RoleRegulator}, slow)

	u, ev := testUnit()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(u, ev)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	close(slow.block)
	b.Unsubscribe(s)
}
