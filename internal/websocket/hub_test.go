package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dukerupert/nightwatch/internal/booking"
)

// mockClient creates a Client with a send channel but no real connection.
func mockClient(hub *Hub) *Client {
	return userClient(hub, 0)
}

func userClient(hub *Hub, userID int64) *Client {
	return &Client{
		hub:    hub,
		userID: userID,
		send:   make(chan []byte, sendBufferSize),
	}
}

// drain returns the message types currently queued for c.
func drain(t *testing.T, c *Client) []string {
	t.Helper()
	var types []string
	for {
		select {
		case data := <-c.send:
			var m Message
			if err := json.Unmarshal(data, &m); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			types = append(types, m.Type)
		default:
			return types
		}
	}
}

func TestRegisterUnregister(t *testing.T) {
	hub := NewHub(slog.Default())

	c1 := mockClient(hub)
	c2 := mockClient(hub)

	hub.Register(c1)
	hub.Register(c2)

	if got := hub.ClientCount(); got != 2 {
		t.Fatalf("expected 2 clients, got %d", got)
	}

	hub.Unregister(c1)

	if got := hub.ClientCount(); got != 1 {
		t.Fatalf("expected 1 client after unregister, got %d", got)
	}

	hub.Unregister(c2)

	if got := hub.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients, got %d", got)
	}
}

func TestDoubleUnregister(t *testing.T) {
	hub := NewHub(slog.Default())
	c := mockClient(hub)
	hub.Register(c)
	hub.Unregister(c)
	// Should not panic
	hub.Unregister(c)

	if got := hub.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients, got %d", got)
	}
}

func TestBroadcast(t *testing.T) {
	hub := NewHub(slog.Default())

	c1 := mockClient(hub)
	c2 := mockClient(hub)
	hub.Register(c1)
	hub.Register(c2)

	msg := NewMessage("booking", "created", 42, map[string]any{"user_id": float64(7)})
	hub.Broadcast(msg)

	// Check both clients received the message
	for _, c := range []*Client{c1, c2} {
		select {
		case data := <-c.send:
			var got Message
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got.Type != "booking_created" {
				t.Errorf("expected type booking_created, got %s", got.Type)
			}
			if got.Entity != "booking" {
				t.Errorf("expected entity booking, got %s", got.Entity)
			}
			if got.ID != 42 {
				t.Errorf("expected id 42, got %d", got.ID)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatal("timeout waiting for message")
		}
	}

	hub.Unregister(c1)
	hub.Unregister(c2)
}

func TestBroadcastEmptyHub(t *testing.T) {
	hub := NewHub(slog.Default())
	// Should not panic
	msg := NewMessage("booking", "completed", 1, nil)
	hub.Broadcast(msg)
}

func TestBroadcastFullBuffer(t *testing.T) {
	hub := NewHub(slog.Default())

	c := mockClient(hub)
	hub.Register(c)

	// Fill the send buffer
	for i := 0; i < sendBufferSize; i++ {
		hub.Broadcast(NewMessage("test", "fill", int64(i), nil))
	}

	// This should drop the message, not panic or block
	hub.Broadcast(NewMessage("test", "dropped", 999, nil))

	// Drain to verify buffer was full
	count := 0
	for {
		select {
		case <-c.send:
			count++
		default:
			goto done
		}
	}
done:
	if count != sendBufferSize {
		t.Errorf("expected %d messages, got %d", sendBufferSize, count)
	}

	hub.Unregister(c)
}

func TestNewMessage(t *testing.T) {
	msg := NewMessage("leaderboard", "changed", 5, nil)
	if msg.Type != "leaderboard_changed" {
		t.Errorf("expected type leaderboard_changed, got %s", msg.Type)
	}
	if msg.Entity != "leaderboard" {
		t.Errorf("expected entity leaderboard, got %s", msg.Entity)
	}
	if msg.Action != "changed" {
		t.Errorf("expected action changed, got %s", msg.Action)
	}
	if msg.ID != 5 {
		t.Errorf("expected id 5, got %d", msg.ID)
	}
}

func TestConcurrentAccess(t *testing.T) {
	hub := NewHub(slog.Default())
	var wg sync.WaitGroup

	// Spawn goroutines that register, broadcast, and unregister concurrently
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := mockClient(hub)
			hub.Register(c)
			hub.Broadcast(NewMessage("test", "concurrent", 0, nil))
			// Drain any messages
			for {
				select {
				case <-c.send:
				default:
					hub.Unregister(c)
					return
				}
			}
		}()
	}

	wg.Wait()

	if got := hub.ClientCount(); got != 0 {
		t.Errorf("expected 0 clients after concurrent test, got %d", got)
	}
}

func TestSendToTargetsOneUser(t *testing.T) {
	hub := NewHub(slog.New(slog.DiscardHandler))
	ann := userClient(hub, 1)
	annTablet := userClient(hub, 1)
	ben := userClient(hub, 2)
	for _, c := range []*Client{ann, annTablet, ben} {
		hub.Register(c)
	}

	hub.SendTo(1, NewMessage("stats", "changed", 1, nil))

	if got := drain(t, ann); len(got) != 1 {
		t.Errorf("ann got %v, want one message", got)
	}
	if got := drain(t, annTablet); len(got) != 1 {
		t.Errorf("ann's second device got %v, want one message", got)
	}
	if got := drain(t, ben); len(got) != 0 {
		t.Errorf("ben got %v, want nothing", got)
	}
}

func TestOnBookingEvent(t *testing.T) {
	hub := NewHub(slog.New(slog.DiscardHandler))
	ann := userClient(hub, 1)
	ben := userClient(hub, 2)
	hub.Register(ann)
	hub.Register(ben)

	hub.OnBookingEvent(booking.Event{Action: "created", BookingID: 9, UserID: 1})
	if got := drain(t, ben); len(got) != 1 || got[0] != "booking_created" {
		t.Errorf("ben got %v, want [booking_created]", got)
	}
	drain(t, ann)

	hub.OnBookingEvent(booking.Event{Action: "completed", BookingID: 9, UserID: 1, PointsChanged: true})
	want := []string{"booking_completed", "leaderboard_changed", "stats_changed"}
	got := drain(t, ann)
	if len(got) != len(want) {
		t.Fatalf("ann got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ann message %d = %s, want %s", i, got[i], want[i])
		}
	}
	if got := drain(t, ben); len(got) != 2 {
		t.Errorf("ben got %v, want booking and leaderboard only", got)
	}
}
