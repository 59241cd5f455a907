package dashboard

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/MrWong99/kaiwa/internal/sink"
)

func turn(i int) sink.Event {
	return sink.Event{Kind: sink.KindTurn, Recognized: fmt.Sprintf("q%d", i), Reply: fmt.Sprintf("a%d", i)}
}

func TestHub_HistoryKeepsNewestTurns(t *testing.T) {
	t.Parallel()
	h := NewHub(3)
	ctx := context.Background()
	for i := range 5 {
		if err := h.Publish(ctx, turn(i)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	// Partials are pushed live but never remembered.
	_ = h.Publish(ctx, sink.Event{Kind: sink.KindPartial, Recognized: "q"})

	tests := []struct {
		n    int64
		want []string
	}{
		{n: 0, want: []string{"q2", "q3", "q4"}},
		{n: 2, want: []string{"q3", "q4"}},
		{n: 10, want: []string{"q2", "q3", "q4"}},
	}
	for _, tt := range tests {
		got, err := h.History(ctx, tt.n)
		if err != nil {
			t.Fatalf("History(%d): %v", tt.n, err)
		}
		if len(got) != len(tt.want) {
			t.Fatalf("History(%d): got %d events, want %d", tt.n, len(got), len(tt.want))
		}
		for i, e := range got {
			if e.Recognized != tt.want[i] {
				t.Errorf("History(%d)[%d] = %q, want %q", tt.n, i, e.Recognized, tt.want[i])
			}
		}
	}
}

func TestHub_DeliversToSubscribers(t *testing.T) {
	t.Parallel()
	h := NewHub(10)
	events, _, cancel, err := h.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	_ = h.Publish(context.Background(), turn(1))
	select {
	case e := <-events:
		if e.Recognized != "q1" {
			t.Errorf("got %q, want q1", e.Recognized)
		}
	default:
		t.Fatal("event was not delivered")
	}

	cancel()
	if n := h.Subscribers(); n != 0 {
		t.Errorf("Subscribers after cancel = %d, want 0", n)
	}
}

func TestHub_DropsSlowSubscriber(t *testing.T) {
	t.Parallel()
	h := NewHub(10)
	_, slow, cancel, err := h.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	for i := range subscriberBuffer + 1 {
		if err := h.Publish(context.Background(), turn(i)); err != nil {
			t.Fatalf("Publish must not fail for a slow client: %v", err)
		}
	}
	select {
	case <-slow:
	default:
		t.Fatal("slow subscriber was not dropped")
	}
	if n := h.Subscribers(); n != 0 {
		t.Errorf("Subscribers = %d, want 0", n)
	}
}

func TestHub_Close(t *testing.T) {
	t.Parallel()
	h := NewHub(10)
	_, slow, cancel, err := h.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-slow:
	default:
		t.Error("subscriber was not released on Close")
	}
	if err := h.Publish(context.Background(), turn(0)); !errors.Is(err, ErrHubClosed) {
		t.Errorf("Publish after Close: got %v, want ErrHubClosed", err)
	}
	if _, _, _, err := h.Subscribe(); !errors.Is(err, ErrHubClosed) {
		t.Errorf("Subscribe after Close: got %v, want ErrHubClosed", err)
	}
	if err := h.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
