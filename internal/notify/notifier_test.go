package notify

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type captureSender struct {
	mu       sync.Mutex
	messages []string
}

func (c *captureSender) Name() string { return "capture" }

func (c *captureSender) Send(_ context.Context, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, message)
	return nil
}

func (c *captureSender) wait(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.messages) >= n {
			out := append([]string(nil), c.messages...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.messages...)
}

func TestEventFilter(t *testing.T) {
	sender := &captureSender{}
	n := New([]Sender{sender}, []string{"position_opened"}, slog.New(slog.DiscardHandler))

	ctx := context.Background()
	n.Alert(ctx, "position_opened", "opened")
	n.Alert(ctx, "position_closed", "closed")

	got := sender.wait(t, 1)
	assert.Equal(t, []string{"opened"}, got)
}

func TestEmptyFilterDeliversEverything(t *testing.T) {
	sender := &captureSender{}
	n := New([]Sender{sender}, nil, slog.New(slog.DiscardHandler))

	ctx := context.Background()
	n.Alert(ctx, "a", "one")
	n.Alert(ctx, "b", "two")

	got := sender.wait(t, 2)
	assert.Len(t, got, 2)
}

func TestFansOutToAllSenders(t *testing.T) {
	s1, s2 := &captureSender{}, &captureSender{}
	n := New([]Sender{s1, s2}, nil, slog.New(slog.DiscardHandler))

	n.Alert(context.Background(), "x", "hello")

	assert.Equal(t, []string{"hello"}, s1.wait(t, 1))
	assert.Equal(t, []string{"hello"}, s2.wait(t, 1))
}
