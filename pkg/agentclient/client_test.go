package agentclient

import (
	"testing"
	"time"
)

func TestBackoffSchedule(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{10, 30 * time.Second},
		{20, 30 * time.Second},
		{0, time.Second},
	}
	for _, c := range cases {
		if got := Backoff(c.attempt); got != c.want {
			t.Errorf("Backoff(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestBackoffLargeAttemptNoOverflow(t *testing.T) {
	for _, attempt := range []int{40, 64, 100} {
		if got := Backoff(attempt); got != backoffCap {
			t.Errorf("Backoff(%d) = %v, want %v", attempt, got, backoffCap)
		}
	}
}

func TestSubscribeTracksSetWhileDisconnected(t *testing.T) {
	c := New(Config{URL: "ws://localhost:0/ws"})

	if err := c.Subscribe("ch1", "ch2"); err != ErrNotConnected {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
	c.Unsubscribe("ch2")

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs["ch1"]; !ok {
		t.Error("ch1 missing from durable set")
	}
	if _, ok := c.subs["ch2"]; ok {
		t.Error("ch2 still in durable set after unsubscribe")
	}
}
