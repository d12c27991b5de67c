package mqtt

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nugget/miraie-bridge/internal/climate"
)

func TestCommandsFor(t *testing.T) {
	tests := []struct {
		attr    string
		value   string
		want    int
		wantErr bool
	}{
		{"mode", "auto", 2, false},
		{"mode", "off", 1, false},
		{"mode", "sideways", 0, true},
		{"swing_mode", "both", 1, false},
		{"economy", "OFF", 1, false},
		{"economy", "maybe", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.attr+"="+tt.value, func(t *testing.T) {
			got, err := commandsFor(tt.attr, tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if len(got) != tt.want {
				t.Errorf("got %d commands, want %d", len(got), tt.want)
			}
		})
	}

	cmds, _ := commandsFor("swing_mode", "both")
	if cmds[0] != climate.SetSwing(climate.SwingBoth) {
		t.Errorf("swing command = %+v", cmds[0])
	}
}

func TestMessageRateLimiter(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rl := newMessageRateLimiter(5, time.Second, logger)

	// First 5 should be allowed.
	for i := range 5 {
		if !rl.allow() {
			t.Errorf("message %d should have been allowed", i)
		}
	}

	// 6th should be dropped.
	if rl.allow() {
		t.Error("message 6 should have been rate-limited")
	}

	if dropped := rl.dropped.Load(); dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
}

func TestMessageRateLimiter_Concurrent(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rl := newMessageRateLimiter(1000, time.Second, logger)

	// Hammer the rate limiter from multiple goroutines.
	done := make(chan struct{})
	for range 10 {
		go func() {
			for range 200 {
				rl.allow()
			}
			done <- struct{}{}
		}()
	}
	for range 10 {
		<-done
	}

	// count tracks all calls to allow(); dropped tracks the subset
	// that exceeded the limit. So count should equal total calls.
	count := rl.count.Load()
	if count != 2000 {
		t.Errorf("count = %d, want 2000", count)
	}
	// With limit 1000 and 2000 calls, exactly 1000 should be dropped.
	dropped := rl.dropped.Load()
	if dropped != 1000 {
		t.Errorf("dropped = %d, want 1000", dropped)
	}
}
