package speedtier

import (
	"bytes"
	"context"
	"math/big"
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	testCases := []struct {
		in   string
		want Tier
		ok   bool
	}{
		{"free", Free, true},
		{"Standard", Standard, true},
		{"PREMIUM", Premium, true},
		{" unlimited ", Unlimited, true},
		{"turbo", Free, false},
	}
	for _, tc := range testCases {
		got, err := Parse(tc.in)
		if tc.ok && (err != nil || got != tc.want) {
			t.Errorf("Parse(%q) = (%v, %v), want %v", tc.in, got, err, tc.want)
		}
		if !tc.ok && err == nil {
			t.Errorf("Parse(%q) accepted an unknown tier", tc.in)
		}
	}
}

func TestBytesPerSecond(t *testing.T) {
	if got := Free.BytesPerSecond(); got != 512*1024 {
		t.Errorf("Free = %d", got)
	}
	if got := Standard.BytesPerSecond(); got != 2*1024*1024 {
		t.Errorf("Standard = %d", got)
	}
	if got := Premium.BytesPerSecond(); got != 8*1024*1024 {
		t.Errorf("Premium = %d", got)
	}
	if got := Unlimited.BytesPerSecond(); got != 0 {
		t.Errorf("Unlimited = %d", got)
	}
}

func TestCostWei(t *testing.T) {
	oneMiB := uint64(1024 * 1024)

	// A 1 MiB standard-tier download costs 2*10^15 wei.
	if got := Standard.CostWei(oneMiB); got.Cmp(big.NewInt(2_000_000_000_000_000)) != 0 {
		t.Errorf("Standard 1MiB cost = %s", got)
	}
	if got := Free.CostWei(oneMiB); got.Sign() != 0 {
		t.Errorf("Free cost = %s, want 0", got)
	}

	// Partial MiBs round up.
	one := Standard.CostWei(1)
	if one.Sign() <= 0 {
		t.Errorf("1-byte standard cost = %s, want > 0", one)
	}
	wantCeil := new(big.Int).Add(
		new(big.Int).Div(big.NewInt(2_000_000_000_000_000), big.NewInt(1024*1024)),
		big.NewInt(1))
	if one.Cmp(wantCeil) != 0 {
		t.Errorf("1-byte standard cost = %s, want %s", one, wantCeil)
	}
}

func TestLimiterThrottles(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}

	// A private tier-sized limiter would take too long at real rates, so
	// exercise the free tier with a payload sized for ~0.5 s beyond the
	// initial burst.
	l := NewLimiter(Free)
	bps := Free.BytesPerSecond()
	payload := make([]byte, bps+bps/2)

	var sink bytes.Buffer
	w := l.Writer(context.Background(), &sink)

	start := time.Now()
	// Write in chunks the way the transfer path does.
	const chunk = 64 * 1024
	for off := 0; off < len(payload); off += chunk {
		end := off + chunk
		if end > len(payload) {
			end = len(payload)
		}
		if _, err := w.Write(payload[off:end]); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	elapsed := time.Since(start)

	// One bucket is free; the remaining half-bucket must take ≥ ~0.5 s.
	if elapsed < 400*time.Millisecond {
		t.Errorf("wrote %d bytes in %v; limiter is not throttling", len(payload), elapsed)
	}
	if sink.Len() != len(payload) {
		t.Errorf("sink has %d bytes, want %d", sink.Len(), len(payload))
	}
}

func TestUnlimitedDoesNotBlock(t *testing.T) {
	l := NewLimiter(Unlimited)
	var sink bytes.Buffer
	w := l.Writer(context.Background(), &sink)

	payload := make([]byte, 32*1024*1024)
	start := time.Now()
	if _, err := w.Write(payload); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("unlimited write took %v", elapsed)
	}
}

func TestWaitNCancellation(t *testing.T) {
	l := NewLimiter(Free)
	ctx, cancel := context.WithCancel(context.Background())

	// Drain the initial burst, then cancel mid-wait.
	if err := l.WaitN(ctx, Free.BytesPerSecond()); err != nil {
		t.Fatalf("initial WaitN failed: %v", err)
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	if err := l.WaitN(ctx, Free.BytesPerSecond()); err == nil {
		t.Error("WaitN did not observe cancellation")
	}
}
