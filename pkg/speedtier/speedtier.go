// Package speedtier implements the bandwidth tiers and the token-bucket
// limiter that gates disk writes during a download. The limiter is the only
// throttle in the write path; after an initial burst of one second's worth
// of bytes, observed throughput follows the contracted tier.
package speedtier

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"strings"

	"golang.org/x/time/rate"
)

// Tier is a named bandwidth class.
type Tier int

const (
	// Free is rate-limited to 512 KB/s and costs nothing.
	Free Tier = iota
	// Standard is 2 MiB/s.
	Standard
	// Premium is 8 MiB/s.
	Premium
	// Unlimited bypasses the bucket entirely.
	Unlimited
)

const mib = 1024 * 1024

// Per-tier payment rates in wei per MiB of file size.
var tierRateWeiPerMiB = map[Tier]*big.Int{
	Free:      big.NewInt(0),
	Standard:  big.NewInt(2_000_000_000_000_000),
	Premium:   big.NewInt(5_000_000_000_000_000),
	Unlimited: big.NewInt(10_000_000_000_000_000),
}

// Parse maps a tier name to its Tier. Names are case-insensitive.
func Parse(name string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "free":
		return Free, nil
	case "standard":
		return Standard, nil
	case "premium":
		return Premium, nil
	case "unlimited":
		return Unlimited, nil
	}
	return Free, fmt.Errorf("unknown speed tier %q", name)
}

func (t Tier) String() string {
	switch t {
	case Free:
		return "free"
	case Standard:
		return "standard"
	case Premium:
		return "premium"
	case Unlimited:
		return "unlimited"
	}
	return "unknown"
}

// BytesPerSecond returns the tier bandwidth, or 0 for Unlimited.
func (t Tier) BytesPerSecond() int {
	switch t {
	case Free:
		return 512 * 1024
	case Standard:
		return 2 * mib
	case Premium:
		return 8 * mib
	}
	return 0
}

// SpeedLabel renders the bandwidth for display.
func (t Tier) SpeedLabel() string {
	bps := t.BytesPerSecond()
	switch {
	case bps == 0:
		return "Unlimited"
	case bps < mib:
		return fmt.Sprintf("%d KB/s", bps/1024)
	default:
		return fmt.Sprintf("%d MB/s", bps/mib)
	}
}

// CostWei computes the tier payment for a file of fileSize bytes:
// ceil(fileSize * rate / MiB). Zero for the free tier.
func (t Tier) CostWei(fileSize uint64) *big.Int {
	rateWei, ok := tierRateWeiPerMiB[t]
	if !ok || rateWei.Sign() == 0 {
		return big.NewInt(0)
	}
	num := new(big.Int).Mul(new(big.Int).SetUint64(fileSize), rateWei)
	q, r := new(big.Int).QuoRem(num, big.NewInt(mib), new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

// Limiter throttles writes to a tier's bandwidth. One Limiter belongs to
// one download request.
type Limiter struct {
	tier    Tier
	limiter *rate.Limiter
}

// NewLimiter creates a limiter for the tier. The bucket holds one second of
// bandwidth so short bursts smooth out instead of stuttering.
func NewLimiter(tier Tier) *Limiter {
	bps := tier.BytesPerSecond()
	if bps == 0 {
		return &Limiter{tier: tier}
	}
	return &Limiter{
		tier:    tier,
		limiter: rate.NewLimiter(rate.Limit(bps), bps),
	}
}

// Tier returns the limiter's tier.
func (l *Limiter) Tier() Tier {
	return l.tier
}

// WaitN acquires n tokens, sleeping the caller proportionally to the
// shortfall. Unlimited never blocks. Writes larger than one bucket are
// acquired in bucket-sized slices.
func (l *Limiter) WaitN(ctx context.Context, n int) error {
	if l.limiter == nil || n <= 0 {
		return ctx.Err()
	}
	burst := l.limiter.Burst()
	for n > 0 {
		take := n
		if take > burst {
			take = burst
		}
		if err := l.limiter.WaitN(ctx, take); err != nil {
			return err
		}
		n -= take
	}
	return nil
}

// Writer wraps w so every write first acquires tokens from the limiter.
func (l *Limiter) Writer(ctx context.Context, w io.Writer) io.Writer {
	if l.limiter == nil {
		return w
	}
	return &limitedWriter{ctx: ctx, l: l, w: w}
}

type limitedWriter struct {
	ctx context.Context
	l   *Limiter
	w   io.Writer
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if err := lw.l.WaitN(lw.ctx, len(p)); err != nil {
		return 0, err
	}
	return lw.w.Write(p)
}
