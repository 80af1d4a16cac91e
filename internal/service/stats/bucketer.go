package stats

import (
	"math/bits"
	"time"

	"github.com/splax/netusage/internal/domain"
)

type counters struct {
	rxBytes   int64
	txBytes   int64
	rxPackets int64
	txPackets int64
}

func countersOf(s domain.TrafficSample) counters {
	return counters{rxBytes: s.RxBytes, txBytes: s.TxBytes, rxPackets: s.RxPackets, txPackets: s.TxPackets}
}

func (c *counters) add(o counters) {
	c.rxBytes += o.rxBytes
	c.txBytes += o.txBytes
	c.rxPackets += o.rxPackets
	c.txPackets += o.txPackets
}

func (c *counters) sub(o counters) {
	c.rxBytes -= o.rxBytes
	c.txBytes -= o.txBytes
	c.rxPackets -= o.rxPackets
	c.txPackets -= o.txPackets
}

func (c counters) zero() bool {
	return c.rxBytes == 0 && c.txBytes == 0 && c.rxPackets == 0 && c.txPackets == 0
}

func (c counters) fill(b *domain.Bucket) {
	b.RxBytes = c.rxBytes
	b.TxBytes = c.txBytes
	b.RxPackets = c.rxPackets
	b.TxPackets = c.txPackets
}

// portion returns c scaled by part/whole, rounding down. part <= whole.
func (c counters) portion(part, whole int64) counters {
	return counters{
		rxBytes:   mulDiv(c.rxBytes, part, whole),
		txBytes:   mulDiv(c.txBytes, part, whole),
		rxPackets: mulDiv(c.rxPackets, part, whole),
		txPackets: mulDiv(c.txPackets, part, whole),
	}
}

// mulDiv computes v*part/whole without overflowing for non-negative inputs.
func mulDiv(v, part, whole int64) int64 {
	if v <= 0 || part <= 0 || whole <= 0 {
		return 0
	}
	hi, lo := bits.Mul64(uint64(v), uint64(part))
	q, _ := bits.Div64(hi, lo, uint64(whole))
	return int64(q)
}

// bucketer splits samples over fixed-width history buckets.
type bucketer struct {
	span int64
}

func newBucketer(span time.Duration) bucketer {
	ms := span.Milliseconds()
	if ms <= 0 {
		ms = (2 * time.Hour).Milliseconds()
	}
	return bucketer{span: ms}
}

func (b bucketer) bucketStart(t int64) int64 {
	return t - t%b.span
}

// split hands fn the share of s falling into each history bucket inside
// [from, to). Shares are taken left to right from what remains of the
// sample, so the pieces of a sample fully inside the window sum to its
// counters exactly. Zero-length samples count whole at their instant.
func (b bucketer) split(s domain.TrafficSample, from, to int64, fn func(bucketStart int64, c counters)) {
	if s.EndMS <= s.StartMS {
		if s.StartMS >= from && s.StartMS < to {
			fn(b.bucketStart(s.StartMS), countersOf(s))
		}
		return
	}

	remaining := countersOf(s)
	dur := s.EndMS - s.StartMS
	t := s.StartMS

	if t < from {
		prefixEnd := min(s.EndMS, from)
		remaining.sub(remaining.portion(prefixEnd-t, dur))
		dur -= prefixEnd - t
		t = prefixEnd
	}
	for t < s.EndMS && t < to {
		start := b.bucketStart(t)
		segEnd := min(start+b.span, s.EndMS, to)
		overlap := segEnd - t
		share := remaining
		if overlap < dur {
			share = remaining.portion(overlap, dur)
		}
		remaining.sub(share)
		dur -= overlap
		fn(start, share)
		t = segEnd
	}
}

// clip returns the bounds of the history bucket starting at start, clipped to [from, to].
func (b bucketer) clip(start, from, to int64) (int64, int64) {
	return max(start, from), min(start+b.span, to)
}
