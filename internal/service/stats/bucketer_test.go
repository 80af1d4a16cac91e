package stats

import (
	"testing"
	"time"

	"github.com/splax/netusage/internal/domain"
)

type piece struct {
	start int64
	c     counters
}

func splitAll(b bucketer, s domain.TrafficSample, from, to int64) []piece {
	var out []piece
	b.split(s, from, to, func(start int64, c counters) { out = append(out, piece{start, c}) })
	return out
}

func TestSplitApportionsAcrossBuckets(t *testing.T) {
	b := newBucketer(time.Second)
	s := domain.TrafficSample{StartMS: 500, EndMS: 2500, RxBytes: 100, TxPackets: 4}

	pieces := splitAll(b, s, 0, 10_000)
	if len(pieces) != 3 {
		t.Fatalf("expected 3 pieces, got %d", len(pieces))
	}
	want := []int64{25, 50, 25}
	for i, p := range pieces {
		if p.c.rxBytes != want[i] {
			t.Fatalf("piece %d: expected rx %d, got %d", i, want[i], p.c.rxBytes)
		}
	}
	if pieces[0].start != 0 || pieces[1].start != 1000 || pieces[2].start != 2000 {
		t.Fatalf("unexpected bucket starts: %+v", pieces)
	}
	var total counters
	for _, p := range pieces {
		total.add(p.c)
	}
	if total != countersOf(s) {
		t.Fatalf("pieces must sum to the sample, got %+v", total)
	}
}

func TestSplitConservesOddRemainders(t *testing.T) {
	b := newBucketer(time.Millisecond)
	s := domain.TrafficSample{StartMS: 0, EndMS: 3, RxBytes: 7, TxBytes: 1, RxPackets: 2, TxPackets: 5}

	var total counters
	for _, p := range splitAll(b, s, 0, 3) {
		total.add(p.c)
	}
	if total != countersOf(s) {
		t.Fatalf("expected %+v, got %+v", countersOf(s), total)
	}
}

func TestSplitClipsToWindow(t *testing.T) {
	b := newBucketer(time.Second)
	s := domain.TrafficSample{StartMS: 500, EndMS: 2500, RxBytes: 100}

	pieces := splitAll(b, s, 700, 2200)
	want := []piece{{0, counters{rxBytes: 15}}, {1000, counters{rxBytes: 50}}, {2000, counters{rxBytes: 10}}}
	if len(pieces) != len(want) {
		t.Fatalf("expected %d pieces, got %+v", len(want), pieces)
	}
	for i := range want {
		if pieces[i] != want[i] {
			t.Fatalf("piece %d: expected %+v, got %+v", i, want[i], pieces[i])
		}
	}
	lo, hi := b.clip(0, 700, 2200)
	if lo != 700 || hi != 1000 {
		t.Fatalf("unexpected clip [%d, %d]", lo, hi)
	}
}

func TestSplitZeroLengthSample(t *testing.T) {
	b := newBucketer(time.Second)
	s := domain.TrafficSample{StartMS: 1500, EndMS: 1500, RxBytes: 9}

	if got := splitAll(b, s, 1500, 1600); len(got) != 1 || got[0].c.rxBytes != 9 || got[0].start != 1000 {
		t.Fatalf("expected whole sample at its instant, got %+v", got)
	}
	if got := splitAll(b, s, 0, 1500); len(got) != 0 {
		t.Fatalf("instant at window end must be excluded, got %+v", got)
	}
}

func TestMulDivLargeValues(t *testing.T) {
	v := int64(1) << 62
	if got := mulDiv(v, 3, 4); got != (v/4)*3 {
		t.Fatalf("unexpected result %d", got)
	}
}
