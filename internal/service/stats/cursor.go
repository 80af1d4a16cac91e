package stats

import (
	"sort"

	"github.com/splax/netusage/internal/domain"
	"github.com/splax/netusage/internal/repository"
)

type bucketSource interface {
	next(b *domain.Bucket) bool
	err() error
	close() error
}

// Cursor is a forward-only, single-pass view over query results. It is not
// safe for concurrent use and must be closed; the underlying scan is also
// released as soon as the last bucket has been read.
type Cursor struct {
	src        bucketSource
	op         string
	pending    domain.Bucket
	hasPending bool
	done       bool
	released   bool
	err        error
}

func newCursor(op string, src bucketSource) *Cursor {
	return &Cursor{src: src, op: op}
}

// HasNextBucket reports whether another bucket is available.
func (c *Cursor) HasNextBucket() bool {
	if c.hasPending {
		return true
	}
	if c.done {
		return false
	}
	if c.src.next(&c.pending) {
		c.hasPending = true
		return true
	}
	c.done = true
	if err := c.src.err(); err != nil {
		c.err = serviceError(c.op, err)
	}
	c.release()
	return false
}

// NextBucket copies the next bucket into b. It returns false once the cursor
// is exhausted, failed or closed, and keeps returning false afterwards.
func (c *Cursor) NextBucket(b *domain.Bucket) bool {
	if !c.HasNextBucket() {
		return false
	}
	*b = c.pending
	c.hasPending = false
	return true
}

// Err returns the failure that ended iteration, if any.
func (c *Cursor) Err() error {
	return c.err
}

// Close releases the cursor. It is safe to call more than once.
func (c *Cursor) Close() error {
	c.done = true
	c.hasPending = false
	return c.release()
}

func (c *Cursor) release() error {
	if c.released {
		return nil
	}
	c.released = true
	return c.src.close()
}

// sampleStream adds one sample of lookahead to a repository iterator.
type sampleStream struct {
	it      repository.SampleIterator
	peek    domain.TrafficSample
	hasPeek bool
}

func (s *sampleStream) fill() bool {
	if s.hasPeek {
		return true
	}
	s.hasPeek = s.it.Next(&s.peek)
	return s.hasPeek
}

func (s *sampleStream) consume() { s.hasPeek = false }

func (s *sampleStream) err() error { return s.it.Err() }

func (s *sampleStream) close() error { return s.it.Close() }

// summarySource emits one bucket per uid carrying the uid's totals over the
// window. Uids whose totals are all zero are skipped.
type summarySource struct {
	sampleStream
	bucketer bucketer
	from, to int64
}

func (s *summarySource) next(b *domain.Bucket) bool {
	for s.fill() {
		uid := s.peek.UID
		var total counters
		for s.fill() && s.peek.UID == uid {
			s.bucketer.split(s.peek, s.from, s.to, func(_ int64, c counters) { total.add(c) })
			s.consume()
		}
		if s.it.Err() != nil {
			return false
		}
		if total.zero() {
			continue
		}
		*b = domain.Bucket{
			Scope:          domain.ScopeSummary,
			State:          domain.StateAll,
			UID:            uid,
			StartTimeStamp: s.from,
			EndTimeStamp:   s.to,
		}
		total.fill(b)
		return true
	}
	return false
}

// detailSource emits per-uid history buckets in (uid, start) order. A bucket
// is released once the next sample of the same uid starts at or after its end.
type detailSource struct {
	sampleStream
	bucketer bucketer
	from, to int64

	uid     int
	haveUID bool
	open    map[int64]*counters
	ready   []domain.Bucket
}

func (s *detailSource) next(b *domain.Bucket) bool {
	for len(s.ready) == 0 {
		if !s.fill() {
			if s.it.Err() != nil {
				return false
			}
			s.flush(func(int64) bool { return true })
			if len(s.ready) == 0 {
				return false
			}
			break
		}
		if s.haveUID && s.peek.UID != s.uid {
			s.flush(func(int64) bool { return true })
			s.haveUID = false
			continue
		}
		s.uid, s.haveUID = s.peek.UID, true

		cutoff := s.peek.StartMS
		s.flush(func(start int64) bool { return start+s.bucketer.span <= cutoff })
		s.bucketer.split(s.peek, s.from, s.to, func(start int64, c counters) {
			acc := s.open[start]
			if acc == nil {
				acc = &counters{}
				s.open[start] = acc
			}
			acc.add(c)
		})
		s.consume()
	}
	*b = s.ready[0]
	s.ready = s.ready[1:]
	return true
}

// flush moves open buckets selected by done into the ready queue in start order.
func (s *detailSource) flush(done func(start int64) bool) {
	starts := make([]int64, 0, len(s.open))
	for start := range s.open {
		if done(start) {
			starts = append(starts, start)
		}
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })
	for _, start := range starts {
		acc := s.open[start]
		delete(s.open, start)
		if acc.zero() {
			continue
		}
		lo, hi := s.bucketer.clip(start, s.from, s.to)
		bucket := domain.Bucket{
			Scope:          domain.ScopeDetail,
			State:          domain.StateAll,
			UID:            s.uid,
			StartTimeStamp: lo,
			EndTimeStamp:   hi,
		}
		acc.fill(&bucket)
		s.ready = append(s.ready, bucket)
	}
}
