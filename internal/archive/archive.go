// Package archive stores pruned traffic samples as zstd-compressed JSON-lines
// segments and reads them back.
package archive

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/splax/netusage/internal/domain"
)

const segmentSuffix = ".jsonl.zst"

// Record is the on-disk form of a traffic sample.
type Record struct {
	ID           int64     `json:"id"`
	Network      string    `json:"network"`
	SubscriberID string    `json:"subscriber_id,omitempty"`
	UID          int       `json:"uid"`
	StartMS      int64     `json:"start_ms"`
	EndMS        int64     `json:"end_ms"`
	RxBytes      int64     `json:"rx_bytes"`
	TxBytes      int64     `json:"tx_bytes"`
	RxPackets    int64     `json:"rx_packets"`
	TxPackets    int64     `json:"tx_packets"`
	IngestedAt   time.Time `json:"ingested_at"`
}

// FromSample converts a sample into its archive record.
func FromSample(s domain.TrafficSample) Record {
	return Record{
		ID:           s.ID,
		Network:      s.NetworkType.String(),
		SubscriberID: s.SubscriberID,
		UID:          s.UID,
		StartMS:      s.StartMS,
		EndMS:        s.EndMS,
		RxBytes:      s.RxBytes,
		TxBytes:      s.TxBytes,
		RxPackets:    s.RxPackets,
		TxPackets:    s.TxPackets,
		IngestedAt:   s.IngestedAt,
	}
}

// Sample converts the record back into a traffic sample.
func (r Record) Sample() (domain.TrafficSample, error) {
	network, err := domain.ParseNetworkType(r.Network)
	if err != nil {
		return domain.TrafficSample{}, err
	}
	return domain.TrafficSample{
		ID:           r.ID,
		NetworkType:  network,
		SubscriberID: r.SubscriberID,
		UID:          r.UID,
		StartMS:      r.StartMS,
		EndMS:        r.EndMS,
		RxBytes:      r.RxBytes,
		TxBytes:      r.TxBytes,
		RxPackets:    r.RxPackets,
		TxPackets:    r.TxPackets,
		IngestedAt:   r.IngestedAt,
	}, nil
}

// Segment describes a closed archive file.
type Segment struct {
	Path    string
	MinEnd  int64
	MaxEnd  int64
	Written int64
}

// Writer appends segments to a directory. It is safe for concurrent use.
type Writer struct {
	mu  sync.Mutex
	dir string
	now func() time.Time
}

// NewWriter returns a Writer rooted at dir.
func NewWriter(dir string) *Writer {
	return &Writer{dir: dir, now: time.Now}
}

// Dir returns the archive root.
func (w *Writer) Dir() string { return w.dir }

// WriteSegment writes samples into a new segment and returns its path. An
// empty batch writes nothing.
func (w *Writer) WriteSegment(samples []domain.TrafficSample) (string, error) {
	if len(samples) == 0 {
		return "", nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return "", err
	}
	seq := w.now().UTC().UnixNano()
	tmp := filepath.Join(w.dir, fmt.Sprintf("open-%d%s.tmp", seq, segmentSuffix))
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", err
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", err
	}

	minEnd, maxEnd := samples[0].EndMS, samples[0].EndMS
	for _, s := range samples {
		line, err := json.Marshal(FromSample(s))
		if err == nil {
			line = append(line, '\n')
			_, err = enc.Write(line)
		}
		if err != nil {
			_ = enc.Close()
			_ = f.Close()
			_ = os.Remove(tmp)
			return "", err
		}
		minEnd = min(minEnd, s.EndMS)
		maxEnd = max(maxEnd, s.EndMS)
	}
	if err := enc.Close(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	final := filepath.Join(w.dir, fmt.Sprintf("%d-%d-%d%s", minEnd, maxEnd, seq, segmentSuffix))
	if err := os.Rename(tmp, final); err != nil {
		return "", err
	}
	return final, nil
}

// ListSegments returns closed segments under dir ordered by their earliest end timestamp.
func ListSegments(dir string) ([]Segment, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make([]Segment, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, segmentSuffix) || strings.HasPrefix(name, "open-") {
			continue
		}
		parts := strings.Split(strings.TrimSuffix(name, segmentSuffix), "-")
		if len(parts) != 3 {
			continue
		}
		minEnd, err1 := strconv.ParseInt(parts[0], 10, 64)
		maxEnd, err2 := strconv.ParseInt(parts[1], 10, 64)
		seq, err3 := strconv.ParseInt(parts[2], 10, 64)
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}
		out = append(out, Segment{Path: filepath.Join(dir, name), MinEnd: minEnd, MaxEnd: maxEnd, Written: seq})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MinEnd == out[j].MinEnd {
			return out[i].Written < out[j].Written
		}
		return out[i].MinEnd < out[j].MinEnd
	})
	return out, nil
}

// ReadSegment decodes every record in a segment and hands it to fn. Reading
// stops at the first error returned by fn.
func ReadSegment(path string, fn func(Record) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	zr, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer zr.Close()

	sc := bufio.NewScanner(zr)
	sc.Buffer(make([]byte, 0, 64*1024), 2<<20)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("%s:%d: %w", filepath.Base(path), line, err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return sc.Err()
}
