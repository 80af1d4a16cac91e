package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	apiclient "github.com/splax/netusage/pkg/api/client"
	"github.com/splax/netusage/pkg/collector"
)

const defaultWindow = 24 * time.Hour

// parseWindow resolves --start/--end into milliseconds. Each accepts epoch
// milliseconds or RFC3339; end defaults to now and start to one day before end.
func parseWindow(start, end string, now time.Time) (int64, int64, error) {
	endMS := now.UnixMilli()
	if strings.TrimSpace(end) != "" {
		v, err := parseInstant(end)
		if err != nil {
			return 0, 0, fmt.Errorf("--end: %w", err)
		}
		endMS = v
	}
	startMS := endMS - defaultWindow.Milliseconds()
	if strings.TrimSpace(start) != "" {
		v, err := parseInstant(start)
		if err != nil {
			return 0, 0, fmt.Errorf("--start: %w", err)
		}
		startMS = v
	}
	if startMS < 0 {
		startMS = 0
	}
	return startMS, endMS, nil
}

func parseInstant(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return ms, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return 0, fmt.Errorf("expected epoch milliseconds or RFC3339, got %q", value)
	}
	return t.UnixMilli(), nil
}

func printBuckets(w io.Writer, buckets []apiclient.Bucket) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "UID\tSTART\tEND\tRX BYTES\tTX BYTES\tRX PKTS\tTX PKTS")
	for _, b := range buckets {
		uid := strconv.Itoa(b.UID)
		if b.UID == -1 {
			uid = "all"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\n", uid, formatMillis(b.Start), formatMillis(b.End),
			b.RxBytes, b.TxBytes, b.RxPackets, b.TxPackets)
	}
	tw.Flush()
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

// readSamples accepts a single sample object or an array of them.
func readSamples(r io.Reader) ([]collector.Sample, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("no samples in input")
	}
	if data[0] == '[' {
		var samples []collector.Sample
		if err := json.Unmarshal(data, &samples); err != nil {
			return nil, fmt.Errorf("decode samples: %w", err)
		}
		return samples, nil
	}
	var sample collector.Sample
	if err := json.Unmarshal(data, &sample); err != nil {
		return nil, fmt.Errorf("decode sample: %w", err)
	}
	return []collector.Sample{sample}, nil
}
