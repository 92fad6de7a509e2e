// Package metrics records per-exchange round-trip samples to CSV so flaky
// links to the root node can be diagnosed after the fact.
package metrics

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Sample is one UDP exchange attempt.
type Sample struct {
	Timestamp time.Time
	Op        string
	Peer      string
	Attempt   int
	Success   bool
	RTTMs     float64
	Reason    string
}

var header = []string{
	"timestamp",
	"op",
	"peer",
	"attempt",
	"success",
	"rtt_ms",
	"reason",
}

// AppendCSV appends samples to path, writing the header only when the file
// is new or empty. Callers must serialize concurrent appends.
func AppendCSV(path string, items []Sample) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if info.Size() == 0 {
		if err := writer.Write(header); err != nil {
			return err
		}
	}

	for _, s := range items {
		record := []string{
			s.Timestamp.UTC().Format(time.RFC3339Nano),
			s.Op,
			s.Peer,
			strconv.Itoa(s.Attempt),
			strconv.FormatBool(s.Success),
			strconv.FormatFloat(s.RTTMs, 'f', 3, 64),
			s.Reason,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

// WriteCSV writes samples with a fresh header to w.
func WriteCSV(w io.Writer, items []Sample) error {
	writer := csv.NewWriter(w)
	defer writer.Flush()

	if err := writer.Write(header); err != nil {
		return err
	}
	for _, s := range items {
		record := []string{
			s.Timestamp.UTC().Format(time.RFC3339Nano),
			s.Op,
			s.Peer,
			strconv.Itoa(s.Attempt),
			strconv.FormatBool(s.Success),
			strconv.FormatFloat(s.RTTMs, 'f', 3, 64),
			s.Reason,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	return writer.Error()
}
