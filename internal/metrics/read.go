package metrics

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"
)

// ReadCSV loads samples from a CSV file.
func ReadCSV(path string) ([]Sample, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return readCSV(file)
}

func readCSV(r io.Reader) ([]Sample, error) {
	reader := csv.NewReader(r)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	start := 0
	if len(records[0]) > 0 && records[0][0] == "timestamp" {
		start = 1
	}

	items := make([]Sample, 0, len(records)-start)
	for i := start; i < len(records); i++ {
		rec := records[i]
		if len(rec) < 7 {
			return nil, fmt.Errorf("invalid record at line %d", i+1)
		}
		ts, err := time.Parse(time.RFC3339Nano, rec[0])
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp at line %d: %w", i+1, err)
		}
		attempt, _ := strconv.Atoi(rec[3])
		success, _ := strconv.ParseBool(rec[4])
		rtt, _ := strconv.ParseFloat(rec[5], 64)
		items = append(items, Sample{
			Timestamp: ts,
			Op:        rec[1],
			Peer:      rec[2],
			Attempt:   attempt,
			Success:   success,
			RTTMs:     rtt,
			Reason:    rec[6],
		})
	}

	return items, nil
}
