package metrics

import (
	"sort"
	"time"
)

// Summary is a basic statistics snapshot over exchange samples.
type Summary struct {
	Count      int
	Failures   int
	From       time.Time
	To         time.Time
	AvgRTTMs   float64
	P95RTTMs   float64
	MinRTTMs   float64
	MaxRTTMs   float64
	SuccessPct float64
}

// Summarize computes summary statistics for samples within the window ending
// now. A zero window includes everything.
func Summarize(items []Sample, window time.Duration, now time.Time) Summary {
	var s Summary
	var rtts []float64

	for _, item := range items {
		if window > 0 && now.Sub(item.Timestamp) > window {
			continue
		}
		if s.Count == 0 || item.Timestamp.Before(s.From) {
			s.From = item.Timestamp
		}
		if item.Timestamp.After(s.To) {
			s.To = item.Timestamp
		}
		s.Count++
		if !item.Success {
			s.Failures++
			continue
		}
		rtts = append(rtts, item.RTTMs)
	}

	if s.Count > 0 {
		s.SuccessPct = 100.0 * float64(s.Count-s.Failures) / float64(s.Count)
	}
	if len(rtts) == 0 {
		return s
	}

	sort.Float64s(rtts)
	var sum float64
	for _, v := range rtts {
		sum += v
	}
	s.AvgRTTMs = sum / float64(len(rtts))
	s.MinRTTMs = rtts[0]
	s.MaxRTTMs = rtts[len(rtts)-1]
	idx := int(0.95 * float64(len(rtts)-1))
	s.P95RTTMs = rtts[idx]
	return s
}
