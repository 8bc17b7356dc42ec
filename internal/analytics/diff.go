package analytics

import "math"

// Snapshot is one fetch of numeric metrics keyed by field name, for example
// engagementRate, reach or followers.
type Snapshot map[string]float64

func (s Snapshot) clone() Snapshot {
	if s == nil {
		return nil
	}
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

type Direction string

const (
	DirectionUp     Direction = "up"
	DirectionDown   Direction = "down"
	DirectionStable Direction = "stable"
)

type Delta struct {
	Absolute   float64   `json:"absolute"`
	Percentage float64   `json:"percentage"`
	Direction  Direction `json:"direction"`
}

// Diff compares every field of current against previous. A field missing
// from previous counts as zero. With no previous snapshot there is nothing
// to compare and the result is empty.
func Diff(previous, current Snapshot) map[string]Delta {
	deltas := make(map[string]Delta, len(current))
	if previous == nil {
		return deltas
	}
	for field, now := range current {
		before := previous[field]
		absolute := now - before
		deltas[field] = Delta{
			Absolute:   round2(absolute),
			Percentage: percentChange(before, now),
			Direction:  direction(absolute),
		}
	}
	return deltas
}

func percentChange(before, now float64) float64 {
	if before == 0 {
		switch {
		case now > 0:
			return 100
		case now < 0:
			return -100
		default:
			return 0
		}
	}
	return round2((now - before) / math.Abs(before) * 100)
}

func direction(absolute float64) Direction {
	switch {
	case absolute > 0:
		return DirectionUp
	case absolute < 0:
		return DirectionDown
	default:
		return DirectionStable
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
