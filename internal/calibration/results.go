package calibration

import (
	"math"
	"sync"

	"github.com/mikeyg42/toolalign/internal/machine"
)

// ToolOffsetResult is the accepted offset for one tool on one cycle.
type ToolOffsetResult struct {
	Tool    int     `json:"tool"`
	Cycle   int     `json:"cycle"`
	MPP     float64 `json:"mpp"`
	X       float64 `json:"X"`
	Y       float64 `json:"Y"`
	Elapsed float64 `json:"time"`
}

// Command returns the G10 line that applies this result.
func (r ToolOffsetResult) Command() string {
	return machine.OffsetCommand(r.Tool, r.X, r.Y)
}

// ResultsList is the session-wide ordered result log. Results are only
// removed by Reset.
type ResultsList struct {
	mu      sync.RWMutex
	results []ToolOffsetResult
}

// Append adds a result at the end of the list.
func (l *ResultsList) Append(r ToolOffsetResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results = append(l.results, r)
}

// All returns a copy of the results in insertion order.
func (l *ResultsList) All() []ToolOffsetResult {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]ToolOffsetResult(nil), l.results...)
}

// Len returns the number of stored results.
func (l *ResultsList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.results)
}

// Reset clears the list.
func (l *ResultsList) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results = nil
}

// Latest returns the most recent result per tool, in first-seen tool order.
func (l *ResultsList) Latest() []ToolOffsetResult {
	l.mu.RLock()
	defer l.mu.RUnlock()

	index := make(map[int]int)
	var latest []ToolOffsetResult
	for _, r := range l.results {
		if i, ok := index[r.Tool]; ok {
			latest[i] = r
			continue
		}
		index[r.Tool] = len(latest)
		latest = append(latest, r)
	}
	return latest
}

// AxisStats summarizes repeated measurements along one axis.
type AxisStats struct {
	Avg    float64 `json:"avg"`
	Max    float64 `json:"max"`
	Min    float64 `json:"min"`
	StdDev float64 `json:"stddev"`
	Range  float64 `json:"range"`
}

// ToolStats is the repeatability summary for one tool across cycles.
type ToolStats struct {
	Tool    int       `json:"tool"`
	Cycles  int       `json:"cycles"`
	X       AxisStats `json:"X"`
	Y       AxisStats `json:"Y"`
	MeanMPP float64   `json:"mpp"`
}

// Stats computes per-tool repeatability, tools in first-seen order.
func Stats(results []ToolOffsetResult) []ToolStats {
	order := []int{}
	byTool := make(map[int][]ToolOffsetResult)
	for _, r := range results {
		if _, ok := byTool[r.Tool]; !ok {
			order = append(order, r.Tool)
		}
		byTool[r.Tool] = append(byTool[r.Tool], r)
	}

	stats := make([]ToolStats, 0, len(order))
	for _, tool := range order {
		rs := byTool[tool]
		xs := make([]float64, len(rs))
		ys := make([]float64, len(rs))
		mpp := 0.0
		for i, r := range rs {
			xs[i] = r.X
			ys[i] = r.Y
			mpp += r.MPP
		}
		stats = append(stats, ToolStats{
			Tool:    tool,
			Cycles:  len(rs),
			X:       axisStats(xs),
			Y:       axisStats(ys),
			MeanMPP: mpp / float64(len(rs)),
		})
	}
	return stats
}

func axisStats(vs []float64) AxisStats {
	s := AxisStats{Max: vs[0], Min: vs[0]}
	sum := 0.0
	for _, v := range vs {
		sum += v
		s.Max = math.Max(s.Max, v)
		s.Min = math.Min(s.Min, v)
	}
	s.Avg = sum / float64(len(vs))

	variance := 0.0
	for _, v := range vs {
		diff := v - s.Avg
		variance += diff * diff
	}
	s.StdDev = math.Sqrt(variance / float64(len(vs)))
	s.Range = s.Max - s.Min
	return s
}
