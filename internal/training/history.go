package training

import "sort"

// History holds per-epoch metric values. Epochs[i] is the global epoch index
// of the i-th entry of every metric series.
type History struct {
	Epochs  []int                `json:"epochs"`
	Metrics map[string][]float64 `json:"metrics"`
}

func NewHistory() *History {
	return &History{Metrics: make(map[string][]float64)}
}

// Append records one completed epoch.
func (h *History) Append(epoch int, logs map[string]float64) {
	h.Epochs = append(h.Epochs, epoch)
	for name, v := range logs {
		h.Metrics[name] = append(h.Metrics[name], v)
	}
}

// Len is the number of recorded epochs.
func (h *History) Len() int { return len(h.Epochs) }

// Series returns the values of one metric.
func (h *History) Series(name string) []float64 { return h.Metrics[name] }

// Last returns the final value of a metric.
func (h *History) Last(name string) (float64, bool) {
	s := h.Metrics[name]
	if len(s) == 0 {
		return 0, false
	}
	return s[len(s)-1], true
}

// Names returns the metric names in sorted order.
func (h *History) Names() []string {
	names := make([]string, 0, len(h.Metrics))
	for name := range h.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Merge concatenates histories in the given order, metric by metric.
func Merge(histories ...*History) *History {
	merged := NewHistory()
	for _, h := range histories {
		if h == nil {
			continue
		}
		merged.Epochs = append(merged.Epochs, h.Epochs...)
		for name, values := range h.Metrics {
			merged.Metrics[name] = append(merged.Metrics[name], values...)
		}
	}
	return merged
}
