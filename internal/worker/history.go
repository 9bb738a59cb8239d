package worker

import (
	"sync"
	"time"
)

// InferenceRecord is one completed (or failed) inference attempt.
type InferenceRecord struct {
	InferenceID    string        `json:"inferenceId"`
	ModelID        string        `json:"modelId"`
	ProcessingTime time.Duration `json:"processingTime"`
	Timestamp      time.Time     `json:"timestamp"`
	Success        bool          `json:"success"`
	Error          string        `json:"error,omitempty"`
}

// HistoryStats aggregates over the retained window.
type HistoryStats struct {
	Count        int           `json:"count"`
	SuccessCount int           `json:"successCount"`
	FailureCount int           `json:"failureCount"`
	AverageTime  time.Duration `json:"averageTime"`
}

// History is a fixed-size ring of inference records. Once full, each append
// overwrites the oldest entry, so statistics cover the window rather than
// all-time.
type History struct {
	mu      sync.Mutex
	records []InferenceRecord
	next    int
	full    bool
}

// NewHistory returns a ring holding up to capacity records.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 10000
	}
	return &History{records: make([]InferenceRecord, capacity)}
}

// Append stores a record, evicting the oldest when the ring is full.
func (h *History) Append(rec InferenceRecord) {
	h.mu.Lock()
	h.records[h.next] = rec
	h.next++
	if h.next == len(h.records) {
		h.next = 0
		h.full = true
	}
	h.mu.Unlock()
}

// Len reports how many records are retained.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.full {
		return len(h.records)
	}
	return h.next
}

// Recent returns up to n records, newest first.
func (h *History) Recent(n int) []InferenceRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	size := h.next
	if h.full {
		size = len(h.records)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]InferenceRecord, 0, n)
	idx := h.next - 1
	for len(out) < n {
		if idx < 0 {
			idx = len(h.records) - 1
		}
		out = append(out, h.records[idx])
		idx--
	}
	return out
}

// Stats computes aggregates over the retained window.
func (h *History) Stats() HistoryStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	size := h.next
	if h.full {
		size = len(h.records)
	}
	st := HistoryStats{Count: size}
	var total time.Duration
	for i := 0; i < size; i++ {
		rec := h.records[i]
		if rec.Success {
			st.SuccessCount++
		} else {
			st.FailureCount++
		}
		total += rec.ProcessingTime
	}
	if size > 0 {
		st.AverageTime = total / time.Duration(size)
	}
	return st
}
