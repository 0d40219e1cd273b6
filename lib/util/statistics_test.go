package util

import (
	"testing"
)

func TestSizeHistogram(t *testing.T) {
	h := NewSizeHistogram()
	if h.Median() != 0 || h.AverageSize() != 0 {
		t.Error("empty histogram should report zero")
	}

	for i := 0; i < 90; i++ {
		h.AddSample(10) // first bucket
	}
	for i := 0; i < 10; i++ {
		h.AddSample(2000) // (1KB, 4KB]
	}

	if h.Count() != 100 {
		t.Errorf("expected 100 samples, got %d", h.Count())
	}
	if h.Total() != 90*10+10*2000 {
		t.Errorf("unexpected total %d", h.Total())
	}
	if h.Median() != 8 {
		t.Errorf("expected median estimate 8, got %d", h.Median())
	}
	if p := h.Percentile(99); p != (1024+4096)/2 {
		t.Errorf("expected p99 estimate %d, got %d", (1024+4096)/2, p)
	}

	h.AddSample(8 << 30)
	if p := h.Percentile(100); p != 8<<30 {
		t.Errorf("expected overflow bucket estimate, got %d", p)
	}

	h.Reset()
	if h.Count() != 0 {
		t.Error("reset did not clear the histogram")
	}
}
