package utils

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Window is a fixed-size ring of the most recent offset samples.
// It is not safe for concurrent use; owners guard it with their own lock.
type Window struct {
	data      []float64
	size      int
	nextIndex int
	full      bool
}

// NewWindow creates a Window holding at most size samples.
func NewWindow(size int) *Window {
	if size < 1 {
		size = 1
	}
	return &Window{
		data: make([]float64, size),
		size: size,
	}
}

// values returns the populated portion of the ring.
func (w *Window) values() []float64 {
	if w.full {
		return w.data
	}
	return w.data[:w.nextIndex]
}

// Len returns how many samples are currently held.
func (w *Window) Len() int {
	if w.full {
		return w.size
	}
	return w.nextIndex
}

// Size returns the capacity.
func (w *Window) Size() int {
	return w.size
}

// Full reports whether the ring has wrapped at least once.
func (w *Window) Full() bool {
	return w.full
}

// Insert adds v, overwriting the oldest sample once the window is full.
func (w *Window) Insert(v float64) {
	w.data[w.nextIndex] = v
	w.nextIndex = (w.nextIndex + 1) % w.size
	if !w.full && w.nextIndex == 0 {
		w.full = true
	}
}

// LastInserted returns the most recent sample, 0 when empty.
func (w *Window) LastInserted() float64 {
	if w.Len() == 0 {
		return 0
	}
	lastIndex := w.nextIndex - 1
	if lastIndex < 0 {
		lastIndex = w.size - 1
	}
	return w.data[lastIndex]
}

// RMS returns the root-mean-square of the held samples.
func (w *Window) RMS() float64 {
	vals := w.values()
	if len(vals) == 0 {
		return 0
	}
	squares := make([]float64, len(vals))
	for i, v := range vals {
		squares[i] = v * v
	}
	return math.Sqrt(stat.Mean(squares, nil))
}

// Mean returns the arithmetic mean of the held samples.
func (w *Window) Mean() float64 {
	vals := w.values()
	if len(vals) == 0 {
		return 0
	}
	return stat.Mean(vals, nil)
}

// StdDev returns the sample standard deviation.
func (w *Window) StdDev() float64 {
	vals := w.values()
	if len(vals) < 2 {
		return 0
	}
	return stat.StdDev(vals, nil)
}

// AbsMax returns the largest absolute sample.
func (w *Window) AbsMax() float64 {
	var m float64
	for _, f := range w.values() {
		m = math.Max(m, math.Abs(f))
	}
	return m
}

// Reset drops every sample.
func (w *Window) Reset() {
	w.nextIndex = 0
	w.full = false
}
