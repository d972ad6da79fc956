package utils

import (
	"market-streamer/src/models"
)

// Ring buffer feature layout: one row per tick.
const (
	rbNumFeatures = 4
	rbIdxTime     = 0
	rbIdxPrice    = 1
	rbIdxSize     = 2
	rbIdxOI       = 3
)

// -----------------------------------------------------------------------------
// RingBuffer is a fixed-size circular buffer of tick rows.
// True ring buffer - no resizing on append!
// -----------------------------------------------------------------------------

type RingBuffer struct {
	data     [][rbNumFeatures]float64
	capacity int
	index    int // Next write position
	size     int // Current number of elements
}

// -----------------------------------------------------------------------------

// NewRingBuffer creates a new buffer with fixed capacity
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1000 // Default reasonable size
	}

	return &RingBuffer{
		data:     make([][rbNumFeatures]float64, capacity),
		capacity: capacity,
	}
}

// -----------------------------------------------------------------------------

// Append adds one tick (Strict Type)
func (rb *RingBuffer) Append(tick models.MTick) {
	rb.data[rb.index] = [rbNumFeatures]float64{
		float64(tick.Timestamp),
		tick.Price,
		tick.Size,
		tick.OpenInterest,
	}

	rb.index = (rb.index + 1) % rb.capacity

	// Update size (never exceeds capacity)
	if rb.size < rb.capacity {
		rb.size++
	}
}

// -----------------------------------------------------------------------------

// GetLatest returns up to n latest ticks in insertion order (oldest first).
func (rb *RingBuffer) GetLatest(n int) []models.MTick {
	if rb.size == 0 || n <= 0 {
		return []models.MTick{}
	}

	count := n
	if n > rb.size {
		count = rb.size
	}

	result := make([]models.MTick, count)
	startIdx := (rb.index - count + rb.capacity) % rb.capacity

	for i := 0; i < count; i++ {
		idx := (startIdx + i) % rb.capacity
		row := rb.data[idx]
		result[i] = models.MTick{
			Timestamp:    int64(row[rbIdxTime]),
			Price:        row[rbIdxPrice],
			Size:         row[rbIdxSize],
			OpenInterest: row[rbIdxOI],
		}
	}

	return result
}

