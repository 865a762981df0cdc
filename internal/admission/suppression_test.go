package admission

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSuppressor_Window(t *testing.T) {
	s := NewSuppressor(16, 60*time.Second)
	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	assert.False(t, s.Seen("KAA001A", "GATE1"))
	assert.True(t, s.Seen("KAA001A", "GATE1"))

	// 59s later, still inside.
	s.now = func() time.Time { return base.Add(59 * time.Second) }
	assert.True(t, s.Seen("KAA001A", "GATE1"))

	// Past the window the plate is a fresh pass. The 59s frame did not
	// extend the window; it starts at the first recorded detection.
	s.now = func() time.Time { return base.Add(61 * time.Second) }
	assert.False(t, s.Seen("KAA001A", "GATE1"))
}

func TestSuppressor_KeyedByPlateAndDevice(t *testing.T) {
	s := NewSuppressor(16, 60*time.Second)

	assert.False(t, s.Seen("KAA001A", "GATE1"))
	// Same plate, other gate: a distinct physical pass.
	assert.False(t, s.Seen("KAA001A", "GATE2"))
	// Other plate, same gate.
	assert.False(t, s.Seen("KBB002B", "GATE1"))
	assert.True(t, s.Seen("KAA001A", "GATE1"))
}

func TestSuppressor_Bounded(t *testing.T) {
	s := NewSuppressor(2, 60*time.Second)

	assert.False(t, s.Seen("A", "G"))
	assert.False(t, s.Seen("B", "G"))
	assert.False(t, s.Seen("C", "G")) // evicts A
	assert.False(t, s.Seen("A", "G"))
}
