package admission

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Suppressor collapses multi-frame re-detections of one physical pass: a
// detection for the same plate from the same device inside the window is
// discarded silently. Bounded LRU so a noisy camera cannot grow it without
// limit; safe for concurrent use.
type Suppressor struct {
	cache  *lru.Cache[string, time.Time]
	window time.Duration
	now    func() time.Time
}

func NewSuppressor(maxKeys int, window time.Duration) *Suppressor {
	if maxKeys <= 0 {
		maxKeys = 4096
	}
	if window <= 0 {
		window = 60 * time.Second
	}
	c, _ := lru.New[string, time.Time](maxKeys)
	return &Suppressor{cache: c, window: window, now: time.Now}
}

// Seen records the detection and reports whether it falls inside the
// suppression window of a previous one from the same plate/device pair.
func (s *Suppressor) Seen(plate, deviceID string) bool {
	key := suppressionKey(plate, deviceID)
	now := s.now()
	if at, ok := s.cache.Get(key); ok {
		if now.Sub(at) < s.window {
			return true
		}
	}
	s.cache.Add(key, now)
	return false
}

func suppressionKey(plate, deviceID string) string {
	return fmt.Sprintf("%s|%s", plate, deviceID)
}
