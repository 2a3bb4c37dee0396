package health

import "github.com/benmeehan/presence-hub/internal/models"

// ring is a fixed-capacity FIFO of samples for one (component, metric) pair.
type ring struct {
	buf      []models.HealthSample
	start    int
	size     int
	exceeded int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]models.HealthSample, capacity)}
}

// push appends s, evicting the oldest sample when full.
func (r *ring) push(s models.HealthSample) {
	capacity := len(r.buf)
	if r.size < capacity {
		r.buf[(r.start+r.size)%capacity] = s
		r.size++
	} else {
		if r.buf[r.start].ThresholdExceeded {
			r.exceeded--
		}
		r.buf[r.start] = s
		r.start = (r.start + 1) % capacity
	}
	if s.ThresholdExceeded {
		r.exceeded++
	}
}

// newestFirst calls fn from the newest sample backwards until fn returns false.
func (r *ring) newestFirst(fn func(models.HealthSample) bool) {
	capacity := len(r.buf)
	for i := r.size - 1; i >= 0; i-- {
		if !fn(r.buf[(r.start+i)%capacity]) {
			return
		}
	}
}

func (r *ring) latest() (models.HealthSample, bool) {
	if r.size == 0 {
		return models.HealthSample{}, false
	}
	return r.buf[(r.start+r.size-1)%len(r.buf)], true
}
