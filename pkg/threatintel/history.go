package threatintel

import (
	"strings"
	"sync"
	"time"
)

// Observation counts what one correlation pass saw in a category such as
// "actor:apt29", "sector:finance", "type:ip" or "campaign:<actor>".
type Observation struct {
	At       time.Time `json:"at"`
	Category string    `json:"category"`
	Count    int       `json:"count"`
}

// History is a bounded ring of observations, oldest overwritten first.
type History struct {
	mu   sync.RWMutex
	buf  []Observation
	next int
	full bool
}

// NewHistory creates a ring holding up to size observations.
func NewHistory(size int) *History {
	if size <= 0 {
		size = 1
	}
	return &History{buf: make([]Observation, size)}
}

// Record appends observations.
func (h *History) Record(obs ...Observation) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, o := range obs {
		h.buf[h.next] = o
		h.next = (h.next + 1) % len(h.buf)
		if h.next == 0 {
			h.full = true
		}
	}
}

// Since returns observations at or after t in chronological order.
func (h *History) Since(t time.Time) []Observation {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []Observation
	start, n := 0, h.next
	if h.full {
		start, n = h.next, len(h.buf)
	}
	for k := 0; k < n; k++ {
		o := h.buf[(start+k)%len(h.buf)]
		if !o.At.Before(t) {
			out = append(out, o)
		}
	}
	return out
}

// Len returns the number of stored observations.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.full {
		return len(h.buf)
	}
	return h.next
}

// observe counts categories of newly created indicators.
func observe(snap *Snapshot, created []string, at time.Time) []Observation {
	counts := map[string]int{}
	var order []string
	inc := func(cat string) {
		if _, ok := counts[cat]; !ok {
			order = append(order, cat)
		}
		counts[cat]++
	}
	for _, id := range created {
		i, ok := snap.iocs[id]
		if !ok {
			continue
		}
		inc("type:" + string(i.Type))
		if i.Context.Actor != "" {
			actor := strings.ToLower(i.Context.Actor)
			if a, ok := snap.ResolveActor(i.Context.Actor); ok {
				actor = a.ID
			}
			inc("actor:" + actor)
		}
		for _, s := range i.Context.Sectors {
			inc("sector:" + strings.ToLower(s))
		}
	}
	out := make([]Observation, 0, len(order))
	for _, cat := range order {
		out = append(out, Observation{At: at, Category: cat, Count: counts[cat]})
	}
	return out
}
