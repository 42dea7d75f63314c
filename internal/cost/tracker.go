// Package cost tracks token usage and cloud spend for transparency.
package cost

import (
	"sync"
	"time"
)

// BaselineCostPerMillion is the cloud price used to estimate savings.
const BaselineCostPerMillion = 0.50

// Tracker accumulates usage per day. It is safe for concurrent use.
type Tracker struct {
	mu    sync.Mutex
	rates map[string]float64 // cost per 1M tokens by backend
	daily Usage
	total Usage
	now   func() time.Time
}

// Usage is a usage summary.
type Usage struct {
	Date        string         `json:"date,omitempty"`
	Requests    int            `json:"requests"`
	LocalTokens int            `json:"local_tokens"`
	CloudTokens int            `json:"cloud_tokens"`
	CloudCost   float64        `json:"cloud_cost"`
	ByBackend   map[string]int `json:"by_backend,omitempty"`
	LocalRate   float64        `json:"local_rate"`
	Savings     float64        `json:"savings"`
}

// NewTracker creates a tracker with per-backend prices (USD per 1M tokens).
// Unlisted backends are free.
func NewTracker(rates map[string]float64) *Tracker {
	r := make(map[string]float64, len(rates))
	for k, v := range rates {
		r[k] = v
	}
	t := &Tracker{rates: r, now: time.Now}
	t.daily = t.fresh()
	return t
}

func (t *Tracker) fresh() Usage {
	return Usage{Date: t.now().Format("2006-01-02"), ByBackend: make(map[string]int)}
}

// Record records one request handled by backend.
func (t *Tracker) Record(backend string, isLocal bool, tokens int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if today := t.now().Format("2006-01-02"); today != t.daily.Date {
		t.daily = t.fresh()
	}
	if t.total.ByBackend == nil {
		t.total.ByBackend = make(map[string]int)
	}

	cost := 0.0
	if !isLocal {
		cost = float64(tokens) / 1_000_000 * t.rates[backend]
	}
	for _, u := range []*Usage{&t.daily, &t.total} {
		if isLocal {
			u.LocalTokens += tokens
		} else {
			u.CloudTokens += tokens
			u.CloudCost += cost
		}
		u.Requests++
		u.ByBackend[backend] += tokens
	}
}

// Daily returns today's usage.
func (t *Tracker) Daily() Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return summarize(t.daily)
}

// Total returns usage since the tracker was created.
func (t *Tracker) Total() Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return summarize(t.total)
}

// summarize copies u and fills in derived fields.
func summarize(u Usage) Usage {
	byBackend := make(map[string]int, len(u.ByBackend))
	for k, v := range u.ByBackend {
		byBackend[k] = v
	}
	u.ByBackend = byBackend

	total := u.LocalTokens + u.CloudTokens
	if total == 0 {
		return u
	}
	u.LocalRate = float64(u.LocalTokens) / float64(total) * 100
	u.Savings = float64(total)/1_000_000*BaselineCostPerMillion - u.CloudCost
	return u
}
