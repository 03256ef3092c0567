// Package accumulator samples a running counter on an interval and keeps a
// bounded history of the samples.
package accumulator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Sample is the value accumulated during one interval.
type Sample struct {
	Value    int64     `json:"value"`
	StoredAt time.Time `json:"stored_at"`
}

type Accumulator struct {
	Label string

	mu      sync.RWMutex
	samples []Sample

	acc *atomic.Int64

	// Samples to keep before the oldest are discarded.
	storedSamples int

	interval time.Duration
}

// NewAccumulator creates an accumulator. Run must be called to start sampling.
func NewAccumulator(label string, storedSamples int, interval time.Duration) *Accumulator {
	if storedSamples < 1 {
		storedSamples = 1
	}

	return &Accumulator{
		Label:         label,
		samples:       make([]Sample, 0, storedSamples),
		acc:           atomic.NewInt64(0),
		storedSamples: storedSamples,
		interval:      interval,
	}
}

// Increment increments the current interval by 1.
func (ac *Accumulator) Increment() {
	ac.acc.Inc()
}

// IncrementBy increments the current interval by n.
func (ac *Accumulator) IncrementBy(n int64) {
	ac.acc.Add(n)
}

// Pending returns the value accumulated since the last sample.
func (ac *Accumulator) Pending() int64 {
	return ac.acc.Load()
}

// RunOnce stores the current accumulated value as a sample taken at t.
func (ac *Accumulator) RunOnce(t time.Time) {
	value := ac.acc.Swap(0)

	ac.mu.Lock()
	ac.samples = append(ac.samples, Sample{Value: value, StoredAt: t})

	if len(ac.samples) > ac.storedSamples {
		ac.samples = append(ac.samples[:0], ac.samples[len(ac.samples)-ac.storedSamples:]...)
	}
	ac.mu.Unlock()
}

// Run samples every interval until ctx is done.
func (ac *Accumulator) Run(ctx context.Context) {
	t := time.NewTicker(ac.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			ac.RunOnce(now.UTC())
		}
	}
}

// Last returns up to the last n samples.
func (ac *Accumulator) Last(n int) SampleGroup {
	ac.mu.RLock()
	defer ac.mu.RUnlock()

	index := len(ac.samples) - n
	if index < 0 {
		index = 0
	}

	return SampleGroup{Label: ac.Label, Samples: append([]Sample(nil), ac.samples[index:]...)}
}

// Since returns the samples stored after t.
func (ac *Accumulator) Since(t time.Time) SampleGroup {
	ac.mu.RLock()
	defer ac.mu.RUnlock()

	index := len(ac.samples)
	for index > 0 && ac.samples[index-1].StoredAt.After(t) {
		index--
	}

	return SampleGroup{Label: ac.Label, Samples: append([]Sample(nil), ac.samples[index:]...)}
}

// SampleGroup holds a group of samples.
type SampleGroup struct {
	Label   string   `json:"label"`
	Samples []Sample `json:"samples"`
}

// Sum returns the sum of all samples.
func (sg SampleGroup) Sum() int64 {
	var acc int64
	for _, sample := range sg.Samples {
		acc += sample.Value
	}

	return acc
}

// Avg returns the mean sample value, or 0 when there are no samples.
func (sg SampleGroup) Avg() float64 {
	if len(sg.Samples) == 0 {
		return 0
	}

	return float64(sg.Sum()) / float64(len(sg.Samples))
}
