// Package sweeper runs the periodic cleanup of expired rate-limit
// windows, replay-cache entries, and rolled-over ledger accounts. The
// stores evict lazily on access; the sweep reclaims entries nothing
// touches again.
package sweeper

import (
	"log"

	"github.com/robfig/cron/v3"
)

// Sweepable is any store that can drop its expired entries and report
// how many it removed.
type Sweepable interface {
	Sweep() int
}

// Func adapts a plain function to Sweepable, for per-tick work such as
// refreshing occupancy gauges.
type Func func() int

// Sweep calls f.
func (f Func) Sweep() int { return f() }

type target struct {
	name  string
	store Sweepable
}

// Sweeper schedules sweeps across registered stores.
type Sweeper struct {
	cron    *cron.Cron
	targets []target
	spec    string
}

// New creates a Sweeper with the given cron spec (e.g. "@every 1m").
func New(spec string) *Sweeper {
	if spec == "" {
		spec = "@every 1m"
	}
	return &Sweeper{
		cron: cron.New(),
		spec: spec,
	}
}

// Register adds a store to the sweep rotation. Must be called before
// Start.
func (s *Sweeper) Register(name string, store Sweepable) {
	s.targets = append(s.targets, target{name: name, store: store})
}

// Start schedules the sweep and begins running it.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.spec, s.sweepAll); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// SweepNow runs one sweep synchronously. Exposed for tests and for the
// admin surface.
func (s *Sweeper) SweepNow() map[string]int {
	removed := make(map[string]int, len(s.targets))
	for _, t := range s.targets {
		removed[t.name] = t.store.Sweep()
	}
	return removed
}

func (s *Sweeper) sweepAll() {
	for name, n := range s.SweepNow() {
		if n > 0 {
			log.Printf("sweeper: removed %d expired entries from %s", n, name)
		}
	}
}
