package preimage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/docstream/hlc"
	"github.com/maxpert/docstream/telemetry"
)

// TrimFunc removes data older than a token and returns how many entries went
type TrimFunc func(ctx context.Context, before uint64) (int, error)

// JanitorConfig configures retention
type JanitorConfig struct {
	Retention time.Duration
	Interval  time.Duration
	// Trimmers run after pre-image compaction with the same cutoff
	Trimmers map[string]TrimFunc
	// Now defaults to time.Now
	Now func() time.Time
	// Horizon returns the newest issued token. After a restart the clock can
	// run ahead of the wall clock; the window is then measured from the
	// newest token instead of from Now.
	Horizon func() uint64
}

// Janitor periodically removes pre-images older than the retention window.
// A consumer positioned further back than the window sees compacted records
// as never captured.
type Janitor struct {
	store  *Store
	config JanitorConfig

	lifecycleMu sync.Mutex
	running     bool
	stopCh      chan struct{}
	doneCh      chan struct{}
}

// NewJanitor creates a janitor for store
func NewJanitor(store *Store, config JanitorConfig) (*Janitor, error) {
	if config.Retention <= 0 {
		return nil, fmt.Errorf("retention must be positive")
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Janitor{store: store, config: config}, nil
}

// Cutoff returns the token below which records are expired
func (j *Janitor) Cutoff() uint64 {
	now := j.config.Now()
	if j.config.Horizon != nil {
		if newest := hlc.TokenTime(j.config.Horizon()); newest.After(now) {
			now = newest
		}
	}
	return hlc.TokenFloor(now.Add(-j.config.Retention))
}

// RunOnce performs a single retention pass
func (j *Janitor) RunOnce(ctx context.Context) (int, error) {
	before := j.Cutoff()

	removed, err := j.store.Compact(ctx, before)
	if err != nil {
		telemetry.JanitorRunsTotal.With("failed").Inc()
		return 0, fmt.Errorf("pre-image compaction failed: %w", err)
	}
	telemetry.JanitorDeletedTotal.Add(float64(removed))

	for name, trim := range j.config.Trimmers {
		n, err := trim(ctx, before)
		if err != nil {
			telemetry.JanitorRunsTotal.With("failed").Inc()
			return removed, fmt.Errorf("%s trim failed: %w", name, err)
		}
		if n > 0 {
			log.Debug().Str("trimmer", name).Int("removed", n).Msg("Trimmed expired entries")
		}
	}

	telemetry.JanitorRunsTotal.With("success").Inc()
	if removed > 0 {
		log.Info().
			Int("removed", removed).
			Time("cutoff", hlc.TokenTime(before)).
			Msg("Pre-image retention pass complete")
	}
	return removed, nil
}

// Start runs retention every Interval until Stop. A zero interval disables it.
func (j *Janitor) Start() {
	j.lifecycleMu.Lock()
	defer j.lifecycleMu.Unlock()

	if j.running || j.config.Interval <= 0 {
		return
	}
	j.running = true
	j.stopCh = make(chan struct{})
	j.doneCh = make(chan struct{})

	log.Info().
		Dur("retention", j.config.Retention).
		Dur("interval", j.config.Interval).
		Msg("Starting pre-image janitor")

	go j.loop()
}

// Stop stops the janitor and waits for an in-flight pass
func (j *Janitor) Stop() {
	j.lifecycleMu.Lock()
	defer j.lifecycleMu.Unlock()

	if !j.running {
		return
	}
	close(j.stopCh)
	<-j.doneCh
	j.running = false
}

func (j *Janitor) loop() {
	defer close(j.doneCh)

	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-j.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-j.stopCh:
			return
		case <-ticker.C:
			if _, err := j.RunOnce(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("Pre-image retention pass failed")
			}
		}
	}
}
