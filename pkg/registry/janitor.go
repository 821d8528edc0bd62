package registry

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Janitor periodically sweeps a store on a cron schedule.
type Janitor struct {
	cron  *cron.Cron
	store Sweeper
	log   zerolog.Logger
}

// NewJanitor registers a sweep of store on spec (e.g. "@every 1m").
func NewJanitor(store Sweeper, spec string, log zerolog.Logger) (*Janitor, error) {
	j := &Janitor{
		cron:  cron.New(),
		store: store,
		log:   log.With().Str("component", "registry_janitor").Logger(),
	}
	if _, err := j.cron.AddFunc(spec, j.sweep); err != nil {
		return nil, fmt.Errorf("invalid sweep spec %q: %w", spec, err)
	}
	return j, nil
}

// Start runs the schedule in the background.
func (j *Janitor) Start() {
	j.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to return.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

func (j *Janitor) sweep() {
	if removed := j.store.Sweep(time.Now()); removed > 0 {
		j.log.Info().Int("removed", removed).Msg("Registry swept")
	}
}
