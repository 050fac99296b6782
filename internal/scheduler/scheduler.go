// Package scheduler runs the API process's housekeeping on cron schedules:
// trimming the control journal and exporting how stale each resource is.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"qalgo-terminal/internal/resource"
	"qalgo-terminal/internal/storage"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Pruner trims old journal entries; *storage.Journal satisfies it.
type Pruner interface {
	Prune(keep int) (int, error)
}

// Clock reports when a resource was last written; storage.Store satisfies it.
type Clock interface {
	ModTime(ctx context.Context, name string) (time.Time, error)
}

// Metrics is the subset of metrics.MetricsWrapper the jobs report to.
type Metrics interface {
	ResourceAgeSet(resource string, age time.Duration)
}

type Options struct {
	Parser      cron.ScheduleParser
	Journal     Pruner // nil skips pruning
	JournalKeep int
	Store       Clock
	Resources   []resource.Resource
	Metrics     Metrics
}

// Scheduler manages all cron jobs.
type Scheduler struct {
	Cron *cron.Cron

	journal   Pruner
	keep      int
	store     Clock
	resources []resource.Resource
	metrics   Metrics
	now       func() time.Time
}

func New(opts Options) *Scheduler {
	logger := zerologAdapter{}
	cronOpts := []cron.Option{
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	}
	if opts.Parser != nil {
		cronOpts = append(cronOpts, cron.WithParser(opts.Parser))
	} else {
		cronOpts = append(cronOpts, cron.WithSeconds())
	}

	return &Scheduler{
		Cron:      cron.New(cronOpts...),
		journal:   opts.Journal,
		keep:      opts.JournalKeep,
		store:     opts.Store,
		resources: opts.Resources,
		metrics:   opts.Metrics,
		now:       time.Now,
	}
}

// RegisterAll registers the journal prune and staleness jobs.
func (s *Scheduler) RegisterAll(pruneSpec, stalenessSpec string) error {
	if s.journal != nil {
		if _, err := s.Cron.AddFunc(pruneSpec, s.PruneJournal); err != nil {
			return fmt.Errorf("register journal prune: %w", err)
		}
	} else {
		log.Info().Msg("Control journal disabled, skipping prune job")
	}
	if _, err := s.Cron.AddFunc(stalenessSpec, s.UpdateResourceAges); err != nil {
		return fmt.Errorf("register staleness check: %w", err)
	}
	return nil
}

func (s *Scheduler) Start() {
	s.Cron.Start()
	log.Info().Int("jobs", len(s.Cron.Entries())).Msg("Scheduler started")
}

// Stop stops scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.Cron.Stop().Done()
	log.Info().Msg("Scheduler stopped")
}

// PruneJournal keeps only the newest JournalKeep control writes.
func (s *Scheduler) PruneJournal() {
	if s.journal == nil {
		return
	}
	removed, err := s.journal.Prune(s.keep)
	if err != nil {
		log.Error().Err(err).Msg("Journal prune failed")
		return
	}
	if removed > 0 {
		log.Info().Int("removed", removed).Int("keep", s.keep).Msg("Pruned control journal")
	}
}

// UpdateResourceAges exports the time since each resource was written.
// Resources that do not exist yet are left unset.
func (s *Scheduler) UpdateResourceAges() {
	if s.store == nil || s.metrics == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := s.now()
	for _, res := range s.resources {
		mod, err := s.store.ModTime(ctx, res.Path)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			log.Warn().Err(err).Str("resource", res.Name).Msg("Failed to stat resource")
			continue
		}
		age := now.Sub(mod)
		if age < 0 {
			age = 0
		}
		s.metrics.ResourceAgeSet(res.Name, age)
	}
}

// zerologAdapter routes cron's own logging through zerolog.
type zerologAdapter struct{}

func (zerologAdapter) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (zerologAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
