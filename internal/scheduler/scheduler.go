// Package scheduler runs the artifact retention sweep on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/playbook/internal/controlplane"
	"github.com/rendis/playbook/internal/logging"
)

// DefaultSchedule sweeps once an hour.
const DefaultSchedule = "@hourly"

// ArtifactExpirer is the part of the control plane the sweeper needs.
// Satisfied by *controlplane.Registry.
type ArtifactExpirer interface {
	ExpiredArtifacts(ctx context.Context, now time.Time) ([]*controlplane.Artifact, error)
	RemoveArtifactFromIndex(ctx context.Context, id string) error
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	At      time.Time `json:"at"`
	Expired int       `json:"expired"`
	Removed int       `json:"removed"`
	Failed  int       `json:"failed"`
}

// Sweeper removes expired artifacts from the listing index.
type Sweeper struct {
	expirer  ArtifactExpirer
	schedule cron.Schedule
	spec     string
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	sweepMu  sync.Mutex // one sweep at a time
	lastSeen SweepReport
}

// Parser accepts five-field expressions and descriptors such as @hourly.
var Parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NewSweeper parses spec (DefaultSchedule when empty).
func NewSweeper(expirer ArtifactExpirer, spec string, logger *slog.Logger) (*Sweeper, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	schedule, err := Parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", spec, err)
	}
	return &Sweeper{
		expirer:  expirer,
		schedule: schedule,
		spec:     spec,
		logger:   logging.OrDiscard(logger).With("component", "retention"),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// NextRun returns the first scheduled sweep after from.
func (s *Sweeper) NextRun(from time.Time) time.Time {
	return s.schedule.Next(from)
}

// Start launches the background loop. It sweeps once immediately.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return fmt.Errorf("sweeper already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(loopCtx, s.done)
	s.logger.Info("retention sweeper started", slog.String("schedule", s.spec))
	return nil
}

func (s *Sweeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	s.runOnce(ctx)
	for {
		wait := s.NextRun(s.now()).Sub(s.now())
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Sweeper) runOnce(ctx context.Context) {
	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Error("retention sweep failed", slog.String("error", err.Error()))
	}
}

// Sweep removes every artifact expired at the current time. A failure on
// one artifact is logged and the sweep continues.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	report := SweepReport{At: s.now()}
	expired, err := s.expirer.ExpiredArtifacts(ctx, report.At)
	if err != nil {
		return report, fmt.Errorf("list expired artifacts: %w", err)
	}
	report.Expired = len(expired)

	for _, a := range expired {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := s.expirer.RemoveArtifactFromIndex(ctx, a.ID); err != nil {
			report.Failed++
			s.logger.Error("failed to expire artifact",
				slog.String("artifact_id", a.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		report.Removed++
	}

	if report.Expired > 0 {
		s.logger.Info("retention sweep finished",
			slog.Int("expired", report.Expired),
			slog.Int("removed", report.Removed),
			slog.Int("failed", report.Failed),
		)
	}
	s.lastSeen = report
	return report, nil
}

// LastReport returns the result of the most recent sweep.
func (s *Sweeper) LastReport() SweepReport {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()
	return s.lastSeen
}

// Stop shuts the loop down and waits for it.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.logger.Info("retention sweeper stopped")
	return nil
}
