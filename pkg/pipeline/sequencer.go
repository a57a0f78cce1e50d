// Package pipeline executes a pipeline's steps strictly in declared order and
// records per-step and aggregate run status.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"golang.org/x/sync/errgroup"

	"github.com/opnlabs/gantry/pkg/models"
	"github.com/opnlabs/gantry/pkg/runner"
	"github.com/opnlabs/gantry/pkg/store"
	"github.com/opnlabs/gantry/pkg/trigger"
)

// DefaultStepTimeout bounds a single step. Runs have no timeout of their own;
// a run ends when its last runnable step ends.
const DefaultStepTimeout = time.Hour

type SequencerOptions struct {
	StepTimeout time.Duration
	Logger      *log.Logger
}

// Sequencer executes pipelines one step at a time. Every status transition is
// written through the run store, so the records always reflect how far a run
// got, even when a step hangs until its timeout.
type Sequencer struct {
	factory     runner.Factory
	runs        store.Store
	logger      *log.Logger
	stepTimeout time.Duration
}

func NewSequencer(factory runner.Factory, runs store.Store, options SequencerOptions) *Sequencer {
	if options.StepTimeout == 0 {
		options.StepTimeout = DefaultStepTimeout
	}
	if options.Logger == nil {
		options.Logger = log.Default()
	}
	return &Sequencer{
		factory:     factory,
		runs:        runs,
		logger:      options.Logger,
		stepTimeout: options.StepTimeout,
	}
}

// Run executes a single pipeline for a push event and returns the finished
// run record. Steps run strictly in order. Once a step fails, subsequent
// steps are skipped unless guarded with ConditionAlways, and the run is
// failed. A skipped step is not a failure: the run succeeds only if every
// step that actually executed succeeded.
//
// There are no retries. Failure is terminal for the run.
func (s *Sequencer) Run(ctx context.Context, p models.Pipeline, ev trigger.PushEvent) (*models.Run, error) {
	run := &models.Run{
		ID:        slug.Make(p.Name) + "-" + uuid.NewString(),
		Pipeline:  p.Name,
		Branch:    ev.Branch,
		Status:    models.StatusPending,
		Steps:     make([]models.StepResult, len(p.Steps)),
		CreatedAt: time.Now(),
	}
	for i, step := range p.Steps {
		run.Steps[i] = models.StepResult{Name: step.Name, Status: models.StatusPending}
	}
	if err := s.runs.Set(run.ID, run); err != nil {
		return nil, fmt.Errorf("unable to record run %s: %v", run.ID, err)
	}

	run.Status = models.StatusRunning
	run.StartedAt = time.Now()
	s.record(run)
	s.logger.Info("pipeline started", "pipeline", p.Name, "branch", ev.Branch, "run", run.ID)

	failed := false
	for i, step := range p.Steps {
		result := &run.Steps[i]

		if failed && step.When != models.ConditionAlways {
			result.Status = models.StatusSkipped
			s.record(run)
			s.logger.Info("step skipped", "pipeline", p.Name, "step", step.Name)
			continue
		}

		result.Status = models.StatusRunning
		result.StartedAt = time.Now()
		s.record(run)
		s.logger.Info("step started", "pipeline", p.Name, "step", step.Name)

		stepCtx, cancel := context.WithTimeout(ctx, s.stepTimeout)
		err := s.factory.Runner(p, step).Run(stepCtx)
		cancel()

		result.FinishedAt = time.Now()
		if err != nil {
			result.Status = models.StatusFailed
			result.Error = err.Error()
			failed = true
			s.logger.Error("step failed", "pipeline", p.Name, "step", step.Name, "err", err)
		} else {
			result.Status = models.StatusSucceeded
			s.logger.Info("step succeeded", "pipeline", p.Name, "step", step.Name)
		}
		s.record(run)
	}

	run.FinishedAt = time.Now()
	run.Status = models.StatusSucceeded
	if failed {
		run.Status = models.StatusFailed
	}
	s.record(run)
	s.logger.Info("pipeline finished", "pipeline", p.Name, "status", run.Status)

	if failed {
		return run, fmt.Errorf("pipeline %s failed", p.Name)
	}
	return run, nil
}

// RunAll executes every pipeline concurrently. Pipelines share no state, so a
// failure in one neither cancels nor affects the others; the returned error
// is the first pipeline failure, after all pipelines have finished.
func (s *Sequencer) RunAll(ctx context.Context, pipelines []models.Pipeline, ev trigger.PushEvent) ([]*models.Run, error) {
	runs := make([]*models.Run, len(pipelines))
	var eg errgroup.Group
	for i, p := range pipelines {
		i, p := i, p
		eg.Go(func() error {
			run, err := s.Run(ctx, p, ev)
			runs[i] = run
			return err
		})
	}
	err := eg.Wait()
	return runs, err
}

func (s *Sequencer) record(run *models.Run) {
	if err := s.runs.Update(run.ID, run); err != nil {
		s.logger.Error("unable to record run status", "run", run.ID, "err", err)
	}
}
