package pipeline

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/opnlabs/gantry/pkg/models"
	"github.com/opnlabs/gantry/pkg/runner"
	"github.com/opnlabs/gantry/pkg/secrets"
	"github.com/opnlabs/gantry/pkg/store"
	"github.com/opnlabs/gantry/pkg/trigger"
)

type fakeRunner struct {
	factory *fakeFactory
	step    models.Step
}

func (r *fakeRunner) Run(ctx context.Context) error {
	r.factory.mu.Lock()
	defer r.factory.mu.Unlock()

	r.factory.calls = append(r.factory.calls, r.step.Name)
	r.factory.counts[r.step.Name]++
	if r.factory.provider != nil {
		resolved, err := secrets.Resolve(r.factory.provider, r.step.Secrets)
		if err != nil {
			return err
		}
		r.factory.resolved[r.step.Name] = resolved
	}
	return r.factory.fail[r.step.Name]
}

// fakeFactory records every step invocation in order, optionally resolving the
// step's declared secrets the way a real runner would.
type fakeFactory struct {
	mu       sync.Mutex
	fail     map[string]error
	provider secrets.Provider
	calls    []string
	counts   map[string]int
	resolved map[string]map[string]string
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		fail:     make(map[string]error),
		counts:   make(map[string]int),
		resolved: make(map[string]map[string]string),
	}
}

func (f *fakeFactory) Runner(p models.Pipeline, step models.Step) runner.Runner {
	return &fakeRunner{factory: f, step: step}
}

func loadWorkflow(t *testing.T) models.Workflow {
	t.Helper()
	contents, err := os.ReadFile("testdata/workflow.yml")
	require.NoError(t, err)

	var w models.Workflow
	require.NoError(t, yaml.Unmarshal(contents, &w))
	return w
}

func pipelineByName(t *testing.T, w models.Workflow, name string) models.Pipeline {
	t.Helper()
	for _, p := range w.Pipelines {
		if p.Name == name {
			return p
		}
	}
	t.Fatalf("pipeline %s not defined", name)
	return models.Pipeline{}
}

func stepNames(steps []models.Step) []string {
	names := make([]string, 0, len(steps))
	for _, s := range steps {
		names = append(names, s.Name)
	}
	return names
}

func TestRunExecutesStepsInOrder(t *testing.T) {
	factory := newFakeFactory()
	runs := store.NewMemStore()
	sequencer := NewSequencer(factory, runs, SequencerOptions{})

	p := models.Pipeline{
		Name: "build",
		Steps: []models.Step{
			{Name: "first", Run: []string{"true"}},
			{Name: "second", Run: []string{"true"}},
			{Name: "third", Run: []string{"true"}},
		},
	}

	run, err := sequencer.Run(context.Background(), p, trigger.PushEvent{Branch: "main"})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, factory.calls)
	assert.Equal(t, models.StatusSucceeded, run.Status)
	for _, s := range run.Steps {
		assert.Equal(t, models.StatusSucceeded, s.Status)
	}

	recorded, err := runs.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, recorded.(*models.Run).Status)
}

func TestRunFailureSkipsRemainingSteps(t *testing.T) {
	factory := newFakeFactory()
	factory.fail["second"] = errors.New("exit status 1")
	sequencer := NewSequencer(factory, store.NewMemStore(), SequencerOptions{})

	p := models.Pipeline{
		Name: "build",
		Steps: []models.Step{
			{Name: "first", Run: []string{"true"}},
			{Name: "second", Run: []string{"false"}},
			{Name: "third", Run: []string{"true"}},
			{Name: "cleanup", Run: []string{"true"}, When: models.ConditionAlways},
		},
	}

	run, err := sequencer.Run(context.Background(), p, trigger.PushEvent{Branch: "main"})
	require.Error(t, err)
	assert.Equal(t, models.StatusFailed, run.Status)

	assert.Equal(t, models.StatusSucceeded, run.Steps[0].Status)
	assert.Equal(t, models.StatusFailed, run.Steps[1].Status)
	assert.Equal(t, models.StatusSkipped, run.Steps[2].Status)
	assert.Equal(t, models.StatusSucceeded, run.Steps[3].Status)

	assert.Zero(t, factory.counts["third"], "skipped step must not be invoked")
	assert.Equal(t, 1, factory.counts["cleanup"], "always-guarded step must run after a failure")
}

func TestWorkflowStepOrder(t *testing.T) {
	w := loadWorkflow(t)

	test := pipelineByName(t, w, "test")
	assert.Equal(t, []string{
		"checkout", "runtime-setup", "authenticate", "upgrade-pip",
		"install-dependencies", "install-pre-commit", "run-pre-commit",
		"run-tests", "generate-coverage", "upload-coverage",
	}, stepNames(test.Steps))

	deploy := pipelineByName(t, w, "deploy")
	assert.Equal(t, []string{
		"checkout", "runtime-setup", "install-dependencies",
		"authenticate", "run-tests", "conditional-deploy",
	}, stepNames(deploy.Steps))
}

func TestWorkflowTriggers(t *testing.T) {
	w := loadWorkflow(t)

	matched := trigger.Select(w, trigger.PushEvent{Branch: "main"})
	require.Len(t, matched, 2)
	assert.Equal(t, "test", matched[0].Name)
	assert.Equal(t, "deploy", matched[1].Name)

	matched = trigger.Select(w, trigger.PushEvent{Branch: "feature/login"})
	require.Len(t, matched, 1)
	assert.Equal(t, "test", matched[0].Name)
}

func TestDeployWithheldWhenTestsFail(t *testing.T) {
	w := loadWorkflow(t)
	deploy := pipelineByName(t, w, "deploy")

	factory := newFakeFactory()
	factory.provider = secrets.Static{
		"GCP_SA_KEY":     "service-account-key",
		"GCP_PROJECT_ID": "sample-project",
	}
	factory.fail["run-tests"] = errors.New("2 tests failed")
	sequencer := NewSequencer(factory, store.NewMemStore(), SequencerOptions{})

	run, err := sequencer.Run(context.Background(), deploy, trigger.PushEvent{Branch: "main"})
	require.Error(t, err)
	assert.Equal(t, models.StatusFailed, run.Status)
	assert.Zero(t, factory.counts["conditional-deploy"], "deployment must record zero invocations")
	assert.Equal(t, models.StatusSkipped, run.Steps[len(run.Steps)-1].Status)
}

func TestDeployInvokedOnceOnSuccess(t *testing.T) {
	w := loadWorkflow(t)
	deploy := pipelineByName(t, w, "deploy")

	factory := newFakeFactory()
	factory.provider = secrets.Static{
		"GCP_SA_KEY":     "service-account-key",
		"GCP_PROJECT_ID": "sample-project",
	}
	sequencer := NewSequencer(factory, store.NewMemStore(), SequencerOptions{})

	run, err := sequencer.Run(context.Background(), deploy, trigger.PushEvent{Branch: "main"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, run.Status)
	assert.Equal(t, 1, factory.counts["conditional-deploy"])
	assert.Equal(t, "sample-project", factory.resolved["conditional-deploy"]["GCP_PROJECT_ID"])
}

func TestRunAllKeepsPipelinesIndependent(t *testing.T) {
	w := loadWorkflow(t)

	factory := newFakeFactory()
	factory.provider = secrets.Static{
		"GCP_SA_KEY":     "service-account-key",
		"GCP_PROJECT_ID": "sample-project",
		"CODECOV_TOKEN":  "token",
	}
	factory.fail["run-pre-commit"] = errors.New("hook failed")
	sequencer := NewSequencer(factory, store.NewMemStore(), SequencerOptions{})

	event := trigger.PushEvent{Branch: "main"}
	runs, err := sequencer.RunAll(context.Background(), trigger.Select(w, event), event)
	require.Error(t, err)
	require.Len(t, runs, 2)

	// The pre-commit hook only exists in the test pipeline; its failure must
	// not leak into the deploy run.
	byName := make(map[string]*models.Run)
	for _, r := range runs {
		require.NotNil(t, r)
		byName[r.Pipeline] = r
	}
	assert.Equal(t, models.StatusFailed, byName["test"].Status)
	assert.Equal(t, models.StatusSucceeded, byName["deploy"].Status)
}

func TestStepTimeout(t *testing.T) {
	factory := &slowFactory{block: 5 * time.Second}
	sequencer := NewSequencer(factory, store.NewMemStore(), SequencerOptions{StepTimeout: 10 * time.Millisecond})

	p := models.Pipeline{
		Name:  "slow",
		Steps: []models.Step{{Name: "sleep", Run: []string{"sleep 5"}}},
	}

	run, err := sequencer.Run(context.Background(), p, trigger.PushEvent{Branch: "main"})
	require.Error(t, err)
	assert.Equal(t, models.StatusFailed, run.Status)
}

type slowFactory struct {
	block time.Duration
}

func (f *slowFactory) Runner(p models.Pipeline, step models.Step) runner.Runner {
	return &slowRunner{block: f.block}
}

type slowRunner struct {
	block time.Duration
}

func (r *slowRunner) Run(ctx context.Context) error {
	select {
	case <-time.After(r.block):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
