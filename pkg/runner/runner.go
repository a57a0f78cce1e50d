// Package runner executes individual pipeline steps. Container steps run
// through the Docker API, image-less steps in a host shell; the sequencer only
// sees the Runner interface.
package runner

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/opnlabs/gantry/pkg/artifacts"
	"github.com/opnlabs/gantry/pkg/models"
	"github.com/opnlabs/gantry/pkg/secrets"
	"github.com/opnlabs/gantry/pkg/utils"
)

// Runner executes a single, fully configured pipeline step.
type Runner interface {
	Run(ctx context.Context) error
}

// Factory builds a configured runner for one step of a pipeline. The
// sequencer uses it so container steps, shell steps and test fakes are
// interchangeable.
type Factory interface {
	Runner(p models.Pipeline, step models.Step) Runner
}

// Options carries the run-wide settings shared by every step of a run.
type Options struct {
	Env               []models.Variable
	Secrets           secrets.Provider
	MountDockerSocket bool
	ShowImagePull     bool
	RegistryUsername  string
	RegistryPassword  string
	Stdout            io.Writer
	Stderr            io.Writer
}

// StepFactory builds DockerRunners for steps with an image and ShellRunners
// for the rest. Step output goes through a colored per-step prefix writer and
// a redacting writer that masks every resolvable secret value.
type StepFactory struct {
	dockerManager artifacts.ArtifactManager
	localManager  artifacts.ArtifactManager
	opts          Options
}

func NewStepFactory(dockerManager, localManager artifacts.ArtifactManager, opts Options) *StepFactory {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	return &StepFactory{
		dockerManager: dockerManager,
		localManager:  localManager,
		opts:          opts,
	}
}

func (f *StepFactory) Runner(p models.Pipeline, step models.Step) Runner {
	stdout := utils.NewColorLogger(step.Name, f.opts.Stdout, true)
	stderr := utils.NewColorLogger(step.Name, f.opts.Stderr, false)
	if f.opts.Secrets != nil {
		values := providerValues(f.opts.Secrets)
		stdout = secrets.NewRedactingWriter(stdout, values)
		stderr = secrets.NewRedactingWriter(stderr, values)
	}

	env := append([]models.Variable{}, step.Variables...)
	env = append(env, f.opts.Env...)

	if step.Image == "" {
		return NewShellRunner(step.Name, f.localManager, ShellRunnerOptions{
			Stdout: stdout,
			Stderr: stderr,
		}).
			WithWorkdir(p.Workdir).
			WithCmd(step.Run).
			WithEnv(env).
			WithSecrets(f.opts.Secrets, step.Secrets).
			CreatesArtifacts(step.Artifacts)
	}

	return NewDockerRunner(step.Name, f.dockerManager, DockerRunnerOptions{
		ShowImagePull:     f.opts.ShowImagePull,
		MountDockerSocket: f.opts.MountDockerSocket,
		Stdout:            stdout,
		Stderr:            stderr,
	}).
		WithImage(step.Image).
		WithSrc(step.Src).
		WithCmd(step.Run).
		WithEntrypoint(step.Entrypoint).
		WithEnv(env).
		WithSecrets(f.opts.Secrets, step.Secrets).
		WithCredentials(f.opts.RegistryUsername, f.opts.RegistryPassword).
		CreatesArtifacts(step.Artifacts)
}

// providerValues collects every resolvable secret value for redaction.
func providerValues(p secrets.Provider) []string {
	values := make([]string, 0)
	for _, name := range p.Names() {
		if v, err := p.Get(name); err == nil {
			values = append(values, v)
		}
	}
	return values
}

// flattenVariables turns workflow variables into KEY=VALUE pairs. Each
// variable entry must hold exactly one key.
func flattenVariables(env []models.Variable) ([]string, error) {
	variables := make([]string, 0, len(env))
	for _, v := range env {
		if len(v) > 1 {
			return nil, fmt.Errorf("variables should be defined as a key value pair, got %v", v)
		}
		for k, val := range v {
			variables = append(variables, fmt.Sprintf("%s=%v", k, val))
		}
	}
	return variables, nil
}
