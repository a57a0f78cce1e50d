package runner

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"github.com/opnlabs/gantry/pkg/artifacts"
	"github.com/opnlabs/gantry/pkg/models"
	"github.com/opnlabs/gantry/pkg/secrets"
)

type ShellRunnerOptions struct {
	Stdout io.Writer
	Stderr io.Writer
}

// ShellRunner executes one step on the host through `sh -c`. The step script
// lines run as a single shell program, so a failing line aborts the step with
// the shell's exit code.
type ShellRunner struct {
	name            string
	stepName        string
	workdir         string
	env             []models.Variable
	cmd             []string
	secretNames     []string
	secretProvider  secrets.Provider
	artifacts       []string
	artifactManager artifacts.ArtifactManager
	options         ShellRunnerOptions
}

func NewShellRunner(name string, artifactManager artifacts.ArtifactManager, options ShellRunnerOptions) *ShellRunner {
	jobName := slug.Make(name) + "-" + uuid.NewString()

	if options.Stdout == nil {
		options.Stdout = os.Stdout
	}
	if options.Stderr == nil {
		options.Stderr = os.Stderr
	}

	return &ShellRunner{
		name:            jobName,
		stepName:        name,
		workdir:         ".",
		artifactManager: artifactManager,
		options:         options,
	}
}

func (s *ShellRunner) WithWorkdir(workdir string) *ShellRunner {
	if workdir != "" {
		s.workdir = filepath.Clean(workdir)
	}
	return s
}

func (s *ShellRunner) WithCmd(cmd []string) *ShellRunner {
	s.cmd = cmd
	return s
}

func (s *ShellRunner) WithEnv(env []models.Variable) *ShellRunner {
	s.env = env
	return s
}

// WithSecrets declares the secret names resolved into the step environment
// when the step runs.
func (s *ShellRunner) WithSecrets(provider secrets.Provider, names []string) *ShellRunner {
	s.secretProvider = provider
	s.secretNames = names
	return s
}

func (s *ShellRunner) CreatesArtifacts(artifacts []string) *ShellRunner {
	s.artifacts = artifacts
	return s
}

func (s *ShellRunner) Run(ctx context.Context) error {
	env, err := flattenVariables(s.env)
	if err != nil {
		return fmt.Errorf("unable to build environment for %s: %v", s.name, err)
	}
	resolved, err := secrets.Resolve(s.secretProvider, s.secretNames)
	if err != nil {
		return fmt.Errorf("unable to resolve secrets for %s: %v", s.name, err)
	}
	for k, v := range resolved {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	script := strings.Join(s.cmd, "\n")
	cmd := exec.CommandContext(ctx, "sh", "-c", script)
	cmd.Dir = s.workdir
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = s.options.Stdout
	cmd.Stderr = s.options.Stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("context timed out, stopping step %s", s.stepName)
		}
		return fmt.Errorf("step %s failed: %v", s.stepName, err)
	}

	return s.publishArtifacts()
}

func (s *ShellRunner) publishArtifacts() error {
	for _, v := range s.artifacts {
		if _, err := s.artifactManager.PublishArtifact(s.name, filepath.Join(s.workdir, v)); err != nil {
			return err
		}
	}
	return nil
}
