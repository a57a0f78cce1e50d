package gantry

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/opnlabs/gantry/pkg/artifacts"
	"github.com/opnlabs/gantry/pkg/models"
	"github.com/opnlabs/gantry/pkg/pipeline"
	"github.com/opnlabs/gantry/pkg/runner"
	"github.com/opnlabs/gantry/pkg/secrets"
	"github.com/opnlabs/gantry/pkg/store"
	"github.com/opnlabs/gantry/pkg/trigger"
)

const artifactsDir = ".artifacts"

var (
	workflowPath         string
	branch               string
	mountDockerSocket    bool
	showImagePull        bool
	stepTimeout          time.Duration
	envVars              []string
	secretVars           []string
	environmentVariables []models.Variable = make([]models.Variable, 0)
	staticSecrets        secrets.Static    = make(secrets.Static)
	username             string
	password             string
	validate             *validator.Validate = validator.New(validator.WithRequiredStructEnabled())
	logger               *log.Logger
)

var rootCmd = &cobra.Command{
	Use:   "gantry",
	Short: "Gantry is a minimal CI runner",
	Long: `Gantry is a minimal CI runner that executes push-triggered pipelines defined
in a workflow file ( default gantry.yml ). Steps within a pipeline run strictly in
order inside docker containers or a host shell; a failing step fails the run and
skips the remaining steps unless they are guarded with "when: always". Pipelines
triggered by the same push run concurrently and share no state.`,

	Run: func(cmd *cobra.Command, args []string) {
		for _, v := range envVars {
			variables := strings.SplitN(v, "=", 2)
			if len(variables) != 2 {
				logger.Fatalf("variables should be defined as KEY=VALUE: %s", v)
			}

			m := make(map[string]any)
			m[variables[0]] = variables[1]
			environmentVariables = append(environmentVariables, m)
		}

		for _, v := range secretVars {
			parts := strings.SplitN(v, "=", 2)
			if len(parts) != 2 {
				logger.Fatalf("secrets should be defined as KEY=VALUE: %s", v)
			}
			staticSecrets[parts[0]] = parts[1]
		}

		run()
	},
}

func init() {
	logger = log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "gantry",
	})

	rootCmd.Flags().StringVarP(&workflowPath, "workflow-file-path", "f", "gantry.yml", "Path to the workflow file.")
	rootCmd.Flags().StringVarP(&branch, "branch", "b", "main", "Branch of the simulated push event. Decides which pipelines fire.")
	rootCmd.Flags().BoolVarP(&mountDockerSocket, "mount-docker-socket", "m", false, "Mount docker socket. Required to run containers from gantry.")
	rootCmd.Flags().BoolVar(&showImagePull, "show-image-pull", false, "Stream image pull progress into the step output")
	rootCmd.Flags().DurationVarP(&stepTimeout, "step-timeout", "t", pipeline.DefaultStepTimeout, "Timeout applied to every step")
	rootCmd.Flags().StringVarP(&username, "registry-username", "u", "", "Username for the container registry")
	rootCmd.Flags().StringVarP(&password, "registry-password", "p", "", "Password / Token for the container registry")

	rootCmd.Flags().StringArrayVarP(&envVars, "environment-variable", "e", make([]string, 0), "Environment variables. KEY=VALUE")
	rootCmd.Flags().StringArrayVarP(&secretVars, "secret", "s", make([]string, 0), "Secrets. KEY=VALUE, also read from GANTRY_SECRET_* environment variables")

	rootCmd.AddCommand(versionCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func run() {
	ctx := context.Background()
	contents, err := os.ReadFile(filepath.Clean(workflowPath))
	if err != nil {
		logger.Fatal(err)
	}

	var workflow models.Workflow
	err = yaml.Unmarshal(contents, &workflow)
	if err != nil {
		logger.Fatal(err)
	}

	err = validate.Struct(workflow)
	if err != nil {
		logger.Fatalf("Err(s):\n%+v\n", err)
	}

	event := trigger.PushEvent{Branch: branch}
	matched := trigger.Select(workflow, event)
	if len(matched) == 0 {
		logger.Info("no pipelines triggered", "branch", branch)
		return
	}

	provider := secrets.Chain{staticSecrets, secrets.NewEnv()}

	var dockerManager artifacts.ArtifactManager
	if needsDocker(matched) {
		dockerManager = artifacts.NewDockerArtifactsManager(artifactsDir)
	}
	localManager := artifacts.NewLocalArtifactsManager(artifactsDir)

	factory := runner.NewStepFactory(dockerManager, localManager, runner.Options{
		Env:               environmentVariables,
		Secrets:           provider,
		MountDockerSocket: mountDockerSocket,
		ShowImagePull:     showImagePull,
		RegistryUsername:  username,
		RegistryPassword:  password,
		Stdout:            os.Stdout,
		Stderr:            os.Stderr,
	})

	sequencer := pipeline.NewSequencer(factory, store.NewMemStore(), pipeline.SequencerOptions{
		StepTimeout: stepTimeout,
		Logger:      logger,
	})

	runs, err := sequencer.RunAll(ctx, matched, event)
	for _, r := range runs {
		if r == nil {
			continue
		}
		for _, step := range r.Steps {
			logger.Info("step result", "pipeline", r.Pipeline, "step", step.Name, "status", step.Status)
		}
		logger.Info("run result", "pipeline", r.Pipeline, "run", r.ID, "status", r.Status)
	}
	if err != nil {
		logger.Fatal(err)
	}
}

func needsDocker(pipelines []models.Pipeline) bool {
	for _, p := range pipelines {
		for _, step := range p.Steps {
			if step.Image != "" {
				return true
			}
		}
	}
	return false
}
