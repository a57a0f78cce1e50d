package runner

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"github.com/opnlabs/gantry/pkg/artifacts"
	"github.com/opnlabs/gantry/pkg/models"
	"github.com/opnlabs/gantry/pkg/secrets"
	"github.com/opnlabs/gantry/pkg/utils"
)

const (
	BuildDir     = ".gantry"
	WorkingDir   = "/workspace"
	dockerSocket = "/var/run/docker.sock"
)

type DockerRunnerOptions struct {
	ShowImagePull     bool
	MountDockerSocket bool
	Stdout            io.Writer
	Stderr            io.Writer
}

// DockerRunner executes one step inside a container. The step's source is
// staged into a per-step directory and bind mounted as the working directory.
type DockerRunner struct {
	name             string
	stepName         string
	image            string
	src              string
	env              []models.Variable
	cmd              []string
	entrypoint       []string
	secretNames      []string
	secretProvider   secrets.Provider
	registryAuth     string
	containerID      string
	workingDirectory string
	artifacts        []string
	artifactManager  artifacts.ArtifactManager
	options          DockerRunnerOptions
}

func NewDockerRunner(name string, artifactManager artifacts.ArtifactManager, options DockerRunnerOptions) *DockerRunner {
	wd, err := os.Getwd()
	if err != nil {
		log.Fatal(err)
	}
	jobName := slug.Make(name) + "-" + uuid.NewString()

	if options.Stdout == nil {
		options.Stdout = os.Stdout
	}
	if options.Stderr == nil {
		options.Stderr = os.Stderr
	}

	return &DockerRunner{
		name:             jobName,
		stepName:         name,
		workingDirectory: wd,
		artifactManager:  artifactManager,
		options:          options,
	}
}

func (d *DockerRunner) WithImage(image string) *DockerRunner {
	d.image = image
	return d
}

func (d *DockerRunner) WithSrc(src string) *DockerRunner {
	if src != "" {
		src = filepath.Clean(src)
	}
	d.src = src
	return d
}

func (d *DockerRunner) WithEnv(env []models.Variable) *DockerRunner {
	d.env = env
	return d
}

func (d *DockerRunner) WithCmd(cmd []string) *DockerRunner {
	d.cmd = cmd
	return d
}

func (d *DockerRunner) WithEntrypoint(entrypoint []string) *DockerRunner {
	d.entrypoint = entrypoint
	return d
}

// WithSecrets declares the secret names resolved into the container
// environment when the step runs.
func (d *DockerRunner) WithSecrets(provider secrets.Provider, names []string) *DockerRunner {
	d.secretProvider = provider
	d.secretNames = names
	return d
}

// WithCredentials sets the registry auth used for the image pull.
func (d *DockerRunner) WithCredentials(username, password string) *DockerRunner {
	if username == "" && password == "" {
		return d
	}
	auth, err := json.Marshal(types.AuthConfig{
		Username: username,
		Password: password,
	})
	if err != nil {
		log.Fatal(err)
	}
	d.registryAuth = base64.URLEncoding.EncodeToString(auth)
	return d
}

func (d *DockerRunner) CreatesArtifacts(artifacts []string) *DockerRunner {
	d.artifacts = artifacts
	return d
}

func (d *DockerRunner) Run(ctx context.Context) error {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("unable to create docker client to create container %s: %v", d.name, err)
	}
	defer cli.Close()

	reader, err := cli.ImagePull(ctx, d.image, types.ImagePullOptions{RegistryAuth: d.registryAuth})
	if err != nil {
		return fmt.Errorf("unable to pull image to create container %s: %v", d.name, err)
	}
	defer reader.Close()
	if d.options.ShowImagePull {
		if _, err := io.Copy(d.options.Stdout, reader); err != nil {
			return fmt.Errorf("unable to read image pull logs for %s: %v", d.name, err)
		}
	} else {
		if _, err := io.Copy(io.Discard, reader); err != nil {
			return fmt.Errorf("unable to read image pull logs for %s: %v", d.name, err)
		}
	}

	env, err := d.environment()
	if err != nil {
		return fmt.Errorf("unable to build environment for %s: %v", d.name, err)
	}

	if err := d.createSrcDirectories(); err != nil {
		return fmt.Errorf("unable to create source directories for %s: %v", d.name, err)
	}

	mounts := []mount.Mount{
		{
			Type:   mount.TypeBind,
			Source: filepath.Join(d.workingDirectory, BuildDir, fmt.Sprintf("src-%s", d.name)),
			Target: WorkingDir,
		},
	}
	if d.options.MountDockerSocket {
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: dockerSocket,
			Target: dockerSocket,
		})
	}

	commandScript := strings.Join(d.cmd, "\n")
	resp, err := cli.ContainerCreate(ctx, &container.Config{
		Image:      d.image,
		Env:        env,
		Entrypoint: d.entrypoint,
		Cmd:        []string{"/bin/sh", "-c", commandScript},
		WorkingDir: WorkingDir,
	}, &container.HostConfig{
		Mounts: mounts,
	}, nil, nil, d.name)
	if err != nil {
		return fmt.Errorf("unable to create container %s: %v", d.name, err)
	}
	d.containerID = resp.ID
	defer cli.ContainerRemove(context.Background(), resp.ID, types.ContainerRemoveOptions{Force: true})

	if err := d.artifactManager.RetrieveArtifact(d.containerID, nil); err != nil {
		return fmt.Errorf("unable to retrieve artifacts for %s: %v", d.name, err)
	}

	if err := cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("unable to start container %s: %v", d.name, err)
	}

	logs, err := cli.ContainerLogs(ctx, resp.ID, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return fmt.Errorf("unable to attach logs for %s: %v", d.name, err)
	}
	defer logs.Close()

	if _, err := io.Copy(d.options.Stdout, logs); err != nil {
		return fmt.Errorf("unable to read container logs from %s: %v", d.name, err)
	}

	statusCh, errCh := cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return fmt.Errorf("error waiting for container %s to stop: %v", d.name, err)
	case status := <-statusCh:
		if status.StatusCode != 0 {
			return fmt.Errorf("step %s exited with code %d", d.stepName, status.StatusCode)
		}
		if err := d.publishArtifacts(); err != nil {
			return fmt.Errorf("unable to publish artifacts for %s: %v", d.name, err)
		}
	case <-ctx.Done():
		return fmt.Errorf("context timed out, stopping container %s", d.name)
	}

	return nil
}

func (d *DockerRunner) environment() ([]string, error) {
	env, err := flattenVariables(d.env)
	if err != nil {
		return nil, err
	}
	resolved, err := secrets.Resolve(d.secretProvider, d.secretNames)
	if err != nil {
		return nil, err
	}
	for k, v := range resolved {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env, nil
}

func (d *DockerRunner) createSrcDirectories() error {
	dst := filepath.Join(BuildDir, fmt.Sprintf("src-%s", d.name))
	if d.src == "" {
		return os.MkdirAll(dst, 0755)
	}
	return utils.TarCopy(d.src, dst, "")
}

func (d *DockerRunner) publishArtifacts() error {
	for _, v := range d.artifacts {
		if _, err := d.artifactManager.PublishArtifact(d.containerID, filepath.Join(WorkingDir, v)); err != nil {
			return err
		}
	}
	return nil
}
