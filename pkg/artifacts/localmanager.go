package artifacts

import (
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/opnlabs/gantry/pkg/store"
	"github.com/opnlabs/gantry/pkg/utils"
)

// LocalArtifactsManager stages artifacts for host-shell steps as .tar.gz
// archives on the local filesystem. It shares the artifacts directory with
// the docker manager, so it never clears it on construction.
type LocalArtifactsManager struct {
	artifactStore store.Store
	artifactsDir  string
}

func NewLocalArtifactsManager(artifactsDir string) *LocalArtifactsManager {
	if err := os.MkdirAll(artifactsDir, 0755); err != nil {
		log.Fatalf("could not create %s directory: %v", artifactsDir, err)
	}

	return &LocalArtifactsManager{
		artifactStore: store.NewMemStore(),
		artifactsDir:  artifactsDir,
	}
}

func (l *LocalArtifactsManager) PublishArtifact(jobID, path string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("could not find artifact %s for %s: %v", path, jobID, err)
	}

	f, err := os.CreateTemp(l.artifactsDir, "artifacts-*.tar.gz")
	if err != nil {
		return "", fmt.Errorf("could not create artifacts tar file: %v", err)
	}
	f.Close()

	if err := utils.Compress(path, f.Name()); err != nil {
		return "", fmt.Errorf("could not archive artifact %s: %v", path, err)
	}

	_, fname := filepath.Split(f.Name())
	return fname, l.artifactStore.Set(strings.TrimSpace(fname), filepath.Dir(path))
}

func (l *LocalArtifactsManager) RetrieveArtifact(jobID string, keys []string) error {
	if len(keys) > 0 {
		for _, v := range keys {
			originalPath, err := l.artifactStore.Get(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("could not find original path for artifact %s: %v", v, err)
			}
			if err := utils.Decompress(filepath.Join(l.artifactsDir, filepath.Clean(v)), originalPath.(string)); err != nil {
				return fmt.Errorf("could not unpack artifact %s for %s: %v", v, jobID, err)
			}
		}
		return nil
	}

	return filepath.Walk(l.artifactsDir, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if info.IsDir() || !strings.HasSuffix(path, ".tar.gz") {
			return nil
		}

		_, fname := filepath.Split(path)
		originalPath, err := l.artifactStore.Get(strings.TrimSpace(fname))
		if err != nil {
			return fmt.Errorf("could not get %s from artifact store: %v", fname, err)
		}

		return utils.Decompress(path, originalPath.(string))
	})
}
