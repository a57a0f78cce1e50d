// Package artifacts moves step outputs between the steps of a run. Coverage
// reports, build outputs and similar files published by one step are staged
// under a local directory and retrieved by later steps.
package artifacts

type ArtifactManager interface {
	// PublishArtifact takes a jobID and a path inside the job, moves the
	// artifact into the artifact store and returns a key that references it.
	PublishArtifact(jobID, path string) (key string, err error)

	// RetrieveArtifact moves stored artifacts back to their original paths
	// inside the job. If keys is nil, all stored artifacts are moved in. The
	// original path is the path the artifact was published from.
	RetrieveArtifact(jobID string, keys []string) error
}
