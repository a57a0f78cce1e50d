// Gantry is a local first CI runner.
//
// Gantry reads a workflow file defining push-triggered pipelines and executes
// each pipeline's steps strictly in order, inside Docker containers or a host
// shell. Pipelines triggered by the same push run concurrently and share no
// state.
package main

import (
	"github.com/opnlabs/gantry/cmd/gantry"
)

func main() {
	gantry.Execute()
}
