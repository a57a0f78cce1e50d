// Package secrets resolves the opaque credentials a step declares. Values are
// injected into the step environment for a single run and masked in step
// output; nothing is ever written to disk.
package secrets

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// EnvPrefix marks the environment variables the Env provider reads, so
// GANTRY_SECRET_GCP_PROJECT_ID backs the secret GCP_PROJECT_ID.
const EnvPrefix = "GANTRY_SECRET_"

type Provider interface {
	// Get returns the value for a secret name.
	Get(name string) (string, error)

	// Names lists the secret names the provider can resolve.
	Names() []string
}

// Env resolves secrets from the process environment using EnvPrefix.
type Env struct {
	prefix string
}

func NewEnv() Env {
	return Env{prefix: EnvPrefix}
}

func (e Env) Get(name string) (string, error) {
	v, ok := os.LookupEnv(e.prefix + name)
	if !ok {
		return "", fmt.Errorf("secrets: %s not set in environment", name)
	}
	return v, nil
}

func (e Env) Names() []string {
	names := make([]string, 0)
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, e.prefix) {
			continue
		}
		key := strings.SplitN(strings.TrimPrefix(kv, e.prefix), "=", 2)[0]
		names = append(names, key)
	}
	sort.Strings(names)
	return names
}

// Static resolves secrets from a fixed map, typically built from CLI flags.
type Static map[string]string

func (s Static) Get(name string) (string, error) {
	v, ok := s[name]
	if !ok {
		return "", fmt.Errorf("secrets: %s not defined", name)
	}
	return v, nil
}

func (s Static) Names() []string {
	names := make([]string, 0, len(s))
	for k := range s {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Chain tries each provider in order and returns the first value found.
type Chain []Provider

func (c Chain) Get(name string) (string, error) {
	for _, p := range c {
		if v, err := p.Get(name); err == nil {
			return v, nil
		}
	}
	return "", fmt.Errorf("secrets: %s not resolvable by any provider", name)
}

func (c Chain) Names() []string {
	seen := make(map[string]struct{})
	names := make([]string, 0)
	for _, p := range c {
		for _, n := range p.Names() {
			if _, ok := seen[n]; ok {
				continue
			}
			seen[n] = struct{}{}
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

// Resolve looks up every named secret through the provider. It fails on the
// first missing name so a step never starts with a partial credential set.
func Resolve(p Provider, names []string) (map[string]string, error) {
	if len(names) == 0 {
		return nil, nil
	}
	if p == nil {
		return nil, fmt.Errorf("secrets: no provider configured, cannot resolve %s", strings.Join(names, ", "))
	}
	resolved := make(map[string]string, len(names))
	for _, n := range names {
		v, err := p.Get(n)
		if err != nil {
			return nil, err
		}
		resolved[n] = v
	}
	return resolved, nil
}
