package cmd

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pagedserve/pagedserve/engine"
	"github.com/pagedserve/pagedserve/engine/workload"
)

// DefaultsFilePath is the preset profile file loaded by --profile.
const DefaultsFilePath = "defaults.yaml"

// Profile bundles an engine configuration with the workload used to
// exercise it.
type Profile struct {
	Engine   engine.Config `yaml:"engine"`
	Workload workload.Spec `yaml:"workload"`
}

// Defaults represents the full defaults.yaml structure. All top-level
// sections must be listed to satisfy KnownFields(true) strict parsing.
type Defaults struct {
	Version  string             `yaml:"version"`
	Profiles map[string]Profile `yaml:"profiles"`
}

// LoadProfile reads a named profile from the defaults file. Unknown YAML
// fields are rejected so that a typo in a profile never silently falls back
// to a zero value.
func LoadProfile(path, name string) (engine.Config, workload.Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return engine.Config{}, workload.Spec{}, fmt.Errorf("read %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var defaults Defaults
	if err := dec.Decode(&defaults); err != nil {
		return engine.Config{}, workload.Spec{}, fmt.Errorf("parse %s: %w", path, err)
	}
	p, ok := defaults.Profiles[name]
	if !ok {
		return engine.Config{}, workload.Spec{}, fmt.Errorf("profile %q not found in %s", name, path)
	}
	return p.Engine, p.Workload, nil
}
