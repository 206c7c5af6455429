package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Parse attempts to parse JSON or YAML into a validated PipelineSet.
func Parse(data []byte) (PipelineSet, error) {
	var set PipelineSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		// yaml can handle JSON too, so a single attempt is fine
		return set, err
	}
	set.normalize()
	return set, set.Validate()
}

// LoadFile reads and parses a pipeline template file.
func LoadFile(path string) (PipelineSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PipelineSet{}, fmt.Errorf("read pipeline config %s: %w", path, err)
	}
	set, err := Parse(data)
	if err != nil {
		return PipelineSet{}, fmt.Errorf("parse pipeline config %s: %w", path, err)
	}
	return set, nil
}
