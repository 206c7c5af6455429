// Package config loads and validates pipeline template definitions and
// exposes them as immutable snapshots for evaluation passes.
package config

import (
	"fmt"
	"strings"

	stageflow "github.com/goliatone/go-stageflow"
)

// PipelineSet is a collection of pipeline templates loaded from config,
// produced by industry-template seeding or a pipeline builder.
type PipelineSet struct {
	Version   int                          `json:"version" yaml:"version"`
	Pipelines []stageflow.PipelineTemplate `json:"pipelines" yaml:"pipelines"`
	Meta      map[string]any               `json:"meta,omitempty" yaml:"meta,omitempty"`
}

// Validate performs full structural validation so malformed configuration
// fails at load time, never at trigger time.
func (s PipelineSet) Validate() error {
	ids := make(map[string]bool, len(s.Pipelines))
	for idx, pipeline := range s.Pipelines {
		if err := pipeline.Validate(); err != nil {
			return fmt.Errorf("pipeline[%d]: %w", idx, err)
		}
		if ids[pipeline.ID] {
			return fmt.Errorf("duplicate pipeline id %s", pipeline.ID)
		}
		ids[pipeline.ID] = true
	}
	return nil
}

// normalize fills derived fields: stage pipeline ids, canonical trigger
// spellings, and deterministic automation ids for automations declared
// without one.
func (s *PipelineSet) normalize() {
	for pi := range s.Pipelines {
		pipeline := &s.Pipelines[pi]
		for si := range pipeline.Stages {
			stage := &pipeline.Stages[si]
			if strings.TrimSpace(stage.PipelineID) == "" {
				stage.PipelineID = pipeline.ID
			}
			for ai := range stage.Automations {
				auto := &stage.Automations[ai]
				auto.Trigger = stageflow.NormalizeTrigger(string(auto.Trigger))
				if strings.TrimSpace(auto.ID) == "" {
					auto.ID = fmt.Sprintf("%s.%s.%d", stage.ID, auto.Trigger, ai)
				}
			}
		}
	}
}
