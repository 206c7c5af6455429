package config

import (
	stageflow "github.com/goliatone/go-stageflow"
)

// Snapshot is an immutable, indexed view over a PipelineSet. It implements
// stageflow.PipelineSource and is safe for concurrent readers; template
// edits produce a new Snapshot that takes effect on the next evaluation
// pass, never mid-pass.
type Snapshot struct {
	pipelines map[string]stageflow.PipelineTemplate
	stages    map[string]stageflow.StageDefinition
	defaults  map[string]stageflow.StageDefinition
}

// NewSnapshot validates the set and builds lookup indexes.
func NewSnapshot(set PipelineSet) (*Snapshot, error) {
	if err := set.Validate(); err != nil {
		return nil, err
	}
	snap := &Snapshot{
		pipelines: make(map[string]stageflow.PipelineTemplate, len(set.Pipelines)),
		stages:    make(map[string]stageflow.StageDefinition),
		defaults:  make(map[string]stageflow.StageDefinition, len(set.Pipelines)),
	}
	for _, pipeline := range set.Pipelines {
		snap.pipelines[pipeline.ID] = pipeline
		for _, stage := range pipeline.Stages {
			snap.stages[stage.ID] = stage
		}
		if def, ok := pipeline.DefaultStage(); ok {
			snap.defaults[pipeline.ID] = def
		}
	}
	return snap, nil
}

// MustSnapshot is NewSnapshot for already-validated sets, panicking on error.
// Intended for tests and seed data.
func MustSnapshot(set PipelineSet) *Snapshot {
	snap, err := NewSnapshot(set)
	if err != nil {
		panic(err)
	}
	return snap
}

// Pipeline returns the template with the given id.
func (s *Snapshot) Pipeline(id string) (stageflow.PipelineTemplate, bool) {
	if s == nil {
		return stageflow.PipelineTemplate{}, false
	}
	p, ok := s.pipelines[id]
	return p, ok
}

// Stage returns the stage definition with the given id.
func (s *Snapshot) Stage(id string) (stageflow.StageDefinition, bool) {
	if s == nil {
		return stageflow.StageDefinition{}, false
	}
	st, ok := s.stages[id]
	return st, ok
}

// DefaultStage returns the lowest-order stage of the pipeline.
func (s *Snapshot) DefaultStage(pipelineID string) (stageflow.StageDefinition, bool) {
	if s == nil {
		return stageflow.StageDefinition{}, false
	}
	st, ok := s.defaults[pipelineID]
	return st, ok
}

// Context wraps the snapshot in an OrgPipelineContext for explicit
// pass-through into coordinator and scheduler calls.
func (s *Snapshot) Context(orgID string) stageflow.OrgPipelineContext {
	return stageflow.OrgPipelineContext{OrgID: orgID, Pipelines: s}
}
