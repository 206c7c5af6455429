package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	stageflow "github.com/goliatone/go-stageflow"
)

const sampleYAML = `
version: 1
pipelines:
  - id: sales
    name: Sales Pipeline
    stages:
      - id: lead
        order: 1
        name: Lead
        probability: 10
        automations:
          - trigger: enter
            actions:
              - type: send_notification
                config:
                  message: "New lead arrived"
      - id: qualified
        order: 2
        name: Qualified
        probability: 40
        required_fields: [budget, contact_email]
        automations:
          - id: qualified-followup
            trigger: on_duration
            duration: 1440
            recurring: true
            actions:
              - type: create_task
                config:
                  title: "Follow up with lead"
                  assignee_strategy: owner
      - id: won
        order: 3
        name: Won
        probability: 100
`

func TestParse_NormalizesAndIndexes(t *testing.T) {
	set, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("parse sample config: %v", err)
	}
	if len(set.Pipelines) != 1 {
		t.Fatalf("expected 1 pipeline, got %d", len(set.Pipelines))
	}

	lead := set.Pipelines[0].Stages[0]
	if lead.PipelineID != "sales" {
		t.Fatalf("expected stage pipeline id to be filled, got %q", lead.PipelineID)
	}
	auto := lead.Automations[0]
	if auto.Trigger != stageflow.TriggerOnEnter {
		t.Fatalf("expected enter spelling normalized to on_enter, got %q", auto.Trigger)
	}
	if auto.ID != "lead.on_enter.0" {
		t.Fatalf("expected deterministic automation id, got %q", auto.ID)
	}

	qualified := set.Pipelines[0].Stages[1]
	if qualified.Automations[0].ID != "qualified-followup" {
		t.Fatalf("explicit automation id must be preserved, got %q", qualified.Automations[0].ID)
	}

	snap, err := NewSnapshot(set)
	if err != nil {
		t.Fatalf("build snapshot: %v", err)
	}
	if _, ok := snap.Stage("qualified"); !ok {
		t.Fatal("expected stage lookup by id")
	}
	def, ok := snap.DefaultStage("sales")
	if !ok || def.ID != "lead" {
		t.Fatalf("expected lowest-order default stage lead, got %q", def.ID)
	}
	orgCtx := snap.Context("org-1")
	if err := orgCtx.Validate(); err != nil {
		t.Fatalf("snapshot context must validate: %v", err)
	}
}

func TestParse_FailFast(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "unknown action type",
			yaml: `
pipelines:
  - id: p1
    stages:
      - id: s1
        order: 1
        automations:
          - trigger: on_enter
            actions:
              - type: launch_rocket
`,
			want: "unknown action type",
		},
		{
			name: "duration trigger without duration",
			yaml: `
pipelines:
  - id: p1
    stages:
      - id: s1
        order: 1
        automations:
          - trigger: on_duration
            actions:
              - type: send_notification
                config:
                  message: hi
`,
			want: "duration > 0",
		},
		{
			name: "recurring on enter trigger",
			yaml: `
pipelines:
  - id: p1
    stages:
      - id: s1
        order: 1
        automations:
          - trigger: on_enter
            recurring: true
            actions:
              - type: send_notification
                config:
                  message: hi
`,
			want: "recurring",
		},
		{
			name: "duplicate stage order",
			yaml: `
pipelines:
  - id: p1
    stages:
      - id: s1
        order: 1
      - id: s2
        order: 1
`,
			want: "share order",
		},
		{
			name: "duplicate pipeline id",
			yaml: `
pipelines:
  - id: p1
    stages:
      - {id: s1, order: 1}
  - id: p1
    stages:
      - {id: s2, order: 1}
`,
			want: "duplicate pipeline id",
		},
		{
			name: "create_task without title",
			yaml: `
pipelines:
  - id: p1
    stages:
      - id: s1
        order: 1
        automations:
          - trigger: on_enter
            actions:
              - type: create_task
                config:
                  priority: high
`,
			want: "requires title",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipelines.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	set, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load file: %v", err)
	}
	if len(set.Pipelines) != 1 || set.Pipelines[0].ID != "sales" {
		t.Fatalf("unexpected pipeline set: %+v", set.Pipelines)
	}

	if _, err := LoadFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
