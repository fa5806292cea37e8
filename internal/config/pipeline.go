package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/kalambet/icdbench/internal/gateway"
)

// PredictorDef declares one external predictor.
type PredictorDef struct {
	Name    string   `yaml:"name"`
	Kind    string   `yaml:"kind"`
	Command string   `yaml:"command,omitempty"`
	Args    []string `yaml:"args,omitempty"`
	BaseURL string   `yaml:"base_url,omitempty"`
	Model   string   `yaml:"model,omitempty"`
	System  string   `yaml:"system,omitempty"`
	APIKey  string   `yaml:"api_key,omitempty"`
	// Dir and Env set the working directory and extra environment of a
	// cli predictor.
	Dir string            `yaml:"dir,omitempty"`
	Env map[string]string `yaml:"env,omitempty"`
	// Output is the fixed answer of a static predictor.
	Output string `yaml:"output,omitempty"`
	// Costs in USD per thousand tokens, used by the report.
	CostIn  float64 `yaml:"cost_per_1k_in,omitempty"`
	CostOut float64 `yaml:"cost_per_1k_out,omitempty"`
}

// Spec converts the definition into a gateway spec. apiKey is used when the
// definition carries none.
func (d PredictorDef) Spec(apiKey string) gateway.Spec {
	key := d.APIKey
	if key == "" {
		key = apiKey
	}
	return gateway.Spec{
		Name:    d.Name,
		Kind:    d.Kind,
		Command: d.Command,
		Args:    d.Args,
		Dir:     d.Dir,
		Env:     envList(d.Env),
		BaseURL: d.BaseURL,
		Model:   d.Model,
		System:  d.System,
		APIKey:  key,
		Output:  d.Output,
	}
}

// envList turns env into sorted KEY=VALUE entries.
func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// StageDef enables one stage kind for a set of predictors. Prompts, Modes and
// Strategies multiply the stage for predict, rag and denserag stages.
type StageDef struct {
	Kind       string   `yaml:"kind"`
	Predictors []string `yaml:"predictors"`
	Prompts    []string `yaml:"prompts,omitempty"`
	Modes      []string `yaml:"modes,omitempty"`
	Strategies []string `yaml:"strategies,omitempty"`
}

// Pipeline is the YAML pipeline definition.
type Pipeline struct {
	Predictors []PredictorDef `yaml:"predictors"`
	Stages     []StageDef     `yaml:"stages"`
}

// StageEntry is one expanded stage instance.
type StageEntry struct {
	Kind      string
	Predictor string
	Prompt    string
	Mode      string
	Strategy  string
}

const defaultPipelineYAML = `
predictors:
  - name: claude
    kind: cli
    command: claude
    args: ["-p", "{prompt}"]
  - name: codex
    kind: cli
    command: codex
    args: ["exec", "{prompt}"]
stages:
  - kind: predict
    predictors: [claude, codex]
    prompts: [baseline, constrained]
  - kind: describe
    predictors: [claude]
  - kind: reverse
    predictors: [claude, codex]
  - kind: rag
    predictors: [claude]
    modes: [authoritative, derived, both]
  - kind: dense
    predictors: [claude]
  - kind: denserag
    predictors: [claude]
    strategies: [positive_only, with_negatives]
`

// DefaultPipeline returns the built-in pipeline definition.
func DefaultPipeline() Pipeline {
	p, err := ParsePipeline([]byte(defaultPipelineYAML))
	if err != nil {
		panic(fmt.Sprintf("built-in pipeline is invalid: %v", err))
	}
	return p
}

// LoadPipeline reads the pipeline definition at path. An empty path selects
// the built-in definition.
func LoadPipeline(path string) (Pipeline, error) {
	if path == "" {
		return DefaultPipeline(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Pipeline{}, fmt.Errorf("reading pipeline file: %w", err)
	}
	p, err := ParsePipeline(data)
	if err != nil {
		return Pipeline{}, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// ParsePipeline decodes and validates a pipeline definition. Unknown fields
// are rejected.
func ParsePipeline(data []byte) (Pipeline, error) {
	var p Pipeline
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return Pipeline{}, fmt.Errorf("decoding pipeline: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Pipeline{}, err
	}
	return p, nil
}

// Validate checks that predictor names are unique and that every stage names
// defined predictors. Stage kinds are checked when the lanes are built.
func (p Pipeline) Validate() error {
	if len(p.Predictors) == 0 {
		return errors.New("pipeline defines no predictors")
	}
	names := make(map[string]bool, len(p.Predictors))
	for i, d := range p.Predictors {
		if d.Name == "" {
			return fmt.Errorf("predictor %d has no name", i)
		}
		if names[d.Name] {
			return fmt.Errorf("predictor %q defined twice", d.Name)
		}
		names[d.Name] = true
	}
	for i, s := range p.Stages {
		if s.Kind == "" {
			return fmt.Errorf("stage %d has no kind", i)
		}
		if len(s.Predictors) == 0 {
			return fmt.Errorf("stage %d (%s) lists no predictors", i, s.Kind)
		}
		for _, name := range s.Predictors {
			if !names[name] {
				return fmt.Errorf("stage %d (%s) uses undefined predictor %q", i, s.Kind, name)
			}
		}
	}
	return nil
}

// Predictor returns the definition named name.
func (p Pipeline) Predictor(name string) (PredictorDef, bool) {
	for _, d := range p.Predictors {
		if d.Name == name {
			return d, true
		}
	}
	return PredictorDef{}, false
}

// Entries expands every stage definition into one entry per predictor and
// per prompt, mode or strategy, in declaration order.
func (p Pipeline) Entries() []StageEntry {
	var out []StageEntry
	for _, s := range p.Stages {
		for _, pred := range s.Predictors {
			base := StageEntry{Kind: s.Kind, Predictor: pred}
			switch {
			case len(s.Prompts) > 0:
				for _, v := range s.Prompts {
					e := base
					e.Prompt = v
					out = append(out, e)
				}
			case len(s.Modes) > 0:
				for _, v := range s.Modes {
					e := base
					e.Mode = v
					out = append(out, e)
				}
			case len(s.Strategies) > 0:
				for _, v := range s.Strategies {
					e := base
					e.Strategy = v
					out = append(out, e)
				}
			default:
				out = append(out, base)
			}
		}
	}
	return out
}
