// Package dag builds the per-job task graph from submission parameters.
// Build is a pure function: identical JobParameters always yield an
// identical task list and edge set, byte-for-byte (P8) — it performs no
// I/O and consults no external state beyond the engine variants table
// passed in by the caller.
package dag

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/r3e-network/scribeflow/internal/domain"
	"github.com/r3e-network/scribeflow/infrastructure/errors"
)

// EngineVariant resolves a stage + the user's model choice to a concrete
// engine_id, stamped onto the task at build time (spec §4.1).
type EngineVariant struct {
	Stage    domain.Stage `yaml:"stage"`
	Model    string       `yaml:"model"`
	EngineID string       `yaml:"engine_id"`
}

// VariantTable looks up the engine_id for a (stage, model) pair.
type VariantTable interface {
	Resolve(stage domain.Stage, model string) (string, bool)
}

// StaticVariantTable is a VariantTable backed by a fixed slice, the shape
// engine variants are authored as configuration (spec §3 "Engine Identity").
type StaticVariantTable []EngineVariant

// Resolve implements VariantTable.
func (t StaticVariantTable) Resolve(stage domain.Stage, model string) (string, bool) {
	for _, v := range t {
		if v.Stage == stage && (v.Model == model || v.Model == "*") {
			return v.EngineID, true
		}
	}
	return "", false
}

// defaultVariantTable covers the base pipeline with a single "*" model
// match per stage, enough for a fresh deployment before an operator
// supplies a real engine variants file.
func defaultVariantTable() StaticVariantTable {
	table := make(StaticVariantTable, 0, len(domain.StageOrder))
	for _, stage := range domain.StageOrder {
		table = append(table, EngineVariant{Stage: stage, Model: "*", EngineID: string(stage)})
	}
	return table
}

// LoadVariantTable reads a YAML engine-variants file (a top-level
// "variants:" list of stage/model/engine_id entries). An empty path, or a
// path that does not exist, yields defaultVariantTable rather than an
// error, the same "missing file is not fatal" precedent cfg.Load sets for
// configs/config.yaml.
func LoadVariantTable(path string) (StaticVariantTable, error) {
	if path == "" {
		return defaultVariantTable(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultVariantTable(), nil
		}
		return nil, fmt.Errorf("read variant table %s: %w", path, err)
	}
	var doc struct {
		Variants StaticVariantTable `yaml:"variants"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse variant table %s: %w", path, err)
	}
	if len(doc.Variants) == 0 {
		return defaultVariantTable(), nil
	}
	return doc.Variants, nil
}

// nodeSpec is the intermediate description of a task before ID assignment,
// used so edges can be wired by stage name before opaque IDs exist.
type nodeSpec struct {
	stage                 domain.Stage
	required              bool
	requiredForDownstream bool
	dependsOn             []domain.Stage
}

// Build expands JobParameters into an ordered list of Task definitions
// with explicit predecessor IDs and a required flag (spec §4.1). idFunc
// generates opaque task IDs; tests may substitute a deterministic
// generator to get byte-for-byte stable output (P8), production code
// should pass uuid.NewString.
func Build(jobID string, params domain.JobParameters, variants VariantTable, idFunc func() string) ([]domain.Task, error) {
	if idFunc == nil {
		idFunc = uuid.NewString
	}

	if err := validateParameters(params); err != nil {
		return nil, err
	}

	specs := planStages(params)

	ids := make(map[domain.Stage]string, len(specs))
	for _, spec := range specs {
		ids[spec.stage] = idFunc()
	}

	tasks := make([]domain.Task, 0, len(specs))
	for _, spec := range specs {
		engineID, ok := variants.Resolve(spec.stage, params.ModelChoice)
		if !ok {
			return nil, errors.NewTaskError(errors.KindConfiguration,
				fmt.Sprintf("no engine variant registered for stage %q model %q", spec.stage, params.ModelChoice), nil)
		}

		deps := make([]string, 0, len(spec.dependsOn))
		for _, depStage := range spec.dependsOn {
			depID, ok := ids[depStage]
			if !ok {
				// Dependency stage was not emitted (e.g. diarize skipped);
				// pii_detect treats diarize as enriching, not a hard
				// prerequisite (spec §9 open question resolution).
				continue
			}
			deps = append(deps, depID)
		}

		tasks = append(tasks, domain.Task{
			ID:                    ids[spec.stage],
			JobID:                 jobID,
			Stage:                 spec.stage,
			EngineID:              engineID,
			Status:                domain.TaskPending,
			Required:              spec.required,
			RequiredForDownstream: spec.requiredForDownstream,
			DependsOn:             deps,
		})
	}

	return tasks, nil
}

// validateParameters rejects mutually incompatible parameter combinations
// with ConfigurationError at submission time (spec §4.1).
func validateParameters(params domain.JobParameters) error {
	if params.PIIDetection != domain.PIINone && params.TimestampsGranularity == domain.TimestampNone {
		return errors.NewTaskError(errors.KindConfiguration,
			"pii_detection requires timestamps_granularity != none", nil)
	}
	return nil
}

// planStages decides which stages are emitted and how they depend on one
// another, following the fixed ordering prepare → transcribe → align →
// diarize → pii_detect → audio_redact → merge (spec §4.1).
func planStages(params domain.JobParameters) []nodeSpec {
	includeAlign := params.TimestampsGranularity == domain.TimestampWord
	includeDiarize := params.DiarizationMode != "" && params.DiarizationMode != "none"
	includePII := params.PIIDetection != domain.PIINone
	includeRedact := params.RedactionMode != domain.RedactNone

	specs := []nodeSpec{
		{stage: domain.StagePrepare, required: true},
		{stage: domain.StageTranscribe, required: true, dependsOn: []domain.Stage{domain.StagePrepare}},
	}

	mergeDeps := []domain.Stage{domain.StagePrepare, domain.StageTranscribe}

	if includeAlign {
		specs = append(specs, nodeSpec{
			stage:     domain.StageAlign,
			required:  false,
			dependsOn: []domain.Stage{domain.StageTranscribe},
		})
		mergeDeps = append(mergeDeps, domain.StageAlign)
	}

	if includeDiarize {
		deps := []domain.Stage{domain.StageTranscribe}
		if includeAlign {
			deps = append(deps, domain.StageAlign)
		}
		specs = append(specs, nodeSpec{
			stage:     domain.StageDiarize,
			required:  false,
			dependsOn: deps,
		})
		mergeDeps = append(mergeDeps, domain.StageDiarize)
	}

	if includePII {
		// diarize is an enriching dependency, not a hard prerequisite: if
		// it was skipped, pii_detect still runs without speaker
		// attribution (spec §9 resolved open question).
		deps := []domain.Stage{domain.StageTranscribe}
		if includeAlign {
			deps = append(deps, domain.StageAlign)
		}
		if includeDiarize {
			deps = append(deps, domain.StageDiarize)
		}
		specs = append(specs, nodeSpec{
			stage:                 domain.StagePIIDetect,
			required:              false,
			requiredForDownstream: false,
			dependsOn:             deps,
		})
		mergeDeps = append(mergeDeps, domain.StagePIIDetect)

		if includeRedact {
			specs = append(specs, nodeSpec{
				stage:     domain.StageAudioRedact,
				required:  false,
				dependsOn: []domain.Stage{domain.StagePIIDetect},
			})
			mergeDeps = append(mergeDeps, domain.StageAudioRedact)
		}
	}

	specs = append(specs, nodeSpec{
		stage:     domain.StageMerge,
		required:  true,
		dependsOn: mergeDeps,
	})

	return specs
}
