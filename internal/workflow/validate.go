package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// stepSchemas carries the minimal required-field JSON schema for each step
// type's Config, validated at Register time the same class of error spec.md
// §7 groups with "unknown step type": a malformed config tree fails
// registration instead of surfacing mid-execution as a missing-field panic.
// Only the step types whose handler cannot do anything meaningful with a
// missing field require it; StepAction, StepLoop, and StepCustom tolerate
// an absent field (they fall back to zero values), so only their present
// fields are type-checked.
var stepSchemas = map[StepType]string{
	StepNavigate:  `{"type":"object","required":["url"],"properties":{"url":{"type":"string"}}}`,
	StepExtract:   `{"type":"object","required":["selector"],"properties":{"selector":{"type":"string"}}}`,
	StepAction:    `{"type":"object","properties":{"action_type":{"type":"string"}}}`,
	StepAnalyze:   `{"type":"object","required":["analysis_type"],"properties":{"analysis_type":{"type":"string"}}}`,
	StepCondition: `{"type":"object","required":["condition"],"properties":{"condition":{"type":"string"}}}`,
	StepLoop:      `{"type":"object","properties":{"items":{"type":"array"}}}`,
	StepCustom:    `{"type":"object","properties":{"handler":{"type":"string"}}}`,
}

// validateDefinition checks every step's Config against its step type's
// schema before the definition is accepted. Steps whose Config contains
// unresolved "$var" placeholders still validate, since gojsonschema only
// checks field presence and type, not resolved values.
func validateDefinition(def *Definition) error {
	for _, step := range def.Steps {
		schema, ok := stepSchemas[step.Type]
		if !ok {
			return fmt.Errorf("step %q: unknown step type %q", step.ID, step.Type)
		}

		config := step.Config
		if config == nil {
			config = map[string]any{}
		}
		configJSON, err := json.Marshal(config)
		if err != nil {
			return fmt.Errorf("step %q: marshal config: %w", step.ID, err)
		}

		result, err := gojsonschema.Validate(
			gojsonschema.NewStringLoader(schema),
			gojsonschema.NewBytesLoader(configJSON),
		)
		if err != nil {
			return fmt.Errorf("step %q: schema validation error: %w", step.ID, err)
		}
		if !result.Valid() {
			msg := fmt.Sprintf("step %q: config validation failed:", step.ID)
			for _, desc := range result.Errors() {
				msg += fmt.Sprintf("\n  - %s", desc)
			}
			return fmt.Errorf("%s", msg)
		}
	}
	return nil
}
