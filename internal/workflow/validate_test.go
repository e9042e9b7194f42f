package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateDefinitionRejectsMissingRequiredField(t *testing.T) {
	def := &Definition{
		ID:    "bad",
		Steps: []Step{{ID: "navigate-1", Type: StepNavigate, Config: map[string]any{}}},
	}
	err := validateDefinition(def)
	assert.Error(t, err)
}

func TestValidateDefinitionRejectsWrongFieldType(t *testing.T) {
	def := &Definition{
		ID:    "bad",
		Steps: []Step{{ID: "extract-1", Type: StepExtract, Config: map[string]any{"selector": 123}}},
	}
	err := validateDefinition(def)
	assert.Error(t, err)
}

func TestValidateDefinitionAllowsActionStepWithoutConfig(t *testing.T) {
	def := &Definition{
		ID:    "ok",
		Steps: []Step{{ID: "a", Type: StepAction}},
	}
	assert.NoError(t, validateDefinition(def))
}

func TestValidateDefinitionRejectsUnknownStepType(t *testing.T) {
	def := &Definition{
		ID:    "bad",
		Steps: []Step{{ID: "a", Type: StepType("bogus")}},
	}
	assert.Error(t, validateDefinition(def))
}
