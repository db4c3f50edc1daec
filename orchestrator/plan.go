package orchestrator

import (
	"encoding/json"
	"fmt"

	"github.com/corelane/taskcore/core"
)

// Plan is the JSON object produced by the language model for one user
// turn: {"tasks": [Task, …]}. Marshaling a parsed
// Plan reproduces the document value-for-value.
type Plan struct {
	Tasks []Task `json:"tasks"`
}

// ParsePlan decodes and validates a Plan document. A document that
// does not decode, or whose tasks fail ValidatePlan, is a planning
// error: the orchestrator refuses to seed from it.
func ParsePlan(data []byte) (Plan, error) {
	var plan Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return Plan{}, fmt.Errorf("%w: %v", core.ErrInvalidPlan, err)
	}
	if err := ValidatePlan(plan.Tasks); err != nil {
		return Plan{}, err
	}
	return plan, nil
}

// Marshal serializes the plan back to its wire form.
func (p Plan) Marshal() ([]byte, error) {
	return json.Marshal(p)
}
