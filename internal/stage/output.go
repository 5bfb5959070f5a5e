package stage

import (
	"encoding/json"
	"fmt"
	"math"

	"agentcrew/internal/faults"
)

// ValidateOutput checks that an agent returned a usable result. Invalid
// output is fatal: retrying the same agent with the same input will not fix it.
func ValidateOutput(name string, out Output) error {
	if len(out.Payload) == 0 {
		return faults.Wrap(faults.ErrFatal, name, "validate output", "agent returned no output", nil)
	}
	if !json.Valid(out.Payload) {
		return faults.Wrap(faults.ErrFatal, name, "validate output", "agent output is not valid JSON", nil)
	}
	if out.CostUSD < 0 || math.IsNaN(out.CostUSD) || math.IsInf(out.CostUSD, 0) {
		return faults.Wrap(faults.ErrFatal, name, "validate output",
			fmt.Sprintf("agent reported invalid cost %v", out.CostUSD), nil)
	}
	return nil
}
