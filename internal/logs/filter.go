package logs

import (
	"encoding/json"
	"strings"

	"agentcrew/internal/logging"
)

// PipelineFilter returns a predicate that keeps lines logged for pipelineID.
// JSON lines are matched on the pipeline_id field; console lines on their
// bracketed subject. An empty id keeps everything.
func PipelineFilter(pipelineID string) func(string) bool {
	pipelineID = strings.TrimSpace(pipelineID)
	if pipelineID == "" {
		return func(string) bool { return true }
	}
	subject := "[" + logging.FormatSubject(pipelineID, "")
	return func(line string) bool {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "{") {
			var fields map[string]any
			if err := json.Unmarshal([]byte(trimmed), &fields); err == nil {
				id, _ := fields[logging.FieldPipelineID].(string)
				return id == pipelineID
			}
		}
		return strings.Contains(line, subject+"]") || strings.Contains(line, subject+" ")
	}
}

// Apply keeps the lines accepted by keep.
func Apply(lines []string, keep func(string) bool) []string {
	out := lines[:0:0]
	for _, line := range lines {
		if keep(line) {
			out = append(out, line)
		}
	}
	return out
}
