package logging

import "strings"

// FormatSubject builds the pipeline/stage subject used in console output.
func FormatSubject(pipelineID, stage string) string {
	pipelineID = strings.TrimSpace(pipelineID)
	stage = strings.TrimSpace(stage)
	switch {
	case pipelineID != "" && stage != "":
		return pipelineID + " · " + stage
	case pipelineID != "":
		return pipelineID
	default:
		return stage
	}
}
