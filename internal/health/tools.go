package health

import (
	"github.com/breeze-rmm/devrestore/internal/executor"
)

// ToolComponent is the health component name for an external tool.
func ToolComponent(tool string) string {
	return "tool:" + tool
}

// CheckTools resolves each tool on PATH and records the result. The restore
// tool is required (Unhealthy when missing); the others only degrade.
// It returns the tools that could not be found.
func CheckTools(m *Monitor, restoreTool string, optional ...string) []string {
	var missing []string
	results := executor.LookPath(append([]string{restoreTool}, optional...)...)

	record := func(tool string, missingStatus Status) {
		if err := results[tool]; err != nil {
			missing = append(missing, tool)
			m.Update(ToolComponent(tool), missingStatus, err.Error())
			return
		}
		m.Update(ToolComponent(tool), Healthy, "")
	}

	record(restoreTool, Unhealthy)
	for _, tool := range optional {
		record(tool, Degraded)
	}
	return missing
}
