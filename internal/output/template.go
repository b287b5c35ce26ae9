package output

import "strings"

// TemplateContext carries the substitution values available to webhook
// URLs, filesystem paths, and template-format bodies.
type TemplateContext struct {
	Output      string
	TaskName    string
	ExecutionID string
	CompletedAt string
}

// Render substitutes {{output}}, {{task_name}}, {{execution_id}}, and
// {{completed_at}}. Unknown placeholders pass through untouched.
func (c TemplateContext) Render(s string) string {
	return strings.NewReplacer(
		"{{output}}", c.Output,
		"{{task_name}}", c.TaskName,
		"{{execution_id}}", c.ExecutionID,
		"{{completed_at}}", c.CompletedAt,
	).Replace(s)
}
