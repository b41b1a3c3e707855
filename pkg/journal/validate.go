package journal

import "fmt"

var requiredFields = []string{"Started", "Model", "Tier", "Task", "Duration", "Finalized"}

// Validate returns every structural problem found in an execution record.
// An empty result means the record is well formed.
func Validate(src []byte) []string {
	rec, err := Parse(src)
	if err != nil {
		return []string{err.Error()}
	}
	var problems []string
	if !rec.HeaderFirst {
		problems = append(problems, "Missing header '# ReasoningPipe:'")
	}
	for _, name := range requiredFields {
		if _, ok := rec.Field(name); !ok {
			problems = append(problems, fmt.Sprintf("Missing field '**%s**:'", name))
		}
	}
	for _, s := range []string{SectionThoughtStream, SectionSessionDetails} {
		if !rec.HasSection(s) {
			problems = append(problems, fmt.Sprintf("Missing section '## %s'", s))
		}
	}
	if rec.Count("THOUGHT") == 0 {
		problems = append(problems, "No THOUGHT entries logged")
	}
	if rec.Count("RESULT") == 0 {
		problems = append(problems, "No RESULT entries logged")
	}
	return problems
}
