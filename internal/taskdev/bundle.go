package taskdev

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ratchetd/ratchet/internal/domain"
	"github.com/ratchetd/ratchet/internal/taskfs"
)

// Bundle is a task serialised as one JSON document, the import/export
// interchange format.
type Bundle struct {
	Metadata     taskfs.Metadata   `json:"metadata"`
	InputSchema  json.RawMessage   `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage   `json:"output_schema,omitempty"`
	Code         string            `json:"code"`
	Tests        []taskfs.TestCase `json:"tests,omitempty"`
}

// Export serialises a task to a bundle.
func (s *Service) Export(ctx context.Context, name string) (*Bundle, error) {
	_, def, err := s.load(ctx, name)
	if err != nil {
		return nil, err
	}
	return &Bundle{
		Metadata:     def.Metadata,
		InputSchema:  def.InputSchema,
		OutputSchema: def.OutputSchema,
		Code:         def.Code,
		Tests:        def.Tests,
	}, nil
}

// Import creates a task from a bundle.
func (s *Service) Import(ctx context.Context, bundle Bundle) (*domain.Task, error) {
	return s.Create(ctx, CreateRequest{
		Name:         bundle.Metadata.Name,
		Version:      bundle.Metadata.Version,
		Description:  bundle.Metadata.Description,
		Tags:         bundle.Metadata.Tags,
		Code:         bundle.Code,
		InputSchema:  bundle.InputSchema,
		OutputSchema: bundle.OutputSchema,
		Tests:        bundle.Tests,
	})
}

// GenerateTemplate returns a starter task definition for the given name.
func (s *Service) GenerateTemplate(name string) Bundle {
	code := fmt.Sprintf(`// %s
function execute(input, ctx) {
  ctx.log("running %s");
  return { result: input };
}
`, name, name)

	return Bundle{
		Metadata: taskfs.Metadata{
			Name:        name,
			Version:     "0.1.0",
			Description: "TODO: describe " + name,
		},
		InputSchema:  json.RawMessage(`{"type":"object"}`),
		OutputSchema: json.RawMessage(`{"type":"object"}`),
		Code:         code,
		Tests: []taskfs.TestCase{
			{Name: "echoes input", Input: json.RawMessage(`{"example":true}`), Expected: json.RawMessage(`{"result":{"example":true}}`)},
		},
	}
}
