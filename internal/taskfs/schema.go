package taskfs

import (
	"bytes"
	"encoding/json"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ratchetd/ratchet/internal/domain"
)

// CompileSchema compiles a draft-07 JSON Schema.
func CompileSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7
	if err := compiler.AddResource("schema.json", bytes.NewReader(raw)); err != nil {
		return nil, domain.Wrap(domain.KindValidation, err, "schema is not valid JSON")
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, domain.Wrap(domain.KindValidation, err, "schema does not compile")
	}
	return schema, nil
}

// ValidateAgainst checks an instance document against a raw schema. A nil
// or empty schema accepts everything.
func ValidateAgainst(schema, instance json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	compiled, err := CompileSchema(schema)
	if err != nil {
		return err
	}

	var doc any
	if len(instance) == 0 {
		instance = json.RawMessage("null")
	}
	if err := json.Unmarshal(instance, &doc); err != nil {
		return domain.Wrap(domain.KindValidation, err, "instance is not valid JSON")
	}
	if err := compiled.Validate(doc); err != nil {
		return domain.Wrap(domain.KindValidation, err, "instance does not match schema")
	}
	return nil
}
