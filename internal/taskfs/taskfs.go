// Package taskfs reads and writes the on-disk task layout:
//
//	<task>/
//	  metadata.json        { name, version, description, tags }
//	  input.schema.json    JSON-Schema draft-07
//	  output.schema.json   JSON-Schema draft-07
//	  main.js              exports function execute(input, ctx)
//	  tests/test-NNN.json  { name, input, expected?, should_fail? }
package taskfs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ratchetd/ratchet/internal/domain"
)

// Well-known file names inside a task directory.
const (
	MetadataFile     = "metadata.json"
	InputSchemaFile  = "input.schema.json"
	OutputSchemaFile = "output.schema.json"
	CodeFile         = "main.js"
	TestsDir         = "tests"
)

// Metadata identifies a task.
type Metadata struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// TestCase is one recorded test for a task.
type TestCase struct {
	Name       string          `json:"name"`
	Input      json.RawMessage `json:"input"`
	Expected   json.RawMessage `json:"expected,omitempty"`
	ShouldFail bool            `json:"should_fail,omitempty"`
}

// Definition is a fully loaded task directory.
type Definition struct {
	Path         string
	Metadata     Metadata
	InputSchema  json.RawMessage
	OutputSchema json.RawMessage
	Code         string
	Tests        []TestCase
}

// Load reads a task directory.
func Load(dir string) (*Definition, error) {
	def := &Definition{Path: dir}

	meta, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if err != nil {
		return nil, domain.Wrap(domain.KindNotFound, err, "task metadata missing in %s", dir)
	}
	if err := json.Unmarshal(meta, &def.Metadata); err != nil {
		return nil, domain.Wrap(domain.KindValidation, err, "invalid task metadata in %s", dir)
	}
	if def.Metadata.Name == "" {
		return nil, domain.E(domain.KindValidation, "task metadata in %s has no name", dir)
	}
	if def.Metadata.Version == "" {
		return nil, domain.E(domain.KindValidation, "task metadata in %s has no version", dir)
	}

	if def.InputSchema, err = readSchema(dir, InputSchemaFile); err != nil {
		return nil, err
	}
	if def.OutputSchema, err = readSchema(dir, OutputSchemaFile); err != nil {
		return nil, err
	}

	code, err := os.ReadFile(filepath.Join(dir, CodeFile))
	if err != nil {
		return nil, domain.Wrap(domain.KindNotFound, err, "task code missing in %s", dir)
	}
	def.Code = string(code)

	if def.Tests, err = loadTests(dir); err != nil {
		return nil, err
	}
	return def, nil
}

func readSchema(dir, name string) (json.RawMessage, error) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // schemas are optional on disk
		}
		return nil, domain.Wrap(domain.KindInternal, err, "failed to read %s", name)
	}
	if !json.Valid(data) {
		return nil, domain.E(domain.KindValidation, "%s in %s is not valid JSON", name, dir)
	}
	return json.RawMessage(data), nil
}

func loadTests(dir string) ([]TestCase, error) {
	entries, err := os.ReadDir(filepath.Join(dir, TestsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, domain.Wrap(domain.KindInternal, err, "failed to read tests dir in %s", dir)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	tests := make([]TestCase, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, TestsDir, name))
		if err != nil {
			return nil, domain.Wrap(domain.KindInternal, err, "failed to read test %s", name)
		}
		var tc TestCase
		if err := json.Unmarshal(data, &tc); err != nil {
			return nil, domain.Wrap(domain.KindValidation, err, "invalid test case %s in %s", name, dir)
		}
		if tc.Name == "" {
			tc.Name = strings.TrimSuffix(name, ".json")
		}
		tests = append(tests, tc)
	}
	return tests, nil
}

// Write materialises a task definition onto disk, creating the directory.
func Write(dir string, def *Definition) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return domain.Wrap(domain.KindInternal, err, "failed to create task directory %s", dir)
	}

	meta, err := json.MarshalIndent(def.Metadata, "", "  ")
	if err != nil {
		return domain.Wrap(domain.KindInternal, err, "failed to encode metadata")
	}
	if err := os.WriteFile(filepath.Join(dir, MetadataFile), meta, 0o644); err != nil {
		return domain.Wrap(domain.KindInternal, err, "failed to write metadata")
	}

	if err := writeSchema(dir, InputSchemaFile, def.InputSchema); err != nil {
		return err
	}
	if err := writeSchema(dir, OutputSchemaFile, def.OutputSchema); err != nil {
		return err
	}

	if err := os.WriteFile(filepath.Join(dir, CodeFile), []byte(def.Code), 0o644); err != nil {
		return domain.Wrap(domain.KindInternal, err, "failed to write task code")
	}

	if len(def.Tests) > 0 {
		testsDir := filepath.Join(dir, TestsDir)
		if err := os.MkdirAll(testsDir, 0o755); err != nil {
			return domain.Wrap(domain.KindInternal, err, "failed to create tests directory")
		}
		for i, tc := range def.Tests {
			data, err := json.MarshalIndent(tc, "", "  ")
			if err != nil {
				return domain.Wrap(domain.KindInternal, err, "failed to encode test case %q", tc.Name)
			}
			name := fmt.Sprintf("test-%03d.json", i+1)
			if err := os.WriteFile(filepath.Join(testsDir, name), data, 0o644); err != nil {
				return domain.Wrap(domain.KindInternal, err, "failed to write test case %q", tc.Name)
			}
		}
	}
	return nil
}

func writeSchema(dir, name string, schema json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	if err := os.WriteFile(filepath.Join(dir, name), schema, 0o644); err != nil {
		return domain.Wrap(domain.KindInternal, err, "failed to write %s", name)
	}
	return nil
}
