package script

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/torosent/crankswarm/internal/feeder"
)

//go:embed schema.json
var schemaSource string

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

// Load reads, parses and validates the script at path. Relative payload
// paths are resolved against the script's directory and their rows loaded.
func Load(path string, engines EngineSet) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err := s.LoadPayloads(filepath.Dir(path)); err != nil {
		return nil, err
	}
	if err := s.Validate(engines); err != nil {
		return nil, err
	}
	return s, nil
}

// Parse decodes a YAML (or JSON) script document and checks it against the
// script schema. Semantic checks are left to Validate.
func Parse(data []byte) (*Script, error) {
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	if err := validateSchema(generic); err != nil {
		return nil, err
	}

	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	s.normalize()
	return &s, nil
}

// LoadPayloads reads the rows of every payload block that names a file.
// Blocks with inline data are left untouched.
func (s *Script) LoadPayloads(baseDir string) error {
	for i := range s.Config.Payload {
		p := &s.Config.Payload[i]
		if len(p.Data) > 0 || p.Path == "" {
			continue
		}
		path := p.Path
		if !filepath.IsAbs(path) && baseDir != "" {
			path = filepath.Join(baseDir, path)
		}
		rows, err := feeder.Load(path)
		if err != nil {
			return fmt.Errorf("payload %s: %w", p.Path, err)
		}
		p.Data = rows
	}
	return nil
}

func validateSchema(doc any) error {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("script.json", strings.NewReader(schemaSource)); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = compiler.Compile("script.json")
	})
	if schemaErr != nil {
		return fmt.Errorf("script schema: %w", schemaErr)
	}

	// The validator expects values shaped like encoding/json output.
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("script is not representable as JSON: %w", err)
	}
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return fmt.Errorf("script is not representable as JSON: %w", err)
	}

	err = compiledSchema.Validate(normalized)
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return err
	}
	return ValidationError{issues: schemaIssues(verr)}
}

func schemaIssues(err *jsonschema.ValidationError) []string {
	var issues []string
	if len(err.Causes) == 0 && err.Message != "" {
		loc := err.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		issues = append(issues, fmt.Sprintf("%s: %s", loc, err.Message))
	}
	for _, cause := range err.Causes {
		issues = append(issues, schemaIssues(cause)...)
	}
	return issues
}
