package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema is a compiled JSON schema for validating collaborator responses.
type Schema struct {
	build func() map[string]any
	once  sync.Once
	s     *jsonschema.Schema
	err   error
}

// NewSchema compiles schemaMap lazily on first use.
func NewSchema(build func() map[string]any) *Schema {
	return &Schema{build: build}
}

func (sc *Schema) compile() (*jsonschema.Schema, error) {
	sc.once.Do(func() {
		b, err := json.Marshal(sc.build())
		if err != nil {
			sc.err = fmt.Errorf("marshal schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("schema.json", bytes.NewReader(b)); err != nil {
			sc.err = fmt.Errorf("add schema: %w", err)
			return
		}
		sc.s, sc.err = compiler.Compile("schema.json")
		if sc.err != nil {
			sc.err = fmt.Errorf("compile schema: %w", sc.err)
		}
	})
	return sc.s, sc.err
}

// Validate checks data against the schema.
func (sc *Schema) Validate(data []byte) error {
	s, err := sc.compile()
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("json does not match schema: %w", err)
	}
	return nil
}
