// Package schema compiles named JSON schemas once and validates payloads
// against them.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var ErrUnknownSchema = errors.New("unknown schema")

type Set struct {
	sources map[string]string

	once     sync.Once
	initErr  error
	compiled map[string]*jsonschema.Schema
}

// NewSet defers compilation to the first Validate call.
func NewSet(sources map[string]string) *Set {
	copied := make(map[string]string, len(sources))
	for name, src := range sources {
		copied[name] = src
	}
	return &Set{sources: copied}
}

func (s *Set) init() error {
	s.once.Do(func() {
		names := make([]string, 0, len(s.sources))
		for name := range s.sources {
			names = append(names, name)
		}
		sort.Strings(names)

		compiler := jsonschema.NewCompiler()
		for _, name := range names {
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(s.sources[name]))
			if err != nil {
				s.initErr = fmt.Errorf("schema %s: %w", name, err)
				return
			}
			if err := compiler.AddResource(resourceURL(name), doc); err != nil {
				s.initErr = fmt.Errorf("schema %s: %w", name, err)
				return
			}
		}
		s.compiled = make(map[string]*jsonschema.Schema, len(names))
		for _, name := range names {
			compiled, err := compiler.Compile(resourceURL(name))
			if err != nil {
				s.initErr = fmt.Errorf("schema %s: %w", name, err)
				return
			}
			s.compiled[name] = compiled
		}
	})
	return s.initErr
}

// Validate checks raw JSON against the named schema. Empty input is
// treated as an empty object.
func (s *Set) Validate(name string, raw []byte) error {
	if err := s.init(); err != nil {
		return err
	}
	compiled, ok := s.compiled[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSchema, name)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("{}")
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	return compiled.Validate(instance)
}

// ValidateValue marshals v and validates the result.
func (s *Set) ValidateValue(name string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Validate(name, raw)
}

func (s *Set) Has(name string) bool {
	_, ok := s.sources[name]
	return ok
}

func resourceURL(name string) string {
	return "mem://relayhub/" + strings.ReplaceAll(name, ":", "_") + ".json"
}
