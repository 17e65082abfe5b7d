package protocol

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"
)

func newReflector() *jsonschema.Reflector {
	return &jsonschema.Reflector{
		Anonymous:                 true,
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: true,
	}
}

// SchemaFor returns the JSON schema of the data field of a known envelope type.
func SchemaFor(t EnvelopeType) (*jsonschema.Schema, error) {
	p, ok := payloadFor(t)
	if !ok {
		return nil, errors.Errorf("no schema for envelope type %q", t)
	}
	s := newReflector().Reflect(p)
	// gojsonschema does not know the 2020-12 meta schema, so leave $schema out
	s.Version = ""
	s.Title = reflect.TypeOf(p).Elem().Name()
	return s, nil
}

// Schemas returns the payload schema of every known type.
func Schemas() (map[EnvelopeType]*jsonschema.Schema, error) {
	ret := map[EnvelopeType]*jsonschema.Schema{}
	for _, t := range KnownTypes() {
		s, err := SchemaFor(t)
		if err != nil {
			return nil, err
		}
		ret[t] = s
	}
	return ret, nil
}

// ValidationError lists the schema violations of one envelope payload.
type ValidationError struct {
	Type       EnvelopeType
	Violations []string
}

func (v *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s payload: %s", v.Type, strings.Join(v.Violations, "; "))
}

// Validator checks envelope payloads against the generated schemas. Compiled
// schemas are cached, a Validator is safe for concurrent use.
type Validator struct {
	mu      sync.Mutex
	schemas map[EnvelopeType]*gojsonschema.Schema
}

func NewValidator() *Validator {
	return &Validator{
		schemas: map[EnvelopeType]*gojsonschema.Schema{},
	}
}

func (v *Validator) compiled(t EnvelopeType) (*gojsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if s, ok := v.schemas[t]; ok {
		return s, nil
	}
	s, err := SchemaFor(t)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, errors.Wrapf(err, "could not marshal %s schema", t)
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(b))
	if err != nil {
		return nil, errors.Wrapf(err, "could not compile %s schema", t)
	}
	v.schemas[t] = compiled
	return compiled, nil
}

// Validate checks the data of a known envelope type. Unknown types and
// envelopes without data pass, there is nothing to check them against.
func (v *Validator) Validate(e *Envelope) error {
	if !e.Type.IsKnown() || len(e.Data) == 0 {
		return nil
	}
	s, err := v.compiled(e.Type)
	if err != nil {
		return err
	}

	result, err := s.Validate(gojsonschema.NewBytesLoader(e.Data))
	if err != nil {
		return &DecodeError{Type: e.Type, Reason: "invalid data", Raw: e.Data, Err: err}
	}
	if result.Valid() {
		return nil
	}

	ve := &ValidationError{Type: e.Type}
	for _, desc := range result.Errors() {
		ve.Violations = append(ve.Violations, desc.String())
	}
	return ve
}
