// Package schema validates JSON-like data against CUE schemas. One Validator
// is created at process start and shared by the job manager (orders, recipe
// parameters) and the task registry (task parameters).
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// definition is the name every compiled schema is bound to. Definitions are
// closed, so unknown fields are rejected.
const definition = "#Schema"

// ValidationError reports data that does not satisfy a schema.
type ValidationError struct {
	Subject string
	Details []string
}

func (e *ValidationError) Error() string {
	if len(e.Details) == 0 {
		return e.Subject + ": validation failed"
	}
	return e.Subject + ": " + strings.Join(e.Details, "; ")
}

// Validator compiles and evaluates schemas. CUE values are not safe for
// concurrent use, so every evaluation holds mu.
type Validator struct {
	mu  sync.Mutex
	ctx *cue.Context
}

// NewValidator creates a Validator with a fresh CUE context.
func NewValidator() *Validator {
	return &Validator{ctx: cuecontext.New()}
}

// Schema is a compiled schema bound to its Validator.
type Schema struct {
	v     *Validator
	name  string
	value cue.Value
}

// Compile compiles CUE source describing a struct, e.g.
// `{outcome?: "success" | "failure", duration?: number & >=0}`.
// An empty source yields a schema accepting any struct.
func (v *Validator) Compile(name, source string) (*Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	src := strings.TrimSpace(source)
	if src == "" {
		src = "{...}"
	}

	compiled := v.ctx.CompileString(definition+": "+src, cue.Filename(name+".cue"))
	if err := compiled.Err(); err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	value := compiled.LookupPath(cue.ParsePath(definition))
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("lookup schema %s: %w", name, err)
	}
	return &Schema{v: v, name: name, value: value}, nil
}

// Name returns the schema name.
func (s *Schema) Name() string {
	return s.name
}

// Validate checks data against the schema. data must be JSON-encodable. The
// returned error is a *ValidationError carrying human-readable details.
func (s *Schema) Validate(data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s data: %w", s.name, err)
	}

	s.v.mu.Lock()
	defer s.v.mu.Unlock()

	value := s.v.ctx.CompileBytes(raw, cue.Filename(s.name+".json"))
	if err := value.Err(); err != nil {
		return &ValidationError{Subject: s.name, Details: Humanize(err)}
	}
	unified := s.value.Unify(value)
	if err := unified.Validate(cue.All(), cue.Concrete(true)); err != nil {
		return &ValidationError{Subject: s.name, Details: Humanize(err)}
	}
	return nil
}

// Valid is the boolean form of Validate.
func (s *Schema) Valid(data any) bool {
	return s.Validate(data) == nil
}

// Humanize flattens a CUE error into "path: message" lines, deduplicated and
// sorted.
func Humanize(err error) []string {
	if err == nil {
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		msg := fmt.Sprintf(format, args...)
		path := normalizePath(e.Path())
		line := msg
		if path != "" {
			line = path + ": " + msg
		}
		if _, ok := seen[line]; ok {
			continue
		}
		seen[line] = struct{}{}
		out = append(out, line)
	}
	if len(out) == 0 {
		out = append(out, err.Error())
	}
	sort.Strings(out)
	return out
}

// IsValidationError reports whether err is or wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func normalizePath(p []string) string {
	if len(p) > 0 && strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}
