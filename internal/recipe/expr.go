package recipe

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator evaluates expression trees. An expression tree is any JSON-like
// value; strings may embed expressions as ${...}. A string that consists of
// a single ${...} yields the expression's typed value, any other string
// containing ${...} is a template. Evaluation never modifies its input.
type Evaluator struct {
	jobDir string
	opts   []expr.Option

	mu       sync.Mutex
	programs map[string]*vm.Program
}

// NewEvaluator creates an evaluator whose exists() helper is scoped to
// jobDir.
func NewEvaluator(jobDir string) *Evaluator {
	e := &Evaluator{
		jobDir:   jobDir,
		programs: make(map[string]*vm.Program),
	}
	e.opts = []expr.Option{
		expr.AllowUndefinedVariables(),
		expr.Function("firstTrue", firstTrue),
		expr.Function("baseName", stringFunc(func(p string) string {
			return strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))
		})),
		expr.Function("basePath", stringFunc(func(p string) string {
			return strings.TrimSuffix(p, filepath.Ext(p))
		})),
		expr.Function("extension", stringFunc(filepath.Ext)),
		expr.Function("composeName", composeName),
		expr.Function("exists", e.exists),
	}
	return e
}

// Eval evaluates tree against env and returns a new tree.
func (e *Evaluator) Eval(tree any, env map[string]any) (any, error) {
	switch v := tree.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			r, err := e.Eval(item, env)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			r, err := e.Eval(item, env)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = r
		}
		return out, nil
	case string:
		return e.evalString(v, env)
	default:
		return v, nil
	}
}

func (e *Evaluator) evalString(s string, env map[string]any) (any, error) {
	frags, err := splitTemplate(s)
	if err != nil {
		return nil, err
	}
	if len(frags) == 0 {
		return s, nil
	}
	if len(frags) == 1 && frags[0].start == 0 && frags[0].end == len(s) {
		return e.run(frags[0].code, env)
	}

	var b strings.Builder
	last := 0
	for _, f := range frags {
		b.WriteString(s[last:f.start])
		v, err := e.run(f.code, env)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(v))
		last = f.end
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

func (e *Evaluator) run(code string, env map[string]any) (any, error) {
	e.mu.Lock()
	program, ok := e.programs[code]
	if !ok {
		var err error
		program, err = expr.Compile(code, e.opts...)
		if err != nil {
			e.mu.Unlock()
			return nil, fmt.Errorf("compile %q: %w", code, err)
		}
		e.programs[code] = program
	}
	e.mu.Unlock()

	v, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("evaluate %q: %w", code, err)
	}
	return v, nil
}

func (e *Evaluator) exists(params ...any) (any, error) {
	if len(params) != 1 {
		return nil, errors.New("exists expects 1 argument")
	}
	name, ok := params[0].(string)
	if !ok || name == "" {
		return false, nil
	}
	if !filepath.IsLocal(name) {
		return nil, fmt.Errorf("exists: %q is outside the job directory", name)
	}
	_, err := os.Stat(filepath.Join(e.jobDir, name))
	return err == nil, nil
}

type fragment struct {
	start, end int
	code       string
}

// splitTemplate finds the ${...} fragments of s. Braces inside an
// expression must balance; quoted strings are skipped.
func splitTemplate(s string) ([]fragment, error) {
	var frags []fragment
	for i := 0; i < len(s); i++ {
		if s[i] != '$' || i+1 >= len(s) || s[i+1] != '{' {
			continue
		}
		depth := 0
		var quote byte
		end := -1
	scan:
		for j := i + 1; j < len(s); j++ {
			c := s[j]
			switch {
			case quote != 0:
				if c == '\\' {
					j++
				} else if c == quote {
					quote = 0
				}
			case c == '"' || c == '\'' || c == '`':
				quote = c
			case c == '{':
				depth++
			case c == '}':
				depth--
				if depth == 0 {
					end = j
					break scan
				}
			}
		}
		if end < 0 {
			return nil, fmt.Errorf("unterminated expression in %q", s)
		}
		code := strings.TrimSpace(s[i+2 : end])
		if code == "" {
			return nil, fmt.Errorf("empty expression in %q", s)
		}
		frags = append(frags, fragment{start: i, end: end + 1, code: code})
		i = end
	}
	return frags, nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}

// Truthy reports whether v counts as true in a condition.
func Truthy(v any) bool {
	if v == nil {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() != 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() != 0
	case reflect.Map, reflect.Slice, reflect.Array:
		return rv.Len() > 0
	}
	return true
}

// firstTrue returns the first truthy argument, or the last argument when
// none is truthy.
func firstTrue(params ...any) (any, error) {
	for _, p := range params {
		if Truthy(p) {
			return p, nil
		}
	}
	if len(params) == 0 {
		return nil, nil
	}
	return params[len(params)-1], nil
}

func stringFunc(fn func(string) string) func(params ...any) (any, error) {
	return func(params ...any) (any, error) {
		if len(params) != 1 {
			return nil, errors.New("expected 1 argument")
		}
		s, ok := params[0].(string)
		if !ok {
			return nil, errors.New("expected a string argument")
		}
		return fn(s), nil
	}
}

// composeName builds "<base>-<size><ext>", e.g. composeName("model", "high",
// "glb") is "model-high.glb".
func composeName(params ...any) (any, error) {
	if len(params) != 3 {
		return nil, fmt.Errorf("composeName expects 3 arguments, got %d", len(params))
	}
	base, size, ext := stringify(params[0]), stringify(params[1]), stringify(params[2])
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	if size == "" {
		return base + ext, nil
	}
	return base + "-" + size + ext, nil
}
