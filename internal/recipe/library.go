package recipe

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/seantiz/cook/internal/model"
	"github.com/seantiz/cook/internal/schema"
)

var (
	// ErrUnknownRecipe is returned when no recipe matches an id or name.
	ErrUnknownRecipe = errors.New("unknown recipe")

	// ErrInvalidRecipe is returned for structurally broken recipes.
	ErrInvalidRecipe = errors.New("invalid recipe")
)

// Entry is a loaded recipe with its compiled parameter schema.
type Entry struct {
	Recipe *model.Recipe
	Params *schema.Schema
}

// Library holds the recipes known to the server.
type Library struct {
	validator *schema.Validator

	mu   sync.RWMutex
	byID map[string]*Entry
}

// NewLibrary creates an empty library compiling schemas with v.
func NewLibrary(v *schema.Validator) *Library {
	return &Library{
		validator: v,
		byID:      make(map[string]*Entry),
	}
}

// Add checks r and registers it, replacing any recipe with the same id.
func (l *Library) Add(r *model.Recipe) error {
	if err := check(r); err != nil {
		return err
	}
	params, err := l.validator.Compile(r.ID, r.ParameterSchema)
	if err != nil {
		return fmt.Errorf("%w: %s: parameter schema: %v", ErrInvalidRecipe, r.ID, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.byID[r.ID] = &Entry{Recipe: r, Params: params}
	return nil
}

func check(r *model.Recipe) error {
	switch {
	case r == nil:
		return fmt.Errorf("%w: empty document", ErrInvalidRecipe)
	case r.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidRecipe)
	case r.Name == "":
		return fmt.Errorf("%w: %s: missing name", ErrInvalidRecipe, r.ID)
	case !semver.IsValid(canonicalVersion(r.Version)):
		return fmt.Errorf("%w: %s: version %q is not a semantic version", ErrInvalidRecipe, r.ID, r.Version)
	case r.Start == "":
		return fmt.Errorf("%w: %s: missing start step", ErrInvalidRecipe, r.ID)
	}
	if _, ok := r.Steps[r.Start]; !ok {
		return fmt.Errorf("%w: %s: start step %q not defined", ErrInvalidRecipe, r.ID, r.Start)
	}
	for name, step := range r.Steps {
		if name == model.StepSuccess || name == model.StepFailure {
			return fmt.Errorf("%w: %s: step name %q is reserved", ErrInvalidRecipe, r.ID, name)
		}
		if step == nil || step.Task == "" {
			return fmt.Errorf("%w: %s: step %q has no task", ErrInvalidRecipe, r.ID, name)
		}
	}
	return nil
}

// LoadDir adds every .json, .yaml and .yml file in dir and returns the
// number of recipes loaded.
func (l *Library) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read recipe dir: %w", err)
	}

	n := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		r, err := ReadFile(path)
		if errors.Is(err, errUnsupportedFormat) {
			continue
		}
		if err != nil {
			return n, err
		}
		if err := l.Add(r); err != nil {
			return n, fmt.Errorf("%s: %w", path, err)
		}
		n++
	}
	return n, nil
}

var errUnsupportedFormat = errors.New("unsupported recipe format")

// ReadFile decodes a recipe document from a JSON or YAML file.
func ReadFile(path string) (*model.Recipe, error) {
	var decode func([]byte, any) error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		decode = json.Unmarshal
	case ".yaml", ".yml":
		decode = yaml.Unmarshal
	default:
		return nil, errUnsupportedFormat
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read recipe: %w", err)
	}
	var r model.Recipe
	if err := decode(data, &r); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &r, nil
}

// Lookup finds a recipe by id, then by name. When several recipes share a
// name the highest version wins.
func (l *Library) Lookup(idOrName string) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if e, ok := l.byID[idOrName]; ok {
		return e, nil
	}
	var best *Entry
	for _, e := range l.byID {
		if e.Recipe.Name != idOrName {
			continue
		}
		if best == nil || CompareVersions(e.Recipe.Version, best.Recipe.Version) > 0 {
			best = e
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRecipe, idOrName)
	}
	return best, nil
}

// List returns recipe summaries ordered by name, then newest version first.
func (l *Library) List() []model.RecipeInfo {
	l.mu.RLock()
	infos := make([]model.RecipeInfo, 0, len(l.byID))
	for _, e := range l.byID {
		infos = append(infos, e.Recipe.Info())
	}
	l.mu.RUnlock()

	slices.SortFunc(infos, func(a, b model.RecipeInfo) int {
		if c := cmp.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return CompareVersions(b.Version, a.Version)
	})
	return infos
}

// CompareVersions orders recipe versions by semantic version precedence.
// The "v" prefix is optional and "1.2" is short for "1.2.0".
func CompareVersions(a, b string) int {
	return semver.Compare(canonicalVersion(a), canonicalVersion(b))
}

func canonicalVersion(v string) string {
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}
