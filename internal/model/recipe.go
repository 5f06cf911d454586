package model

// Reserved step names that end recipe interpretation without a step lookup.
const (
	StepSuccess = "__SUCCESS__"
	StepFailure = "__FAILURE__"
)

// Recipe is a named, versioned step graph. ParameterSchema is CUE source
// describing the job parameters the recipe accepts.
type Recipe struct {
	ID              string           `json:"id" yaml:"id"`
	Name            string           `json:"name" yaml:"name"`
	Description     string           `json:"description,omitempty" yaml:"description,omitempty"`
	Version         string           `json:"version" yaml:"version"`
	Start           string           `json:"start" yaml:"start"`
	ParameterSchema string           `json:"parameterSchema,omitempty" yaml:"parameterSchema,omitempty"`
	Steps           map[string]*Step `json:"steps" yaml:"steps"`
}

// Step is one node of a recipe graph. Pre, Parameters and Post are
// expression trees; Skip, Success and Failure are expressions too.
type Step struct {
	Task        string `json:"task" yaml:"task"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Skip        any    `json:"skip,omitempty" yaml:"skip,omitempty"`
	Pre         any    `json:"pre,omitempty" yaml:"pre,omitempty"`
	Parameters  any    `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Post        any    `json:"post,omitempty" yaml:"post,omitempty"`
	Success     any    `json:"success" yaml:"success"`
	Failure     any    `json:"failure" yaml:"failure"`
}

// RecipeInfo summarizes a recipe for listings.
type RecipeInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version"`
}

// Info returns the listing summary of r.
func (r *Recipe) Info() RecipeInfo {
	return RecipeInfo{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Version:     r.Version,
	}
}
