package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"runtime"
	"slices"
	"strings"

	"github.com/seantiz/cook/internal/tool"
)

// ResultMarker prefixes output lines that carry a JSON result.
const ResultMarker = "##result "

// interceptResult decodes "##result <json>" lines.
func interceptResult(line string) (any, bool) {
	payload, ok := strings.CutPrefix(line, ResultMarker)
	if !ok {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(payload), &v); err != nil {
		return nil, false
	}
	return v, true
}

// Shell runs settings["command"] through the configured shell.
type Shell struct{}

// Name implements tool.Adapter.
func (Shell) Name() string { return "Shell" }

// Setup implements tool.Adapter.
func (Shell) Setup(executable string, settings tool.Settings, workDir string) (tool.Command, error) {
	command, _ := settings["command"].(string)
	if command == "" {
		return tool.Command{}, errors.New("shell: missing command")
	}
	flag := "-c"
	if runtime.GOOS == "windows" {
		flag = "/C"
	}
	return tool.Command{
		Path: executable,
		Args: []string{flag, command},
		Env:  environment(settings),
		Dir:  workDir,
	}, nil
}

// Intercept implements tool.Interceptor.
func (Shell) Intercept(line string) (any, bool) { return interceptResult(line) }

// Command runs the configured executable with settings["arguments"]. An
// optional settings["script"] object {name, content} is written into the
// job directory first, so the arguments can refer to it.
type Command struct{}

// Name implements tool.Adapter.
func (Command) Name() string { return "Command" }

// Setup implements tool.Adapter.
func (Command) Setup(executable string, settings tool.Settings, workDir string) (tool.Command, error) {
	cmd := tool.Command{
		Path: executable,
		Env:  environment(settings),
		Dir:  workDir,
	}

	switch args := settings["arguments"].(type) {
	case nil:
	case []any:
		for _, a := range args {
			switch a.(type) {
			case map[string]any, []any, nil:
				return tool.Command{}, fmt.Errorf("command: argument %v is not a scalar", a)
			}
			cmd.Args = append(cmd.Args, fmt.Sprint(a))
		}
	default:
		return tool.Command{}, fmt.Errorf("command: arguments must be a list, got %T", args)
	}

	if s, ok := settings["script"].(map[string]any); ok {
		name, _ := s["name"].(string)
		content, _ := s["content"].(string)
		if name == "" || strings.ContainsAny(name, `/\`) {
			return tool.Command{}, fmt.Errorf("command: invalid script name %q", name)
		}
		cmd.Script = &tool.Script{Name: name, Content: content}
	}
	return cmd, nil
}

// Intercept implements tool.Interceptor.
func (Command) Intercept(line string) (any, bool) { return interceptResult(line) }

// environment turns settings["env"] into KEY=VALUE pairs in key order.
func environment(settings tool.Settings) []string {
	env, _ := settings["env"].(map[string]any)
	var out []string
	for _, k := range slices.Sorted(maps.Keys(env)) {
		out = append(out, fmt.Sprintf("%s=%v", k, env[k]))
	}
	return out
}
