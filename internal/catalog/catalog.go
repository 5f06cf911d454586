// Package catalog is the startup registration table of built-in task types
// and tool adapters.
package catalog

import (
	"github.com/seantiz/cook/internal/task"
	"github.com/seantiz/cook/internal/tool"
)

// TaskType describes a task type: its name, the CUE schema its parameters
// must satisfy and a constructor for its behavior.
type TaskType struct {
	Name   string
	Schema string
	New    func(tools task.InstanceFactory) task.Behavior
}

// Tasks returns the built-in task types.
func Tasks() []TaskType {
	return []TaskType{
		{
			Name:   DummyType,
			Schema: dummySchema,
			New:    func(task.InstanceFactory) task.Behavior { return Dummy{} },
		},
		{
			Name:   ExecType,
			Schema: execSchema,
			New:    func(tools task.InstanceFactory) task.Behavior { return NewExec(tools) },
		},
	}
}

// Tools returns the built-in tool adapters.
func Tools() []tool.Adapter {
	return []tool.Adapter{
		Shell{},
		Command{},
	}
}
