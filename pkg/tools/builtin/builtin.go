// Package builtin holds the in-process tools shipped with the agent.
package builtin

import (
	"fmt"
	"sort"

	"mcpagent/pkg/tools"
)

// AdapterName is the adapter name used for built-in tools.
const AdapterName = "builtin"

var constructors = map[string]func() (tools.LocalTool, error){
	"calculator":   NewCalculator,
	"current_time": NewClock,
	"run_command":  NewShell,
}

// Names lists the available built-in tools.
func Names() []string {
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds a LocalAdapter serving the named tools in the given order.
func New(names []string) (*tools.LocalAdapter, error) {
	registry := tools.NewToolRegistry()
	for _, name := range names {
		ctor, ok := constructors[name]
		if !ok {
			return nil, fmt.Errorf("unknown builtin tool %q (available: %v)", name, Names())
		}
		t, err := ctor()
		if err != nil {
			return nil, err
		}
		registry.Register(t)
	}
	return tools.NewLocalAdapter(AdapterName, registry), nil
}
