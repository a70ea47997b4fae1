package builtin

import (
	"context"
	"fmt"
	"time"

	"mcpagent/pkg/tools"
)

// now is swapped in tests.
var now = time.Now

// ClockArgs are the arguments of the current_time tool.
type ClockArgs struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"IANA time zone name such as Asia/Taipei; defaults to local time"`
}

// NewClock reports the current wall-clock time.
func NewClock() (tools.LocalTool, error) {
	return tools.NewTypedTool("current_time",
		"Return the current date and time, optionally in a given time zone.",
		func(ctx context.Context, in ClockArgs) (string, error) {
			loc := time.Local
			if in.Timezone != "" {
				l, err := time.LoadLocation(in.Timezone)
				if err != nil {
					return "", fmt.Errorf("unknown timezone %q", in.Timezone)
				}
				loc = l
			}
			t := now().In(loc)
			return fmt.Sprintf("%s (%s)", t.Format(time.RFC3339), t.Weekday()), nil
		})
}
