package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chrisboulton/agentsocket-go"
)

// localTools returns the tools the CLI can run on behalf of the agent.
func localTools() *agentsocket.Toolbox {
	tb := agentsocket.NewToolbox()
	tb.Add(agentsocket.NewFuncTool(agentsocket.ToolDefinition{
		Name:        "local-time",
		Description: "Returns the current time of the user, optionally in an IANA time zone.",
	}, localTime(time.Now)))
	return tb
}

func localTime(now func() time.Time) func(ctx context.Context, args string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var params struct {
			Timezone string `json:"timezone"`
		}
		if args != "" {
			if err := json.Unmarshal([]byte(args), &params); err != nil {
				return "", fmt.Errorf("invalid arguments: %w", err)
			}
		}

		t := now()
		if params.Timezone != "" {
			loc, err := time.LoadLocation(params.Timezone)
			if err != nil {
				return "", fmt.Errorf("unknown timezone %q", params.Timezone)
			}
			t = t.In(loc)
		}
		return t.Format(time.RFC3339), nil
	}
}
