package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/haasonsaas/strand/internal/permissions"
	"github.com/haasonsaas/strand/internal/tools"
)

func newTimeTool() tools.Registration {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"timezone": {"type": "string", "description": "IANA timezone name such as America/New_York. Defaults to UTC."}
		}
	}`)

	return tools.Registration{
		Descriptor: tools.Descriptor{
			Name:        "current_time",
			Description: "Return the current date and time, optionally in a given timezone.",
			Schema:      schema,
			Permission:  permissions.ToolPolicy{Scope: permissions.ScopeAlways, Risk: permissions.RiskLow},
			OutputSize:  tools.SizeSmall,
		},
		Tool: tools.ToolFunc(func(ctx context.Context, raw json.RawMessage) (*tools.Output, error) {
			var args struct {
				Timezone string `json:"timezone"`
			}
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, err
			}
			loc := time.UTC
			if args.Timezone != "" {
				var err error
				loc, err = time.LoadLocation(args.Timezone)
				if err != nil {
					return nil, fmt.Errorf("unknown timezone %q", args.Timezone)
				}
			}
			now := time.Now().In(loc)
			out := struct {
				ISO      string `json:"iso"`
				Unix     int64  `json:"unix"`
				Timezone string `json:"timezone"`
				Weekday  string `json:"weekday"`
			}{
				ISO:      now.Format(time.RFC3339),
				Unix:     now.Unix(),
				Timezone: loc.String(),
				Weekday:  now.Weekday().String(),
			}
			encoded, err := json.Marshal(out)
			if err != nil {
				return nil, err
			}
			return &tools.Output{Content: string(encoded)}, nil
		}),
	}
}
