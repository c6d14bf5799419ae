package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	agentctx "github.com/haasonsaas/strand/internal/agent/context"
	"github.com/haasonsaas/strand/internal/permissions"
	"github.com/haasonsaas/strand/internal/providers"
	"github.com/haasonsaas/strand/internal/tools"
)

// SubagentConfig describes a nested agent exposed to the parent as a single
// tool. The subagent shares the parent's provider but nothing else: its own
// conversation, its own iteration budget, its own tool registry.
type SubagentConfig struct {
	// Name is the tool name the parent model calls.
	Name string

	// Description tells the parent model what the subagent is for.
	Description string

	// Instructions is the subagent's system prompt.
	Instructions string

	Provider providers.Provider

	// Tools the subagent may use. Optional.
	Tools []tools.Registration

	Loop    LoopConfig
	Context agentctx.Config

	Logger *slog.Logger
}

var subagentSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"task": {
			"type": "string",
			"description": "The task for the subagent, stated completely: it has no access to this conversation."
		}
	},
	"required": ["task"]
}`)

// NewSubagentRegistration builds the tool registration wrapping a nested
// coordinator. The parent sees exactly one tool call regardless of how many
// iterations the subagent runs.
func NewSubagentRegistration(config SubagentConfig) (tools.Registration, error) {
	if config.Name == "" {
		return tools.Registration{}, fmt.Errorf("subagent: name is required")
	}
	if config.Provider == nil {
		return tools.Registration{}, fmt.Errorf("subagent %s: provider is required", config.Name)
	}

	loopCfg := config.Loop.sanitize()
	loopCfg.Instructions = config.Instructions

	// The subagent's own tools run pre-approved: the parent's call already
	// passed the parent's permission gate.
	perms := permissions.NewManager(permissions.Config{DefaultScope: permissions.ScopeAlways})
	inner, err := NewCoordinator(Config{
		Provider:    config.Provider,
		Permissions: perms,
		Context:     config.Context,
		Loop:        loopCfg,
		Logger:      config.Logger,
	})
	if err != nil {
		return tools.Registration{}, fmt.Errorf("subagent %s: %w", config.Name, err)
	}
	if err := inner.Tools().RegisterAll(config.Tools); err != nil {
		return tools.Registration{}, fmt.Errorf("subagent %s: %w", config.Name, err)
	}

	desc := tools.Descriptor{
		Name:        config.Name,
		Description: config.Description,
		Schema:      subagentSchema,
		OutputSize:  tools.SizeVariable,
	}
	tool := tools.ToolFunc(func(ctx context.Context, args json.RawMessage) (*tools.Output, error) {
		var input struct {
			Task string `json:"task"`
		}
		if err := json.Unmarshal(args, &input); err != nil {
			return nil, fmt.Errorf("parse subagent task: %w", err)
		}
		if strings.TrimSpace(input.Task) == "" {
			return nil, fmt.Errorf("subagent task is empty")
		}

		result, err := inner.Run(ctx, RunOptions{Input: input.Task})
		if err != nil {
			// Surface the partial text so the parent model can still use
			// whatever the subagent produced before failing.
			if re, ok := AsRunError(err); ok && re.PartialText != "" {
				return nil, fmt.Errorf("subagent failed after partial output %q: %w", re.PartialText, err)
			}
			return nil, err
		}
		return &tools.Output{Content: result.Text}, nil
	})

	return tools.Registration{Descriptor: desc, Tool: tool}, nil
}
