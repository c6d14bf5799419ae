package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/haasonsaas/strand/internal/permissions"
	"github.com/haasonsaas/strand/internal/tools"
)

const maxShellOutput = 64 * 1024

var (
	shellMetachars = regexp.MustCompile("[;&|`$<>]")
	controlChars   = regexp.MustCompile(`[\r\n]`)
	bareName       = regexp.MustCompile(`^[A-Za-z0-9._+-]+$`)
)

var (
	errEmptyCommand    = errors.New("command is empty")
	errUnsafeCommand   = errors.New("command contains shell metacharacters or control characters")
	errOptionInjection = errors.New("command starts with a dash")
	errInvalidCommand  = errors.New("command contains invalid characters")
)

// validateCommand vets the executable name before it reaches exec. Arguments
// are passed as an argv slice and never through a shell, so only the program
// name itself needs vetting: metacharacters, control characters, and
// dash-prefixed names are rejected; explicit paths are allowed as-is.
func validateCommand(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", errEmptyCommand
	}
	if strings.Contains(trimmed, "\x00") || controlChars.MatchString(trimmed) || shellMetachars.MatchString(trimmed) {
		return "", errUnsafeCommand
	}
	if strings.ContainsAny(trimmed, `/\`) || strings.HasPrefix(trimmed, ".") || strings.HasPrefix(trimmed, "~") {
		return trimmed, nil
	}
	if strings.HasPrefix(trimmed, "-") {
		return "", errOptionInjection
	}
	if !bareName.MatchString(trimmed) {
		return "", errInvalidCommand
	}
	return trimmed, nil
}

func newShellTool(root string) tools.Registration {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "string", "description": "Program to run. No shell interpretation; pass arguments separately."},
			"args":    {"type": "array", "items": {"type": "string"}, "description": "Arguments passed verbatim."}
		},
		"required": ["command"]
	}`)

	return tools.Registration{
		Descriptor: tools.Descriptor{
			Name:        "shell",
			Description: "Run a program in the workspace and return its combined output and exit status.",
			Schema:      schema,
			Permission: permissions.ToolPolicy{
				Scope:           permissions.ScopeOnce,
				Risk:            permissions.RiskHigh,
				ApprovalMessage: "The model wants to run a command on this machine.",
			},
			Concurrency: tools.ConcurrencySpec{MaxConcurrent: 1},
			OutputSize:  tools.SizeLarge,
			Timeout:     2 * time.Minute,
		},
		Tool: tools.ToolFunc(func(ctx context.Context, raw json.RawMessage) (*tools.Output, error) {
			var args struct {
				Command string   `json:"command"`
				Args    []string `json:"args"`
			}
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, err
			}
			command, err := validateCommand(args.Command)
			if err != nil {
				return nil, err
			}

			cmd := exec.CommandContext(ctx, command, args.Args...)
			if root != "" {
				cmd.Dir = root
			}
			var buf bytes.Buffer
			cmd.Stdout = &buf
			cmd.Stderr = &buf
			runErr := cmd.Run()

			out := buf.String()
			if len(out) > maxShellOutput {
				out = out[:maxShellOutput] + "\n[truncated]"
			}

			var exitErr *exec.ExitError
			switch {
			case runErr == nil:
				return &tools.Output{Content: out}, nil
			case errors.As(runErr, &exitErr):
				return &tools.Output{
					Content: fmt.Sprintf("%sexit status %d", out, exitErr.ExitCode()),
				}, nil
			default:
				return nil, runErr
			}
		}),
	}
}
