package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/haasonsaas/strand/internal/permissions"
)

// terminalApprover prompts on the terminal when a tool call needs approval.
// Answers: y approves once, a approves for the session, anything else denies.
// Used only when stdin is a terminal; otherwise the manager's no-callback
// default applies.
func terminalApprover(in io.Reader, out io.Writer) permissions.ApprovalFunc {
	reader := bufio.NewReader(in)
	return func(ctx context.Context, req *permissions.ApprovalRequest) (*permissions.ApprovalDecision, error) {
		msg := req.Message
		if msg == "" {
			msg = fmt.Sprintf("The model wants to call %s", req.ToolName)
		}
		fmt.Fprintf(out, "\n%s (risk: %s)\n", msg, req.Risk)
		if len(req.Args) > 0 {
			args := string(req.Args)
			if len(args) > 400 {
				args = args[:400] + "..."
			}
			fmt.Fprintf(out, "arguments: %s\n", args)
		}
		fmt.Fprint(out, "approve? [y]es / [a]lways this session / [N]o: ")

		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return &permissions.ApprovalDecision{Approved: false, Reason: "no answer"}, nil
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return &permissions.ApprovalDecision{Approved: true, ApprovedBy: "terminal"}, nil
		case "a", "always":
			return &permissions.ApprovalDecision{
				Approved:   true,
				Scope:      permissions.ScopeSession,
				ApprovedBy: "terminal",
			}, nil
		default:
			return &permissions.ApprovalDecision{Approved: false, Reason: "denied at terminal"}, nil
		}
	}
}

func stdinIsTerminal() bool {
	info, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
