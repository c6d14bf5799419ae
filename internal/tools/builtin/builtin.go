// Package builtin provides the stock toolset the CLI registers by default:
// filesystem access, command execution, HTTP fetch, and clock queries. Each
// tool carries a permission policy matched to its blast radius, so the
// approval gate stays meaningful without per-user configuration.
package builtin

import (
	"github.com/haasonsaas/strand/internal/tools"
)

// Options tunes the builtin toolset.
type Options struct {
	// Root confines filesystem tools to a directory tree. Empty means the
	// process working directory.
	Root string

	// AllowShell registers the shell tool. Off by default: command execution
	// is the highest-risk capability in the set.
	AllowShell bool
}

// All returns the builtin tool registrations.
func All(opts Options) []tools.Registration {
	regs := []tools.Registration{
		newReadFileTool(opts.Root),
		newListDirTool(opts.Root),
		newWriteFileTool(opts.Root),
		newFetchTool(),
		newTimeTool(),
	}
	if opts.AllowShell {
		regs = append(regs, newShellTool(opts.Root))
	}
	return regs
}
