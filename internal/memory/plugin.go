package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/haasonsaas/strand/internal/tools"
)

// Plugin is the shared implementation behind the working-memory and
// in-context memory plugins. The two differ in what they render into the
// assembled context: working memory lists keys and descriptions only (values
// are fetched through tools), in-context memory inlines values.
type Plugin struct {
	name         string
	store        *Store
	inlineValues bool
	instructions string

	mu            sync.Mutex
	cachedVersion uint64
	cachedContent string
	cachedTokens  int
	rendered      bool
}

// NewWorkingMemoryPlugin creates the working-memory plugin. Its context
// footprint is a key+description listing; offloaded tool results land here.
func NewWorkingMemoryPlugin(estimate EstimateFunc) *Plugin {
	return &Plugin{
		name:  "working_memory",
		store: NewStore("working_memory", estimate),
		instructions: strings.TrimSpace(`
Working memory stores values outside the conversation. The listing below
shows stored keys with descriptions; use memory_retrieve to read a value,
memory_store to save one, and memory_delete to discard it. Prefix keys with
raw., summary., or findings. to set the tier.`),
	}
}

// NewInContextMemoryPlugin creates the in-context memory plugin. Stored
// values render directly into the assembled context.
func NewInContextMemoryPlugin(estimate EstimateFunc) *Plugin {
	return &Plugin{
		name:         "in_context_memory",
		store:        NewStore("in_context_memory", estimate),
		inlineValues: true,
		instructions: strings.TrimSpace(`
In-context memory keeps small notes visible in every request. Store only
short facts you need constantly; use working memory for anything large.`),
	}
}

// Name returns the plugin's registry name.
func (p *Plugin) Name() string { return p.name }

// Store exposes the underlying store for offload strategies and lifecycle
// signals.
func (p *Plugin) Store() *Store { return p.store }

// Instructions returns the plugin's preamble for the system prompt.
func (p *Plugin) Instructions() string { return p.instructions }

// Content renders the plugin's context block, or "" when the store is
// empty. The rendering and its token count are cached until the store
// mutates.
func (p *Plugin) Content() string {
	content, _ := p.render()
	return content
}

// TokenSize returns the cached token estimate of the rendered content.
func (p *Plugin) TokenSize() int {
	_, tokens := p.render()
	return tokens
}

func (p *Plugin) render() (string, int) {
	version := p.store.Version()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rendered && p.cachedVersion == version {
		return p.cachedContent, p.cachedTokens
	}

	entries := p.store.List("")
	var b strings.Builder
	if len(entries) > 0 {
		fmt.Fprintf(&b, "## %s\n", p.name)
		for _, entry := range entries {
			if p.inlineValues {
				fmt.Fprintf(&b, "- %s: %s\n", entry.Key, string(entry.Value))
			} else {
				fmt.Fprintf(&b, "- %s — %s (%d bytes)\n", entry.Key, entry.Description, entry.SizeBytes)
			}
		}
	}

	p.cachedVersion = version
	p.cachedContent = b.String()
	p.cachedTokens = p.store.estimate(p.cachedContent)
	p.rendered = true
	return p.cachedContent, p.cachedTokens
}

// Compactable reports that the plugin can free tokens on demand.
func (p *Plugin) Compactable() bool { return true }

// Compact evicts entries until roughly target tokens are freed. Returns the
// token estimate actually freed.
func (p *Plugin) Compact(target int) int {
	return p.store.Evict(target)
}

// Offload stores a value under the given key with the given description.
// Used by compaction strategies moving bulky tool results out of the
// conversation.
func (p *Plugin) Offload(key, description string, value json.RawMessage) error {
	if len(description) > MaxDescriptionLen {
		description = description[:MaxDescriptionLen]
	}
	// Offloaded results keep their generated key verbatim (no tier prefix)
	// so the model can find them under tool_result.*; they evict first.
	return p.store.Put(Entry{
		Key:         key,
		Description: description,
		Value:       value,
		Priority:    PriorityLow,
		Scope:       Scope{Kind: ScopeSession},
	})
}

// pluginState is the serialized plugin payload in the session document.
type pluginState struct {
	Version int     `json:"version"`
	Entries []Entry `json:"entries"`
}

// State serializes the store for the session document.
func (p *Plugin) State() (json.RawMessage, error) {
	return json.Marshal(pluginState{Version: 1, Entries: p.store.Snapshot()})
}

// RestoreState replaces the store contents from a session document.
func (p *Plugin) RestoreState(raw json.RawMessage) error {
	var state pluginState
	if err := json.Unmarshal(raw, &state); err != nil {
		return fmt.Errorf("decode %s state: %w", p.name, err)
	}
	if state.Version != 1 {
		return fmt.Errorf("unsupported %s state version %d", p.name, state.Version)
	}
	p.store.Restore(state.Entries)
	return nil
}

type storeArgs struct {
	Key            string          `json:"key"`
	Value          json.RawMessage `json:"value"`
	Description    string          `json:"description"`
	Tier           string          `json:"tier,omitempty"`
	Scope          string          `json:"scope,omitempty"`
	Priority       string          `json:"priority,omitempty"`
	Pinned         bool            `json:"pinned,omitempty"`
	NeededForTasks []string        `json:"needed_for_tasks,omitempty"`
}

type retrieveArgs struct {
	Key string `json:"key"`
}

type retrieveBatchArgs struct {
	Keys    []string `json:"keys,omitempty"`
	Pattern string   `json:"pattern,omitempty"`
	Tier    string   `json:"tier,omitempty"`
}

type listArgs struct {
	Tier string `json:"tier,omitempty"`
}

// Tools returns the plugin's tool registrations. All tools are safe to run
// concurrently; mutating tools are scoped always since they only touch the
// agent's own memory.
func (p *Plugin) Tools() []tools.Registration {
	prefix := "memory"
	if p.inlineValues {
		prefix = "context_memory"
	}
	regs := []tools.Registration{
		{
			Descriptor: tools.Descriptor{
				Name:        prefix + "_store",
				Description: "Store a value in " + p.name + " under a dotted key.",
				Schema:      storeSchema,
			},
			Tool: tools.ToolFunc(p.toolStore),
		},
		{
			Descriptor: tools.Descriptor{
				Name:        prefix + "_retrieve",
				Description: "Retrieve a single " + p.name + " value by key.",
				Schema:      retrieveSchema,
			},
			Tool: tools.ToolFunc(p.toolRetrieve),
		},
		{
			Descriptor: tools.Descriptor{
				Name:        prefix + "_retrieve_batch",
				Description: "Retrieve " + p.name + " values by keys, glob pattern, or tier.",
				Schema:      retrieveBatchSchema,
			},
			Tool: tools.ToolFunc(p.toolRetrieveBatch),
		},
		{
			Descriptor: tools.Descriptor{
				Name:        prefix + "_list",
				Description: "List " + p.name + " keys with descriptions, optionally filtered by tier.",
				Schema:      listSchema,
			},
			Tool: tools.ToolFunc(p.toolList),
		},
		{
			Descriptor: tools.Descriptor{
				Name:        prefix + "_delete",
				Description: "Delete a " + p.name + " entry by key.",
				Schema:      retrieveSchema,
			},
			Tool: tools.ToolFunc(p.toolDelete),
		},
	}
	if !p.inlineValues {
		regs = append(regs, tools.Registration{
			Descriptor: tools.Descriptor{
				Name:        prefix + "_cleanup_raw",
				Description: "Bulk-delete all raw-tier working memory entries.",
				Schema:      json.RawMessage(`{"type":"object","additionalProperties":false}`),
			},
			Tool: tools.ToolFunc(p.toolCleanupRaw),
		})
	}
	return regs
}

var storeSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"key": {"type": "string", "minLength": 1},
		"value": {},
		"description": {"type": "string", "maxLength": 150},
		"tier": {"enum": ["raw", "summary", "findings"]},
		"scope": {"enum": ["session", "plan", "persistent", "task"]},
		"priority": {"enum": ["low", "normal", "high", "critical"]},
		"pinned": {"type": "boolean"},
		"needed_for_tasks": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["key", "value", "description"],
	"additionalProperties": false
}`)

var retrieveSchema = json.RawMessage(`{
	"type": "object",
	"properties": {"key": {"type": "string", "minLength": 1}},
	"required": ["key"],
	"additionalProperties": false
}`)

var retrieveBatchSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"keys": {"type": "array", "items": {"type": "string"}},
		"pattern": {"type": "string"},
		"tier": {"enum": ["raw", "summary", "findings"]}
	},
	"additionalProperties": false
}`)

var listSchema = json.RawMessage(`{
	"type": "object",
	"properties": {"tier": {"enum": ["raw", "summary", "findings"]}},
	"additionalProperties": false
}`)

func (p *Plugin) toolStore(ctx context.Context, raw json.RawMessage) (*tools.Output, error) {
	var args storeArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	priority, err := ParsePriority(args.Priority)
	if err != nil {
		return nil, err
	}
	if args.Priority == "" {
		priority = 0 // defer to tier default
	}
	scope := Scope{Kind: ScopeKind(args.Scope)}
	if len(args.NeededForTasks) > 0 {
		scope = Scope{Kind: ScopeTask, TaskIDs: args.NeededForTasks}
	}
	entry := Entry{
		Key:         args.Key,
		Description: args.Description,
		Value:       args.Value,
		Tier:        Tier(args.Tier),
		Scope:       scope,
		Priority:    priority,
		Pinned:      args.Pinned,
	}
	if err := p.store.Put(entry); err != nil {
		return nil, err
	}
	return &tools.Output{Content: fmt.Sprintf("stored %q", args.Key)}, nil
}

func (p *Plugin) toolRetrieve(ctx context.Context, raw json.RawMessage) (*tools.Output, error) {
	var args retrieveArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	entry, ok := p.store.Get(args.Key)
	if !ok {
		return nil, fmt.Errorf("no entry at key %q", args.Key)
	}
	return &tools.Output{Content: string(entry.Value)}, nil
}

func (p *Plugin) toolRetrieveBatch(ctx context.Context, raw json.RawMessage) (*tools.Output, error) {
	var args retrieveBatchArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	var entries []Entry
	switch {
	case len(args.Keys) > 0:
		entries = p.store.GetBatch(args.Keys)
	case args.Pattern != "":
		entries = p.store.Match(args.Pattern)
	case args.Tier != "":
		entries = p.store.ByTier(Tier(args.Tier))
	default:
		return nil, fmt.Errorf("one of keys, pattern, or tier is required")
	}

	payload := make(map[string]json.RawMessage, len(entries))
	for _, entry := range entries {
		payload[entry.Key] = entry.Value
	}
	content, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &tools.Output{Content: string(content)}, nil
}

func (p *Plugin) toolList(ctx context.Context, raw json.RawMessage) (*tools.Output, error) {
	var args listArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	entries := p.store.List(Tier(args.Tier))
	var b strings.Builder
	for _, entry := range entries {
		fmt.Fprintf(&b, "%s — %s (%d bytes, %s)\n",
			entry.Key, entry.Description, entry.SizeBytes, entry.Priority)
	}
	if b.Len() == 0 {
		return &tools.Output{Content: "no entries"}, nil
	}
	return &tools.Output{Content: b.String()}, nil
}

func (p *Plugin) toolDelete(ctx context.Context, raw json.RawMessage) (*tools.Output, error) {
	var args retrieveArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	if !p.store.Delete(args.Key) {
		return nil, fmt.Errorf("no entry at key %q", args.Key)
	}
	return &tools.Output{Content: fmt.Sprintf("deleted %q", args.Key)}, nil
}

func (p *Plugin) toolCleanupRaw(ctx context.Context, raw json.RawMessage) (*tools.Output, error) {
	n := p.store.CleanupRaw()
	return &tools.Output{Content: fmt.Sprintf("removed %d raw entries", n)}, nil
}
