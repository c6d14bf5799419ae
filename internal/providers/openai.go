package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/strand/internal/observability"
	"github.com/haasonsaas/strand/internal/tools"
	"github.com/haasonsaas/strand/pkg/models"
)

const openAIDefaultModel = "gpt-4o"

// OpenAIConfig configures the OpenAI adapter.
type OpenAIConfig struct {
	// APIKey is required.
	APIKey string

	// BaseURL overrides the API endpoint, for proxies and compatible
	// servers.
	BaseURL string

	// DefaultModel is used when a request leaves Model empty.
	DefaultModel string

	Logger *slog.Logger
}

// OpenAIProvider adapts the OpenAI chat completions API to the Provider port.
// Thinking is not supported here: reasoning items never replay to OpenAI.
type OpenAIProvider struct {
	client  *openai.Client
	config  OpenAIConfig
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewOpenAIProvider creates the adapter. Metrics may be nil.
func NewOpenAIProvider(config OpenAIConfig, metrics *observability.Metrics) (*OpenAIProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = openAIDefaultModel
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.Nop()
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	return &OpenAIProvider{
		client:  openai.NewClientWithConfig(clientConfig),
		config:  config,
		metrics: metrics,
		logger:  config.Logger,
	}, nil
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string { return "openai" }

// Generate implements Provider by draining the streaming path.
func (p *OpenAIProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	return generateFromStream(ctx, p, req)
}

// Stream implements Provider.
func (p *OpenAIProvider) Stream(ctx context.Context, req *Request) (<-chan Event, error) {
	model := p.model(req.Model)
	chatReq := openai.ChatCompletionRequest{
		Model:         model,
		Messages:      convertItemsToOpenAI(req.Items, req.System),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if req.MaxOutputTokens > 0 {
		chatReq.MaxTokens = req.MaxOutputTokens
	}
	if req.Temperature != nil {
		chatReq.Temperature = float32(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertToolsToOpenAI(req.Tools)
	}

	ctx, span := observability.StartSpan(ctx, "provider.stream",
		observability.ProviderAttrs(p.Name(), model)...)

	start := time.Now()
	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		span.End()
		p.record(model, nil, time.Since(start))
		return nil, p.wrapError(err, model)
	}

	events := make(chan Event)
	go func() {
		defer close(events)
		defer span.End()
		defer stream.Close()
		resp := p.processStream(ctx, stream, events, model)
		p.record(model, resp, time.Since(start))
	}()
	return events, nil
}

func (p *OpenAIProvider) model(override string) string {
	if override != "" {
		return override
	}
	return p.config.DefaultModel
}

// processStream accumulates streamed deltas into a Response. OpenAI streams
// tool calls incrementally keyed by index, so argument fragments append until
// the stream finishes.
func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, events chan<- Event, model string) *Response {
	var (
		respID  string
		created bool
		text    strings.Builder
		calls   = map[int]*models.ToolUseBlock{}
		args    = map[int]*strings.Builder{}
		started = map[int]bool{}
		usage   models.Usage
		status  = StatusCompleted
	)

	fail := func(err error) {
		events <- Event{Type: EventError, ItemID: respID, Err: p.wrapError(err, model)}
	}

	finish := func() *Response {
		blocks := make([]models.ContentBlock, 0, 1+len(calls))
		if text.Len() > 0 {
			events <- Event{Type: EventTextDone, ItemID: respID}
			blocks = append(blocks, models.ContentBlock{Type: models.BlockOutputText, Text: text.String()})
		}
		indexes := make([]int, 0, len(calls))
		for i := range calls {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)
		for _, i := range indexes {
			call := calls[i]
			if call.ID == "" || call.Name == "" {
				continue
			}
			full := "{}"
			if b := args[i]; b != nil && b.Len() > 0 {
				full = b.String()
			}
			call.Input = json.RawMessage(full)
			events <- Event{
				Type:       EventToolArgsDone,
				ItemID:     respID,
				Index:      len(blocks),
				ToolCallID: call.ID,
				ToolName:   call.Name,
				Args:       full,
			}
			blocks = append(blocks, models.ContentBlock{Type: models.BlockToolUse, ToolUse: call})
		}
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
		resp := &Response{
			ID:     respID,
			Model:  model,
			Status: status,
			Item: models.Item{
				Kind:      models.ItemMessage,
				ID:        respID,
				CreatedAt: time.Now(),
				Message:   &models.MessageItem{Role: models.RoleAssistant, Blocks: blocks},
			},
			Usage: usage,
		}
		events <- Event{Type: EventResponseComplete, ItemID: respID, Response: resp}
		return resp
	}

	for {
		select {
		case <-ctx.Done():
			fail(ctx.Err())
			return nil
		default:
		}

		chunk, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return finish()
			}
			fail(err)
			return nil
		}

		if chunk.ID != "" && !created {
			respID = chunk.ID
			created = true
			events <- Event{Type: EventResponseCreated, ItemID: respID}
		}
		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.Content != "" {
			text.WriteString(choice.Delta.Content)
			events <- Event{Type: EventTextDelta, ItemID: respID, Delta: choice.Delta.Content}
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			call := calls[index]
			if call == nil {
				call = &models.ToolUseBlock{}
				calls[index] = call
				args[index] = &strings.Builder{}
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Name = tc.Function.Name
			}
			if call.ID != "" && call.Name != "" && !started[index] {
				started[index] = true
				events <- Event{Type: EventToolCallStart, ItemID: respID, ToolCallID: call.ID, ToolName: call.Name}
			}
			if tc.Function.Arguments != "" {
				args[index].WriteString(tc.Function.Arguments)
				events <- Event{
					Type:       EventToolArgsDelta,
					ItemID:     respID,
					ToolCallID: call.ID,
					Delta:      tc.Function.Arguments,
				}
			}
		}

		if choice.FinishReason == openai.FinishReasonLength {
			status = StatusIncomplete
		}
	}
}

func (p *OpenAIProvider) record(model string, resp *Response, elapsed time.Duration) {
	status := "success"
	if resp == nil {
		status = "error"
	}
	p.metrics.LLMRequestCounter.WithLabelValues(p.Name(), model, status).Inc()
	p.metrics.LLMRequestDuration.WithLabelValues(p.Name(), model).Observe(elapsed.Seconds())
	if resp != nil {
		p.metrics.LLMTokensUsed.WithLabelValues(p.Name(), model, "input").Add(float64(resp.Usage.InputTokens))
		p.metrics.LLMTokensUsed.WithLabelValues(p.Name(), model, "output").Add(float64(resp.Usage.OutputTokens))
	}
}

func (p *OpenAIProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := AsProviderError(err); ok {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		providerErr := NewProviderError(p.Name(), model, err).
			WithStatus(apiErr.HTTPStatusCode).
			WithCode(apiErr.Type).
			WithMessage(apiErr.Message)
		if code, ok := apiErr.Code.(string); ok {
			providerErr = providerErr.WithCode(code)
		}
		return providerErr
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return NewProviderError(p.Name(), model, err).WithStatus(reqErr.HTTPStatusCode)
	}

	return NewProviderError(p.Name(), model, err)
}

// convertItemsToOpenAI maps conversation items to chat messages. The system
// prompt leads; developer items become system messages; each tool result
// becomes its own tool-role message; reasoning items are dropped.
func convertItemsToOpenAI(items []models.Item, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(items)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, item := range items {
		switch item.Kind {
		case models.ItemCompaction:
			if item.Compaction != nil {
				result = append(result, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleSystem,
					Content: item.Compaction.Summary,
				})
			}

		case models.ItemMessage:
			if item.Message == nil {
				continue
			}
			switch item.Message.Role {
			case models.RoleAssistant:
				result = append(result, convertAssistantMessage(item.Message))
			case models.RoleSystem, models.RoleDeveloper:
				if text := item.TextContent(); text != "" {
					result = append(result, openai.ChatCompletionMessage{
						Role:    openai.ChatMessageRoleSystem,
						Content: text,
					})
				}
			default:
				result = append(result, convertUserMessage(item.Message)...)
			}
		}
	}
	return result
}

// convertUserMessage may return several messages: tool results are peeled off
// into individual tool-role messages ahead of any remaining user content.
func convertUserMessage(msg *models.MessageItem) []openai.ChatCompletionMessage {
	var result []openai.ChatCompletionMessage
	var parts []openai.ChatMessagePart
	var plain strings.Builder

	for _, b := range msg.Blocks {
		switch b.Type {
		case models.BlockToolResult:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: b.ToolResult.ToolUseID,
				Content:    b.ToolResult.Content,
			})
		case models.BlockInputText, models.BlockOutputText:
			plain.WriteString(b.Text)
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: b.Text,
			})
		case models.BlockInputImage:
			if b.Image == nil || b.Image.URL == "" {
				continue
			}
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    b.Image.URL,
					Detail: openAIImageDetail(b.Image.Detail),
				},
			})
		}
	}

	hasImage := false
	for _, part := range parts {
		if part.Type == openai.ChatMessagePartTypeImageURL {
			hasImage = true
		}
	}
	switch {
	case hasImage:
		result = append(result, openai.ChatCompletionMessage{
			Role:         openai.ChatMessageRoleUser,
			MultiContent: parts,
		})
	case plain.Len() > 0:
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: plain.String(),
		})
	}
	return result
}

func convertAssistantMessage(msg *models.MessageItem) openai.ChatCompletionMessage {
	out := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
	var content strings.Builder
	for _, b := range msg.Blocks {
		switch b.Type {
		case models.BlockInputText, models.BlockOutputText:
			content.WriteString(b.Text)
		case models.BlockToolUse:
			out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
				ID:   b.ToolUse.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      b.ToolUse.Name,
					Arguments: string(b.ToolUse.Input),
				},
			})
		}
	}
	out.Content = content.String()
	return out
}

func openAIImageDetail(detail models.ImageDetail) openai.ImageURLDetail {
	switch detail {
	case models.ImageDetailLow:
		return openai.ImageURLDetailLow
	case models.ImageDetailHigh:
		return openai.ImageURLDetailHigh
	default:
		return openai.ImageURLDetailAuto
	}
}

func convertToolsToOpenAI(defs []tools.Definition) []openai.Tool {
	result := make([]openai.Tool, len(defs))
	for i, def := range defs {
		schema := def.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  schema,
			},
		}
	}
	return result
}
