package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/strand/internal/observability"
	"github.com/haasonsaas/strand/internal/tools"
	"github.com/haasonsaas/strand/pkg/models"
)

const (
	anthropicDefaultModel     = "claude-sonnet-4-20250514"
	anthropicDefaultMaxTokens = 4096

	// maxEmptyStreamEvents bounds consecutive events that produce no
	// output before the stream is treated as malformed.
	maxEmptyStreamEvents = 300
)

// AnthropicConfig configures the Anthropic adapter.
type AnthropicConfig struct {
	// APIKey is required.
	APIKey string

	// BaseURL overrides the API endpoint, e.g. for a proxy.
	BaseURL string

	// DefaultModel is used when a request leaves Model empty.
	DefaultModel string

	// DefaultMaxTokens is used when a request leaves MaxOutputTokens zero.
	DefaultMaxTokens int

	Logger *slog.Logger
}

// AnthropicProvider adapts the Anthropic Messages API to the Provider port.
type AnthropicProvider struct {
	client  anthropic.Client
	config  AnthropicConfig
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewAnthropicProvider creates the adapter. Metrics may be nil.
func NewAnthropicProvider(config AnthropicConfig, metrics *observability.Metrics) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = anthropicDefaultModel
	}
	if config.DefaultMaxTokens <= 0 {
		config.DefaultMaxTokens = anthropicDefaultMaxTokens
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.Nop()
	}

	options := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if config.BaseURL != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicProvider{
		client:  anthropic.NewClient(options...),
		config:  config,
		metrics: metrics,
		logger:  config.Logger,
	}, nil
}

// Name implements Provider.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Generate implements Provider by draining the streaming path.
func (p *AnthropicProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	return generateFromStream(ctx, p, req)
}

// Stream implements Provider.
func (p *AnthropicProvider) Stream(ctx context.Context, req *Request) (<-chan Event, error) {
	model := p.model(req.Model)
	params, err := p.buildParams(req, model)
	if err != nil {
		return nil, err
	}

	events := make(chan Event)
	go func() {
		defer close(events)
		ctx, span := observability.StartSpan(ctx, "provider.stream",
			observability.ProviderAttrs(p.Name(), model)...)
		defer span.End()

		start := time.Now()
		stream := p.client.Messages.NewStreaming(ctx, params)
		resp := p.processStream(stream, events, model)
		p.record(model, resp, time.Since(start))
	}()
	return events, nil
}

func (p *AnthropicProvider) model(override string) string {
	if override != "" {
		return override
	}
	return p.config.DefaultModel
}

func (p *AnthropicProvider) buildParams(req *Request, model string) (anthropic.MessageNewParams, error) {
	messages, err := convertItemsToAnthropic(req.Items)
	if err != nil {
		return anthropic.MessageNewParams{}, NewProviderError(p.Name(), model, err)
	}

	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = p.config.DefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}

	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		converted, err := convertToolsToAnthropic(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, NewProviderError(p.Name(), model, err)
		}
		params.Tools = converted
	}
	if req.Thinking {
		budget := int64(req.ThinkingBudget)
		if budget < 1024 {
			budget = 10000
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	}
	return params, nil
}

// processStream consumes the SSE stream, emitting port events as blocks
// arrive and assembling the final Response. Tool input and thinking
// signatures accumulate across deltas and are finalized on block stop.
func (p *AnthropicProvider) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], events chan<- Event, model string) *Response {
	var (
		respID     string
		blocks     []models.ContentBlock
		text       strings.Builder
		thinking   strings.Builder
		signature  strings.Builder
		toolCall   *models.ToolUseBlock
		toolInput  strings.Builder
		usage      models.Usage
		status     = StatusCompleted
		emptyCount int
	)

	fail := func(err error) {
		events <- Event{Type: EventError, ItemID: respID, Err: p.wrapError(err, model)}
	}

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			messageStart := event.AsMessageStart()
			respID = messageStart.Message.ID
			if messageStart.Message.Usage.InputTokens > 0 {
				usage.InputTokens = int(messageStart.Message.Usage.InputTokens)
			}
			events <- Event{Type: EventResponseCreated, ItemID: respID}
			processed = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			switch block.Type {
			case "tool_use":
				toolUse := block.AsToolUse()
				toolCall = &models.ToolUseBlock{ID: toolUse.ID, Name: toolUse.Name}
				toolInput.Reset()
				events <- Event{
					Type:       EventToolCallStart,
					ItemID:     respID,
					Index:      len(blocks),
					ToolCallID: toolCall.ID,
					ToolName:   toolCall.Name,
				}
				processed = true
			case "thinking":
				thinking.Reset()
				signature.Reset()
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					text.WriteString(delta.Text)
					events <- Event{Type: EventTextDelta, ItemID: respID, Index: len(blocks), Delta: delta.Text}
					processed = true
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					thinking.WriteString(delta.Thinking)
					events <- Event{Type: EventReasoningDelta, ItemID: respID, Index: len(blocks), Delta: delta.Thinking}
					processed = true
				}
			case "signature_delta":
				if delta.Signature != "" {
					signature.WriteString(delta.Signature)
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" && toolCall != nil {
					toolInput.WriteString(delta.PartialJSON)
					events <- Event{
						Type:       EventToolArgsDelta,
						ItemID:     respID,
						Index:      len(blocks),
						ToolCallID: toolCall.ID,
						Delta:      delta.PartialJSON,
					}
					processed = true
				}
			}

		case "content_block_stop":
			switch {
			case toolCall != nil:
				args := toolInput.String()
				if args == "" {
					args = "{}"
				}
				toolCall.Input = json.RawMessage(args)
				events <- Event{
					Type:       EventToolArgsDone,
					ItemID:     respID,
					Index:      len(blocks),
					ToolCallID: toolCall.ID,
					ToolName:   toolCall.Name,
					Args:       args,
				}
				blocks = append(blocks, models.ContentBlock{Type: models.BlockToolUse, ToolUse: toolCall})
				toolCall = nil
			case thinking.Len() > 0 || signature.Len() > 0:
				events <- Event{Type: EventReasoningDone, ItemID: respID, Index: len(blocks)}
				blocks = append(blocks, models.ContentBlock{
					Type: models.BlockThinking,
					Thinking: &models.ThinkingBlock{
						Text:      thinking.String(),
						Signature: signature.String(),
					},
				})
				thinking.Reset()
				signature.Reset()
			case text.Len() > 0:
				events <- Event{Type: EventTextDone, ItemID: respID, Index: len(blocks)}
				blocks = append(blocks, models.ContentBlock{Type: models.BlockOutputText, Text: text.String()})
				text.Reset()
			}
			processed = true

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(messageDelta.Usage.OutputTokens)
			}
			if messageDelta.Delta.StopReason == "max_tokens" {
				status = StatusIncomplete
			}
			processed = true

		case "message_stop":
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

		case "error":
			fail(errors.New("anthropic stream error"))
			return nil
		}

		if processed {
			emptyCount = 0
		} else {
			emptyCount++
			if emptyCount >= maxEmptyStreamEvents {
				fail(fmt.Errorf("stream appears malformed: %d consecutive empty events", emptyCount))
				return nil
			}
		}
	}

	if err := stream.Err(); err != nil {
		fail(err)
		return nil
	}
	fail(errStreamTruncated)
	return nil
}

func (p *AnthropicProvider) record(model string, resp *Response, elapsed time.Duration) {
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

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := AsProviderError(err); ok {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		providerErr := NewProviderError(p.Name(), model, err).WithStatus(apiErr.StatusCode)

		message := ""
		code := ""
		requestID := apiErr.RequestID
		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				message = payload.Error.Message
				code = payload.Error.Type
				if payload.RequestID != "" {
					requestID = payload.RequestID
				}
			}
		}
		if code != "" {
			providerErr = providerErr.WithCode(code)
		}
		if message != "" {
			providerErr = providerErr.WithMessage(message)
		}
		if requestID != "" {
			providerErr = providerErr.WithRequestID(requestID)
		}
		return providerErr
	}

	return NewProviderError(p.Name(), model, err)
}

// convertItemsToAnthropic maps conversation items to Anthropic messages.
// Consecutive items with the same effective role are merged into one message.
// Unsigned reasoning is dropped; signed reasoning replays as a thinking block.
func convertItemsToAnthropic(items []models.Item) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	appendBlocks := func(assistant bool, blocks []anthropic.ContentBlockParamUnion) {
		if len(blocks) == 0 {
			return
		}
		role := anthropic.MessageParamRoleUser
		if assistant {
			role = anthropic.MessageParamRoleAssistant
		}
		if n := len(result); n > 0 && result[n-1].Role == role {
			result[n-1].Content = append(result[n-1].Content, blocks...)
			return
		}
		if assistant {
			result = append(result, anthropic.NewAssistantMessage(blocks...))
		} else {
			result = append(result, anthropic.NewUserMessage(blocks...))
		}
	}

	for _, item := range items {
		switch item.Kind {
		case models.ItemCompaction:
			if item.Compaction != nil {
				appendBlocks(false, []anthropic.ContentBlockParamUnion{
					anthropic.NewTextBlock(item.Compaction.Summary),
				})
			}

		case models.ItemReasoning:
			if item.Reasoning.Signed() {
				appendBlocks(true, []anthropic.ContentBlockParamUnion{
					anthropic.NewThinkingBlock(item.Reasoning.Signature, item.Reasoning.Text),
				})
			}

		case models.ItemMessage:
			if item.Message == nil {
				continue
			}
			assistant := item.Message.Role == models.RoleAssistant
			var blocks []anthropic.ContentBlockParamUnion
			for _, b := range item.Message.Blocks {
				switch b.Type {
				case models.BlockInputText, models.BlockOutputText:
					if b.Text != "" {
						blocks = append(blocks, anthropic.NewTextBlock(b.Text))
					}
				case models.BlockInputImage:
					if img := anthropicImageBlock(b.Image); img != nil {
						blocks = append(blocks, anthropic.ContentBlockParamUnion{OfImage: img})
					}
				case models.BlockToolUse:
					var input map[string]any
					if err := json.Unmarshal(b.ToolUse.Input, &input); err != nil {
						return nil, fmt.Errorf("tool call %s has invalid input: %w", b.ToolUse.ID, err)
					}
					blocks = append(blocks, anthropic.NewToolUseBlock(b.ToolUse.ID, input, b.ToolUse.Name))
				case models.BlockToolResult:
					blocks = append(blocks, anthropic.NewToolResultBlock(
						b.ToolResult.ToolUseID, b.ToolResult.Content, b.ToolResult.IsError))
				case models.BlockThinking:
					if b.Thinking.Signature != "" {
						blocks = append(blocks, anthropic.NewThinkingBlock(b.Thinking.Signature, b.Thinking.Text))
					}
				}
			}
			appendBlocks(assistant, blocks)
		}
	}
	return result, nil
}

func anthropicImageBlock(img *models.ImageSource) *anthropic.ImageBlockParam {
	if img == nil || img.URL == "" {
		return nil
	}
	if mediaType, data, ok := parseDataURL(img.URL); ok {
		mt, ok := anthropicMediaType(mediaType)
		if !ok {
			return nil
		}
		return &anthropic.ImageBlockParam{
			Source: anthropic.ImageBlockParamSourceUnion{
				OfBase64: &anthropic.Base64ImageSourceParam{Data: data, MediaType: mt},
			},
		}
	}
	return &anthropic.ImageBlockParam{
		Source: anthropic.ImageBlockParamSourceUnion{
			OfURL: &anthropic.URLImageSourceParam{URL: img.URL},
		},
	}
}

func anthropicMediaType(mediaType string) (anthropic.Base64ImageSourceMediaType, bool) {
	switch strings.ToLower(mediaType) {
	case "image/jpeg", "image/jpg":
		return anthropic.Base64ImageSourceMediaTypeImageJPEG, true
	case "image/png":
		return anthropic.Base64ImageSourceMediaTypeImagePNG, true
	case "image/gif":
		return anthropic.Base64ImageSourceMediaTypeImageGIF, true
	case "image/webp":
		return anthropic.Base64ImageSourceMediaTypeImageWebP, true
	default:
		return "", false
	}
}

func parseDataURL(raw string) (string, string, bool) {
	if !strings.HasPrefix(raw, "data:") {
		return "", "", false
	}
	parts := strings.SplitN(raw, ",", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	meta := strings.TrimPrefix(parts[0], "data:")
	if !strings.HasSuffix(meta, ";base64") {
		return "", "", false
	}
	mediaType := strings.TrimSuffix(meta, ";base64")
	if mediaType == "" {
		return "", "", false
	}
	return mediaType, parts[1], true
}

func convertToolsToAnthropic(defs []tools.Definition) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, def := range defs {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(def.InputSchema, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", def.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, def.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", def.Name)
		}
		toolParam.OfTool.Description = anthropic.String(def.Description)
		result = append(result, toolParam)
	}
	return result, nil
}
