package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/haasonsaas/strand/internal/permissions"
	"github.com/haasonsaas/strand/internal/tools"
)

const maxFetchBytes = 512 * 1024

func newFetchTool() tools.Registration {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"url": {"type": "string", "description": "Absolute http or https URL to fetch."}
		},
		"required": ["url"]
	}`)

	client := &http.Client{Timeout: 30 * time.Second}

	return tools.Registration{
		Descriptor: tools.Descriptor{
			Name:        "http_fetch",
			Description: "Fetch a URL with GET and return the response body. Bodies past 512KB are truncated.",
			Schema:      schema,
			Permission:  permissions.ToolPolicy{Scope: permissions.ScopeSession, Risk: permissions.RiskMedium},
			Idempotency: tools.IdempotencySpec{Safe: true, TTL: time.Minute},
			Retry: tools.RetrySpec{
				MaxAttempts: 2,
				RetryOn:     []tools.ErrorKind{tools.KindTimeout, tools.KindExecution},
			},
			OutputSize: tools.SizeLarge,
			Timeout:    45 * time.Second,
		},
		Tool: tools.ToolFunc(func(ctx context.Context, raw json.RawMessage) (*tools.Output, error) {
			var args struct {
				URL string `json:"url"`
			}
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, err
			}
			parsed, err := url.Parse(args.URL)
			if err != nil {
				return nil, fmt.Errorf("invalid url: %w", err)
			}
			if parsed.Scheme != "http" && parsed.Scheme != "https" {
				return nil, fmt.Errorf("unsupported scheme %q", parsed.Scheme)
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
			if err != nil {
				return nil, err
			}
			resp, err := client.Do(req)
			if err != nil {
				return nil, err
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes+1))
			if err != nil {
				return nil, err
			}
			content := string(body)
			if len(body) > maxFetchBytes {
				content = content[:maxFetchBytes] + "\n[truncated]"
			}
			if resp.StatusCode >= 400 {
				return nil, fmt.Errorf("fetch %s: status %d", parsed.Host, resp.StatusCode)
			}
			return &tools.Output{Content: content}, nil
		}),
	}
}
