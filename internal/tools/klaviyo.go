package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const klaviyoAPIBase = "https://a.klaviyo.com/api"

// KlaviyoTool wraps the Klaviyo REST API for campaign, list, and profile
// queries.
type KlaviyoTool struct {
	apiKey string
	client *http.Client
}

func NewKlaviyoTool(apiKey string) *KlaviyoTool {
	return &KlaviyoTool{
		apiKey: apiKey,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (t *KlaviyoTool) Name() string { return "klaviyo" }
func (t *KlaviyoTool) Description() string {
	return "Call the Klaviyo API (campaigns, lists, profiles, metrics)"
}
func (t *KlaviyoTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"method": {
				"type": "string",
				"enum": ["GET", "POST", "PATCH", "DELETE"],
				"description": "HTTP method"
			},
			"path": {
				"type": "string",
				"description": "Resource path, e.g. campaigns or lists/ABC123"
			},
			"query": {
				"type": "string",
				"description": "Raw query string, e.g. filter=equals(status,'draft')"
			},
			"body": {
				"type": "object",
				"description": "JSON request body (for POST/PATCH)"
			},
			"fields": {
				"type": "string",
				"description": "Comma-separated gjson paths to extract; empty returns the full body"
			}
		},
		"required": ["method", "path"]
	}`)
}

func (t *KlaviyoTool) Execute(ctx context.Context, params json.RawMessage) (string, error) {
	var p struct {
		Method string          `json:"method"`
		Path   string          `json:"path"`
		Query  string          `json:"query"`
		Body   json.RawMessage `json:"body"`
		Fields string          `json:"fields"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return "", fmt.Errorf("invalid parameters: %w", err)
	}
	if t.apiKey == "" {
		return "", fmt.Errorf("klaviyo is not configured")
	}

	url := klaviyoAPIBase + "/" + strings.TrimPrefix(p.Path, "/")
	if p.Query != "" {
		url += "?" + p.Query
	}

	var body io.Reader
	if len(p.Body) > 0 {
		body = strings.NewReader(string(p.Body))
	}

	req, err := http.NewRequestWithContext(ctx, p.Method, url, body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Klaviyo-API-Key "+t.apiKey)
	req.Header.Set("Content-Type", "application/vnd.api+json")
	req.Header.Set("revision", "2024-10-15")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("klaviyo request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxVendorResponseLen))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := gjson.GetBytes(data, "errors.0.detail").String()
		return "", fmt.Errorf("klaviyo returned HTTP %d: %s", resp.StatusCode, detail)
	}

	return shapeResponse(data, p.Fields)
}
