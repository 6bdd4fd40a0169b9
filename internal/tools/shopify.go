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
	"github.com/tidwall/sjson"
)

const maxVendorResponseLen = 256 * 1024

// ShopifyTool is a thin wrapper over the Shopify Admin REST API. The agent
// drives it with a resource path and optional body; the tool handles auth
// headers and response shaping.
type ShopifyTool struct {
	shopDomain  string
	accessToken string
	apiVersion  string
	client      *http.Client
}

func NewShopifyTool(shopDomain, accessToken, apiVersion string) *ShopifyTool {
	if apiVersion == "" {
		apiVersion = "2024-10"
	}
	return &ShopifyTool{
		shopDomain:  shopDomain,
		accessToken: accessToken,
		apiVersion:  apiVersion,
		client:      &http.Client{Timeout: 30 * time.Second},
	}
}

func (t *ShopifyTool) Name() string { return "shopify_admin" }
func (t *ShopifyTool) Description() string {
	return "Call the Shopify Admin REST API (orders, products, customers, inventory)"
}
func (t *ShopifyTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"method": {
				"type": "string",
				"enum": ["GET", "POST", "PUT", "DELETE"],
				"description": "HTTP method"
			},
			"path": {
				"type": "string",
				"description": "Resource path, e.g. orders.json or products/123.json"
			},
			"query": {
				"type": "string",
				"description": "Raw query string, e.g. status=open&limit=10"
			},
			"body": {
				"type": "object",
				"description": "JSON request body (for POST/PUT)"
			},
			"fields": {
				"type": "string",
				"description": "Comma-separated gjson paths to extract from the response; empty returns the full body"
			}
		},
		"required": ["method", "path"]
	}`)
}

func (t *ShopifyTool) Execute(ctx context.Context, params json.RawMessage) (string, error) {
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
	if t.shopDomain == "" || t.accessToken == "" {
		return "", fmt.Errorf("shopify is not configured")
	}

	url := fmt.Sprintf("https://%s/admin/api/%s/%s", t.shopDomain, t.apiVersion, strings.TrimPrefix(p.Path, "/"))
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
	req.Header.Set("X-Shopify-Access-Token", t.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("shopify request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxVendorResponseLen))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("shopify returned HTTP %d: %s", resp.StatusCode, gjson.GetBytes(data, "errors").String())
	}

	return shapeResponse(data, p.Fields)
}

// shapeResponse projects the requested gjson paths out of a vendor response,
// or returns the full body when no fields are requested.
func shapeResponse(data []byte, fields string) (string, error) {
	if fields == "" {
		return string(data), nil
	}
	out := "{}"
	for _, field := range strings.Split(fields, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		v := gjson.GetBytes(data, field)
		var err error
		out, err = sjson.Set(out, field, v.Value())
		if err != nil {
			return "", fmt.Errorf("failed to project field %q: %w", field, err)
		}
	}
	return out, nil
}
