package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
	now    func() time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client, now: time.Now}
}

// HandleCheckTransaction scores a transaction.
func (h *Handlers) HandleCheckTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tx := map[string]any{
		"id":               req.GetString("transaction_id", ""),
		"accountId":        req.GetString("account_id", ""),
		"cardNumber":       req.GetString("card_number", ""),
		"amount":           req.GetFloat("amount", 0),
		"currency":         strings.ToUpper(req.GetString("currency", "USD")),
		"merchantId":       req.GetString("merchant_id", ""),
		"merchantCategory": req.GetString("merchant_category", ""),
	}
	for _, field := range []string{"id", "accountId", "cardNumber", "merchantCategory"} {
		if tx[field] == "" {
			return mcp.NewToolResultError(fmt.Sprintf("%s is required", toolArg(field))), nil
		}
	}

	args := req.GetArguments()
	_, hasLat := args["lat"]
	_, hasLon := args["lon"]
	switch {
	case hasLat && hasLon:
		tx["location"] = map[string]float64{"lat": req.GetFloat("lat", 0), "lon": req.GetFloat("lon", 0)}
	case hasLat || hasLon:
		return mcp.NewToolResultError("lat and lon must be given together"), nil
	}
	if v := req.GetString("device_fingerprint", ""); v != "" {
		tx["deviceFingerprint"] = v
	}
	if v := req.GetString("ip_address", ""); v != "" {
		tx["ipAddress"] = v
	}
	tx["timestamp"] = int64(req.GetFloat("timestamp", float64(h.now().UnixMilli())))

	raw, err := h.client.CheckTransaction(ctx, tx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check transaction: %v", err)), nil
	}

	text, err := formatResult(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse result: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetCheck returns a stored check result.
func (h *Handlers) HandleGetCheck(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("transaction_id", "")
	if id == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}

	raw, err := h.client.GetCheck(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get check: %v", err)), nil
	}

	text, err := formatResult(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse result: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleAccountHistory lists recent checks for an account.
func (h *Handlers) HandleAccountHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	accountID := req.GetString("account_id", "")
	if accountID == "" {
		return mcp.NewToolResultError("account_id is required"), nil
	}
	limit := req.GetInt("limit", 20)

	raw, err := h.client.AccountHistory(ctx, accountID, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get account history: %v", err)), nil
	}

	text, err := formatHistory(accountID, raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse history: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleBlocklistAdd blocklists an identifier.
func (h *Handlers) HandleBlocklistAdd(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := strings.TrimSpace(req.GetString("identifier", ""))
	if id == "" {
		return mcp.NewToolResultError("identifier is required"), nil
	}

	if _, err := h.client.AddToBlocklist(ctx, id); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to blocklist %s: %v", id, err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("%s is now blocklisted. Matching transactions will be declined.", id)), nil
}

// HandleBlocklistRemove removes an identifier from the blocklist.
func (h *Handlers) HandleBlocklistRemove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := strings.TrimSpace(req.GetString("identifier", ""))
	if id == "" {
		return mcp.NewToolResultError("identifier is required"), nil
	}

	if _, err := h.client.RemoveFromBlocklist(ctx, id); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to remove %s from blocklist: %v", id, err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("%s removed from the blocklist.", id)), nil
}

// --- formatting ---

type signalInfo struct {
	Type     string  `json:"type"`
	Severity string  `json:"severity"`
	Score    float64 `json:"score"`
	Message  string  `json:"message"`
}

type resultInfo struct {
	TransactionID  string       `json:"transactionId"`
	FraudScore     float64      `json:"fraudScore"`
	Decision       string       `json:"decision"`
	Signals        []signalInfo `json:"signals"`
	LatencyMs      float64      `json:"latencyMs"`
	RequiresReview bool         `json:"requiresReview"`
}

func formatResult(raw json.RawMessage) (string, error) {
	var r resultInfo
	if err := json.Unmarshal(raw, &r); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Transaction %s: %s (score %.1f)\n", r.TransactionID, r.Decision, r.FraudScore))
	if r.RequiresReview {
		sb.WriteString("Flagged for manual review.\n")
	}
	if len(r.Signals) == 0 {
		sb.WriteString("No signals fired.\n")
	} else {
		sb.WriteString("Signals:\n")
		for _, s := range r.Signals {
			sb.WriteString(fmt.Sprintf("- %s [%s, +%.0f] %s\n", s.Type, s.Severity, s.Score, s.Message))
		}
	}
	return sb.String(), nil
}

func formatHistory(accountID string, raw json.RawMessage) (string, error) {
	var resp struct {
		Checks []resultInfo `json:"checks"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Checks) == 0 {
		return fmt.Sprintf("No checks recorded for %s.", accountID), nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d check(s) for %s:\n", len(resp.Checks), accountID))
	for i, r := range resp.Checks {
		types := make([]string, len(r.Signals))
		for j, s := range r.Signals {
			types[j] = s.Type
		}
		line := fmt.Sprintf("%d. %s %s (score %.1f)", i+1, r.TransactionID, r.Decision, r.FraudScore)
		if len(types) > 0 {
			line += " " + strings.Join(types, ", ")
		}
		sb.WriteString(line + "\n")
	}
	return sb.String(), nil
}

// toolArg maps a request field back to its tool argument name.
func toolArg(field string) string {
	switch field {
	case "id":
		return "transaction_id"
	case "accountId":
		return "account_id"
	case "cardNumber":
		return "card_number"
	case "merchantCategory":
		return "merchant_category"
	}
	return field
}
