package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *ReviewClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *ReviewClient) *Handlers {
	return &Handlers{client: client}
}

// HandleListViolations lists one page of violations.
func (h *Handlers) HandleListViolations(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f := ListFilter{
		Status:    req.GetString("status", ""),
		Kind:      req.GetString("kind", ""),
		Student:   req.GetString("student", ""),
		SessionID: req.GetString("session_id", ""),
		From:      req.GetString("from", ""),
		To:        req.GetString("to", ""),
		Limit:     req.GetInt("limit", 0),
		Cursor:    req.GetString("cursor", ""),
	}

	raw, err := h.client.ListViolations(ctx, f)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list violations: %v", err)), nil
	}

	text, err := formatViolationPage(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse violations: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetViolation shows one violation with its evidence.
func (h *Handlers) HandleGetViolation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("id", "")
	if id == "" {
		return mcp.NewToolResultError("id is required"), nil
	}

	raw, err := h.client.GetViolation(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get violation: %v", err)), nil
	}

	text, err := formatViolationDetail(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse violation: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleViolationStats summarizes every violation.
func (h *Handlers) HandleViolationStats(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.Stats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get stats: %v", err)), nil
	}

	text, err := formatStats(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse stats: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleReviewViolation records a decision on one violation.
func (h *Handlers) HandleReviewViolation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("id", "")
	if id == "" {
		return mcp.NewToolResultError("id is required"), nil
	}
	status := req.GetString("status", "")
	if status == "" {
		return mcp.NewToolResultError("status is required"), nil
	}
	var notes *string
	if n, ok := req.GetArguments()["notes"].(string); ok {
		notes = &n
	}

	raw, err := h.client.Review(ctx, id, status, notes)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Review failed: %v", err)), nil
	}

	text, err := formatViolationDetail(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse violation: %v", err)), nil
	}
	return mcp.NewToolResultText("Review recorded.\n\n" + text), nil
}

// --- formatting ---

func formatViolationPage(raw json.RawMessage) (string, error) {
	var page struct {
		Violations []map[string]any `json:"violations"`
		Total      int              `json:"total"`
		NextCursor string           `json:"nextCursor"`
		HasMore    bool             `json:"hasMore"`
	}
	if err := json.Unmarshal(raw, &page); err != nil {
		return "", err
	}
	if len(page.Violations) == 0 {
		return "No violations found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Showing %d of %d violation(s):\n\n", len(page.Violations), page.Total)
	for i, v := range page.Violations {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, summaryLine(v))
	}
	if page.HasMore {
		fmt.Fprintf(&sb, "\nMore results: pass cursor %q\n", page.NextCursor)
	}
	return sb.String(), nil
}

func summaryLine(v map[string]any) string {
	score, _ := getFloat(v, "riskScore")
	student := getString(v, "studentLabel")
	if student == "" {
		student = getString(v, "studentId")
	}
	return fmt.Sprintf("[%s] %s risk %.0f, %s in session %s at %s (id %s)",
		getString(v, "status"), getString(v, "kind"), score,
		student, getString(v, "sessionId"), getString(v, "occurredAt"), getString(v, "id"))
}

func formatViolationDetail(raw json.RawMessage) (string, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	v := resp
	if inner, ok := resp["violation"].(map[string]any); ok {
		v = inner
	}

	var sb strings.Builder
	sb.WriteString(summaryLine(v))
	sb.WriteString("\n")
	if d := getString(v, "details"); d != "" {
		fmt.Fprintf(&sb, "  Details: %s\n", d)
	}
	if ev, ok := v["evidence"].(map[string]any); ok && len(ev) > 0 {
		data, _ := json.Marshal(ev)
		fmt.Fprintf(&sb, "  Evidence: %s\n", data)
	}
	if by := getString(v, "reviewedBy"); by != "" {
		fmt.Fprintf(&sb, "  Reviewed by %s at %s\n", by, getString(v, "reviewedAt"))
	}
	if n := getString(v, "reviewNotes"); n != "" {
		fmt.Fprintf(&sb, "  Notes: %s\n", n)
	}
	return sb.String(), nil
}

func formatStats(raw json.RawMessage) (string, error) {
	var stats struct {
		Total    int              `json:"total"`
		ByStatus map[string]int   `json:"byStatus"`
		ByKind   map[string]int   `json:"byKind"`
		Recent   []map[string]any `json:"recent"`
	}
	if err := json.Unmarshal(raw, &stats); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Total violations: %d\n", stats.Total)
	sb.WriteString("\nBy status:\n")
	for _, s := range []string{"FLAGGED", "REVIEWED", "CLEARED", "CONFIRMED"} {
		fmt.Fprintf(&sb, "  %-10s %d\n", s, stats.ByStatus[s])
	}
	if len(stats.ByKind) > 0 {
		sb.WriteString("\nBy kind:\n")
		for _, k := range []string{"OUTSIDE_GEOFENCE", "LOW_LOCATION_ACCURACY", "MULTI_IDENTITY_SAME_DEVICE",
			"MULTI_DEVICE_SAME_IDENTITY", "IMPOSSIBLE_TRAVEL", "EXTERNAL_RISK_HIGH"} {
			if n := stats.ByKind[k]; n > 0 {
				fmt.Fprintf(&sb, "  %-27s %d\n", k, n)
			}
		}
	}
	if len(stats.Recent) > 0 {
		sb.WriteString("\nMost recent:\n")
		for i, v := range stats.Recent {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, summaryLine(v))
		}
	}
	return sb.String(), nil
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
