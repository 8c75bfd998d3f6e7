package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions. Descriptions are what the assistant reads to pick a tool.

var ToolListViolations = mcp.NewTool("list_violations",
	mcp.WithDescription(
		"List suspected proxy-attendance violations, newest first. "+
			"Each result has a kind, a risk score from 0 to 100, the student and the session. "+
			"Use the returned cursor to fetch the next page."),
	mcp.WithString("status",
		mcp.Description("Filter by review status"),
		mcp.Enum("FLAGGED", "REVIEWED", "CLEARED", "CONFIRMED")),
	mcp.WithString("kind",
		mcp.Description("Filter by violation kind"),
		mcp.Enum("OUTSIDE_GEOFENCE", "LOW_LOCATION_ACCURACY", "MULTI_IDENTITY_SAME_DEVICE",
			"MULTI_DEVICE_SAME_IDENTITY", "IMPOSSIBLE_TRAVEL", "EXTERNAL_RISK_HIGH")),
	mcp.WithString("student",
		mcp.Description("Case-insensitive match on the student's label or id")),
	mcp.WithString("session_id",
		mcp.Description("Only violations from this class session")),
	mcp.WithString("from",
		mcp.Description("Earliest occurrence, RFC 3339 (e.g. '2026-03-02T00:00:00Z')")),
	mcp.WithString("to",
		mcp.Description("Occurrences strictly before this time, RFC 3339")),
	mcp.WithNumber("limit",
		mcp.Description("Page size (default 50, max 200)")),
	mcp.WithString("cursor",
		mcp.Description("Cursor from a previous page")),
)

var ToolGetViolation = mcp.NewTool("get_violation",
	mcp.WithDescription(
		"Get one violation with its evidence, e.g. the distance from the geofence or how many "+
			"identities shared the device."),
	mcp.WithString("id",
		mcp.Required(),
		mcp.Description("Violation id")),
)

var ToolViolationStats = mcp.NewTool("violation_stats",
	mcp.WithDescription(
		"Summarize all violations: totals by status and by kind plus the 10 most recent."),
)

var ToolReviewViolation = mcp.NewTool("review_violation",
	mcp.WithDescription(
		"Record a review decision on one violation. "+
			"CONFIRMED means proxy attendance happened, CLEARED means it was a false alarm, "+
			"REVIEWED means looked at without a verdict."),
	mcp.WithString("id",
		mcp.Required(),
		mcp.Description("Violation id")),
	mcp.WithString("status",
		mcp.Required(),
		mcp.Description("New status"),
		mcp.Enum("FLAGGED", "REVIEWED", "CLEARED", "CONFIRMED")),
	mcp.WithString("notes",
		mcp.Description("Reviewer notes (max 2000 characters). Omit to keep existing notes.")),
)
