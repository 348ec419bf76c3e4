package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the fraudgate MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolCheckTransaction = mcp.NewTool("check_transaction",
	mcp.WithDescription(
		"Score a card transaction for fraud. "+
			"Returns a 0-100 fraud score, a decision (APPROVE, REVIEW or DECLINE) and the signals that fired. "+
			"The check updates the account's velocity profile, so repeat calls for one account affect later scores."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("Unique transaction id")),
	mcp.WithString("account_id",
		mcp.Required(),
		mcp.Description("Account the transaction belongs to")),
	mcp.WithString("card_number",
		mcp.Required(),
		mcp.Description("Card number (or a token for it)")),
	mcp.WithNumber("amount",
		mcp.Required(),
		mcp.Description("Transaction amount, e.g. 42.17")),
	mcp.WithString("currency",
		mcp.Description("ISO 4217 currency code (default USD)")),
	mcp.WithString("merchant_id",
		mcp.Required(),
		mcp.Description("Merchant id")),
	mcp.WithString("merchant_category",
		mcp.Required(),
		mcp.Description("Merchant category, e.g. 'grocery', 'electronics'")),
	mcp.WithNumber("lat",
		mcp.Description("Latitude of the transaction (requires lon)")),
	mcp.WithNumber("lon",
		mcp.Description("Longitude of the transaction (requires lat)")),
	mcp.WithString("device_fingerprint",
		mcp.Description("Device fingerprint")),
	mcp.WithString("ip_address",
		mcp.Description("Client IP address, used for location when lat/lon are absent")),
	mcp.WithNumber("timestamp",
		mcp.Description("Epoch milliseconds (default: now)")),
)

var ToolGetCheck = mcp.NewTool("get_check",
	mcp.WithDescription("Look up the stored fraud check result for a transaction id."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("Transaction id that was checked")),
)

var ToolAccountHistory = mcp.NewTool("account_history",
	mcp.WithDescription(
		"List the most recent fraud check results for an account, newest first."),
	mcp.WithString("account_id",
		mcp.Required(),
		mcp.Description("Account id")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of results (default 20, max 500)")),
)

var ToolBlocklistAdd = mcp.NewTool("blocklist_add",
	mcp.WithDescription(
		"Blocklist a card number, account id or merchant id. "+
			"Any later transaction that matches is declined with score 100."),
	mcp.WithString("identifier",
		mcp.Required(),
		mcp.Description("Card number, account id or merchant id")),
)

var ToolBlocklistRemove = mcp.NewTool("blocklist_remove",
	mcp.WithDescription("Remove an identifier from the blocklist."),
	mcp.WithString("identifier",
		mcp.Required(),
		mcp.Description("Identifier previously added with blocklist_add")),
)
