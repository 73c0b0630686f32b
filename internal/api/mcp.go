package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/remindme/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Reminders Reminders
	Version   string
}

// NewMCPServer creates an MCP server exposing the reminder commands as tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"remindme",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("remindme schedules reminders from plain-language commands and follows up until tasks are done."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("send_command",
			mcp.WithDescription("Send a chat command on behalf of a user, e.g. \"remind me to call mom at 9pm\" or \"list tasks\". Returns the bot's reply."),
			mcp.WithNumber("owner_id", mcp.Description("User id the command runs as"), mcp.Required()),
			mcp.WithString("text", mcp.Description("The command text"), mcp.Required()),
		),
		mcpSendCommand(deps),
	)

	s.AddTool(
		mcp.NewTool("list_reminders",
			mcp.WithDescription("List a user's tasks ordered by scheduled time."),
			mcp.WithNumber("owner_id", mcp.Description("User id"), mcp.Required()),
		),
		mcpListReminders(deps),
	)

	s.AddTool(
		mcp.NewTool("complete_reminder",
			mcp.WithDescription("Mark a task as done and cancel its pending notifications."),
			mcp.WithNumber("task_id", mcp.Description("Task id"), mcp.Required()),
		),
		mcpCompleteReminder(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"reminders://jobs",
			"Pending Jobs",
			mcp.WithResourceDescription("Reminder and follow-up triggers waiting to fire"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceJobs(deps),
	)

	return s
}

func mcpSendCommand(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ownerID := int64(req.GetInt("owner_id", 0))
		if ownerID <= 0 {
			return mcpError("owner_id is required"), nil
		}
		text, err := req.RequireString("text")
		if err != nil || text == "" {
			return mcpError("text is required"), nil
		}
		return mcpText(deps.Reminders.Handle(ctx, ownerID, text)), nil
	}
}

func mcpListReminders(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ownerID := int64(req.GetInt("owner_id", 0))
		if ownerID <= 0 {
			return mcpError("owner_id is required"), nil
		}
		tasks, err := deps.Reminders.List(ownerID)
		if err != nil {
			return mcpError(fmt.Sprintf("listing tasks failed: %v", err)), nil
		}
		views := make([]TaskView, len(tasks))
		for i, t := range tasks {
			views[i] = viewTask(t)
		}
		b, err := json.Marshal(views)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal tasks: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpCompleteReminder(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID := int64(req.GetInt("task_id", 0))
		if taskID <= 0 {
			return mcpError("task_id is required"), nil
		}
		t, err := deps.Reminders.Complete(ctx, taskID)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("task %d not found", taskID)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("completing task failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Task '%s' marked as done.", t.Description)), nil
	}
}

func mcpResourceJobs(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		triggers, err := deps.Reminders.Jobs(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list jobs: %w", err)
		}
		jobs := make([]JobView, len(triggers))
		for i, t := range triggers {
			jobs[i] = JobView{ID: t.ID, Kind: string(t.Kind), TaskID: t.TaskID, FireAt: t.FireAt}
		}
		b, err := json.Marshal(jobs)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal jobs: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
