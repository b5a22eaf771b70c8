package cmd

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a demo MCP backend over stdio",
	Long: `Run a small MCP server on stdin/stdout exposing an echo tool, a
static resource and a greeting prompt. Point a stdio backend at
"mcpgate demo" to exercise the gateway without external servers.`,
	RunE: runDemo,
}

func init() {
	rootCmd.AddCommand(demoCmd)
}

func runDemo(cmd *cobra.Command, args []string) error {
	s := server.NewMCPServer(
		"mcpgate-demo",
		GetVersion(),
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
		server.WithPromptCapabilities(false),
	)

	echoTool := mcp.NewTool("echo",
		mcp.WithDescription("Echo back the provided text"),
		mcp.WithString("text",
			mcp.Required(),
			mcp.Description("Text to echo back"),
		),
	)
	s.AddTool(echoTool, handleEcho)

	motd := mcp.NewResource("demo://motd", "motd",
		mcp.WithResourceDescription("Message of the day"),
		mcp.WithMIMEType("text/plain"),
	)
	s.AddResource(motd, handleMOTD)

	greeting := mcp.NewPrompt("greeting",
		mcp.WithPromptDescription("A friendly greeting"),
		mcp.WithArgument("name",
			mcp.ArgumentDescription("Who to greet"),
		),
	)
	s.AddPrompt(greeting, handleGreeting)

	return server.ServeStdio(s)
}

func handleEcho(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := request.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(text), nil
}

func handleMOTD(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "text/plain",
			Text:     "mcpgate demo backend is up",
		},
	}, nil
}

func handleGreeting(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	name := request.Params.Arguments["name"]
	if name == "" {
		name = "world"
	}
	return mcp.NewGetPromptResult(
		"A friendly greeting",
		[]mcp.PromptMessage{
			mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent(fmt.Sprintf("Say hello to %s.", name))),
		},
	), nil
}
