package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"matteragent/internal/tools"
)

// toolServer owns one MCP client connection and the tools it exposes.
type toolServer struct {
	descriptor tools.Descriptor
	client     *client.Client
	tools      []mcp.Tool
}

// connectToolServer dials one MCP endpoint, initializes the session and
// lists its tools. The connect timeout is short; tool calls themselves get
// the much longer read timeout to accommodate long-running tools.
func connectToolServer(desc tools.Descriptor, connectTimeout time.Duration) (*toolServer, error) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	var mcpClient *client.Client
	switch desc.Transport {
	case tools.TransportSSE:
		var options []transport.ClientOption
		if len(desc.Headers) > 0 {
			options = append(options, transport.WithHeaders(desc.Headers))
		}
		sseTransport, err := transport.NewSSE(desc.URL, options...)
		if err != nil {
			return nil, fmt.Errorf("failed to create SSE transport: %w", err)
		}
		mcpClient = client.NewClient(sseTransport)
	case tools.TransportHTTP:
		var options []transport.StreamableHTTPCOption
		if len(desc.Headers) > 0 {
			options = append(options, transport.WithHTTPHeaders(desc.Headers))
		}
		httpTransport, err := transport.NewStreamableHTTP(desc.URL, options...)
		if err != nil {
			return nil, fmt.Errorf("failed to create HTTP transport: %w", err)
		}
		mcpClient = client.NewClient(httpTransport)
	default:
		return nil, fmt.Errorf("unsupported transport %q", desc.Transport)
	}

	// Start with a background context so the stream outlives this call's
	// deadline; the deadline still bounds Initialize and ListTools below.
	if err := mcpClient.Start(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to start MCP client: %w", err)
	}

	if _, err := mcpClient.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: "2024-11-05",
			Capabilities:    mcp.ClientCapabilities{},
			ClientInfo: mcp.Implementation{
				Name:    "matteragent",
				Version: "1.0.0",
			},
		},
	}); err != nil {
		_ = mcpClient.Close()
		return nil, fmt.Errorf("failed to initialize MCP connection: %w", err)
	}

	listed, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = mcpClient.Close()
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}

	return &toolServer{
		descriptor: desc,
		client:     mcpClient,
		tools:      listed.Tools,
	}, nil
}

func (s *toolServer) close() error {
	return s.client.Close()
}

// call invokes one tool on this server and flattens the result content.
func (s *toolServer) call(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	result, err := s.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to call tool %s: %w", name, err)
	}
	text := flattenContent(result.Content)
	if result.IsError {
		return text, fmt.Errorf("tool %s reported an error: %s", name, text)
	}
	return text, nil
}

// flattenContent joins MCP content parts into a single string.
func flattenContent(content []mcp.Content) string {
	var out string
	for _, part := range content {
		switch c := part.(type) {
		case *mcp.TextContent:
			out += c.Text
		case mcp.TextContent:
			out += c.Text
		default:
			if encoded, err := json.Marshal(part); err == nil {
				out += string(encoded)
			}
		}
	}
	return out
}

// functionSpec converts an MCP tool definition into an OpenAI-style
// function spec. Empty properties/required are omitted: some providers
// reject an object schema with an empty properties map.
func functionSpec(tool mcp.Tool) map[string]interface{} {
	schema := map[string]interface{}{
		"type": tool.InputSchema.Type,
	}
	if schema["type"] == "" {
		schema["type"] = "object"
	}
	if len(tool.InputSchema.Properties) > 0 {
		schema["properties"] = tool.InputSchema.Properties
	}
	if len(tool.InputSchema.Required) > 0 {
		schema["required"] = tool.InputSchema.Required
	}

	return map[string]interface{}{
		"type": "function",
		"function": map[string]interface{}{
			"name":        tool.Name,
			"description": tool.Description,
			"parameters":  schema,
		},
	}
}

// connectAll dials every descriptor, dropping endpoints that fail.
// A partially-connected or even empty toolset is a valid agent state.
func connectAll(descriptors []tools.Descriptor, connectTimeout time.Duration) []*toolServer {
	var servers []*toolServer
	for _, desc := range descriptors {
		server, err := connectToolServer(desc, connectTimeout)
		if err != nil {
			log.Printf("❌ Failed to connect tool endpoint %s (%s): %v", desc.URL, desc.Transport, err)
			continue
		}
		log.Printf("✅ Connected tool endpoint %s (%s): %d tools", desc.URL, desc.Transport, len(server.tools))
		servers = append(servers, server)
	}
	return servers
}
