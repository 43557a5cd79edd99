// Package mcpserver serves the tool dispatcher over the Model Context
// Protocol. Every descriptor becomes one MCP tool with its JSON Schema.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	stdlog "log"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/barebitcoin/btc-mcp/tools"
)

const Name = "btc-mcp"

type Server struct {
	dispatcher *tools.Dispatcher
	mcp        *server.MCPServer
}

func New(ctx context.Context, dispatcher *tools.Dispatcher, version string) (*Server, error) {
	s := &Server{
		dispatcher: dispatcher,
		mcp: server.NewMCPServer(Name, version,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
	}

	descriptors := dispatcher.List()
	for _, desc := range descriptors {
		schema, err := json.Marshal(desc.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("marshal %s schema: %w", desc.Name, err)
		}
		s.mcp.AddTool(mcp.NewToolWithRawSchema(desc.Name, desc.Description, schema), s.handler(desc.Name))
	}

	zerolog.Ctx(ctx).Debug().
		Int("tools", len(descriptors)).
		Msg("mcp server: registered tools")

	return s, nil
}

// handler renders the dispatcher envelope as MCP content. Failures are
// tool errors, not protocol errors, so the caller can read the message.
func (s *Server) handler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		// Each call gets a brand-new context logger that it is safe to
		// manipulate.
		ctx = zerolog.Ctx(ctx).With().Logger().WithContext(ctx)
		ctx = tools.WithRequestID(ctx, tools.NewRequestID())

		env := s.dispatcher.Call(ctx, name, req.GetArguments())
		if !env.Success {
			return mcp.NewToolResultError("Error: " + env.Error.Message), nil
		}

		out, err := json.MarshalIndent(env.Result, "", "  ")
		if err != nil {
			zerolog.Ctx(ctx).Err(err).Msgf("mcp server: marshal %s result", name)
			return mcp.NewToolResultError("Error: unable to encode result"), nil
		}
		return mcp.NewToolResultText(string(out)), nil
	}
}

// Serve speaks the protocol on in and out until in is exhausted or ctx is
// canceled. Nothing else may write to out.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	log := zerolog.Ctx(ctx)

	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(stdlog.New(log.With().Str("component", "mcp").Logger(), "", 0))

	log.Info().Msg("mcp server: serving on stdio")
	if err := stdio.Listen(ctx, in, out); err != nil {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}
