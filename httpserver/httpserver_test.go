package httpserver_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/barebitcoin/btc-mcp/httpserver"
	"github.com/barebitcoin/btc-mcp/httpserver/logging"
	"github.com/barebitcoin/btc-mcp/toolerr"
	"github.com/barebitcoin/btc-mcp/tools"
)

type describedTool struct {
	Name        string `json:"name"`
	InputSchema struct {
		Type     string   `json:"type"`
		Required []string `json:"required"`
	} `json:"inputSchema"`
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	d, err := tools.New(tools.Config{})
	require.NoError(t, err)

	srv := httptest.NewServer(httpserver.New(d, logging.MiddlewareConf{}).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, body
}

func post(t *testing.T, srv *httptest.Server, tool, body string) (*http.Response, tools.Envelope) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/tools/"+tool, strings.NewReader(body))
	require.NoError(t, err)

	res, raw := do(t, req)
	require.Equal(t, "application/json", res.Header.Get("Content-Type"))

	var env tools.Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	return res, env
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/healthz", nil)
	require.NoError(t, err)

	res, body := do(t, req)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestListAndDescribe(t *testing.T) {
	srv := newTestServer(t)

	t.Run("list", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/tools", nil)
		require.NoError(t, err)

		res, body := do(t, req)
		require.Equal(t, http.StatusOK, res.StatusCode)

		var listed struct {
			Tools []describedTool `json:"tools"`
		}
		require.NoError(t, json.Unmarshal(body, &listed))
		require.Len(t, listed.Tools, 22)
	})

	t.Run("describe", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/tools/hash_message", nil)
		require.NoError(t, err)

		res, body := do(t, req)
		require.Equal(t, http.StatusOK, res.StatusCode)

		var desc describedTool
		require.NoError(t, json.Unmarshal(body, &desc))
		require.Equal(t, "hash_message", desc.Name)
		require.Equal(t, "object", desc.InputSchema.Type)
		require.Contains(t, desc.InputSchema.Required, "message")
	})

	t.Run("describe unknown", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/tools/mine_block", nil)
		require.NoError(t, err)

		res, body := do(t, req)
		require.Equal(t, http.StatusNotFound, res.StatusCode)

		var env tools.Envelope
		require.NoError(t, json.Unmarshal(body, &env))
		require.Equal(t, toolerr.CodeUnknownTool, env.Error.Code)
	})
}

func TestCallTool(t *testing.T) {
	srv := newTestServer(t)

	t.Run("success", func(t *testing.T) {
		res, env := post(t, srv, "hash_message", `{"message": "Hello Bitcoin"}`)
		require.Equal(t, http.StatusOK, res.StatusCode)
		require.True(t, env.Success)
		require.Equal(t, "hash_message", env.Tool)
		require.Nil(t, env.Error)

		result, ok := env.Result.(map[string]any)
		require.True(t, ok)
		require.Equal(t, "0d8e23812e57a72c4d93c75d08846ceceba8045178ef177ad14d408d4c9568f5", result["hash"])

		require.True(t, strings.HasPrefix(res.Header.Get("x-trace-id"), "req_"))
	})

	t.Run("trace id is echoed", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/tools/hash_message",
			strings.NewReader(`{"message": "x"}`))
		require.NoError(t, err)
		req.Header.Set("x-trace-id", "trace-123")

		res, _ := do(t, req)
		require.Equal(t, http.StatusOK, res.StatusCode)
		require.Equal(t, "trace-123", res.Header.Get("x-trace-id"))
	})

	t.Run("unknown tool", func(t *testing.T) {
		res, env := post(t, srv, "mine_block", `{}`)
		require.Equal(t, http.StatusNotFound, res.StatusCode)
		require.False(t, env.Success)
		require.Equal(t, toolerr.CodeUnknownTool, env.Error.Code)
	})

	t.Run("bad arguments", func(t *testing.T) {
		res, env := post(t, srv, "create_multisig", `{"m": 0, "publicKeys": ["0279be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"]}`)
		require.Equal(t, http.StatusBadRequest, res.StatusCode)
		require.Equal(t, toolerr.CodeInvalidRange, env.Error.Code)
		require.Equal(t, "Invalid m value: 0 (must be 1 to 1)", env.Error.Message)
	})

	t.Run("empty body", func(t *testing.T) {
		res, env := post(t, srv, "validate_address", ``)
		require.Equal(t, http.StatusBadRequest, res.StatusCode)
		require.Equal(t, `missing required field: "address"`, env.Error.Message)
	})

	t.Run("invalid json", func(t *testing.T) {
		for _, body := range []string{`{`, `[1, 2]`, `null`, `{} {}`} {
			res, env := post(t, srv, "validate_address", body)
			require.Equal(t, http.StatusBadRequest, res.StatusCode, body)
			require.Equal(t, "validate_address", env.Tool)
			require.Equal(t, toolerr.CodeInvalidFormat, env.Error.Code, body)
		}
	})

	t.Run("wrong method", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPut, srv.URL+"/v1/tools/hash_message", nil)
		require.NoError(t, err)

		res, _ := do(t, req)
		require.Equal(t, http.StatusMethodNotAllowed, res.StatusCode)
	})
}

func TestShutdown(t *testing.T) {
	d, err := tools.New(tools.Config{})
	require.NoError(t, err)

	var nilServer *httpserver.Server
	nilServer.Shutdown(context.Background())

	s := httpserver.New(d, logging.MiddlewareConf{})
	s.Shutdown(context.Background())

	// A stopped server returns immediately without error.
	require.NoError(t, s.Serve(context.Background(), "127.0.0.1:0"))
}
