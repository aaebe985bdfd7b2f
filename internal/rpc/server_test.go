package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// syncBuffer serializes writes so assertions can read while handler
// goroutines respond.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) responses() []Response {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Response
	for _, line := range strings.Split(strings.TrimSpace(b.buf.String()), "\n") {
		if line == "" {
			continue
		}
		var resp Response
		if err := json.Unmarshal([]byte(line), &resp); err == nil {
			out = append(out, resp)
		}
	}
	return out
}

func serve(t *testing.T, input string, register func(*Server)) *syncBuffer {
	t.Helper()
	out := &syncBuffer{}
	server := NewServer(strings.NewReader(input), out, nil)
	register(server)
	require.NoError(t, server.Serve(context.Background()))
	return out
}

// awaitResponse polls until the response for id shows up; handlers run in
// goroutines, so output may trail Serve returning.
func awaitResponse(t *testing.T, out *syncBuffer, id string) Response {
	t.Helper()
	var found Response
	require.Eventually(t, func() bool {
		for _, resp := range out.responses() {
			if string(resp.ID) == id {
				found = resp
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "no response with id %s", id)
	return found
}

func TestRequestResponseRoundTrip(t *testing.T) {
	input := `{"jsonrpc":"2.0","id":1,"method":"Ping","params":{"value":41}}` + "\n"
	out := serve(t, input, func(s *Server) {
		s.Register("Ping", func(_ context.Context, params json.RawMessage) (any, *Error) {
			var p struct {
				Value int `json:"value"`
			}
			require.NoError(t, json.Unmarshal(params, &p))
			return map[string]int{"value": p.Value + 1}, nil
		})
	})

	resp := awaitResponse(t, out, "1")
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]any)
	require.Equal(t, float64(42), result["value"])
}

func TestHandlerErrorCarriesCodeAndData(t *testing.T) {
	input := `{"jsonrpc":"2.0","id":2,"method":"Boom"}` + "\n"
	out := serve(t, input, func(s *Server) {
		s.Register("Boom", func(context.Context, json.RawMessage) (any, *Error) {
			return nil, &Error{Message: "asset too large", Data: map[string]string{"error_code": "ASSET_TOO_LARGE"}}
		})
	})

	resp := awaitResponse(t, out, "2")
	require.NotNil(t, resp.Error)
	require.Equal(t, CodeApplication, resp.Error.Code)
	require.Equal(t, "asset too large", resp.Error.Message)
}

func TestUnknownMethod(t *testing.T) {
	input := `{"jsonrpc":"2.0","id":3,"method":"Nope"}` + "\n"
	out := serve(t, input, func(*Server) {})
	resp := awaitResponse(t, out, "3")
	require.NotNil(t, resp.Error)
	require.Equal(t, CodeMethodNotFound, resp.Error.Code)
}

func TestMalformedLineDoesNotStopServing(t *testing.T) {
	input := "{not json}\n" + `{"jsonrpc":"2.0","id":4,"method":"Ping"}` + "\n"
	out := serve(t, input, func(s *Server) {
		s.Register("Ping", func(context.Context, json.RawMessage) (any, *Error) {
			return "pong", nil
		})
	})

	resp := awaitResponse(t, out, "4")
	require.Nil(t, resp.Error)
	require.Equal(t, "pong", resp.Result)

	var sawParseError bool
	for _, r := range out.responses() {
		if r.Error != nil && r.Error.Code == CodeParseError {
			sawParseError = true
		}
	}
	require.True(t, sawParseError)
}

func TestNotificationRequestGetsNoResponse(t *testing.T) {
	input := `{"jsonrpc":"2.0","method":"FireAndForget"}` + "\n" +
		`{"jsonrpc":"2.0","id":5,"method":"Ping"}` + "\n"
	called := make(chan struct{}, 1)
	out := serve(t, input, func(s *Server) {
		s.Register("FireAndForget", func(context.Context, json.RawMessage) (any, *Error) {
			called <- struct{}{}
			return "ignored", nil
		})
		s.Register("Ping", func(context.Context, json.RawMessage) (any, *Error) {
			return "pong", nil
		})
	})

	<-called
	awaitResponse(t, out, "5")
	for _, resp := range out.responses() {
		require.NotEqual(t, "ignored", resp.Result)
	}
}

func TestNotifyWritesNotificationLine(t *testing.T) {
	out := &syncBuffer{}
	server := NewServer(strings.NewReader(""), out, nil)
	server.Notify("BenchmarkStreamDelta", map[string]string{"token_delta": "Hel"})

	out.mu.Lock()
	line := strings.TrimSpace(out.buf.String())
	out.mu.Unlock()
	var n Notification
	require.NoError(t, json.Unmarshal([]byte(line), &n))
	require.Equal(t, "2.0", n.JSONRPC)
	require.Equal(t, "BenchmarkStreamDelta", n.Method)
}
