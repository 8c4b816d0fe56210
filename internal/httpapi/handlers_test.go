package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeSession is a minimal session double for exercising the HTTP layer
// without a real backend.
type fakeSession struct {
	id           string
	sendResult   string
	recvResult   string
	renameResult string
	statusResult string

	lastSendTo      string
	lastSendContent string
	lastWaitSeconds int
	lastRenameTo    string
}

func (f *fakeSession) ID() string { return f.id }

func (f *fakeSession) Send(ctx context.Context, to, content string) string {
	f.lastSendTo, f.lastSendContent = to, content
	return f.sendResult
}

func (f *fakeSession) Recv(ctx context.Context, waitSeconds int) string {
	f.lastWaitSeconds = waitSeconds
	return f.recvResult
}

func (f *fakeSession) Rename(ctx context.Context, newName string) string {
	f.lastRenameTo = newName
	return f.renameResult
}

func (f *fakeSession) GetStatus(ctx context.Context) string { return f.statusResult }

func newTestServer(fake *fakeSession) *httptest.Server {
	cfg := Config{Addr: "127.0.0.1:0", RateLimitRPS: 1000, RateLimitBurst: 1000}
	srv := New(cfg, fake, nil, zap.NewNop())
	return httptest.NewServer(srv.httpServer.Handler)
}

func decodeResponse(t *testing.T, resp *http.Response) Response {
	t.Helper()
	var out Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHandleStatus(t *testing.T) {
	fake := &fakeSession{id: "claude-1", statusResult: "Agent claude-1 @ /tmp [THIS | working]"}
	ts := newTestServer(fake)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeResponse(t, resp)
	m := body.Data.(map[string]any)
	assert.Equal(t, fake.statusResult, m["status"])
}

func TestHandleSend(t *testing.T) {
	fake := &fakeSession{sendResult: "Sent to 1 agent(s): claude-2. ID: abc12345"}
	ts := newTestServer(fake)
	defer ts.Close()

	body, _ := json.Marshal(sendRequest{To: "claude-2", Content: "hello"})
	resp, err := http.Post(ts.URL+"/send", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "claude-2", fake.lastSendTo)
	assert.Equal(t, "hello", fake.lastSendContent)

	out := decodeResponse(t, resp)
	m := out.Data.(map[string]any)
	assert.Equal(t, fake.sendResult, m["result"])
}

func TestHandleSend_MissingFields(t *testing.T) {
	fake := &fakeSession{}
	ts := newTestServer(fake)
	defer ts.Close()

	body, _ := json.Marshal(sendRequest{To: "", Content: ""})
	resp, err := http.Post(ts.URL+"/send", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	out := decodeResponse(t, resp)
	require.NotNil(t, out.Error)
	assert.Equal(t, "invalid_request", out.Error.Code)
}

func TestHandleRecv_QueryWaitSeconds(t *testing.T) {
	fake := &fakeSession{recvResult: "No new messages."}
	ts := newTestServer(fake)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/recv?wait_seconds=5", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 5, fake.lastWaitSeconds)
}

func TestHandleRename(t *testing.T) {
	fake := &fakeSession{renameResult: "OK"}
	ts := newTestServer(fake)
	defer ts.Close()

	body, _ := json.Marshal(renameRequest{NewName: "scout"})
	resp, err := http.Post(ts.URL+"/rename", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "scout", fake.lastRenameTo)
	out := decodeResponse(t, resp)
	m := out.Data.(map[string]any)
	assert.Equal(t, "OK", m["result"])
}

func TestHandleMethodNotAllowed(t *testing.T) {
	fake := &fakeSession{}
	ts := newTestServer(fake)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/send")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHandleHealth(t *testing.T) {
	fake := &fakeSession{id: "claude-1"}
	ts := newTestServer(fake)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
