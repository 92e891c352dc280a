package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/OMNetCore/internal/models"
)

func writeEnvelope(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{"success": status < 400, "data": data})
}

func fakeServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		var req models.TurnRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		result := models.TurnResult{
			Avatar:    req.AvatarName,
			Response:  "echo: " + req.Input,
			MoodState: "neutral",
			SessionID: "s-new",
			ModelUsed: "test-model",
		}
		if req.Input == "unsaved" {
			result.Diagnostics = []string{"保存会话失败: disk full"}
		}
		if req.Input == "fail" {
			result.Response = models.FallbackReply
			result.Error = "provider down"
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result)
	})
	mux.HandleFunc("/api/feedback", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, models.PersonalityAdjustment{ResponseSpeed: 0.08})
	})
	mux.HandleFunc("/api/sessions/u1", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, []models.SessionSummary{
			{SessionID: "s1", AvatarName: "krix", MoodState: "curious", MessageCount: 4},
		})
	})
	mux.HandleFunc("/api/sessions/u1/krix/missing", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error":   map[string]string{"code": "SESSION_NOT_FOUND", "message": "会话不存在"},
		})
	})
	mux.HandleFunc("/api/auth/token", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "k1" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"success": false,
				"error":   map[string]string{"code": "UNAUTHORIZED", "message": "缺少API密钥"},
			})
			return
		}
		writeEnvelope(w, http.StatusCreated, map[string]interface{}{"access_token": "tok-123", "token_type": "Bearer"})
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"status": "ok"})
	})

	upgrader := websocket.Upgrader{}
	mux.HandleFunc("/ws/chat", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var req models.TurnRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			sid := req.SessionID
			if sid == "" {
				sid = "ws-session"
			}
			conn.WriteJSON(models.TurnResult{
				Avatar:    req.AvatarName,
				Response:  "echo: " + req.Input + " @" + sid,
				SessionID: sid,
				MoodState: "neutral",
				ModelUsed: "test-model",
			})
		}
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func runCLI(t *testing.T, srv *httptest.Server, stdin string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("OMNET_SERVER", srv.URL)
	t.Setenv("OMNET_USER", "u1")
	t.Setenv("OMNET_API_KEY", "")
	t.Setenv("OMNET_TOKEN", "")

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append(args, "--timeout", (5 * time.Second).String()))
	err := cmd.Execute()
	return out.String(), err
}

func TestSayCommand(t *testing.T) {
	srv := fakeServer(t)

	out, err := runCLI(t, srv, "", "say", "krix", "hello", "there")
	require.NoError(t, err)
	assert.Contains(t, out, "echo: hello there")
	assert.Contains(t, out, "session: s-new")

	out, err = runCLI(t, srv, "", "say", "krix", "fail")
	require.NoError(t, err)
	assert.Contains(t, out, "error: provider down")

	out, err = runCLI(t, srv, "", "say", "krix", "unsaved")
	require.NoError(t, err)
	assert.Contains(t, out, "echo: unsaved")
	assert.Contains(t, out, "warning: 保存会话失败: disk full")
}

func TestSessionsCommands(t *testing.T) {
	srv := fakeServer(t)

	out, err := runCLI(t, srv, "", "sessions")
	require.NoError(t, err)
	assert.Contains(t, out, "s1")
	assert.Contains(t, out, "curious")

	_, err = runCLI(t, srv, "", "sessions", "show", "krix", "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SESSION_NOT_FOUND")
}

func TestFeedbackCommand(t *testing.T) {
	srv := fakeServer(t)

	out, err := runCLI(t, srv, "", "feedback", "krix", "too", "slow", "--score", "-0.8")
	require.NoError(t, err)
	assert.Contains(t, out, "response_speed:  +0.08")
}

func TestTokenCommandNeedsAPIKey(t *testing.T) {
	srv := fakeServer(t)

	_, err := runCLI(t, srv, "", "token", "u1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UNAUTHORIZED")

	out, err := runCLI(t, srv, "", "token", "u1", "--api-key", "k1")
	require.NoError(t, err)
	assert.Equal(t, "tok-123\n", out)
}

func TestHealthCommand(t *testing.T) {
	srv := fakeServer(t)

	out, err := runCLI(t, srv, "", "health")
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "ok"`)
}

func TestChatCommandKeepsSession(t *testing.T) {
	srv := fakeServer(t)

	out, err := runCLI(t, srv, "hi\n\nagain\n/quit\n", "chat", "nandi")
	require.NoError(t, err)
	assert.Contains(t, out, "echo: hi @ws-session")
	assert.Contains(t, out, "echo: again @ws-session")
}
