package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Corphon/OMNetCore/internal/auth"
	"github.com/Corphon/OMNetCore/internal/config"
	"github.com/Corphon/OMNetCore/internal/models"
	"github.com/Corphon/OMNetCore/internal/services"
	"github.com/Corphon/OMNetCore/internal/storage"
	"github.com/Corphon/OMNetCore/internal/utils"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// echoGenerator 回显最后一条用户消息，err 非空时返回错误
type echoGenerator struct {
	err error
}

func (g echoGenerator) GenerateReply(ctx context.Context, model, systemPrompt string, messages []models.Message) (string, error) {
	if g.err != nil {
		return "", g.err
	}
	return "echo: " + messages[len(messages)-1].Content, nil
}

type serverOptions struct {
	gen       services.ReplyGenerator
	apiKeys   []string
	tokens    *auth.TokenConfig
	rateLimit config.RateLimitConfig
}

type testServer struct {
	engine   *gin.Engine
	sessions *services.SessionManager
	registry *prometheus.Registry
}

func newTestServer(t *testing.T, opts serverOptions) *testServer {
	t.Helper()
	if opts.gen == nil {
		opts.gen = echoGenerator{}
	}

	registry := prometheus.NewRegistry()
	metrics := utils.NewMetrics(registry)
	avatars := services.NewStaticAvatarService(config.BuiltinAvatars())
	sessions := services.NewSessionManager(services.SessionConfig{}, services.SessionDeps{
		Store:   storage.NewMemoryStore(100),
		Avatars: avatars,
		LLM:     opts.gen,
		Metrics: metrics,
		Logger:  zap.NewNop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	engine := SetupRouter(ctx, Dependencies{
		Sessions:  sessions,
		Avatars:   avatars,
		Tokens:    opts.tokens,
		APIKeys:   opts.apiKeys,
		RateLimit: opts.rateLimit,
		Metrics:   metrics,
		Gatherer:  registry,
		Logger:    zap.NewNop(),
		DebugMode: true,
	})
	return &testServer{engine: engine, sessions: sessions, registry: registry}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		data, err := json.Marshal(v)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	return rec
}

func decodeTurn(t *testing.T, rec *httptest.ResponseRecorder) models.TurnResult {
	t.Helper()
	var result models.TurnResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	return result
}

func decodeAPI(t *testing.T, rec *httptest.ResponseRecorder, data interface{}) APIResponse {
	t.Helper()
	var raw struct {
		APIResponse
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	if data != nil && len(raw.Data) > 0 {
		require.NoError(t, json.Unmarshal(raw.Data, data))
	}
	return raw.APIResponse
}

func TestChat(t *testing.T) {
	srv := newTestServer(t, serverOptions{})

	rec := srv.do(t, http.MethodPost, "/api/chat", models.TurnRequest{AvatarName: "krix", Input: "hello there"})
	require.Equal(t, http.StatusOK, rec.Code)

	result := decodeTurn(t, rec)
	assert.Equal(t, "krix", result.Avatar)
	assert.Equal(t, "echo: hello there", result.Response)
	assert.True(t, strings.HasPrefix(result.SessionID, "default_krix_"), result.SessionID)
	assert.NotEmpty(t, result.ModelUsed)
	assert.Empty(t, result.Error)
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
}

func TestChatValidationError(t *testing.T) {
	srv := newTestServer(t, serverOptions{})

	rec := srv.do(t, http.MethodPost, "/api/chat", models.TurnRequest{AvatarName: "krix", Input: "   ", SessionID: "s1"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	result := decodeTurn(t, rec)
	assert.Equal(t, "krix", result.Avatar)
	assert.Equal(t, "s1", result.SessionID)
	assert.NotEmpty(t, result.Error)
	assert.Empty(t, result.Response)
	assert.Contains(t, rec.Body.String(), `"active_tools":[]`)

	rec = srv.do(t, http.MethodPost, "/api/chat", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotEmpty(t, decodeTurn(t, rec).Error)
}

func TestChatDegradedReplyIsOK(t *testing.T) {
	srv := newTestServer(t, serverOptions{gen: echoGenerator{err: errors.New("connection refused")}})

	rec := srv.do(t, http.MethodPost, "/api/chat", models.TurnRequest{AvatarName: "mushak", Input: "debug this", UserID: "u1"})
	require.Equal(t, http.StatusOK, rec.Code)

	result := decodeTurn(t, rec)
	assert.Equal(t, models.FallbackReply, result.Response)
	assert.NotEmpty(t, result.Error)
	assert.Equal(t, "mushak", result.Avatar)
}

func TestFeedback(t *testing.T) {
	srv := newTestServer(t, serverOptions{})

	rec := srv.do(t, http.MethodPost, "/api/feedback", models.FeedbackRequest{
		AvatarName: "krix", UserID: "u1", Feedback: "too slow", SatisfactionScore: -0.8,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var adj models.PersonalityAdjustment
	resp := decodeAPI(t, rec, &adj)
	assert.True(t, resp.Success)
	assert.InDelta(t, 0.08, adj.ResponseSpeed, 1e-9)

	rec = srv.do(t, http.MethodGet, "/api/users/u1/avatars/krix/adjustments", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Adjustment models.PersonalityAdjustment `json:"adjustment"`
		Found      bool                         `json:"found"`
	}
	decodeAPI(t, rec, &got)
	assert.True(t, got.Found)
	assert.InDelta(t, 0.08, got.Adjustment.ResponseSpeed, 1e-9)

	rec = srv.do(t, http.MethodPost, "/api/feedback", models.FeedbackRequest{AvatarName: "krix"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrorInvalidFeedback, decodeAPI(t, rec, nil).Error.Code)
}

func TestRecordInteractionLearnsPreferences(t *testing.T) {
	srv := newTestServer(t, serverOptions{})

	rec := srv.do(t, http.MethodGet, "/api/users/u1/avatars/nandi/preferences", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var before struct {
		Preferences models.UserPreferences `json:"preferences"`
		Learned     bool                   `json:"learned"`
	}
	decodeAPI(t, rec, &before)
	assert.False(t, before.Learned)
	assert.Equal(t, "moderate", before.Preferences.ResponseLength)

	for i := 0; i < 5; i++ {
		rec = srv.do(t, http.MethodPost, "/api/interactions", InteractionRequest{
			AvatarName: "nandi",
			UserID:     "u1",
			Interaction: models.InteractionRecord{
				UserInput:         "tell me",
				AvatarResponse:    "ok sure",
				SatisfactionScore: 0.9,
				InteractionType:   models.InteractionConversation,
			},
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec = srv.do(t, http.MethodGet, "/api/users/u1/avatars/nandi/preferences", nil)
	var after struct {
		Preferences models.UserPreferences `json:"preferences"`
		Learned     bool                   `json:"learned"`
	}
	decodeAPI(t, rec, &after)
	assert.True(t, after.Learned)
	assert.Equal(t, "brief", after.Preferences.ResponseLength)

	rec = srv.do(t, http.MethodGet, "/api/users/u1/avatars/nandi/interactions?limit=2", nil)
	var history []models.InteractionRecord
	decodeAPI(t, rec, &history)
	assert.Len(t, history, 2)

	rec = srv.do(t, http.MethodGet, "/api/users/u1/avatars/nandi/interactions?limit=x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionEndpoints(t *testing.T) {
	srv := newTestServer(t, serverOptions{})

	rec := srv.do(t, http.MethodPost, "/api/chat", models.TurnRequest{
		AvatarName: "shera", Input: "hi", UserID: "u2", SessionID: "s1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = srv.do(t, http.MethodGet, "/api/sessions/u2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []models.SessionSummary
	decodeAPI(t, rec, &list)
	require.Len(t, list, 1)
	assert.Equal(t, "s1", list[0].SessionID)
	assert.Equal(t, 2, list[0].MessageCount)

	rec = srv.do(t, http.MethodGet, "/api/sessions/u2/shera/s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summary models.SessionSummary
	decodeAPI(t, rec, &summary)
	assert.Equal(t, 2, summary.MessageCount)

	task := "write a poem"
	rec = srv.do(t, http.MethodPatch, "/api/sessions/u2/shera/s1", models.SessionUpdate{
		TaskContext: &task,
		AddTools:    []string{"rhyme"},
		Preferences: map[string]string{"tone": "gentle"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated models.ConversationContext
	decodeAPI(t, rec, &updated)
	assert.Equal(t, task, updated.TaskContext)
	assert.Contains(t, updated.ActiveTools, "rhyme")
	assert.Equal(t, "gentle", updated.UserPreferences["tone"])

	rec = srv.do(t, http.MethodGet, "/api/sessions/u2/shera/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, ErrorSessionNotFound, decodeAPI(t, rec, nil).Error.Code)

	rec = srv.do(t, http.MethodPatch, "/api/sessions/u2/shera/missing", models.SessionUpdate{})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAvatarsAndModels(t *testing.T) {
	srv := newTestServer(t, serverOptions{})

	rec := srv.do(t, http.MethodGet, "/api/avatars", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var avatars []models.AvatarConfig
	decodeAPI(t, rec, &avatars)
	assert.Len(t, avatars, len(config.BuiltinAvatars()))

	rec = srv.do(t, http.MethodGet, "/api/avatars/mushak", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = srv.do(t, http.MethodGet, "/api/avatars/nobody", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, ErrorAvatarNotFound, decodeAPI(t, rec, nil).Error.Code)

	srv.do(t, http.MethodPost, "/api/chat", models.TurnRequest{AvatarName: "krix", Input: "hello"})
	rec = srv.do(t, http.MethodGet, "/api/models", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var info struct {
		Active    []services.ActiveModelInfo `json:"active"`
		MaxActive int                        `json:"max_active"`
	}
	decodeAPI(t, rec, &info)
	assert.Equal(t, services.DefaultModelCapacity, info.MaxActive)
	require.Len(t, info.Active, 1)
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t, serverOptions{})

	rec := srv.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var health map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "degraded", health["status"])

	rec = srv.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "omnet_http_requests_total")
}

func TestAPIKeyAuth(t *testing.T) {
	srv := newTestServer(t, serverOptions{apiKeys: []string{"k1"}})

	rec := srv.do(t, http.MethodGet, "/api/avatars", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, ErrorAPIKeyMissing, decodeAPI(t, rec, nil).Error.Code)

	rec = srv.do(t, http.MethodGet, "/api/avatars", nil, apiKeyHeader, "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = srv.do(t, http.MethodGet, "/api/avatars", nil, apiKeyHeader, "k1")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = srv.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTokenScopesUserData(t *testing.T) {
	tokens, _, err := auth.NewTokenConfig("test-secret", time.Hour, "omnet")
	require.NoError(t, err)
	srv := newTestServer(t, serverOptions{apiKeys: []string{"k1"}, tokens: tokens})

	rec := srv.do(t, http.MethodPost, "/api/auth/token", TokenRequest{UserID: "alice"}, apiKeyHeader, "k1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var issued struct {
		AccessToken string `json:"access_token"`
	}
	decodeAPI(t, rec, &issued)
	require.NotEmpty(t, issued.AccessToken)
	bearer := "Bearer " + issued.AccessToken

	rec = srv.do(t, http.MethodGet, "/api/sessions/alice", nil, apiKeyHeader, "k1", "Authorization", bearer)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = srv.do(t, http.MethodGet, "/api/sessions/bob", nil, apiKeyHeader, "k1", "Authorization", bearer)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, ErrorTokenForbidden, decodeAPI(t, rec, nil).Error.Code)

	// 令牌用户覆盖缺省用户
	rec = srv.do(t, http.MethodPost, "/api/chat", models.TurnRequest{AvatarName: "krix", Input: "hi"},
		apiKeyHeader, "k1", "Authorization", bearer)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(decodeTurn(t, rec).SessionID, "alice_krix_"))

	rec = srv.do(t, http.MethodPost, "/api/chat", models.TurnRequest{AvatarName: "krix", Input: "hi", UserID: "bob"},
		apiKeyHeader, "k1", "Authorization", bearer)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestTokenEndpointRequiresAPIKeys(t *testing.T) {
	tokens, _, err := auth.NewTokenConfig("test-secret", time.Hour, "omnet")
	require.NoError(t, err)
	srv := newTestServer(t, serverOptions{tokens: tokens})

	rec := srv.do(t, http.MethodPost, "/api/auth/token", TokenRequest{UserID: "alice"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimiter(t *testing.T) {
	srv := newTestServer(t, serverOptions{rateLimit: config.RateLimitConfig{RPS: 0.001, Burst: 1}})

	rec := srv.do(t, http.MethodGet, "/api/avatars", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = srv.do(t, http.MethodGet, "/api/avatars", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, ErrorRateLimited, decodeAPI(t, rec, nil).Error.Code)
}

func TestRecoveryReturnsJSON(t *testing.T) {
	r := gin.New()
	r.Use(RequestID(), Recovery(zap.NewNop()))
	r.GET("/boom", func(c *gin.Context) { panic("boom") })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var resp APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, ErrorInternalError, resp.Error.Code)
	assert.NotEmpty(t, resp.RequestID)
}

func TestSanitizeErrorMessage(t *testing.T) {
	assert.Equal(t, "An internal error occurred", sanitizeErrorMessage("bad api_key sk-123"))
	assert.Equal(t, "An internal error occurred", sanitizeErrorMessage("invalid Token"))
	assert.Equal(t, "会话不存在", sanitizeErrorMessage("会话不存在"))
}
