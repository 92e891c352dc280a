package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Corphon/OMNetCore/internal/config"
	"github.com/Corphon/OMNetCore/internal/models"
)

func testConfig(t *testing.T, storeType string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = dir
	cfg.LogDir = filepath.Join(dir, "logs")
	cfg.AvatarConfigPath = filepath.Join(dir, "avatars.json")
	cfg.WatchAvatars = false
	cfg.Store.Type = storeType
	cfg.Store.SQLitePath = filepath.Join(dir, "omnet.db")
	cfg.LLM.Provider = ""
	cfg.RateLimit.RPS = 0
	return cfg
}

// startApp 在随机端口上运行应用，返回地址和停止函数
func startApp(t *testing.T, cfg *config.Config) (string, func() error) {
	t.Helper()
	application, err := New(cfg, zap.NewNop())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- application.Serve(ctx, ln) }()

	base := "http://" + ln.Addr().String()
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	stop := func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(10 * time.Second):
			t.Fatal("应用未能在超时内退出")
			return nil
		}
	}
	return base, stop
}

func postTurn(t *testing.T, base string, req models.TurnRequest) models.TurnResult {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	resp, err := http.Post(base+"/api/chat", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result models.TurnResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}

func TestServeWithoutProviderDegrades(t *testing.T) {
	base, stop := startApp(t, testConfig(t, config.StoreMemory))

	result := postTurn(t, base, models.TurnRequest{AvatarName: "krix", Input: "hello", UserID: "u1", SessionID: "s1"})
	assert.Equal(t, models.FallbackReply, result.Response)
	assert.NotEmpty(t, result.Error)
	assert.Equal(t, "s1", result.SessionID)

	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "omnet_turns_total")
	assert.Contains(t, buf.String(), "go_goroutines")

	require.NoError(t, stop())
}

func TestShutdownFlushesToStore(t *testing.T) {
	for _, storeType := range []string{config.StoreFile, config.StoreSQLite} {
		t.Run(storeType, func(t *testing.T) {
			cfg := testConfig(t, storeType)

			base, stop := startApp(t, cfg)
			postTurn(t, base, models.TurnRequest{AvatarName: "nandi", Input: "hi", UserID: "u1", SessionID: "s1"})
			require.NoError(t, stop())

			reopened, err := New(cfg, zap.NewNop())
			require.NoError(t, err)
			defer reopened.Close(context.Background())

			sessions, err := reopened.Sessions().ListSessions(context.Background(), "u1")
			require.NoError(t, err)
			require.Len(t, sessions, 1)
			assert.Equal(t, "s1", sessions[0].SessionID)
			assert.Equal(t, "nandi", sessions[0].AvatarName)
		})
	}
}

func TestNewRejectsUnknownStore(t *testing.T) {
	cfg := testConfig(t, "carrier-pigeon")
	_, err := New(cfg, zap.NewNop())
	assert.Error(t, err)
}
