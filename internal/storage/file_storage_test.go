package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Corphon/OMNetCore/internal/models"
	"github.com/Corphon/OMNetCore/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	return lines
}

func TestFileStoreLayout(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, 1000, 10*1024*1024, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.AppendInteraction(ctx, "user123", "mushak", models.InteractionRecord{UserInput: "hi"}))
	require.NoError(t, s.SavePreferences(ctx, "user123", "mushak", models.DefaultUserPreferences()))
	require.NoError(t, s.SaveContext(ctx, sampleContext()))

	userDir := filepath.Join(dir, "users", utils.UserDirHash("user123"))
	assert.FileExists(t, filepath.Join(userDir, "interactions.jsonl"))
	assert.FileExists(t, filepath.Join(userDir, "preferences.json"))
	assert.FileExists(t, filepath.Join(dir, "sessions", utils.UserDirHash("u1"), "mushak", "u1_mushak_1700000000.json"))

	lines := readLines(t, filepath.Join(userDir, "interactions.jsonl"))
	require.Len(t, lines, 1)
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "mushak", entry["avatar_name"])
	assert.Equal(t, "user123", entry["user_id"])
	assert.Equal(t, "hi", entry["user_input"])

	var snapshot map[string]models.UserPreferences
	data, err := os.ReadFile(filepath.Join(userDir, "preferences.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &snapshot))
	assert.Contains(t, snapshot, "mushak")
}

func TestFileStoreRotationKeepsLastLines(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, 3, 256, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		require.NoError(t, s.AppendInteraction(ctx, "u1", "krix", models.InteractionRecord{
			UserInput:      fmt.Sprintf("question number %02d", i),
			AvatarResponse: strings.Repeat("x", 80),
		}))
	}

	logPath := filepath.Join(dir, "users", utils.UserDirHash("u1"), "interactions.jsonl")
	lines := readLines(t, logPath)
	assert.LessOrEqual(t, len(lines), 4)
	assert.Contains(t, lines[len(lines)-1], "question number 19")

	data, err := s.LoadAll(ctx, "u1")
	require.NoError(t, err)
	history := data.History["krix"]
	require.NotEmpty(t, history)
	assert.Equal(t, "question number 19", history[len(history)-1].UserInput)
}

func TestFileStoreZeroLimitsUseDefaults(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, 0, 0, nil)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendInteraction(ctx, "u1", "krix", models.InteractionRecord{
			UserInput: fmt.Sprintf("question %d", i),
		}))
	}

	lines := readLines(t, filepath.Join(dir, "users", utils.UserDirHash("u1"), "interactions.jsonl"))
	assert.Len(t, lines, 3)
	data, err := s.LoadAll(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, data.History["krix"], 3)
}

func TestFileStoreSkipsCorruptLogLines(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, 100, 10*1024*1024, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.AppendInteraction(ctx, "u1", "krix", models.InteractionRecord{UserInput: "first"}))
	logPath := filepath.Join(dir, "users", utils.UserDirHash("u1"), "interactions.jsonl")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("{truncated\n\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, s.AppendInteraction(ctx, "u1", "krix", models.InteractionRecord{UserInput: "second"}))

	data, err := s.LoadAll(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, data.History["krix"], 2)
	assert.Equal(t, "second", data.History["krix"][1].UserInput)
}

func TestFileStoreCorruptSessionIsError(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, 100, 10*1024*1024, zap.NewNop())
	require.NoError(t, err)

	c := sampleContext()
	path := s.sessionPath(c.Key())
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(`{"context":`), 0644))

	_, found, err := s.LoadContext(context.Background(), c.Key())
	assert.Error(t, err)
	assert.False(t, found)

	sessions, err := s.ListSessions(context.Background(), c.UserID)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestFileStoreCorruptSnapshotIsRewritten(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, 100, 10*1024*1024, zap.NewNop())
	require.NoError(t, err)

	path := filepath.Join(dir, "users", utils.UserDirHash("u1"), "personality.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(`garbage`), 0644))

	require.NoError(t, s.SaveAdjustment(context.Background(), "u1", "krix", models.PersonalityAdjustment{Friendliness: 0.1}))
	data, err := s.LoadAll(context.Background(), "u1")
	require.NoError(t, err)
	assert.InDelta(t, 0.1, data.Adjustments["krix"].Friendliness, 1e-9)
}
