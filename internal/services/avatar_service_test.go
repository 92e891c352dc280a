package services

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Corphon/OMNetCore/internal/models"
)

const avatarJSON = `{"avatars": {"Ganesha": {"specialty": "removing obstacles", "model_primary": "llama2:7b"}}}`

func TestAvatarServiceLoadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "avatars.json")
	require.NoError(t, os.WriteFile(path, []byte(avatarJSON), 0o644))

	s := NewAvatarService(path, nil, zap.NewNop())
	cfg, ok := s.Lookup("ganesha")
	require.True(t, ok)
	assert.Equal(t, "Ganesha", cfg.Name)
	assert.Equal(t, "removing obstacles", cfg.Specialty)
	assert.Equal(t, models.DefaultPersonality, cfg.Personality)
	assert.Len(t, s.List(), 1)

	unknown, ok := s.Lookup("mushak")
	assert.False(t, ok)
	assert.Equal(t, models.DefaultAvatarConfig("mushak"), unknown)
}

func TestAvatarServiceFallsBackToBuiltins(t *testing.T) {
	s := NewAvatarService(filepath.Join(t.TempDir(), "missing.json"), nil, nil)
	cfg, ok := s.Lookup("mushak")
	require.True(t, ok)
	assert.Equal(t, "codellama:7b", cfg.ModelPrimary)
	assert.Len(t, s.List(), 5)
}

func TestAvatarServiceKeepsCurrentOnBadReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "avatars.json")
	require.NoError(t, os.WriteFile(path, []byte(avatarJSON), 0o644))
	s := NewAvatarService(path, nil, nil)

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	s.Reload()
	_, ok := s.Lookup("Ganesha")
	assert.True(t, ok)
}

func TestAvatarServiceWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "avatars.yaml")
	require.NoError(t, os.WriteFile(path, []byte("avatars:\n  krix:\n    model_primary: phi3:mini\n"), 0o644))
	s := NewAvatarService(path, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Watch(ctx, 20*time.Millisecond))
	defer s.StopWatching()

	require.NoError(t, os.WriteFile(path, []byte("avatars:\n  krix:\n    model_primary: mistral:7b\n"), 0o644))
	assert.Eventually(t, func() bool {
		cfg, _ := s.Lookup("krix")
		return cfg.ModelPrimary == "mistral:7b"
	}, 3*time.Second, 20*time.Millisecond)
}
