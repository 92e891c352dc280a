package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/Corphon/OMNetCore/internal/models"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type storeFactory func(t *testing.T, historyLimit int) Store

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T, limit int) Store {
			return NewMemoryStore(limit)
		},
		"file": func(t *testing.T, limit int) Store {
			s, err := NewFileStore(t.TempDir(), limit, 10*1024*1024, zap.NewNop())
			require.NoError(t, err)
			return s
		},
		"redis": func(t *testing.T, limit int) Store {
			mr, err := miniredis.Run()
			require.NoError(t, err)
			t.Cleanup(mr.Close)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			return NewRedisStoreWithClient(client, Config{HistoryLimit: limit}, zap.NewNop())
		},
		"sqlite": func(t *testing.T, limit int) Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "omnet.db"), limit, zap.NewNop())
			require.NoError(t, err)
			return s
		},
	}
}

func forEachBackend(t *testing.T, limit int, fn func(t *testing.T, s Store)) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			s := factory(t, limit)
			t.Cleanup(func() { _ = s.Close() })
			fn(t, s)
		})
	}
}

func sampleContext() *models.ConversationContext {
	ts := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	c := models.NewConversationContext(models.SessionKey{UserID: "u1", AvatarName: "mushak", SessionID: "u1_mushak_1700000000"}, ts)
	c.Append(models.Message{Role: models.RoleUser, Content: "Can you help me debug this crash?", Timestamp: ts})
	c.Append(models.Message{Role: models.RoleAssistant, Content: "Let's look 🐭", Timestamp: ts,
		Metadata: map[string]interface{}{"model_used": "deepseek-r1:8b", "mood": "frustrated"}})
	c.MoodState = "frustrated"
	c.TaskContext = "segfault in parser"
	c.AddTool("gdb")
	c.UserPreferences["language"] = "go"
	return c
}

func TestContextRoundTrip(t *testing.T) {
	forEachBackend(t, 100, func(t *testing.T, s Store) {
		ctx := context.Background()
		original := sampleContext()
		require.NoError(t, s.SaveContext(ctx, original))

		loaded, found, err := s.LoadContext(ctx, original.Key())
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, original.ConversationHistory, loaded.ConversationHistory)
		assert.Equal(t, original.MoodState, loaded.MoodState)
		assert.Equal(t, original.UserPreferences, loaded.UserPreferences)
		assert.Equal(t, original.ActiveTools, loaded.ActiveTools)
		assert.Equal(t, original.TaskContext, loaded.TaskContext)
		assert.True(t, original.LastInteraction.Equal(loaded.LastInteraction))
	})
}

func TestLoadMissingContextIsNotAnError(t *testing.T) {
	forEachBackend(t, 100, func(t *testing.T, s Store) {
		c, found, err := s.LoadContext(context.Background(), models.SessionKey{UserID: "nobody", AvatarName: "krix", SessionID: "none"})
		assert.NoError(t, err)
		assert.False(t, found)
		assert.Nil(t, c)
	})
}

func TestSnapshotsMergePerAvatar(t *testing.T) {
	forEachBackend(t, 100, func(t *testing.T, s Store) {
		ctx := context.Background()
		brief := models.DefaultUserPreferences()
		brief.ResponseLength = models.ResponseLengthBrief
		detailed := models.DefaultUserPreferences()
		detailed.ResponseLength = models.ResponseLengthDetailed

		require.NoError(t, s.SavePreferences(ctx, "u1", "mushak", brief))
		require.NoError(t, s.SavePreferences(ctx, "u1", "bunni", detailed))
		require.NoError(t, s.SaveAdjustment(ctx, "u1", "mushak", models.PersonalityAdjustment{Verbosity: -0.2}))
		require.NoError(t, s.SaveAdjustment(ctx, "u1", "bunni", models.PersonalityAdjustment{Creativity: 0.5}))
		// latest wins for the same avatar
		require.NoError(t, s.SaveAdjustment(ctx, "u1", "mushak", models.PersonalityAdjustment{Verbosity: -0.3}))

		data, err := s.LoadAll(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, models.ResponseLengthBrief, data.Preferences["mushak"].ResponseLength)
		assert.Equal(t, models.ResponseLengthDetailed, data.Preferences["bunni"].ResponseLength)
		assert.InDelta(t, -0.3, data.Adjustments["mushak"].Verbosity, 1e-9)
		assert.InDelta(t, 0.5, data.Adjustments["bunni"].Creativity, 1e-9)

		other, err := s.LoadAll(ctx, "u2")
		require.NoError(t, err)
		assert.Empty(t, other.Preferences)
		assert.Empty(t, other.History)
	})
}

func TestAppendInteractionGroupsByAvatarAndBounds(t *testing.T) {
	forEachBackend(t, 5, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 0; i < 8; i++ {
			avatar := "mushak"
			if i%4 == 3 {
				avatar = "krix"
			}
			require.NoError(t, s.AppendInteraction(ctx, "u1", avatar, models.InteractionRecord{
				Timestamp:         time.Now().UTC(),
				UserInput:         fmt.Sprintf("q%d", i),
				AvatarResponse:    fmt.Sprintf("a%d", i),
				SatisfactionScore: 0.9,
				InteractionType:   models.InteractionConversation,
			}))
		}

		data, err := s.LoadAll(ctx, "u1")
		require.NoError(t, err)
		for _, history := range data.History {
			assert.LessOrEqual(t, len(history), 5)
		}
		mushak := data.History["mushak"]
		require.NotEmpty(t, mushak)
		assert.Equal(t, "q6", mushak[len(mushak)-1].UserInput)
		assert.Equal(t, "q7", data.History["krix"][len(data.History["krix"])-1].UserInput)
	})
}

func TestListSessions(t *testing.T) {
	forEachBackend(t, 100, func(t *testing.T, s Store) {
		ctx := context.Background()
		a := sampleContext()
		b := sampleContext()
		b.AvatarName = "krix"
		b.SessionID = "s2"
		b.Append(models.Message{Role: models.RoleUser, Content: "more"})
		other := sampleContext()
		other.UserID = "u2"

		require.NoError(t, s.SaveContext(ctx, a))
		require.NoError(t, s.SaveContext(ctx, b))
		require.NoError(t, s.SaveContext(ctx, other))

		sessions, err := s.ListSessions(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, sessions, 2)
		counts := map[string]int{}
		for _, summary := range sessions {
			assert.Equal(t, "u1", summary.UserID)
			counts[summary.AvatarName] = summary.MessageCount
		}
		assert.Equal(t, 2, counts["mushak"])
		assert.Equal(t, 3, counts["krix"])

		none, err := s.ListSessions(ctx, "ghost")
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestPing(t *testing.T) {
	forEachBackend(t, 10, func(t *testing.T, s Store) {
		assert.NoError(t, s.Ping(context.Background()))
	})
}

func TestNewStoreFactory(t *testing.T) {
	s, err := NewStore(Config{Type: TypeMemory}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = NewStore(Config{Type: TypeFile, BaseDir: t.TempDir()}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	s, err = NewStore(Config{Type: TypeSQLite, SQLitePath: ":memory:"}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	s, err = NewStore(Config{Type: TypeRedis, RedisAddr: mr.Addr()}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &RedisStore{}, s)
	require.NoError(t, s.Close())

	_, err = NewStore(Config{Type: "mongo"}, zap.NewNop())
	assert.Error(t, err)
}
