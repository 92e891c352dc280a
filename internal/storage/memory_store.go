// internal/storage/memory_store.go
package storage

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/Corphon/OMNetCore/internal/models"
)

// MemoryStore 内存实现，用于测试和无持久化部署
type MemoryStore struct {
	mu           sync.RWMutex
	historyLimit int
	logs         map[string][]models.InteractionLogEntry
	prefs        map[string]map[string]models.UserPreferences
	adjustments  map[string]map[string]models.PersonalityAdjustment
	sessions     map[models.SessionKey][]byte
}

// NewMemoryStore 创建内存存储
func NewMemoryStore(historyLimit int) *MemoryStore {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &MemoryStore{
		historyLimit: historyLimit,
		logs:         make(map[string][]models.InteractionLogEntry),
		prefs:        make(map[string]map[string]models.UserPreferences),
		adjustments:  make(map[string]map[string]models.PersonalityAdjustment),
		sessions:     make(map[models.SessionKey][]byte),
	}
}

func (s *MemoryStore) AppendInteraction(_ context.Context, userID, avatarName string, record models.InteractionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := append(s.logs[userID], models.InteractionLogEntry{
		InteractionRecord: record,
		AvatarName:        avatarName,
		UserID:            userID,
	})
	if len(log) > s.historyLimit {
		log = append([]models.InteractionLogEntry(nil), log[len(log)-s.historyLimit:]...)
	}
	s.logs[userID] = log
	return nil
}

func (s *MemoryStore) LoadAll(_ context.Context, userID string) (*UserData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data := NewUserData()
	for _, entry := range s.logs[userID] {
		data.addEntry(entry, s.historyLimit)
	}
	for avatar, p := range s.prefs[userID] {
		data.Preferences[avatar] = p.Clone()
	}
	for avatar, a := range s.adjustments[userID] {
		data.Adjustments[avatar] = a
	}
	return data, nil
}

func (s *MemoryStore) SavePreferences(_ context.Context, userID, avatarName string, prefs models.UserPreferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prefs[userID] == nil {
		s.prefs[userID] = make(map[string]models.UserPreferences)
	}
	s.prefs[userID][avatarName] = prefs.Clone()
	return nil
}

func (s *MemoryStore) SaveAdjustment(_ context.Context, userID, avatarName string, adj models.PersonalityAdjustment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.adjustments[userID] == nil {
		s.adjustments[userID] = make(map[string]models.PersonalityAdjustment)
	}
	s.adjustments[userID][avatarName] = adj
	return nil
}

// SaveContext 以序列化形式保存，读取时得到独立副本
func (s *MemoryStore) SaveContext(_ context.Context, c *models.ConversationContext) error {
	record := models.SessionRecord{Context: c, LastUpdated: now()}
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[c.Key()] = data
	return nil
}

func (s *MemoryStore) LoadContext(_ context.Context, key models.SessionKey) (*models.ConversationContext, bool, error) {
	s.mu.RLock()
	data, ok := s.sessions[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	var record models.SessionRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, false, err
	}
	if record.Context == nil {
		return nil, false, errEmptySession
	}
	record.Context.Normalize()
	return record.Context, true, nil
}

func (s *MemoryStore) ListSessions(_ context.Context, userID string) ([]models.SessionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []models.SessionSummary{}
	for key, data := range s.sessions {
		if key.UserID != userID {
			continue
		}
		var record models.SessionRecord
		if err := json.Unmarshal(data, &record); err != nil || record.Context == nil {
			continue
		}
		out = append(out, record.Summarize())
	}
	sortSummaries(out)
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
