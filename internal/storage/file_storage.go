// internal/storage/file_storage.go
package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Corphon/OMNetCore/internal/models"
	"github.com/Corphon/OMNetCore/internal/utils"
	"go.uber.org/zap"
)

const (
	usersDir         = "users"
	sessionsDir      = "sessions"
	interactionsFile = "interactions.jsonl"
	preferencesFile  = "preferences.json"
	personalityFile  = "personality.json"
)

// FileStore 基于文件系统的存储
//
//	users/<hash>/interactions.jsonl              交互日志（追加写，超限轮转）
//	users/<hash>/preferences.json                {avatar: UserPreferences}
//	users/<hash>/personality.json                {avatar: PersonalityAdjustment}
//	sessions/<hash>/<avatar>/<session>.json      {"context": ..., "last_updated": ...}
type FileStore struct {
	BaseDir string

	historyLimit int
	maxLogBytes  int64
	logger       *zap.Logger

	// 并发控制
	fileLocks sync.Map // 文件级别锁 path -> *sync.RWMutex
}

// NewFileStore 创建文件存储服务
func NewFileStore(baseDir string, historyLimit int, maxLogBytes int64, logger *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("创建存储目录失败: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	if maxLogBytes <= 0 {
		maxLogBytes = DefaultMaxLogBytes
	}
	return &FileStore{
		BaseDir:      baseDir,
		historyLimit: historyLimit,
		maxLogBytes:  maxLogBytes,
		logger:       logger.With(zap.String("component", "file_store")),
	}, nil
}

// 获取文件锁
func (fs *FileStore) getFileLock(fullPath string) *sync.RWMutex {
	value, _ := fs.fileLocks.LoadOrStore(fullPath, &sync.RWMutex{})
	return value.(*sync.RWMutex)
}

func (fs *FileStore) userDir(userID string) string {
	return filepath.Join(fs.BaseDir, usersDir, utils.UserDirHash(userID))
}

func (fs *FileStore) sessionPath(key models.SessionKey) string {
	return filepath.Join(fs.BaseDir, sessionsDir, utils.UserDirHash(key.UserID),
		utils.SafeSegment(key.AvatarName), utils.SafeSegment(key.SessionID)+".json")
}

// writeFileAtomic 原子性文件写入，调用方持有文件锁
func writeFileAtomic(fullPath string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("创建目录失败: %w", err)
	}

	tempPath := fullPath + ".tmp"
	if err := os.WriteFile(tempPath, content, 0644); err != nil {
		return fmt.Errorf("保存临时文件失败: %w", err)
	}

	if err := os.Rename(tempPath, fullPath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("保存文件失败: %w", err)
	}
	return nil
}

// saveJSONFile 保存JSON文件
func (fs *FileStore) saveJSONFile(fullPath string, data interface{}) error {
	content, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化JSON失败: %w", err)
	}

	lock := fs.getFileLock(fullPath)
	lock.Lock()
	defer lock.Unlock()
	return writeFileAtomic(fullPath, content)
}

// loadJSONFile 读取并解析JSON文件
func (fs *FileStore) loadJSONFile(fullPath string, v interface{}) error {
	lock := fs.getFileLock(fullPath)
	lock.RLock()
	content, err := os.ReadFile(fullPath)
	lock.RUnlock()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(content, v); err != nil {
		return fmt.Errorf("解析JSON失败 %s: %w", fullPath, err)
	}
	return nil
}

// mergeSnapshot 在同一把锁内读取-合并-写回按化身分组的快照
func (fs *FileStore) mergeSnapshot(fullPath, avatarName string, value interface{}) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("序列化快照失败: %w", err)
	}

	lock := fs.getFileLock(fullPath)
	lock.Lock()
	defer lock.Unlock()

	snapshot := map[string]json.RawMessage{}
	content, err := os.ReadFile(fullPath)
	switch {
	case err == nil:
		if jsonErr := json.Unmarshal(content, &snapshot); jsonErr != nil {
			fs.logger.Warn("snapshot file is corrupt, rewriting", zap.String("path", fullPath), zap.Error(jsonErr))
			snapshot = map[string]json.RawMessage{}
		}
	case !os.IsNotExist(err):
		return fmt.Errorf("读取快照失败: %w", err)
	}

	snapshot[avatarName] = encoded
	out, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化快照失败: %w", err)
	}
	return writeFileAtomic(fullPath, out)
}

// AppendInteraction 追加一行日志，文件超过阈值时截断重写为最近 historyLimit 行
func (fs *FileStore) AppendInteraction(_ context.Context, userID, avatarName string, record models.InteractionRecord) error {
	line, err := json.Marshal(models.InteractionLogEntry{
		InteractionRecord: record,
		AvatarName:        avatarName,
		UserID:            userID,
	})
	if err != nil {
		return fmt.Errorf("序列化交互记录失败: %w", err)
	}

	fullPath := filepath.Join(fs.userDir(userID), interactionsFile)
	lock := fs.getFileLock(fullPath)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("创建目录失败: %w", err)
	}

	f, err := os.OpenFile(fullPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("打开交互日志失败: %w", err)
	}
	_, writeErr := f.Write(append(line, '\n'))
	closeErr := f.Close()
	if writeErr != nil {
		return fmt.Errorf("写入交互日志失败: %w", writeErr)
	}
	if closeErr != nil {
		return fmt.Errorf("关闭交互日志失败: %w", closeErr)
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		return fmt.Errorf("读取日志信息失败: %w", err)
	}
	if info.Size() > fs.maxLogBytes {
		return fs.rotateLocked(fullPath)
	}
	return nil
}

// rotateLocked 保留最后 historyLimit 行，原地截断重写，调用方持有文件锁
func (fs *FileStore) rotateLocked(fullPath string) error {
	content, err := os.ReadFile(fullPath)
	if err != nil {
		return fmt.Errorf("读取交互日志失败: %w", err)
	}

	lines := bytes.Split(bytes.TrimRight(content, "\n"), []byte("\n"))
	before := len(lines)
	if len(lines) > fs.historyLimit {
		lines = lines[len(lines)-fs.historyLimit:]
	}

	f, err := os.OpenFile(fullPath, os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("截断交互日志失败: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, line := range lines {
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("重写交互日志失败: %w", err)
	}

	fs.logger.Info("rotated interaction log",
		zap.String("path", fullPath),
		zap.Int("lines_before", before),
		zap.Int("lines_kept", len(lines)))
	return nil
}

// LoadAll 读取用户日志与快照，损坏的日志行会被跳过
func (fs *FileStore) LoadAll(_ context.Context, userID string) (*UserData, error) {
	data := NewUserData()
	dir := fs.userDir(userID)

	logPath := filepath.Join(dir, interactionsFile)
	lock := fs.getFileLock(logPath)
	lock.RLock()
	content, err := os.ReadFile(logPath)
	lock.RUnlock()
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("读取交互日志失败: %w", err)
	}

	skipped := 0
	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var entry models.InteractionLogEntry
		if err := json.Unmarshal(line, &entry); err != nil || entry.UserID != userID {
			skipped++
			continue
		}
		data.addEntry(entry, fs.historyLimit)
	}
	if skipped > 0 {
		fs.logger.Warn("skipped unreadable interaction log lines", zap.String("path", logPath), zap.Int("count", skipped))
	}

	prefs := map[string]models.UserPreferences{}
	if err := fs.loadJSONFile(filepath.Join(dir, preferencesFile), &prefs); err != nil && !os.IsNotExist(err) {
		fs.logger.Warn("failed to load preferences snapshot", zap.Error(err))
	}
	for avatar, p := range prefs {
		data.Preferences[avatar] = p
	}

	adjustments := map[string]models.PersonalityAdjustment{}
	if err := fs.loadJSONFile(filepath.Join(dir, personalityFile), &adjustments); err != nil && !os.IsNotExist(err) {
		fs.logger.Warn("failed to load personality snapshot", zap.Error(err))
	}
	for avatar, a := range adjustments {
		data.Adjustments[avatar] = a
	}

	return data, nil
}

func (fs *FileStore) SavePreferences(_ context.Context, userID, avatarName string, prefs models.UserPreferences) error {
	return fs.mergeSnapshot(filepath.Join(fs.userDir(userID), preferencesFile), avatarName, prefs)
}

func (fs *FileStore) SaveAdjustment(_ context.Context, userID, avatarName string, adj models.PersonalityAdjustment) error {
	return fs.mergeSnapshot(filepath.Join(fs.userDir(userID), personalityFile), avatarName, adj)
}

func (fs *FileStore) SaveContext(_ context.Context, c *models.ConversationContext) error {
	return fs.saveJSONFile(fs.sessionPath(c.Key()), models.SessionRecord{Context: c, LastUpdated: now()})
}

func (fs *FileStore) LoadContext(_ context.Context, key models.SessionKey) (*models.ConversationContext, bool, error) {
	record, err := fs.readSession(fs.sessionPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return record.Context, true, nil
}

func (fs *FileStore) readSession(fullPath string) (*models.SessionRecord, error) {
	var record models.SessionRecord
	if err := fs.loadJSONFile(fullPath, &record); err != nil {
		return nil, err
	}
	if record.Context == nil {
		return nil, errEmptySession
	}
	record.Context.Normalize()
	return &record, nil
}

// ListSessions 遍历 sessions/<hash>/<avatar>/*.json
func (fs *FileStore) ListSessions(_ context.Context, userID string) ([]models.SessionSummary, error) {
	root := filepath.Join(fs.BaseDir, sessionsDir, utils.UserDirHash(userID))
	out := []models.SessionSummary{}

	avatarDirs, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, fmt.Errorf("读取目录失败: %w", err)
	}

	for _, avatarDir := range avatarDirs {
		if !avatarDir.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(root, avatarDir.Name()))
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
				continue
			}
			fullPath := filepath.Join(root, avatarDir.Name(), f.Name())
			record, err := fs.readSession(fullPath)
			if err != nil {
				fs.logger.Warn("skipping unreadable session", zap.String("path", fullPath), zap.Error(err))
				continue
			}
			if record.Context.UserID != userID {
				continue
			}
			out = append(out, record.Summarize())
		}
	}
	sortSummaries(out)
	return out, nil
}

func (fs *FileStore) Ping(context.Context) error {
	_, err := os.Stat(fs.BaseDir)
	return err
}

func (fs *FileStore) Close() error { return nil }
