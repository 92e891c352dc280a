// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// 存储后端类型
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreRedis  = "redis"
	StoreSQLite = "sqlite"
)

// Config 存储应用配置
type Config struct {
	Port             string   `yaml:"port"`
	DataDir          string   `yaml:"data_dir"`
	LogDir           string   `yaml:"log_dir"`
	LogLevel         string   `yaml:"log_level"`
	LogFormat        string   `yaml:"log_format"`
	DebugMode        bool     `yaml:"debug_mode"`
	AvatarConfigPath string   `yaml:"avatar_config"`
	WatchAvatars     bool     `yaml:"watch_avatars"`
	APIKeys          []string `yaml:"api_keys"`

	Store     StoreConfig     `yaml:"store"`
	LLM       LLMConfig       `yaml:"llm"`
	Session   SessionConfig   `yaml:"session"`
	Learning  LearningConfig  `yaml:"learning"`
	Router    RouterConfig    `yaml:"router"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Auth      AuthConfig      `yaml:"auth"`
}

// StoreConfig 持久化后端配置
type StoreConfig struct {
	Type          string `yaml:"type"` // memory, file, redis, sqlite
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
	SQLitePath    string `yaml:"sqlite_path"`
}

// LLMConfig 推理后端配置
type LLMConfig struct {
	Provider     string  `yaml:"provider"`
	BaseURL      string  `yaml:"base_url"`
	APIKey       string  `yaml:"api_key"`
	DefaultModel string  `yaml:"default_model"`
	Temperature  float64 `yaml:"temperature"`
	TopP         float64 `yaml:"top_p"`
	MaxTokens    int     `yaml:"max_tokens"`
}

// SessionConfig 会话生命周期配置
type SessionConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	HistoryWindow    int           `yaml:"history_window"`
	InferenceTimeout time.Duration `yaml:"inference_timeout"`
	PersistTimeout   time.Duration `yaml:"persist_timeout"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
}

// LearningConfig 偏好学习参数
type LearningConfig struct {
	LearningRate    float64 `yaml:"learning_rate"`
	MinInteractions int     `yaml:"min_interactions"`
	HistoryLimit    int     `yaml:"history_limit"`
	MaxLogBytes     int64   `yaml:"max_log_bytes"`
}

// RouterConfig 模型路由配置
type RouterConfig struct {
	MaxActiveModels int           `yaml:"max_active_models"`
	LoadTimeout     time.Duration `yaml:"load_timeout"` // 单次模型加载或卸载的上限
}

// RateLimitConfig 每个客户端的限流
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// AuthConfig 访问令牌配置；Secret 为空时启动时随机生成
type AuthConfig struct {
	Secret   string        `yaml:"secret"`
	TokenTTL time.Duration `yaml:"token_ttl"`
	Issuer   string        `yaml:"issuer"`
}

// Default 返回默认配置
func Default() *Config {
	return &Config{
		Port:             "8765",
		DataDir:          "data",
		LogDir:           "logs",
		LogLevel:         "info",
		LogFormat:        "json",
		AvatarConfigPath: filepath.Join("data", "avatars.json"),
		WatchAvatars:     true,
		Store: StoreConfig{
			Type:        StoreFile,
			RedisAddr:   "localhost:6379",
			RedisPrefix: "omnet:",
			SQLitePath:  filepath.Join("data", "omnet.db"),
		},
		LLM: LLMConfig{
			Provider:     "ollama",
			BaseURL:      "http://localhost:11434",
			DefaultModel: "dolphin-mixtral:8x7b",
			Temperature:  0.7,
			TopP:         0.9,
			MaxTokens:    1000,
		},
		Session: SessionConfig{
			Timeout:          time.Hour,
			HistoryWindow:    10,
			InferenceTimeout: 60 * time.Second,
			PersistTimeout:   5 * time.Second,
			SweepInterval:    5 * time.Minute,
		},
		Learning: LearningConfig{
			LearningRate:    0.1,
			MinInteractions: 5,
			HistoryLimit:    1000,
			MaxLogBytes:     10 * 1024 * 1024,
		},
		Router:    RouterConfig{MaxActiveModels: 3, LoadTimeout: 2 * time.Minute},
		RateLimit: RateLimitConfig{RPS: 10, Burst: 20},
		Auth:      AuthConfig{TokenTTL: 24 * time.Hour, Issuer: "omnet"},
	}
}

// Load 依次应用默认值、YAML 配置文件和环境变量
func Load() (*Config, error) {
	// 尝试加载.env文件（可选）
	_ = godotenv.Load()

	cfg := Default()

	configFile := getEnv("CONFIG_FILE", "config.yaml")
	if err := cfg.mergeFile(configFile); err != nil {
		return nil, err
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ensureDir(cfg.DataDir)
	ensureDir(cfg.LogDir)

	return cfg, nil
}

// mergeFile 读取 YAML 配置；文件不存在不算错误
func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("读取配置文件失败: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("解析配置文件失败 %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = getEnv("PORT", c.Port)
	c.DataDir = getEnv("DATA_DIR", c.DataDir)
	c.LogDir = getEnv("LOG_DIR", c.LogDir)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
	c.DebugMode = getEnvBool("DEBUG_MODE", c.DebugMode)
	c.AvatarConfigPath = getEnv("AVATAR_CONFIG", c.AvatarConfigPath)
	c.WatchAvatars = getEnvBool("WATCH_AVATARS", c.WatchAvatars)
	if keys := getEnv("API_KEYS", ""); keys != "" {
		c.APIKeys = splitList(keys)
	}

	c.Store.Type = strings.ToLower(getEnv("STORE_TYPE", c.Store.Type))
	c.Store.RedisAddr = getEnv("REDIS_ADDR", c.Store.RedisAddr)
	c.Store.RedisPassword = getEnv("REDIS_PASSWORD", c.Store.RedisPassword)
	c.Store.RedisDB = getEnvInt("REDIS_DB", c.Store.RedisDB)
	c.Store.RedisPrefix = getEnv("REDIS_PREFIX", c.Store.RedisPrefix)
	c.Store.SQLitePath = getEnv("SQLITE_PATH", c.Store.SQLitePath)

	c.LLM.Provider = getEnv("LLM_PROVIDER", c.LLM.Provider)
	c.LLM.BaseURL = getEnv("LLM_BASE_URL", c.LLM.BaseURL)
	c.LLM.APIKey = getEnv("LLM_API_KEY", c.LLM.APIKey)
	c.LLM.DefaultModel = getEnv("DEFAULT_MODEL", c.LLM.DefaultModel)
	c.LLM.Temperature = getEnvFloat("LLM_TEMPERATURE", c.LLM.Temperature)
	c.LLM.TopP = getEnvFloat("LLM_TOP_P", c.LLM.TopP)
	c.LLM.MaxTokens = getEnvInt("LLM_MAX_TOKENS", c.LLM.MaxTokens)

	c.Session.Timeout = getEnvDuration("SESSION_TIMEOUT", c.Session.Timeout)
	c.Session.HistoryWindow = getEnvInt("HISTORY_WINDOW", c.Session.HistoryWindow)
	c.Session.InferenceTimeout = getEnvDuration("INFERENCE_TIMEOUT", c.Session.InferenceTimeout)
	c.Session.PersistTimeout = getEnvDuration("PERSIST_TIMEOUT", c.Session.PersistTimeout)
	c.Session.SweepInterval = getEnvDuration("SESSION_SWEEP_INTERVAL", c.Session.SweepInterval)

	c.Learning.LearningRate = getEnvFloat("LEARNING_RATE", c.Learning.LearningRate)
	c.Learning.MinInteractions = getEnvInt("MIN_INTERACTIONS", c.Learning.MinInteractions)
	c.Learning.HistoryLimit = getEnvInt("HISTORY_LIMIT", c.Learning.HistoryLimit)
	c.Learning.MaxLogBytes = int64(getEnvInt("MAX_LOG_BYTES", int(c.Learning.MaxLogBytes)))

	c.Router.MaxActiveModels = getEnvInt("MAX_ACTIVE_MODELS", c.Router.MaxActiveModels)
	c.Router.LoadTimeout = getEnvDuration("ROUTER_LOAD_TIMEOUT", c.Router.LoadTimeout)

	c.RateLimit.RPS = getEnvFloat("RATE_LIMIT_RPS", c.RateLimit.RPS)
	c.RateLimit.Burst = getEnvInt("RATE_LIMIT_BURST", c.RateLimit.Burst)

	c.Auth.Secret = getEnv("AUTH_SECRET_KEY", c.Auth.Secret)
	c.Auth.TokenTTL = getEnvDuration("AUTH_TOKEN_TTL", c.Auth.TokenTTL)
	c.Auth.Issuer = getEnv("AUTH_ISSUER", c.Auth.Issuer)
}

// Validate 检查配置是否可用
func (c *Config) Validate() error {
	switch c.Store.Type {
	case StoreMemory, StoreFile, StoreRedis, StoreSQLite:
	default:
		return fmt.Errorf("未知的存储类型: %s", c.Store.Type)
	}
	if c.Session.Timeout <= 0 {
		return fmt.Errorf("会话超时必须大于0")
	}
	if c.Session.HistoryWindow <= 0 {
		return fmt.Errorf("历史窗口必须大于0")
	}
	if c.Session.InferenceTimeout <= 0 || c.Session.PersistTimeout <= 0 {
		return fmt.Errorf("超时配置必须大于0")
	}
	if c.Router.MaxActiveModels <= 0 {
		return fmt.Errorf("活跃模型数量必须大于0")
	}
	if c.Router.LoadTimeout <= 0 {
		return fmt.Errorf("模型加载超时必须大于0")
	}
	if c.Learning.MinInteractions <= 0 || c.Learning.HistoryLimit <= 0 {
		return fmt.Errorf("学习参数必须大于0")
	}
	if c.Learning.LearningRate <= 0 || c.Learning.LearningRate > 1 {
		return fmt.Errorf("学习率必须在 (0, 1] 之间")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("令牌有效期必须大于0")
	}
	if c.Learning.MaxLogBytes <= 0 {
		return fmt.Errorf("日志大小上限必须大于0")
	}
	return nil
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvBool 获取布尔类型环境变量
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	return value == "true" || value == "1" || value == "yes"
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		fmt.Printf("警告: 环境变量 %s 不是整数: %s\n", key, value)
		return defaultValue
	}
	return n
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		fmt.Printf("警告: 环境变量 %s 不是数字: %s\n", key, value)
		return defaultValue
	}
	return f
}

// getEnvDuration 支持 "90s" 这样的时长，也支持纯数字秒数
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		fmt.Printf("警告: 环境变量 %s 不是有效时长: %s\n", key, value)
		return defaultValue
	}
	return d
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ensureDir 确保目录存在
func ensureDir(path string) {
	if path == "" {
		return
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(path, 0755); err != nil {
			fmt.Printf("警告: 创建目录失败 %s: %v\n", path, err)
		}
	}
}
