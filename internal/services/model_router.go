// internal/services/model_router.go
package services

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Corphon/OMNetCore/internal/llm"
	"github.com/Corphon/OMNetCore/internal/models"
	"github.com/Corphon/OMNetCore/internal/utils"
)

// DefaultModel 既没有任务规则命中，化身也没有配置主模型时使用
const DefaultModel = "dolphin-mixtral:8x7b"

// DefaultModelCapacity 同时保持加载的模型数量
const DefaultModelCapacity = 3

// DefaultLoadTimeout 单次模型加载（含淘汰卸载）的上限
const DefaultLoadTimeout = 2 * time.Minute

// TaskRule 关键词到模型的任务亲和规则
type TaskRule struct {
	Keyword string
	Model   string
}

// DefaultTaskRules 按顺序匹配，第一个命中的规则生效
var DefaultTaskRules = []TaskRule{
	{Keyword: "debug", Model: "deepseek-r1:8b"},
	{Keyword: "error", Model: "deepseek-r1:8b"},
	{Keyword: "fix", Model: "deepseek-r1:8b"},
	{Keyword: "code", Model: "deepseek-r1:8b"},
	{Keyword: "write", Model: "dolphin-mixtral:8x7b"},
	{Keyword: "create", Model: "dolphin-mixtral:8x7b"},
	{Keyword: "story", Model: "dolphin-mixtral:8x7b"},
	{Keyword: "poem", Model: "dolphin-mixtral:8x7b"},
}

// AvatarLookup 按名称查找化身配置
type AvatarLookup interface {
	Lookup(name string) (models.AvatarConfig, bool)
}

type activeModel struct {
	seq      uint64
	lastUsed time.Time
}

// ActiveModelInfo 活跃模型的只读视图
type ActiveModelInfo struct {
	Model    string    `json:"model"`
	LastUsed time.Time `json:"last_used"`
}

// ModelRouter 选择模型并维护有界的活跃模型集合（LRU）
type ModelRouter struct {
	rules        []TaskRule
	avatars      AvatarLookup
	defaultModel string
	capacity     int
	loader       llm.ModelLoader
	loadTimeout  time.Duration

	mu     sync.Mutex
	active map[string]*activeModel
	seq    uint64
	loads  singleflight.Group

	metrics *utils.Metrics
	logger  *zap.Logger
}

// RouterOption 路由器可选配置
type RouterOption func(*ModelRouter)

// WithTaskRules 替换默认任务规则
func WithTaskRules(rules []TaskRule) RouterOption {
	return func(r *ModelRouter) { r.rules = rules }
}

// WithModelLoader 设置模型加载器，nil 表示只做记账
func WithModelLoader(loader llm.ModelLoader) RouterOption {
	return func(r *ModelRouter) { r.loader = loader }
}

// WithLoadTimeout 设置加载和卸载的超时
func WithLoadTimeout(timeout time.Duration) RouterOption {
	return func(r *ModelRouter) {
		if timeout > 0 {
			r.loadTimeout = timeout
		}
	}
}

// WithRouterMetrics 设置指标收集器
func WithRouterMetrics(metrics *utils.Metrics) RouterOption {
	return func(r *ModelRouter) { r.metrics = metrics }
}

// WithRouterLogger 设置日志
func WithRouterLogger(logger *zap.Logger) RouterOption {
	return func(r *ModelRouter) { r.logger = logger.With(zap.String("component", "model_router")) }
}

// NewModelRouter 创建模型路由器
func NewModelRouter(avatars AvatarLookup, defaultModel string, capacity int, opts ...RouterOption) *ModelRouter {
	if defaultModel == "" {
		defaultModel = DefaultModel
	}
	if capacity <= 0 {
		capacity = DefaultModelCapacity
	}
	r := &ModelRouter{
		rules:        DefaultTaskRules,
		avatars:      avatars,
		defaultModel: defaultModel,
		capacity:     capacity,
		loadTimeout:  DefaultLoadTimeout,
		active:       make(map[string]*activeModel),
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *ModelRouter) Capacity() int {
	return r.capacity
}

func (r *ModelRouter) DefaultModel() string {
	return r.defaultModel
}

// SelectModel 任务规则优先，其次化身主模型，最后全局默认模型
func (r *ModelRouter) SelectModel(avatarName, text string) string {
	lower := strings.ToLower(text)
	for _, rule := range r.rules {
		if strings.Contains(lower, rule.Keyword) {
			return rule.Model
		}
	}
	if r.avatars != nil {
		if avatar, ok := r.avatars.Lookup(avatarName); ok && avatar.ModelPrimary != "" {
			return avatar.ModelPrimary
		}
	}
	return r.defaultModel
}

// touch 在锁内更新使用戳
func (r *ModelRouter) touchLocked(model string) bool {
	entry, ok := r.active[model]
	if !ok {
		return false
	}
	r.seq++
	entry.seq = r.seq
	entry.lastUsed = time.Now()
	return true
}

// EnsureLoaded 保证模型处于活跃集合中。集合已满时先淘汰最久未使用的模型。
// 加载失败或超时返回 false，调用方仍可尝试推理。
// 同一模型的并发加载共享一次调用；调用方取消只让自己提前返回，不影响共享的加载。
func (r *ModelRouter) EnsureLoaded(ctx context.Context, model string) bool {
	r.mu.Lock()
	if r.touchLocked(model) {
		r.mu.Unlock()
		return true
	}
	r.mu.Unlock()

	ch := r.loads.DoChan(model, func() (interface{}, error) {
		return r.load(ctx, model), nil
	})
	select {
	case res := <-ch:
		loaded, _ := res.Val.(bool)
		return loaded
	case <-ctx.Done():
		return false
	}
}

// load 在独立于调用方取消、以 loadTimeout 为上限的 context 中完成淘汰和加载
func (r *ModelRouter) load(parent context.Context, model string) bool {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), r.loadTimeout)
	defer cancel()

	r.mu.Lock()
	if r.touchLocked(model) {
		r.mu.Unlock()
		return true
	}
	var victims []string
	for len(r.active) >= r.capacity {
		victim := r.lruLocked()
		delete(r.active, victim)
		victims = append(victims, victim)
	}
	r.seq++
	r.active[model] = &activeModel{seq: r.seq, lastUsed: time.Now()}
	r.metrics.SetActiveModels(len(r.active))
	r.mu.Unlock()

	for _, victim := range victims {
		r.metrics.RecordModelEviction()
		r.logger.Info("Evicting least recently used model", zap.String("model", victim))
		if r.loader != nil {
			if err := r.loader.UnloadModel(ctx, victim); err != nil {
				r.logger.Warn("Failed to unload model", zap.String("model", victim), zap.Error(err))
			}
		}
	}

	if r.loader != nil {
		if err := r.loader.LoadModel(ctx, model); err != nil {
			r.logger.Warn("Failed to load model",
				zap.String("model", model),
				zap.Duration("timeout", r.loadTimeout),
				zap.Error(err))
			r.metrics.RecordModelLoad("error")
			r.mu.Lock()
			delete(r.active, model)
			r.metrics.SetActiveModels(len(r.active))
			r.mu.Unlock()
			return false
		}
	}
	r.metrics.RecordModelLoad("ok")
	return true
}

func (r *ModelRouter) lruLocked() string {
	var (
		victim string
		oldest uint64
		first  = true
	)
	for name, entry := range r.active {
		if first || entry.seq < oldest {
			victim, oldest, first = name, entry.seq, false
		}
	}
	return victim
}

// ActiveModels 按最近使用排序的活跃模型
func (r *ModelRouter) ActiveModels() []ActiveModelInfo {
	r.mu.Lock()
	type ranked struct {
		info ActiveModelInfo
		seq  uint64
	}
	list := make([]ranked, 0, len(r.active))
	for name, entry := range r.active {
		list = append(list, ranked{info: ActiveModelInfo{Model: name, LastUsed: entry.lastUsed}, seq: entry.seq})
	}
	r.mu.Unlock()

	sort.Slice(list, func(i, j int) bool { return list[i].seq > list[j].seq })
	out := make([]ActiveModelInfo, len(list))
	for i, item := range list {
		out[i] = item.info
	}
	return out
}

// UnloadAll 关闭时卸载所有活跃模型
func (r *ModelRouter) UnloadAll(ctx context.Context) {
	r.mu.Lock()
	names := make([]string, 0, len(r.active))
	for name := range r.active {
		names = append(names, name)
	}
	r.active = make(map[string]*activeModel)
	r.metrics.SetActiveModels(0)
	r.mu.Unlock()

	if r.loader == nil {
		return
	}
	for _, name := range names {
		uctx, cancel := context.WithTimeout(ctx, r.loadTimeout)
		if err := r.loader.UnloadModel(uctx, name); err != nil {
			r.logger.Warn("Failed to unload model", zap.String("model", name), zap.Error(err))
		}
		cancel()
	}
}
