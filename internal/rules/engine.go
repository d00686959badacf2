package rules

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"bustrack/internal/models"
	"bustrack/internal/repository"

	"go.uber.org/zap"
)

// Rule keys
const (
	FirstGPSSouthbound = "FIRST_GPS_SOUTHBOUND"
	AutoFlipAtTerminal = "AUTO_FLIP_AT_TERMINAL"
)

// Store 规则持久化接口
type Store interface {
	ListByCompany(ctx context.Context, companyID int64) ([]models.CompanyRule, error)
	Upsert(ctx context.Context, rule models.CompanyRule) error
	Delete(ctx context.Context, companyID int64, ruleKey string) error
	ResolveCompanyIDByName(ctx context.Context, name string) (int64, error)
}

// Toggles 一次推断所用的规则开关快照
type Toggles struct {
	FirstFixSouthbound bool
	AutoFlipAtTerminal bool
}

// DefaultToggles 全部默认开启
func DefaultToggles() Toggles {
	return Toggles{FirstFixSouthbound: true, AutoFlipAtTerminal: true}
}

// Engine 运营商规则引擎（带读穿缓存，写入时失效）
type Engine struct {
	store  Store
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[int64]map[string]bool

	nameMu    sync.RWMutex
	nameCache map[string]int64
}

// NewEngine 创建规则引擎
func NewEngine(store Store, logger *zap.Logger) *Engine {
	return &Engine{
		store:     store,
		logger:    logger,
		cache:     make(map[int64]map[string]bool),
		nameCache: make(map[string]int64),
	}
}

// IsEnabled 查询规则开关；无记录或查询失败时返回默认值
func (e *Engine) IsEnabled(ctx context.Context, companyID *int64, key string, def bool) bool {
	if companyID == nil {
		return def
	}
	rules, err := e.load(ctx, *companyID)
	if err != nil {
		e.logger.Warn("Failed to load company rules, using default",
			zap.Int64("company_id", *companyID),
			zap.String("rule_key", key),
			zap.Error(err),
		)
		return def
	}
	if v, ok := rules[key]; ok {
		return v
	}
	return def
}

// Toggles 读取运营商的推断开关
func (e *Engine) Toggles(ctx context.Context, companyID *int64) Toggles {
	return Toggles{
		FirstFixSouthbound: e.IsEnabled(ctx, companyID, FirstGPSSouthbound, true),
		AutoFlipAtTerminal: e.IsEnabled(ctx, companyID, AutoFlipAtTerminal, true),
	}
}

func (e *Engine) load(ctx context.Context, companyID int64) (map[string]bool, error) {
	e.mu.RLock()
	rules, ok := e.cache[companyID]
	e.mu.RUnlock()
	if ok {
		return rules, nil
	}

	list, err := e.store.ListByCompany(ctx, companyID)
	if err != nil {
		return nil, err
	}
	rules = make(map[string]bool, len(list))
	for _, r := range list {
		rules[r.RuleKey] = r.Enabled
	}

	e.mu.Lock()
	e.cache[companyID] = rules
	e.mu.Unlock()
	return rules, nil
}

// List 查询运营商全部规则（不走缓存）
func (e *Engine) List(ctx context.Context, companyID int64) ([]models.CompanyRule, error) {
	return e.store.ListByCompany(ctx, companyID)
}

// Upsert 写入规则并使缓存失效
func (e *Engine) Upsert(ctx context.Context, rule models.CompanyRule) error {
	if strings.TrimSpace(rule.RuleKey) == "" {
		return fmt.Errorf("rule key is required")
	}
	if err := e.store.Upsert(ctx, rule); err != nil {
		return err
	}
	e.invalidate(rule.CompanyID)
	e.logger.Info("Company rule updated",
		zap.Int64("company_id", rule.CompanyID),
		zap.String("rule_key", rule.RuleKey),
		zap.Bool("enabled", rule.Enabled),
	)
	return nil
}

// Delete 删除规则并使缓存失效
func (e *Engine) Delete(ctx context.Context, companyID int64, key string) error {
	if err := e.store.Delete(ctx, companyID, key); err != nil {
		return err
	}
	e.invalidate(companyID)
	return nil
}

func (e *Engine) invalidate(companyID int64) {
	e.mu.Lock()
	delete(e.cache, companyID)
	e.mu.Unlock()
}

// ResolveCompanyID 根据运营商名称解析ID（结果缓存；未找到返回 nil）
func (e *Engine) ResolveCompanyID(ctx context.Context, name string) *int64 {
	if name == "" {
		return nil
	}
	key := strings.ToLower(name)

	e.nameMu.RLock()
	id, ok := e.nameCache[key]
	e.nameMu.RUnlock()
	if ok {
		return &id
	}

	id, err := e.store.ResolveCompanyIDByName(ctx, name)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			e.logger.Warn("Failed to resolve company", zap.String("company", name), zap.Error(err))
		}
		return nil
	}

	e.nameMu.Lock()
	e.nameCache[key] = id
	e.nameMu.Unlock()
	return &id
}
