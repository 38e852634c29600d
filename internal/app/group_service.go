package app

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pipiwei123/ppwapi/internal/model"
	"github.com/pipiwei123/ppwapi/internal/storage"

	"github.com/sirupsen/logrus"
)

// GroupService 分组注册表的内存视图，实现 failover.GroupRegistry
type GroupService struct {
	store storage.Store

	mu     sync.RWMutex
	groups []*model.Group // 已按优先级排序
	byName map[string]*model.Group
}

func NewGroupService(store storage.Store) *GroupService {
	return &GroupService{store: store, byName: map[string]*model.Group{}}
}

// Load 从数据库重新加载注册表
func (gs *GroupService) Load(ctx context.Context) error {
	groups, err := gs.store.ListGroups(ctx)
	if err != nil {
		return fmt.Errorf("load groups: %w", err)
	}
	gs.set(groups)
	return nil
}

func (gs *GroupService) set(groups []*model.Group) {
	model.SortGroups(groups)
	byName := make(map[string]*model.Group, len(groups))
	for _, g := range groups {
		byName[g.Name] = g
	}
	gs.mu.Lock()
	gs.groups = groups
	gs.byName = byName
	gs.mu.Unlock()
}

// List 排序后的分组（副本）
func (gs *GroupService) List() []model.Group {
	gs.mu.RLock()
	defer gs.mu.RUnlock()
	out := make([]model.Group, 0, len(gs.groups))
	for _, g := range gs.groups {
		out = append(out, *g)
	}
	return out
}

func (gs *GroupService) HasGroup(name string) bool {
	gs.mu.RLock()
	defer gs.mu.RUnlock()
	_, ok := gs.byName[name]
	return ok
}

// SortedNames 每次返回新切片，调用方可修改
func (gs *GroupService) SortedNames() []string {
	gs.mu.RLock()
	defer gs.mu.RUnlock()
	out := make([]string, 0, len(gs.groups))
	for _, g := range gs.groups {
		out = append(out, g.Name)
	}
	return out
}

// Priorities 分组名 -> 优先级
func (gs *GroupService) Priorities() map[string]int {
	gs.mu.RLock()
	defer gs.mu.RUnlock()
	out := make(map[string]int, len(gs.groups))
	for _, g := range gs.groups {
		out[g.Name] = g.Priority
	}
	return out
}

// Replace 校验后整体替换注册表；名称重复或为 auto 时拒绝
func (gs *GroupService) Replace(ctx context.Context, groups []*model.Group) error {
	seen := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		g.Name = strings.TrimSpace(g.Name)
		if err := g.Validate(); err != nil {
			return err
		}
		if g.Name == model.AutoGroup {
			return fmt.Errorf("%w: %q is reserved", model.ErrInvalidGroup, model.AutoGroup)
		}
		if _, dup := seen[g.Name]; dup {
			return fmt.Errorf("%w: duplicate group %q", model.ErrInvalidGroup, g.Name)
		}
		seen[g.Name] = struct{}{}
	}
	if err := gs.store.ReplaceGroups(ctx, groups); err != nil {
		return err
	}
	gs.set(groups)
	logrus.WithField("count", len(groups)).Info("分组注册表已更新")
	return nil
}
