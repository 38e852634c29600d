package app

import (
	"context"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pipiwei123/ppwapi/internal/model"
	"github.com/pipiwei123/ppwapi/internal/storage"

	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

// GroupInfoUpdate 令牌分组更新请求
type GroupInfoUpdate struct {
	Group     string          `json:"group"`
	GroupInfo model.GroupInfo `json:"group_info"`
	// AutoSort 按注册表优先级重排 multi_group_list
	AutoSort bool `json:"auto_sort"`
}

// TokenService 令牌读取缓存，并负责旧格式分组的迁移
type TokenService struct {
	store storage.Store
	cache *cache.Cache
	wg    sync.WaitGroup // 异步迁移写入
}

func NewTokenService(store storage.Store, ttl time.Duration) *TokenService {
	return &TokenService{
		store: store,
		cache: cache.New(ttl, 2*ttl),
	}
}

func tokenCacheKey(id int64) string {
	return "token:" + strconv.FormatInt(id, 10)
}

// Get 读取令牌（返回副本）。逗号分隔的旧分组在内存中升级为多分组，并异步写回。
func (ts *TokenService) Get(ctx context.Context, id int64) (*model.Token, error) {
	if v, ok := ts.cache.Get(tokenCacheKey(id)); ok {
		return cloneToken(v.(*model.Token)), nil
	}
	t, err := ts.store.GetToken(ctx, id)
	if err != nil {
		return nil, err
	}
	legacy := t.Group
	if t.NormalizeLegacyGroup() {
		ts.persistAsync(cloneToken(t), legacy)
	}
	ts.cache.SetDefault(tokenCacheKey(id), t)
	return cloneToken(t), nil
}

// persistAsync 写回迁移结果；令牌在此期间被编辑过则放弃写回并丢弃缓存
func (ts *TokenService) persistAsync(t *model.Token, legacyGroup string) {
	ts.wg.Add(1)
	go func() {
		defer ts.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		migrated, err := ts.store.MigrateLegacyTokenGroups(ctx, t, legacyGroup)
		if err != nil {
			logrus.WithError(err).WithField("token", t.ID).Warn("旧格式分组迁移写回失败")
			return
		}
		if !migrated {
			ts.Invalidate(t.ID)
			logrus.WithField("token", t.ID).Debug("令牌分组已变更，跳过迁移写回")
			return
		}
		logrus.WithFields(logrus.Fields{
			"token":  t.ID,
			"groups": t.GroupInfo.MultiGroupList,
		}).Info("令牌分组已迁移为多分组结构")
	}()
}

// UpdateGroupInfo 校验并保存令牌的分组绑定。priorities 仅在 AutoSort 时使用。
func (ts *TokenService) UpdateGroupInfo(ctx context.Context, id int64, req GroupInfoUpdate, priorities map[string]int) (*model.Token, error) {
	if err := req.GroupInfo.Validate(); err != nil {
		return nil, err
	}
	t, err := ts.store.GetToken(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.GroupInfo.IsMultiGroup {
		groups := model.DedupGroups(req.GroupInfo.MultiGroupList)
		if req.AutoSort {
			groups = model.SortByRegistry(groups, priorities)
		}
		statuses := make(map[string]int, len(groups))
		for _, g := range groups {
			if st, ok := req.GroupInfo.MultiGroupStatusList[g]; ok {
				statuses[g] = st
			} else {
				statuses[g] = model.GroupStatusEnabled
			}
		}
		idx := t.GroupInfo.CurrentGroupIndex
		if idx < 0 || idx >= len(groups) {
			idx = 0
		}
		t.GroupInfo = model.GroupInfo{
			IsMultiGroup:         true,
			MultiGroupSize:       len(groups),
			MultiGroupList:       groups,
			MultiGroupStatusList: statuses,
			CurrentGroupIndex:    idx,
		}
		t.Group = strings.Join(groups, ",")
	} else {
		group := strings.TrimSpace(req.Group)
		if strings.Contains(group, ",") {
			return nil, fmt.Errorf("%w: use group_info for multiple groups", model.ErrInvalidGroup)
		}
		t.Group = group
		t.GroupInfo = model.GroupInfo{}
	}

	if err := ts.store.UpdateTokenGroups(ctx, t); err != nil {
		return nil, err
	}
	ts.Invalidate(id)
	return t, nil
}

// UpdateTokenGroupIndex 实现 failover.GroupIndexWriter
func (ts *TokenService) UpdateTokenGroupIndex(ctx context.Context, tokenID int64, index int) error {
	changed, err := ts.store.UpdateTokenGroupIndex(ctx, tokenID, index)
	if err != nil {
		return err
	}
	if changed {
		ts.Invalidate(tokenID)
	}
	return nil
}

func (ts *TokenService) Invalidate(id int64) {
	ts.cache.Delete(tokenCacheKey(id))
}

// Wait 等待进行中的迁移写回
func (ts *TokenService) Wait() {
	ts.wg.Wait()
}

func cloneToken(t *model.Token) *model.Token {
	cp := *t
	cp.GroupInfo.MultiGroupList = append([]string(nil), t.GroupInfo.MultiGroupList...)
	if t.GroupInfo.MultiGroupStatusList != nil {
		cp.GroupInfo.MultiGroupStatusList = maps.Clone(t.GroupInfo.MultiGroupStatusList)
	}
	return &cp
}
