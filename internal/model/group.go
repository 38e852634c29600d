package model

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// UnknownGroupPriority 注册表中不存在的分组排在最后
const UnknownGroupPriority = 999

var ErrInvalidGroup = errors.New("invalid group")

// Group 计费/路由分组，Priority 越小越优先
type Group struct {
	Name      string  `json:"name"`
	Desc      string  `json:"desc"`
	Ratio     float64 `json:"ratio"`
	Priority  int     `json:"priority"`
	UpdatedAt int64   `json:"updated_at"`
}

func (g *Group) Validate() error {
	if strings.TrimSpace(g.Name) == "" {
		return fmt.Errorf("%w: %w", ErrInvalidGroup, ErrEmptyGroupName)
	}
	if g.Ratio < 0 {
		return fmt.Errorf("%w: ratio of %q must be >= 0", ErrInvalidGroup, g.Name)
	}
	return nil
}

// SortGroups 按优先级升序，同优先级按名称
func SortGroups(groups []*Group) {
	slices.SortStableFunc(groups, func(a, b *Group) int {
		if a.Priority != b.Priority {
			return a.Priority - b.Priority
		}
		return strings.Compare(a.Name, b.Name)
	})
}

// SortByRegistry 按注册表优先级重排分组列表（稳定排序），未知分组视为 UnknownGroupPriority
func SortByRegistry(names []string, priorities map[string]int) []string {
	out := slices.Clone(names)
	prio := func(name string) int {
		if p, ok := priorities[name]; ok {
			return p
		}
		return UnknownGroupPriority
	}
	slices.SortStableFunc(out, func(a, b string) int {
		return prio(a) - prio(b)
	})
	return out
}
