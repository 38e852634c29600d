package failover

import (
	"context"
	"slices"
	"sync"

	"github.com/pipiwei123/ppwapi/internal/model"
)

type staticChannels []*model.Channel

func (s staticChannels) ChannelsFor(_ context.Context, modelName, group string) ([]*model.Channel, error) {
	var out []*model.Channel
	for _, ch := range s {
		if ch.Serves(modelName, group) {
			out = append(out, ch)
		}
	}
	return out, nil
}

type healthMap struct {
	mu       sync.Mutex
	disabled map[int64]bool
	failures []string
	records  int
}

func newHealthMap(disabled ...int64) *healthMap {
	h := &healthMap{disabled: map[int64]bool{}}
	for _, id := range disabled {
		h.disabled[id] = true
	}
	return h
}

func (h *healthMap) IsEligible(_ string, channelID int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.disabled[channelID]
}

func (h *healthMap) RecordCompletion(string, int64, int64, int64) {
	h.mu.Lock()
	h.records++
	h.mu.Unlock()
}

func (h *healthMap) RecordFailure(_ string, channelID int64, reason string) {
	h.mu.Lock()
	h.failures = append(h.failures, reason)
	h.disabled[channelID] = true
	h.mu.Unlock()
}

type registry map[string]int

func (r registry) HasGroup(name string) bool {
	_, ok := r[name]
	return ok
}

func (r registry) SortedNames() []string {
	names := make([]string, 0, len(r))
	for n := range r {
		names = append(names, n)
	}
	return model.SortByRegistry(slices.Sorted(slices.Values(names)), r)
}

type settingsMap map[string]string

func (s settingsMap) GetString(key, def string) string {
	if v, ok := s[key]; ok {
		return v
	}
	return def
}

func (s settingsMap) GetBool(key string, def bool) bool {
	if v, ok := s[key]; ok {
		return v == "true"
	}
	return def
}

func multiToken(groups ...string) *model.Token {
	t := &model.Token{ID: 1, Status: model.TokenStatusEnabled, ExpiredTime: -1, UnlimitedQuota: true}
	t.SetGroups(groups)
	return t
}
