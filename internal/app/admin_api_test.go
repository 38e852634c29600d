package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pipiwei123/ppwapi/internal/config"
	"github.com/pipiwei123/ppwapi/internal/cooldown"
	"github.com/pipiwei123/ppwapi/internal/failover"
	"github.com/pipiwei123/ppwapi/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdminAuth(t *testing.T) {
	srv, cleanup := setupTestServer(t)
	defer cleanup()
	r := newTestRouter(srv)

	for _, header := range []string{"", "Bearer wrong", testAdminPass} {
		req := httptest.NewRequest(http.MethodGet, "/admin/groups", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code, header)
	}

	// /health 无需认证
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminOptions(t *testing.T) {
	srv, cleanup := setupTestServer(t)
	defer cleanup()
	r := newTestRouter(srv)
	path := "/admin/options/" + config.OptionChannelTimeoutConfig

	w, res := doJSON(t, r, http.MethodPut, path, OptionUpdateRequest{Value: testChannelTimeoutConfig})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var upd struct {
		Changed bool `json:"changed"`
	}
	decodeData(t, res, &upd)
	assert.True(t, upd.Changed)

	w, res = doJSON(t, r, http.MethodPut, path, OptionUpdateRequest{Value: testChannelTimeoutConfig})
	require.Equal(t, http.StatusOK, w.Code)
	decodeData(t, res, &upd)
	assert.False(t, upd.Changed)

	w, res = doJSON(t, r, http.MethodPut, path, OptionUpdateRequest{Value: `{"x":`})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, res.Success)

	w, res = doJSON(t, r, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got struct {
		Value string `json:"value"`
	}
	decodeData(t, res, &got)
	assert.Equal(t, testChannelTimeoutConfig, got.Value)

	w, _ = doJSON(t, r, http.MethodGet, "/admin/options/unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminGroups(t *testing.T) {
	srv, cleanup := setupTestServer(t)
	defer cleanup()
	r := newTestRouter(srv)

	w, res := doJSON(t, r, http.MethodPut, "/admin/groups", []GroupRequest{
		{Name: "default", Ratio: 1, Priority: 10},
		{Name: "vip", Ratio: 2, Priority: 1},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var groups []model.Group
	decodeData(t, res, &groups)
	require.Len(t, groups, 2)
	assert.Equal(t, "vip", groups[0].Name)
	assert.Equal(t, []string{"vip", "default"}, srv.groupService.SortedNames())

	w, _ = doJSON(t, r, http.MethodPut, "/admin/groups", []GroupRequest{{Name: model.AutoGroup}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = doJSON(t, r, http.MethodPut, "/admin/groups", []GroupRequest{{Name: "a"}, {Name: " a "}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// 失败的替换不影响现有注册表
	assert.True(t, srv.groupService.HasGroup("vip"))
}

func TestAdminTokenGroupInfo(t *testing.T) {
	srv, cleanup := setupTestServer(t)
	defer cleanup()
	seedRouting(t, srv)
	r := newTestRouter(srv)
	tok := createTestToken(t, srv, "default")
	path := fmt.Sprintf("/admin/tokens/%d/group-info", tok.ID)

	w, res := doJSON(t, r, http.MethodPut, path, GroupInfoUpdate{
		GroupInfo: model.GroupInfo{IsMultiGroup: true, MultiGroupList: []string{"vip", model.AutoGroup}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, res.Success)

	w, res = doJSON(t, r, http.MethodPut, path, GroupInfoUpdate{
		GroupInfo: model.GroupInfo{IsMultiGroup: true, MultiGroupList: []string{"default", "vip", "default"}},
		AutoSort:  true,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var view TokenGroupInfoResponse
	decodeData(t, res, &view)
	assert.Equal(t, "vip,default", view.Group)
	assert.Equal(t, []string{"vip", "default"}, view.Candidates)
	assert.NotEqual(t, tok.Key, view.Key)

	w, _ = doJSON(t, r, http.MethodPut, path, GroupInfoUpdate{Group: "vip,default"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = doJSON(t, r, http.MethodGet, "/admin/tokens/999999/group-info", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w, _ = doJSON(t, r, http.MethodGet, "/admin/tokens/abc/group-info", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminChannelsAndPreview(t *testing.T) {
	srv, cleanup := setupTestServer(t)
	defer cleanup()
	r := newTestRouter(srv)
	require.NoError(t, srv.groupService.Replace(context.Background(), []*model.Group{
		{Name: "vip", Priority: 1},
		{Name: "default", Priority: 10},
	}))

	// 没有渠道时无可用路由
	w, res := doJSON(t, r, http.MethodPost, "/admin/route/preview", RoutePreviewRequest{
		Groups: []string{"vip", "default"},
		Model:  "deepseek-chat",
	})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "no available route", res.Error)

	w, res = doJSON(t, r, http.MethodPost, "/admin/channels", ChannelRequest{
		Name:   "default-1",
		Groups: []string{"default"},
		Models: []string{"deepseek-chat"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var ch model.Channel
	decodeData(t, res, &ch)
	assert.Positive(t, ch.ID)
	assert.True(t, ch.Enabled)

	w, res = doJSON(t, r, http.MethodPost, "/admin/route/preview", RoutePreviewRequest{
		Groups: []string{"vip", "default"},
		Model:  "deepseek-chat",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var preview RoutePreviewResponse
	decodeData(t, res, &preview)
	assert.Equal(t, []string{"vip", "default"}, preview.Candidates)
	assert.Equal(t, "default", preview.Group)
	require.Len(t, preview.Channels, 1)
	assert.Equal(t, ch.ID, preview.Channels[0].ID)

	// 禁用后再次无可用路由
	w, _ = doJSON(t, r, http.MethodPut, fmt.Sprintf("/admin/channels/%d/enabled", ch.ID), ChannelEnabledRequest{Enabled: false})
	require.Equal(t, http.StatusOK, w.Code)
	w, _ = doJSON(t, r, http.MethodPost, "/admin/route/preview", RoutePreviewRequest{
		Groups: []string{"default"},
		Model:  "deepseek-chat",
	})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w, _ = doJSON(t, r, http.MethodPost, "/admin/route/preview", RoutePreviewRequest{
		Groups: []string{"vip", model.AutoGroup},
		Model:  "deepseek-chat",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = doJSON(t, r, http.MethodPut, "/admin/channels/424242/enabled", ChannelEnabledRequest{Enabled: true})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminPreviewAutoExpands(t *testing.T) {
	srv, cleanup := setupTestServer(t)
	defer cleanup()
	seedRouting(t, srv)
	r := newTestRouter(srv)

	w, res := doJSON(t, r, http.MethodPost, "/admin/route/preview", RoutePreviewRequest{
		Groups:   []string{model.AutoGroup},
		Model:    "deepseek-chat",
		Excluded: []string{"vip"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var preview RoutePreviewResponse
	decodeData(t, res, &preview)
	assert.Equal(t, []string{"vip", "default"}, preview.Candidates)
	assert.Equal(t, "default", preview.Group)
}

func TestAdminRouteSimulateFailover(t *testing.T) {
	srv, cleanup := setupTestServer(t)
	defer cleanup()
	seedRouting(t, srv)
	r := newTestRouter(srv)
	tok := createTestToken(t, srv, "vip", "default")

	w, res := doJSON(t, r, http.MethodPost, "/admin/route/simulate", RouteSimulateRequest{
		TokenID:    tok.ID,
		Model:      "deepseek-chat",
		FailGroups: []string{"vip"},
		FRTMs:      100,
		TotalMs:    300,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var out struct {
		Result   failover.Result        `json:"result"`
		Attempts []RouteSimulateAttempt `json:"attempts"`
	}
	decodeData(t, res, &out)
	assert.Equal(t, "default", out.Result.Group)
	assert.Equal(t, 1, out.Result.GroupIdx)
	assert.Equal(t, 2, out.Result.Attempts)
	require.Len(t, out.Attempts, 2)
	assert.Equal(t, "vip", out.Attempts[0].Group)
	assert.NotEmpty(t, out.Attempts[0].Error)
	assert.Equal(t, "default", out.Attempts[1].Group)

	w, res = doJSON(t, r, http.MethodPost, "/admin/route/simulate", RouteSimulateRequest{
		TokenID:    tok.ID,
		Model:      "deepseek-chat",
		FailGroups: []string{"vip", "default"},
	})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "no available route", res.Error)
}

func TestAdminChannelHealthLifecycle(t *testing.T) {
	srv, cleanup := setupTestServer(t)
	defer cleanup()
	seedRouting(t, srv)
	r := newTestRouter(srv)

	w, _ := doJSON(t, r, http.MethodPut, "/admin/options/"+config.OptionChannelTimeoutConfig,
		OptionUpdateRequest{Value: testChannelTimeoutConfig})
	require.Equal(t, http.StatusOK, w.Code)

	sub := srv.cooldownService.Subscribe()
	defer srv.cooldownService.Unsubscribe(sub)

	w, res := doJSON(t, r, http.MethodPost, "/admin/channel-health/report", CompletionReport{
		Model: "deepseek-chat", ChannelID: 1, FRTMs: 2500, TotalMs: 4000,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var rep struct {
		Eligible bool `json:"eligible"`
	}
	decodeData(t, res, &rep)
	assert.False(t, rep.Eligible)

	ev := <-sub
	assert.Equal(t, "trip", ev.Type)
	assert.Equal(t, int64(1), ev.ChannelID)
	assert.Equal(t, cooldown.ReasonFirstResponseTimeout, ev.Reason)

	w, res = doJSON(t, r, http.MethodGet, "/admin/channel-health?model=deepseek-chat&channel_id=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snaps []cooldown.Snapshot
	decodeData(t, res, &snaps)
	require.Len(t, snaps, 1)
	assert.False(t, snaps[0].Eligible)
	assert.NotNil(t, snaps[0].DisabledUntil)
	assert.EqualValues(t, 1, snaps[0].TripCount)

	// 熔断中的 vip 渠道被跳过
	tok := createTestToken(t, srv, "vip", "default")
	w, res = doJSON(t, r, http.MethodPost, "/admin/route/preview", RoutePreviewRequest{TokenID: tok.ID, Model: "deepseek-chat"})
	require.Equal(t, http.StatusOK, w.Code)
	var preview RoutePreviewResponse
	decodeData(t, res, &preview)
	assert.Equal(t, "default", preview.Group)

	w, _ = doJSON(t, r, http.MethodPost, "/admin/channel-health/report", CompletionReport{
		Model: "deepseek-chat", ChannelID: 1, Failure: "boom",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, res = doJSON(t, r, http.MethodPost, "/admin/channel-health/reset", HealthResetRequest{Model: "deepseek-chat", ChannelID: 1})
	require.Equal(t, http.StatusOK, w.Code)
	var reset struct {
		Restored int `json:"restored"`
	}
	decodeData(t, res, &reset)
	assert.Equal(t, 1, reset.Restored)
	assert.True(t, srv.tracker.IsEligible("deepseek-chat", 1))

	ev = <-sub
	assert.Equal(t, "reset", ev.Type)
}

func TestAdminSettings(t *testing.T) {
	srv, cleanup := setupTestServer(t)
	defer cleanup()
	r := newTestRouter(srv)

	w, _ := doJSON(t, r, http.MethodPut, "/admin/settings/"+config.SettingDispatchMaxAttempts, SettingUpdateRequest{Value: "-1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = doJSON(t, r, http.MethodPut, "/admin/settings/"+config.SettingTripLogRetentionDays, SettingUpdateRequest{Value: "0"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = doJSON(t, r, http.MethodPut, "/admin/settings/"+config.SettingChannelLoadBalance, SettingUpdateRequest{Value: "maybe"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = doJSON(t, r, http.MethodPut, "/admin/settings/no_such_key", SettingUpdateRequest{Value: "1"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = doJSON(t, r, http.MethodPut, "/admin/settings/"+config.SettingDefaultGroup, SettingUpdateRequest{Value: "vip"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "vip", srv.configService.GetString(config.SettingDefaultGroup, ""))

	w, _ = doJSON(t, r, http.MethodPost, "/admin/settings/"+config.SettingDefaultGroup+"/reset", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, config.DefaultGroup, srv.configService.GetString(config.SettingDefaultGroup, ""))

	// json 类型不能走批量接口
	w, _ = doJSON(t, r, http.MethodPost, "/admin/settings/batch", map[string]string{
		config.SettingDispatchMaxAttempts: "4",
		config.OptionChannelTimeoutConfig: "{}",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, config.DefaultDispatchAttempts, srv.configService.GetInt(config.SettingDispatchMaxAttempts, -1))

	w, _ = doJSON(t, r, http.MethodPost, "/admin/settings/batch", map[string]string{
		config.SettingDispatchMaxAttempts:  "4",
		config.SettingTripLogRetentionDays: "-1",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 4, srv.configService.GetInt(config.SettingDispatchMaxAttempts, -1))
	assert.Equal(t, -1, srv.configService.GetInt(config.SettingTripLogRetentionDays, 0))
}

func TestHealth(t *testing.T) {
	srv, cleanup := setupTestServer(t)
	defer cleanup()
	r := newTestRouter(srv)

	w, res := doJSON(t, r, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status map[string]any
	decodeData(t, res, &status)
	assert.Equal(t, "ok", status["status"])
	assert.Equal(t, false, status["redis_mirrored"])
}

func TestFreshInstallRoutesEmptyGroupToDefault(t *testing.T) {
	srv, cleanup := setupTestServer(t)
	defer cleanup()
	r := newTestRouter(srv)

	// 迁移写入的初始分组
	assert.Equal(t, []string{"vip", "default"}, srv.groupService.SortedNames())

	w, _ := doJSON(t, r, http.MethodPost, "/admin/channels", ChannelRequest{
		Name:   "default-1",
		Groups: []string{"default"},
		Models: []string{"gpt-4o"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, res := doJSON(t, r, http.MethodPost, "/admin/route/preview", RoutePreviewRequest{Model: "gpt-4o"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var preview RoutePreviewResponse
	decodeData(t, res, &preview)
	assert.Equal(t, []string{"default"}, preview.Candidates)
	assert.Equal(t, "default", preview.Group)

	// 令牌未绑定分组时同样落到默认分组
	tok := createTestToken(t, srv)
	w, res = doJSON(t, r, http.MethodPost, "/admin/route/preview", RoutePreviewRequest{TokenID: tok.ID, Model: "gpt-4o"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decodeData(t, res, &preview)
	assert.Equal(t, "default", preview.Group)
}

func TestDefaultGroupSurvivesRegistryWithoutIt(t *testing.T) {
	srv, cleanup := setupTestServer(t)
	defer cleanup()
	r := newTestRouter(srv)

	w, _ := doJSON(t, r, http.MethodPut, "/admin/groups", []GroupRequest{{Name: "vip", Priority: 1}})
	require.Equal(t, http.StatusOK, w.Code)
	require.False(t, srv.groupService.HasGroup("default"))

	w, _ = doJSON(t, r, http.MethodPost, "/admin/channels", ChannelRequest{
		Name:   "default-1",
		Groups: []string{"default"},
		Models: []string{"gpt-4o"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	w, _ = doJSON(t, r, http.MethodPost, "/admin/route/preview", RoutePreviewRequest{Model: "gpt-4o"})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}
