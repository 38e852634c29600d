package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/pipiwei123/ppwapi/internal/model"
	"github.com/pipiwei123/ppwapi/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

const testAdminPass = "test-admin-pass"

func init() {
	gin.SetMode(gin.TestMode)
}

func setupTestServer(t *testing.T) (*Server, func()) {
	t.Helper()
	ctx := context.Background()
	store, err := storage.CreateSQLiteStore(ctx, filepath.Join(t.TempDir(), "app.db"))
	require.NoError(t, err)

	srv, err := NewServer(ctx, store, ServerOptions{AdminPassword: testAdminPass})
	require.NoError(t, err)

	return srv, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func newTestRouter(srv *Server) *gin.Engine {
	r := gin.New()
	srv.SetupRoutes(r)
	return r
}

type apiResult struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// doJSON 以管理员身份发送请求
func doJSON(t *testing.T, r http.Handler, method, path string, body any) (*httptest.ResponseRecorder, apiResult) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		buf.Write(data)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testAdminPass)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var res apiResult
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res), w.Body.String())
	}
	return w, res
}

func decodeData(t *testing.T, res apiResult, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(res.Data, out))
}

// seedRouting 注册分组 vip(1) default(10)，并创建渠道：
// 1 服务 vip，2 服务 default，均支持 deepseek-chat
func seedRouting(t *testing.T, srv *Server) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, srv.groupService.Replace(ctx, []*model.Group{
		{Name: "vip", Ratio: 2, Priority: 1},
		{Name: "default", Ratio: 1, Priority: 10},
	}))
	for _, ch := range []*model.Channel{
		{Name: "vip-1", Groups: []string{"vip"}, Models: []string{"deepseek-chat"}, Priority: 10, Enabled: true},
		{Name: "default-1", Groups: []string{"default"}, Models: []string{"deepseek-chat"}, Priority: 10, Enabled: true},
	} {
		require.NoError(t, srv.store.CreateChannel(ctx, ch))
	}
	srv.InvalidateChannelCache()
}

func createTestToken(t *testing.T, srv *Server, groups ...string) *model.Token {
	t.Helper()
	tok := &model.Token{
		Name:           "t-" + t.Name(),
		Key:            "sk-" + t.Name() + "-" + time.Now().Format("150405.000000000"),
		Status:         model.TokenStatusEnabled,
		UnlimitedQuota: true,
		ExpiredTime:    -1,
	}
	tok.SetGroups(groups)
	require.NoError(t, srv.store.CreateToken(context.Background(), tok))
	return tok
}
