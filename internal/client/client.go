// Package client 管理接口客户端。GET 经过 dedup.Cache 合并，
// 同一地址和参数的并发读取只发起一次请求。
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pipiwei123/ppwapi/internal/config"
	"github.com/pipiwei123/ppwapi/internal/cooldown"
	"github.com/pipiwei123/ppwapi/internal/dedup"
	"github.com/pipiwei123/ppwapi/internal/model"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
)

// APIError 服务端返回的非 2xx 响应
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("admin api: status %d", e.Status)
	}
	return fmt.Sprintf("admin api: status %d: %s", e.Status, e.Message)
}

// NoAvailableRoute 所有分组都没有可用渠道
func (e *APIError) NoAvailableRoute() bool {
	return e.Status == http.StatusServiceUnavailable
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// Options 客户端参数
type Options struct {
	Timeout time.Duration
	// Cache 可在多个客户端间共享，nil 时新建
	Cache *dedup.Cache
}

// Client 管理接口客户端
type Client struct {
	http  *resty.Client
	dedup *dedup.Cache
}

func New(baseURL, adminPass string, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = config.DefaultAdminClientTimeout
	}
	if opts.Cache == nil {
		opts.Cache = dedup.New()
	}

	rc := resty.New()
	rc.SetBaseURL(strings.TrimRight(baseURL, "/"))
	rc.SetTimeout(opts.Timeout)
	rc.SetAuthToken(adminPass)
	rc.SetHeader("Accept", "application/json")
	rc.SetJSONMarshaler(sonic.Marshal)
	rc.SetJSONUnmarshaler(sonic.Unmarshal)
	rc.SetDisableWarn(true)

	return &Client{http: rc, dedup: opts.Cache}
}

// Dedup 底层合并表
func (c *Client) Dedup() *dedup.Cache {
	return c.dedup
}

// Get 读取 path 并把 data 解码到 out。相同 path+params 的并发调用共享一次请求；
// 每个调用方从共享的原始字节各自解码，互不影响。
func (c *Client) Get(ctx context.Context, path string, params url.Values, out any, opts ...dedup.FetchOpts) error {
	v, _, err := c.dedup.Fetch(ctx, dedup.Key(path, params), func(ctx context.Context) (any, error) {
		return c.do(ctx, http.MethodGet, path, params, nil)
	}, opts...)
	if err != nil {
		return err
	}
	return decode(v.(json.RawMessage), out)
}

// Put 发送 JSON 请求体，data 解码到 out（out 可为 nil）
func (c *Client) Put(ctx context.Context, path string, body, out any) error {
	data, err := c.do(ctx, http.MethodPut, path, nil, body)
	if err != nil {
		return err
	}
	return decode(data, out)
}

// Post 同 Put
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	data, err := c.do(ctx, http.MethodPost, path, nil, body)
	if err != nil {
		return err
	}
	return decode(data, out)
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body any) (json.RawMessage, error) {
	req := c.http.R().SetContext(ctx)
	if len(params) > 0 {
		req.SetQueryParamsFromValues(params)
	}
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}

	var env envelope
	if len(resp.Body()) > 0 {
		if err := sonic.Unmarshal(resp.Body(), &env); err != nil && !resp.IsError() {
			return nil, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	if resp.IsError() || !env.Success {
		return nil, &APIError{Status: resp.StatusCode(), Message: env.Error}
	}
	return env.Data, nil
}

func decode(data json.RawMessage, out any) error {
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

// Groups 分组注册表（按优先级排序）
func (c *Client) Groups(ctx context.Context) ([]model.Group, error) {
	var out []model.Group
	if err := c.Get(ctx, "/admin/groups", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ChannelHealth 渠道健康快照；modelName 为空或 channelID 为 0 时不过滤
func (c *Client) ChannelHealth(ctx context.Context, modelName string, channelID int64) ([]cooldown.Snapshot, error) {
	params := url.Values{}
	if modelName != "" {
		params.Set("model", modelName)
	}
	if channelID > 0 {
		params.Set("channel_id", strconv.FormatInt(channelID, 10))
	}
	var out []cooldown.Snapshot
	if err := c.Get(ctx, "/admin/channel-health", params, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Option 读取超时熔断配置的原始 JSON
func (c *Client) Option(ctx context.Context, key string) (string, error) {
	var out struct {
		Value string `json:"value"`
	}
	if err := c.Get(ctx, "/admin/options/"+url.PathEscape(key), nil, &out); err != nil {
		return "", err
	}
	return out.Value, nil
}

// UpdateOption 保存超时熔断配置，返回是否发生变化
func (c *Client) UpdateOption(ctx context.Context, key, value string) (bool, error) {
	var out struct {
		Changed bool `json:"changed"`
	}
	err := c.Put(ctx, "/admin/options/"+url.PathEscape(key), map[string]string{"value": value}, &out)
	if err != nil {
		return false, err
	}
	return out.Changed, nil
}

// TokenGroupInfo 令牌分组视图
type TokenGroupInfo struct {
	ID         int64           `json:"id"`
	Name       string          `json:"name"`
	Key        string          `json:"key"`
	Group      string          `json:"group"`
	GroupInfo  model.GroupInfo `json:"group_info"`
	Candidates []string        `json:"candidates"`
}

// GroupInfoUpdate 令牌分组更新
type GroupInfoUpdate struct {
	Group     string          `json:"group,omitempty"`
	GroupInfo model.GroupInfo `json:"group_info"`
	AutoSort  bool            `json:"auto_sort,omitempty"`
}

func tokenGroupInfoPath(id int64) string {
	return "/admin/tokens/" + strconv.FormatInt(id, 10) + "/group-info"
}

func (c *Client) TokenGroupInfo(ctx context.Context, id int64) (*TokenGroupInfo, error) {
	var out TokenGroupInfo
	if err := c.Get(ctx, tokenGroupInfoPath(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateTokenGroupInfo 多分组中包含 auto 时服务端返回 400
func (c *Client) UpdateTokenGroupInfo(ctx context.Context, id int64, upd GroupInfoUpdate) (*TokenGroupInfo, error) {
	var out TokenGroupInfo
	if err := c.Put(ctx, tokenGroupInfoPath(id), upd, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health 服务状态（/health 无需认证，携带凭据也不影响）
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.Get(ctx, "/health", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
