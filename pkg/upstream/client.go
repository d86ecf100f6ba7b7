// Package upstream 提供访问媒体管理服务（上游）的 HTTP 客户端。
package upstream

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"gallery-gateway/internal/config"
)

// StatusError 表示上游返回了非 2xx 状态。
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Body)
}

// Client 是上游服务的客户端，所有请求都附带服务端持有的 API key。
type Client struct {
	baseURL       string
	apiKey        string
	apiKeyHeader  string
	timeout       time.Duration
	uploadTimeout time.Duration
	httpClient    *http.Client
}

// NewClient 创建一个新的上游客户端实例。
// http.Client 不设置整体超时：媒体流可能持续很久，超时只约束建连和等待响应头。
func NewClient(cfg config.UpstreamConfig) *Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
		// 透传上游的压缩编码，不在网关解压
		DisableCompression: true,
	}
	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:        cfg.APIKey,
		apiKeyHeader:  cfg.APIKeyHeader,
		timeout:       cfg.Timeout,
		uploadTimeout: cfg.UploadTimeout,
		httpClient: &http.Client{
			Transport: transport,
			// 重定向原样交给浏览器处理
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
	}
}

// URL 拼出上游地址：{base}/api/{path}?{query}
func (c *Client) URL(path, rawQuery string) string {
	u := c.baseURL + "/api/" + strings.TrimLeft(path, "/")
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	return u
}

// Timeout 返回普通调用的超时。
func (c *Client) Timeout() time.Duration { return c.timeout }

// UploadTimeout 返回最终分片转发的超时。
func (c *Client) UploadTimeout() time.Duration { return c.uploadTimeout }

// NewRequest 构造一个发往上游的请求并附加凭证头。
func (c *Client) NewRequest(ctx context.Context, method, path, rawQuery string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.URL(path, rawQuery), body)
	if err != nil {
		return nil, fmt.Errorf("创建上游请求失败: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set(c.apiKeyHeader, c.apiKey)
	}
	return req, nil
}

// Do 发送请求。调用方负责关闭响应体。
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.httpClient.Do(req)
}

// GetJSON 以服务端身份读取一个 JSON 资源，受普通超时约束。
func (c *Client) GetJSON(ctx context.Context, path string) ([]byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	req, err := c.NewRequest(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.Do(req)
	if err != nil {
		return nil, fmt.Errorf("调用上游失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取上游响应失败: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), 256)}
	}
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
