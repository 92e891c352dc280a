// cmd/omnetctl/client.go
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

// apiClient 是 OMNet 服务端 HTTP API 的最小客户端
type apiClient struct {
	baseURL string
	apiKey  string
	token   string
	http    *http.Client
}

// envelope 与服务端 APIResponse 对应
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *apiClient) newRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.baseURL, "/")+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req.Header)
	return req, nil
}

func (c *apiClient) authorize(h http.Header) {
	if c.apiKey != "" {
		h.Set("X-API-Key", c.apiKey)
	}
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
}

// doRaw 发送请求并把响应体解码到 out，不检查信封
func (c *apiClient) doRaw(ctx context.Context, method, path string, body, out interface{}) (int, error) {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("请求 %s 失败: %w", path, err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("解析响应失败 (HTTP %d): %w", resp.StatusCode, err)
		}
	}
	return resp.StatusCode, nil
}

// do 发送请求并解开 {success, data, error} 信封
func (c *apiClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var env envelope
	status, err := c.doRaw(ctx, method, path, body, &env)
	if err != nil {
		return err
	}
	if !env.Success {
		if env.Error != nil {
			return fmt.Errorf("%s: %s (HTTP %d)", env.Error.Code, env.Error.Message, status)
		}
		return fmt.Errorf("请求失败 (HTTP %d)", status)
	}
	if out != nil && len(env.Data) > 0 {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

// dialChat 建立 WebSocket 对话连接
func (c *apiClient) dialChat(ctx context.Context, userID string) (*websocket.Conn, error) {
	u, err := url.Parse(strings.TrimRight(c.baseURL, "/") + "/ws/chat")
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if userID != "" {
		u.RawQuery = url.Values{"user_id": {userID}}.Encode()
	}

	header := http.Header{}
	c.authorize(header)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("连接 %s 失败: %w", u.String(), err)
	}
	return conn, nil
}
