// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package feishu is a client for the Feishu (Lark) open platform: tenant
// token management, the message APIs the bridge needs, media transfer and
// webhook payload handling.
package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Platform size limits, enforced before any network I/O.
const (
	MaxImageBytes    = 10 << 20
	MaxFileBytes     = 30 << 20
	MaxDownloadBytes = 100 << 20
)

// MetricsHook receives the outcome of every outbound API call. All methods
// must be safe for concurrent use.
type MetricsHook interface {
	OutboundRequest(api string)
	OutboundFailure(api, code string)
}

// ClientOptions configures a Client. Zero values get sensible defaults.
type ClientOptions struct {
	AppID     string
	AppSecret string
	// BaseURL defaults to the Feishu production API root.
	BaseURL string

	Timeout       time.Duration
	MaxRetries    int
	RetryBackoff  time.Duration
	RefreshMargin time.Duration

	HTTP    *http.Client
	Metrics MetricsHook
}

// Client talks to the Feishu open platform. The tenant access token is
// cached in memory and refreshed single-flight; methods are safe for
// concurrent use.
type Client struct {
	appID     string
	appSecret string
	baseURL   string

	http          *http.Client
	log           zerolog.Logger
	metrics       MetricsHook
	timeout       time.Duration
	maxRetries    int
	retryBackoff  time.Duration
	refreshMargin time.Duration

	tokenGroup  singleflight.Group
	tokenMu     sync.RWMutex
	token       string
	tokenExpiry time.Time
}

// NewClient builds a Feishu client.
func NewClient(opts ClientOptions, log zerolog.Logger) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://open.feishu.cn/open-apis"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 250 * time.Millisecond
	}
	if opts.RefreshMargin <= 0 {
		opts.RefreshMargin = time.Minute
	}
	if opts.HTTP == nil {
		opts.HTTP = &http.Client{Timeout: opts.Timeout}
	}
	c := &Client{
		appID:         opts.AppID,
		appSecret:     opts.AppSecret,
		baseURL:       strings.TrimSuffix(opts.BaseURL, "/"),
		http:          opts.HTTP,
		log:           log.With().Str("component", "feishu_client").Logger(),
		metrics:       opts.Metrics,
		timeout:       opts.Timeout,
		maxRetries:    opts.MaxRetries,
		retryBackoff:  opts.RetryBackoff,
		refreshMargin: opts.RefreshMargin,
	}
	return c
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// TenantToken returns a valid cached tenant access token, refreshing it
// single-flight when missing or about to expire.
func (c *Client) TenantToken(ctx context.Context) (string, error) {
	c.tokenMu.RLock()
	token := c.token
	valid := token != "" && time.Until(c.tokenExpiry) > c.refreshMargin
	c.tokenMu.RUnlock()
	if valid {
		return token, nil
	}

	result, err, _ := c.tokenGroup.Do("tenant_access_token", func() (any, error) {
		// The winning caller's context must not cancel the refresh for
		// everyone sharing the flight.
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return c.refreshTenantToken(refreshCtx)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// InvalidateToken drops the cached token so the next call refreshes.
func (c *Client) InvalidateToken() {
	c.tokenMu.Lock()
	c.token = ""
	c.tokenExpiry = time.Time{}
	c.tokenMu.Unlock()
}

func (c *Client) refreshTenantToken(ctx context.Context) (string, error) {
	body, _ := json.Marshal(map[string]string{
		"app_id":     c.appID,
		"app_secret": c.appSecret,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/auth/v3/tenant_access_token/internal", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("tenant token request failed: %w", err)
	}
	defer resp.Body.Close()

	var tokenResp struct {
		Code              int    `json:"code"`
		Msg               string `json:"msg"`
		TenantAccessToken string `json:"tenant_access_token"`
		Expire            int    `json:"expire"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("malformed tenant token response: %w", err)
	}
	if tokenResp.Code != 0 {
		return "", &Error{API: "tenant_access_token", HTTPStatus: resp.StatusCode, Code: tokenResp.Code, Msg: tokenResp.Msg}
	}
	if tokenResp.TenantAccessToken == "" {
		return "", &Error{API: "tenant_access_token", HTTPStatus: resp.StatusCode, Msg: "empty token in response"}
	}

	c.tokenMu.Lock()
	c.token = tokenResp.TenantAccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(tokenResp.Expire) * time.Second)
	c.tokenMu.Unlock()
	c.log.Debug().Int("expire_seconds", tokenResp.Expire).Msg("Refreshed tenant access token")
	return tokenResp.TenantAccessToken, nil
}

// invoke performs one API call with token handling, transient retries and
// metrics. payload may be nil for request bodies that are empty.
func (c *Client) invoke(ctx context.Context, api, method, apiPath string, query url.Values, contentType string, payload []byte, out any) error {
	if c.metrics != nil {
		c.metrics.OutboundRequest(api)
	}
	tokenRetried := false
	for attempt := 0; ; attempt++ {
		err := c.doOnce(ctx, api, method, apiPath, query, contentType, payload, out)
		if err == nil {
			return nil
		}
		apiErr, isAPIErr := AsError(err)
		if isAPIErr && apiErr.TokenError() && !tokenRetried {
			// Expired token: refresh and replay without burning a retry.
			tokenRetried = true
			c.InvalidateToken()
			c.log.Debug().Str("api", api).Msg("Tenant token rejected, refreshing")
			continue
		}
		retryable := !isAPIErr || apiErr.Temporary()
		if ctx.Err() != nil || !retryable || attempt >= c.maxRetries {
			if c.metrics != nil {
				code := "transport"
				if isAPIErr {
					code = strconv.Itoa(apiErr.Code)
				}
				c.metrics.OutboundFailure(api, code)
			}
			return err
		}
		backoff := jitterBackoff(c.retryBackoff << attempt)
		c.log.Debug().Err(err).Str("api", api).Int("attempt", attempt+1).
			Dur("backoff", backoff).Msg("Retrying Feishu API call")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// jitterBackoff spreads a retry delay ±25% around its base so synchronized
// callers fan out.
func jitterBackoff(base time.Duration) time.Duration {
	return base*3/4 + rand.N(base/2+1)
}

func (c *Client) doOnce(ctx context.Context, api, method, apiPath string, query url.Values, contentType string, payload []byte, out any) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	token, err := c.TenantToken(reqCtx)
	if err != nil {
		return err
	}

	fullURL := c.baseURL + apiPath
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, fullURL, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", api, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%s response read failed: %w", api, err)
	}
	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		if resp.StatusCode != http.StatusOK {
			return &Error{API: api, HTTPStatus: resp.StatusCode}
		}
		return fmt.Errorf("%s returned malformed JSON: %w", api, err)
	}
	if env.Code != 0 || resp.StatusCode != http.StatusOK {
		return &Error{API: api, HTTPStatus: resp.StatusCode, Code: env.Code, Msg: env.Msg}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%s returned unexpected data: %w", api, err)
		}
	}
	return nil
}

func (c *Client) jsonCall(ctx context.Context, api, method, apiPath string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	return c.invoke(ctx, api, method, apiPath, query, "application/json; charset=utf-8", payload, out)
}

// SendMessage posts a new message to a chat. uuid deduplicates retries on
// the platform side for one hour.
func (c *Client) SendMessage(ctx context.Context, chatID, msgType, content, uuid string) (*MessageInfo, error) {
	query := url.Values{"receive_id_type": {"chat_id"}}
	body := map[string]string{
		"receive_id": chatID,
		"msg_type":   msgType,
		"content":    content,
	}
	if uuid != "" {
		body["uuid"] = uuid
	}
	var info MessageInfo
	err := c.jsonCall(ctx, "send_message", http.MethodPost, "/im/v1/messages", query, body, &info)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// ReplyMessage replies to an existing message, optionally inside its
// thread.
func (c *Client) ReplyMessage(ctx context.Context, parentMessageID, msgType, content, uuid string, inThread bool) (*MessageInfo, error) {
	body := map[string]any{
		"msg_type": msgType,
		"content":  content,
	}
	if uuid != "" {
		body["uuid"] = uuid
	}
	if inThread {
		body["reply_in_thread"] = true
	}
	var info MessageInfo
	err := c.jsonCall(ctx, "reply_message", http.MethodPost,
		"/im/v1/messages/"+url.PathEscape(parentMessageID)+"/reply", nil, body, &info)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// UpdateMessage replaces the content of a sent message.
func (c *Client) UpdateMessage(ctx context.Context, messageID, msgType, content string) error {
	body := map[string]string{
		"msg_type": msgType,
		"content":  content,
	}
	return c.jsonCall(ctx, "update_message", http.MethodPatch,
		"/im/v1/messages/"+url.PathEscape(messageID), nil, body, nil)
}

// RecallMessage deletes a sent message for all chat members.
func (c *Client) RecallMessage(ctx context.Context, messageID string) error {
	return c.jsonCall(ctx, "recall_message", http.MethodDelete,
		"/im/v1/messages/"+url.PathEscape(messageID), nil, nil, nil)
}

// GetMessage fetches a message by ID. Returns nil without error when the
// message is gone.
func (c *Client) GetMessage(ctx context.Context, messageID string) (*MessageInfo, error) {
	var data struct {
		Items []MessageInfo `json:"items"`
	}
	err := c.jsonCall(ctx, "get_message", http.MethodGet,
		"/im/v1/messages/"+url.PathEscape(messageID), nil, nil, &data)
	if err != nil {
		return nil, err
	}
	if len(data.Items) == 0 {
		return nil, nil
	}
	return &data.Items[0], nil
}

// GetChat fetches chat metadata.
func (c *Client) GetChat(ctx context.Context, chatID string) (*ChatInfo, error) {
	var info ChatInfo
	err := c.jsonCall(ctx, "get_chat", http.MethodGet,
		"/im/v1/chats/"+url.PathEscape(chatID), nil, nil, &info)
	if err != nil {
		return nil, err
	}
	info.ChatID = chatID
	return &info, nil
}

// GetUser fetches a user profile by open ID.
func (c *Client) GetUser(ctx context.Context, openID string) (*UserInfo, error) {
	query := url.Values{"user_id_type": {"open_id"}}
	var data struct {
		User UserInfo `json:"user"`
	}
	err := c.jsonCall(ctx, "get_user", http.MethodGet,
		"/contact/v3/users/"+url.PathEscape(openID), query, nil, &data)
	if err != nil {
		return nil, err
	}
	if data.User.OpenID == "" {
		data.User.OpenID = openID
	}
	return &data.User, nil
}

// UploadImage uploads image bytes for use in image messages and returns the
// image key. Payloads over MaxImageBytes are rejected locally.
func (c *Client) UploadImage(ctx context.Context, data []byte) (string, error) {
	if len(data) > MaxImageBytes {
		return "", fmt.Errorf("%w: image is %d bytes, limit %d", ErrMediaTooLarge, len(data), MaxImageBytes)
	}
	fields := map[string]string{"image_type": "message"}
	payload, contentType, err := multipartBody(fields, "image", "image", data)
	if err != nil {
		return "", err
	}
	var out struct {
		ImageKey string `json:"image_key"`
	}
	err = c.invoke(ctx, "upload_image", http.MethodPost, "/im/v1/images", nil, contentType, payload, &out)
	if err != nil {
		return "", err
	}
	return out.ImageKey, nil
}

// UploadFile uploads file bytes for use in file, audio and media messages
// and returns the file key. Payloads over MaxFileBytes are rejected
// locally.
func (c *Client) UploadFile(ctx context.Context, fileType, fileName string, data []byte) (string, error) {
	if len(data) > MaxFileBytes {
		return "", fmt.Errorf("%w: file is %d bytes, limit %d", ErrMediaTooLarge, len(data), MaxFileBytes)
	}
	if fileType == "" {
		fileType = FileTypeForName(fileName)
	}
	if fileName == "" {
		fileName = "file"
	}
	fields := map[string]string{
		"file_type": fileType,
		"file_name": fileName,
	}
	payload, contentType, err := multipartBody(fields, "file", fileName, data)
	if err != nil {
		return "", err
	}
	var out struct {
		FileKey string `json:"file_key"`
	}
	err = c.invoke(ctx, "upload_file", http.MethodPost, "/im/v1/files", nil, contentType, payload, &out)
	if err != nil {
		return "", err
	}
	return out.FileKey, nil
}

// DownloadResource fetches a message attachment (resourceType "image" or
// "file"). The declared and actual sizes are both capped at
// MaxDownloadBytes.
func (c *Client) DownloadResource(ctx context.Context, messageID, fileKey, resourceType string) ([]byte, string, error) {
	if c.metrics != nil {
		c.metrics.OutboundRequest("download_resource")
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	token, err := c.TenantToken(reqCtx)
	if err != nil {
		return nil, "", err
	}
	query := url.Values{"type": {resourceType}}
	fullURL := c.baseURL + "/im/v1/messages/" + url.PathEscape(messageID) +
		"/resources/" + url.PathEscape(fileKey) + "?" + query.Encode()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download_resource request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.ContentLength > MaxDownloadBytes {
		return nil, "", fmt.Errorf("%w: resource declares %d bytes, limit %d",
			ErrMediaTooLarge, resp.ContentLength, MaxDownloadBytes)
	}
	if resp.StatusCode != http.StatusOK || strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var env envelope
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&env)
		apiErr := &Error{API: "download_resource", HTTPStatus: resp.StatusCode, Code: env.Code, Msg: env.Msg}
		if c.metrics != nil {
			c.metrics.OutboundFailure("download_resource", strconv.Itoa(env.Code))
		}
		return nil, "", apiErr
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxDownloadBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("download_resource read failed: %w", err)
	}
	if len(data) > MaxDownloadBytes {
		return nil, "", fmt.Errorf("%w: resource exceeds %d bytes", ErrMediaTooLarge, MaxDownloadBytes)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// FileTypeForName maps a filename to the file_type the upload API expects.
func FileTypeForName(name string) string {
	switch strings.TrimPrefix(strings.ToLower(path.Ext(name)), ".") {
	case "opus":
		return "opus"
	case "mp4":
		return "mp4"
	case "pdf":
		return "pdf"
	case "doc", "docx":
		return "doc"
	case "xls", "xlsx":
		return "xls"
	case "ppt", "pptx":
		return "ppt"
	default:
		return "stream"
	}
}

func multipartBody(fields map[string]string, fileField, fileName string, data []byte) ([]byte, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return nil, "", err
		}
	}
	part, err := writer.CreateFormFile(fileField, fileName)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), writer.FormDataContentType(), nil
}
