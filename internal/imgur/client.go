// Package imgur 匿名上传图片到 Imgur，作为图标的图床
package imgur

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

const (
	DefaultEndpoint = "https://api.imgur.com/3/image"

	uploadTimeout       = 30 * time.Second
	uploadMaxRetries    = 3
	maxResponseBytes    = 64 * 1024
	uploadInitialWait   = 500 * time.Millisecond
	uploadMaxRetryDelay = 10 * time.Second
)

type uploadResponse struct {
	Data struct {
		Link  string `json:"link"`
		Error any    `json:"error"`
	} `json:"data"`
	Success bool `json:"success"`
	Status  int  `json:"status"`
}

type Client struct {
	clientID string
	endpoint string
	http     *http.Client

	log *logrus.Entry
}

// New 返回 Imgur 客户端；clientID 为空时返回 nil，表示不启用图床
func New(clientID string, log *logrus.Entry) *Client {
	if strings.TrimSpace(clientID) == "" {
		return nil
	}
	return &Client{
		clientID: clientID,
		endpoint: DefaultEndpoint,
		http:     &http.Client{Timeout: uploadTimeout},
		log:      log.WithField("component", "imgur"),
	}
}

// WithEndpoint 替换上传地址，测试时指向 httptest
func (c *Client) WithEndpoint(endpoint string) *Client {
	c.endpoint = endpoint
	return c
}

// Upload 上传 PNG，返回公开地址。网络错误和 5xx 会按指数退避重试，4xx 直接失败。
func (c *Client) Upload(ctx context.Context, png []byte) (string, error) {
	form := url.Values{}
	form.Set("image", base64.StdEncoding.EncodeToString(png))
	form.Set("type", "base64")
	payload := form.Encode()

	var link string
	op := func() error {
		l, err := c.upload(ctx, payload)
		if err != nil {
			return err
		}
		link = l
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = uploadInitialWait
	b.MaxInterval = uploadMaxRetryDelay
	notify := func(err error, wait time.Duration) {
		c.log.WithError(err).WithField("retry_in", wait).Warn("upload failed, retrying")
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(b, uploadMaxRetries), ctx), notify); err != nil {
		return "", fmt.Errorf("imgur: upload: %w", err)
	}
	return link, nil
}

func (c *Client) upload(ctx context.Context, payload string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(payload))
	if err != nil {
		return "", backoff.Permanent(err)
	}
	req.Header.Set("Authorization", "Client-ID "+c.clientID)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", err
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", backoff.Permanent(fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var out uploadResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", backoff.Permanent(fmt.Errorf("decode response: %w", err))
	}
	if !out.Success || out.Data.Link == "" {
		return "", backoff.Permanent(errors.New("response without link"))
	}
	return out.Data.Link, nil
}
