// Package apprise sends job notifications through an Apprise API server.
package apprise

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/videoinsight/internal/config"
	"github.com/videoinsight/pkg/logger"
)

// Notification types understood by Apprise.
const (
	TypeSuccess = "success"
	TypeFailure = "failure"
)

// Client wraps the Apprise API.
type Client struct {
	cfg    config.AppriseConfig
	client *resty.Client
}

// NewClient creates a new Apprise client.
func NewClient(cfg config.AppriseConfig) *Client {
	client := resty.New().
		SetTimeout(30 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(1 * time.Second).
		SetHeader("Content-Type", "application/json")

	return &Client{
		cfg:    cfg,
		client: client,
	}
}

// NotifyRequest is the request body for Apprise. Bodies are markdown.
type NotifyRequest struct {
	Body   string `json:"body"`
	Title  string `json:"title,omitempty"`
	Type   string `json:"type,omitempty"`
	Tag    string `json:"tag,omitempty"`
	Format string `json:"format,omitempty"`
}

// Notify posts one notification. A disabled client does nothing.
func (c *Client) Notify(ctx context.Context, title, body, notifyType string) error {
	if !c.cfg.Enabled {
		return nil
	}

	tag := c.cfg.Tag
	if tag == "" {
		tag = "all"
	}

	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(NotifyRequest{
			Title:  title,
			Body:   body,
			Type:   notifyType,
			Tag:    tag,
			Format: "markdown",
		}).
		Post(c.notifyURL())
	if err != nil {
		return fmt.Errorf("apprise request: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("apprise error (%d): %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}

	logger.Debugf("🔔 Notification sent: %s", title)
	return nil
}

func (c *Client) notifyURL() string {
	return fmt.Sprintf("%s/notify/%s", strings.TrimRight(c.cfg.BaseURL, "/"), c.cfg.Key)
}

// NotifySuccess reports finished notes.
func (c *Client) NotifySuccess(ctx context.Context, title, body string) error {
	return c.Notify(ctx, title, body, TypeSuccess)
}

// NotifyError reports a failed job.
func (c *Client) NotifyError(ctx context.Context, title, body string) error {
	return c.Notify(ctx, title, body, TypeFailure)
}
