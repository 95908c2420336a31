package depth

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Client calls the remote pretrained depth model. The endpoint accepts raw
// image bytes and answers with a grayscale PNG whose intensity encodes
// relative inverse depth.
type Client struct {
	cfg    Config
	client *http.Client
}

// NewClient creates a depth estimation client.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultConfig().BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultConfig().Model
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultConfig().Timeout
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (c *Client) Name() string { return "midas" }

// Estimate submits the image and returns its normalized depth map.
func (c *Client) Estimate(ctx context.Context, imageData []byte, mimeType string) (*Map, error) {
	if len(imageData) == 0 {
		return nil, fmt.Errorf("image data is empty")
	}
	endpoint := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/v1/depth"
	if c.cfg.Model != "" {
		endpoint += "?model=" + url.QueryEscape(c.cfg.Model)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(imageData))
	if err != nil {
		return nil, fmt.Errorf("build depth request: %w", err)
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", mimeType)
	req.Header.Set("Accept", "image/png")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("depth request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("depth endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	img, _, err := image.Decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decode depth response: %w", err)
	}
	return FromImage(img), nil
}
