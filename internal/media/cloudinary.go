// Package media stores member photos on Cloudinary.
package media

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"gymtrack/internal/apperr"
)

const defaultBaseURL = "https://api.cloudinary.com"

// MaxPhotoBytes bounds a single upload.
const MaxPhotoBytes = 5 << 20

// Config names the Cloudinary account.
type Config struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
	BaseURL   string
}

// Configured reports whether uploads can be signed.
func (c Config) Configured() bool {
	return c.CloudName != "" && c.APIKey != "" && c.APISecret != ""
}

// Client uploads images through the Cloudinary REST API.
type Client struct {
	cfg  Config
	http *http.Client
	now  func() time.Time
}

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: 30 * time.Second},
		now:  time.Now,
	}
}

// Photo is the stored image as Cloudinary reports it.
type Photo struct {
	PublicID  string `json:"public_id"`
	SecureURL string `json:"secure_url"`
	Format    string `json:"format"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Bytes     int    `json:"bytes"`
}

// PublicID is the stable image name of one person; re-uploads replace it.
func PublicID(memberID, dependentID string) string {
	if dependentID == "" {
		return memberID
	}
	return memberID + "_" + dependentID
}

// UploadDataURL uploads a "data:image/...;base64," URL or raw base64.
func (c *Client) UploadDataURL(ctx context.Context, publicID, data string) (Photo, error) {
	if data == "" {
		return Photo{}, apperr.Invalid("image data is required")
	}
	if len(data) > MaxPhotoBytes*4/3+64 {
		return Photo{}, apperr.Invalid("image is too large")
	}
	return c.upload(ctx, publicID, func(w *multipart.Writer) error {
		return w.WriteField("file", data)
	})
}

// UploadBytes uploads raw image bytes.
func (c *Client) UploadBytes(ctx context.Context, publicID, filename string, data []byte) (Photo, error) {
	if len(data) == 0 {
		return Photo{}, apperr.Invalid("image file is empty")
	}
	if len(data) > MaxPhotoBytes {
		return Photo{}, apperr.Invalid("image is too large")
	}
	return c.upload(ctx, publicID, func(w *multipart.Writer) error {
		part, err := w.CreateFormFile("file", filename)
		if err != nil {
			return err
		}
		_, err = part.Write(data)
		return err
	})
}

func (c *Client) upload(ctx context.Context, publicID string, writeFile func(*multipart.Writer) error) (Photo, error) {
	if !c.cfg.Configured() {
		return Photo{}, apperr.Internal("image storage not configured", nil)
	}
	params := map[string]string{
		"timestamp": strconv.FormatInt(c.now().Unix(), 10),
		"api_key":   c.cfg.APIKey,
		"public_id": publicID,
		"overwrite": "true",
	}
	if c.cfg.Folder != "" {
		params["folder"] = c.cfg.Folder
	}
	params["signature"] = c.sign(params)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range params {
		if v == "" {
			continue
		}
		if err := w.WriteField(k, v); err != nil {
			return Photo{}, fmt.Errorf("cloudinary: write field: %w", err)
		}
	}
	if err := writeFile(w); err != nil {
		return Photo{}, fmt.Errorf("cloudinary: write file: %w", err)
	}
	if err := w.Close(); err != nil {
		return Photo{}, fmt.Errorf("cloudinary: close form: %w", err)
	}

	url := fmt.Sprintf("%s/v1_1/%s/image/upload", c.cfg.BaseURL, c.cfg.CloudName)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return Photo{}, fmt.Errorf("cloudinary: create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return Photo{}, fmt.Errorf("cloudinary: request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		return Photo{}, fmt.Errorf("cloudinary: upload failed (%d): %s", resp.StatusCode, string(body))
	}
	var photo Photo
	if err := json.Unmarshal(body, &photo); err != nil {
		return Photo{}, fmt.Errorf("cloudinary: decode response: %w", err)
	}
	return photo, nil
}

// sign computes the API signature: sorted k=v pairs joined by & followed
// by the secret. api_key, file and resource_type are not signed.
func (c *Client) sign(params map[string]string) string {
	skip := map[string]bool{"api_key": true, "file": true, "resource_type": true}
	pairs := make([]string, 0, len(params))
	for k, v := range params {
		if !skip[k] && v != "" {
			pairs = append(pairs, k+"="+v)
		}
	}
	sort.Strings(pairs)
	sum := sha1.Sum([]byte(strings.Join(pairs, "&") + c.cfg.APISecret))
	return fmt.Sprintf("%x", sum)
}
