// Package api is the HTTP client for the sync server's REST surface.
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/geohunt/engine/internal/server"
	"github.com/geohunt/engine/pkg/core"
)

// Client talks to the sync server's REST API.
type Client struct {
	baseURL    string
	secret     string
	httpClient *http.Client
}

// Filter narrows an object listing. Zero values match everything.
type Filter struct {
	State  string
	Kind   string
	Mode   string
	Near   *core.GeoPoint
	Radius float64
}

func (f Filter) query() string {
	q := url.Values{}
	if f.State != "" {
		q.Set("state", f.State)
	}
	if f.Kind != "" {
		q.Set("kind", f.Kind)
	}
	if f.Mode != "" {
		q.Set("mode", f.Mode)
	}
	if f.Near != nil {
		q.Set("near", fmt.Sprintf("%f,%f", f.Near.Lat, f.Near.Lon))
		if f.Radius > 0 {
			q.Set("radius", fmt.Sprintf("%f", f.Radius))
		}
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

// New creates a new API client.
func New(baseURL, secret string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		secret:     secret,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Healthcheck checks if the sync server is reachable.
func (c *Client) Healthcheck() (server.Health, error) {
	var h server.Health
	resp, err := c.httpClient.Get(c.baseURL + "/healthcheck")
	if err != nil {
		return h, fmt.Errorf("healthcheck request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return h, fmt.Errorf("healthcheck returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return h, fmt.Errorf("decode healthcheck: %w", err)
	}
	return h, nil
}

// Objects lists the server's objects.
func (c *Client) Objects(f Filter) ([]core.PlaceableObject, error) {
	req, err := c.request(http.MethodGet, "/api/v1/objects"+f.query(), nil)
	if err != nil {
		return nil, err
	}
	var objs []core.PlaceableObject
	if err := c.do(req, &objs); err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}
	return objs, nil
}

// Remove marks id removed on the server. purge also drops it from storage.
func (c *Client) Remove(id string, purge bool) (core.PlaceableObject, error) {
	path := "/api/v1/objects/" + url.PathEscape(id)
	if purge {
		path += "?purge=1"
	}
	var obj core.PlaceableObject
	req, err := c.request(http.MethodDelete, path, nil)
	if err != nil {
		return obj, err
	}
	if err := c.do(req, &obj); err != nil {
		return obj, fmt.Errorf("remove %s: %w", id, err)
	}
	return obj, nil
}

// Seed uploads a YAML or JSON seed file.
func (c *Client) Seed(filePath string) (server.SeedResult, error) {
	var res server.SeedResult
	file, err := os.Open(filePath)
	if err != nil {
		return res, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	// Create multipart form
	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)

	// Write the file in a goroutine
	errCh := make(chan error, 1)
	go func() {
		defer pw.Close()
		defer writer.Close()

		part, err := writer.CreateFormFile("file", filepath.Base(filePath))
		if err != nil {
			errCh <- fmt.Errorf("failed to create form file: %w", err)
			return
		}
		if _, err := io.Copy(part, file); err != nil {
			errCh <- fmt.Errorf("failed to copy file: %w", err)
			return
		}
		errCh <- nil
	}()

	req, err := c.request(http.MethodPost, "/api/v1/seed", pr)
	if err != nil {
		return res, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	doErr := c.do(req, &res)
	_ = pr.Close()
	// Check goroutine error
	if writeErr := <-errCh; writeErr != nil {
		return res, writeErr
	}
	if doErr != nil {
		return res, fmt.Errorf("seed upload: %w", doErr)
	}
	return res, nil
}

func (c *Client) request(method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.secret != "" {
		req.Header.Set(server.SecretHeader, c.secret)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		if body.Error != "" {
			return fmt.Errorf("status %d: %s", resp.StatusCode, body.Error)
		}
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
