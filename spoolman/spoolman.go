// Package spoolman uploads decoded RFID filament records to a Spoolman
// server, using create-or-match semantics against its REST API.
package spoolman

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/filbridge/filbridge/rfid"
)

// SyncResult is the outcome of syncing one OpenTag record to Spoolman.
type SyncResult struct {
	VendorID   int
	FilamentID int
	SpoolID    int
}

// Client is a thin REST adapter over a Spoolman server.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	retryCount    int
	retryInterval time.Duration
	logger        *log.Logger

	connected bool
}

// New creates a Client targeting baseURL (e.g. http://spoolman.local:7912),
// retrying transport failures retryCount times retryInterval apart.
func New(baseURL string, retryCount int, retryInterval time.Duration, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		retryCount:    retryCount,
		retryInterval: retryInterval,
		logger:        logger,
	}
}

// CheckConnection pings the Spoolman health endpoint. Grounded on the
// teacher's Manager.CheckConnection poll-and-log-on-change shape.
func (c *Client) CheckConnection() {
	resp, err := c.httpClient.Get(c.baseURL + "/api/v1/health")
	wasConnected := c.connected
	if err != nil || resp.StatusCode != http.StatusOK {
		c.connected = false
		if wasConnected {
			c.logger.Printf("connection lost to %s", c.baseURL)
		}
		return
	}
	resp.Body.Close()
	c.connected = true
	if !wasConnected {
		c.logger.Printf("connected to %s", c.baseURL)
	}
}

type vendor struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type filament struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Material string `json:"material"`
	ColorHex string `json:"color_hex"`
	VendorID int    `json:"vendor_id"`
}

type spool struct {
	ID         int `json:"id"`
	FilamentID int `json:"filament_id"`
}

// Sync looks up a matching vendor/filament by manufacturer+material+color,
// creates them on a miss, then creates a spool referencing the filament.
// Each HTTP step is retried retryCount times retryInterval apart.
func (c *Client) Sync(ctx context.Context, rec rfid.OpenTagRecord) (SyncResult, error) {
	v, err := c.findOrCreateVendor(ctx, rec.Manufacturer)
	if err != nil {
		return SyncResult{}, fmt.Errorf("spoolman: vendor: %w", err)
	}

	f, err := c.findOrCreateFilament(ctx, v, rec)
	if err != nil {
		return SyncResult{}, fmt.Errorf("spoolman: filament: %w", err)
	}

	s, err := c.createSpool(ctx, f)
	if err != nil {
		return SyncResult{}, fmt.Errorf("spoolman: spool: %w", err)
	}

	return SyncResult{VendorID: v.ID, FilamentID: f.ID, SpoolID: s.ID}, nil
}

func (c *Client) findOrCreateVendor(ctx context.Context, name string) (vendor, error) {
	var found []vendor
	path := "/api/v1/vendor?name=" + url.QueryEscape(name)
	if err := c.retryDo(ctx, http.MethodGet, path, nil, &found); err != nil {
		return vendor{}, err
	}
	if len(found) > 0 {
		return found[0], nil
	}

	var created vendor
	body := map[string]string{"name": name}
	if err := c.retryDo(ctx, http.MethodPost, "/api/v1/vendor", body, &created); err != nil {
		return vendor{}, err
	}
	return created, nil
}

func (c *Client) findOrCreateFilament(ctx context.Context, v vendor, rec rfid.OpenTagRecord) (filament, error) {
	colorHex := ""
	if rec.ColorHex != nil {
		colorHex = fmt.Sprintf("%06X", *rec.ColorHex&0xFFFFFF)
	}

	var found []filament
	q := url.Values{}
	q.Set("vendor.name", v.Name)
	q.Set("material", rec.MaterialName)
	q.Set("name", rec.ColorName)
	path := "/api/v1/filament?" + q.Encode()
	if err := c.retryDo(ctx, http.MethodGet, path, nil, &found); err != nil {
		return filament{}, err
	}
	if len(found) > 0 {
		return found[0], nil
	}

	var created filament
	body := map[string]any{
		"name":      rec.ColorName,
		"material":  rec.MaterialName,
		"vendor_id": v.ID,
		"color_hex": colorHex,
		"density":   float64(rec.Density) / 1000.0,
		"diameter":  float64(rec.DiameterTarget) / 1000.0,
	}
	if err := c.retryDo(ctx, http.MethodPost, "/api/v1/filament", body, &created); err != nil {
		return filament{}, err
	}
	return created, nil
}

func (c *Client) createSpool(ctx context.Context, f filament) (spool, error) {
	var created spool
	body := map[string]any{"filament_id": f.ID}
	if err := c.retryDo(ctx, http.MethodPost, "/api/v1/spool", body, &created); err != nil {
		return spool{}, err
	}
	return created, nil
}

// retryDo performs one HTTP round trip, retrying any failed attempt (a
// transport error or a non-2xx response) up to retryCount additional times
// retryInterval apart.
func (c *Client) retryDo(ctx context.Context, method, path string, body any, out any) error {
	var lastErr error
	for attempt := 0; attempt <= c.retryCount; attempt++ {
		err := c.do(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < c.retryCount {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryInterval):
			}
		}
	}
	return lastErr
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
