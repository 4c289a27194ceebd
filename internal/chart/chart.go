// Package chart fetches a ZiWei astrolabe from the chart service and renders
// it as the textual description fed to the LLM.
package chart

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Bald0Wang/DeepSeek-Oracle/internal/apperr"
	"github.com/Bald0Wang/DeepSeek-Oracle/internal/models"
)

// Renderer turns birth info into a chart description
type Renderer interface {
	Render(ctx context.Context, birth models.BirthInfo) (string, error)
}

// HTTPClient calls the astrolabe service
type HTTPClient struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
}

// NewHTTPClient creates a client for the service at baseURL
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		client:  &http.Client{},
	}
}

type astroRequest struct {
	Date     string `json:"date"`
	Timezone int    `json:"timezone"`
	Gender   string `json:"gender"`
}

// Fetch returns the raw astrolabe of birth
func (c *HTTPClient) Fetch(ctx context.Context, birth models.BirthInfo) (*Astrolabe, error) {
	endpoint := models.CalendarLunar
	if birth.Calendar == models.CalendarSolar {
		endpoint = models.CalendarSolar
	}
	url := fmt.Sprintf("%s/api/astro/%s", c.baseURL, endpoint)

	body, err := json.Marshal(astroRequest{Date: birth.Date, Timezone: birth.Timezone, Gender: birth.Gender})
	if err != nil {
		return nil, apperr.Internal(err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, apperr.ChartUnavailable(err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, apperr.ChartUnavailable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, apperr.ChartUnavailable(fmt.Errorf("%s returned %d: %s", url, resp.StatusCode, bytes.TrimSpace(snippet)))
	}

	var astro Astrolabe
	if err := json.NewDecoder(resp.Body).Decode(&astro); err != nil {
		return nil, apperr.ChartUnavailable(fmt.Errorf("decode astrolabe: %w", err))
	}

	slog.Debug("chart fetched", "calendar", endpoint, "palaces", len(astro.Palaces),
		"duration_ms", time.Since(start).Milliseconds())
	return &astro, nil
}

// Render implements Renderer
func (c *HTTPClient) Render(ctx context.Context, birth models.BirthInfo) (string, error) {
	astro, err := c.Fetch(ctx, birth)
	if err != nil {
		return "", err
	}
	return astro.Text(), nil
}

// StaticRenderer describes the birth info without a chart service
type StaticRenderer struct{}

// Render implements Renderer
func (StaticRenderer) Render(ctx context.Context, birth models.BirthInfo) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	astro := &Astrolabe{
		Gender:    birth.Gender,
		SolarDate: birth.Date,
		Time:      fmt.Sprintf("时辰序号%d", birth.Timezone),
		Palaces:   []Palace{},
	}
	if birth.Calendar == models.CalendarLunar {
		astro.SolarDate = ""
		astro.LunarDate = birth.Date
	}
	return astro.Text(), nil
}
