// Package forecast holds the live collaborators of the forecast agent: an
// HTTP forecast provider and an InfluxDB measurement source.
package forecast

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/kilianp07/peakshave/auth"
	coreforecast "github.com/kilianp07/peakshave/core/forecast"
	"github.com/kilianp07/peakshave/core/model"
)

// HTTPConfig configures the forecast web service.
type HTTPConfig struct {
	URL      string `json:"url"`
	Username string `json:"username"`
	Password string `json:"password"`
	APIKey   string `json:"api_key"`
	Phase    string `json:"phase"`
	// ValuesInWatts converts the service values to kW.
	ValuesInWatts bool `json:"values_in_watts"`
	TimeoutMS     int  `json:"timeout_ms"`
	// OAuth replaces basic auth with a client credentials bearer token.
	OAuth auth.Conf `json:"oauth"`
}

// HTTPProvider fetches day-ahead load forecasts. The service answers one
// entry per phase, each holding a list of (datetimeFC, forecast) points.
type HTTPProvider struct {
	cfg    HTTPConfig
	client *http.Client
	creds  *auth.ClientCred
}

var _ coreforecast.Provider = (*HTTPProvider)(nil)

// NewHTTPProvider validates cfg and returns a provider.
func NewHTTPProvider(cfg HTTPConfig) (*HTTPProvider, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("forecast provider url is required")
	}
	if _, err := phaseIndex(cfg.Phase); err != nil {
		return nil, err
	}
	if err := cfg.OAuth.Validate(); err != nil {
		return nil, err
	}
	if cfg.TimeoutMS <= 0 {
		cfg.TimeoutMS = 10000
	}
	p := &HTTPProvider{cfg: cfg, client: &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond}}
	if cfg.OAuth.Enabled() {
		p.creds = auth.NewClientCred(cfg.OAuth)
	}
	return p, nil
}

type phaseForecast struct {
	Forecasts []struct {
		Time  time.Time `json:"datetimeFC"`
		Value float64   `json:"forecast"`
	} `json:"forecasts"`
}

// Forecast returns the samples in [from, to) ordered by time.
func (p *HTTPProvider) Forecast(ctx context.Context, from, to time.Time) ([]model.Sample, error) {
	days := int(math.Ceil(to.Sub(from).Hours()/24)) + 1
	q := url.Values{}
	q.Set("days", strconv.Itoa(days))
	q.Set("fromDate", from.UTC().Format("2006-01-02"))
	q.Set("includeComponents", "false")
	if p.cfg.APIKey != "" {
		q.Set("key", p.cfg.APIKey)
	}
	resp, err := p.get(ctx, p.cfg.URL+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized && p.creds != nil {
		_ = resp.Body.Close()
		if _, err := p.creds.ForceRefresh(ctx); err != nil {
			return nil, err
		}
		if resp, err = p.get(ctx, p.cfg.URL+"?"+q.Encode()); err != nil {
			return nil, err
		}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, body)
	}
	var phases []phaseForecast
	if err := json.NewDecoder(resp.Body).Decode(&phases); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	idx, _ := phaseIndex(p.cfg.Phase)
	if idx >= len(phases) {
		return nil, fmt.Errorf("%w: no forecast for phase %s", coreforecast.ErrNoData, p.cfg.Phase)
	}

	scale := 1.0
	if p.cfg.ValuesInWatts {
		scale = 1.0 / 1000
	}
	var out []model.Sample
	for _, f := range phases[idx].Forecasts {
		at := f.Time.UTC()
		if at.Before(from) || !at.Before(to) {
			continue
		}
		out = append(out, model.Sample{Time: at, LoadKW: f.Value * scale})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

func (p *HTTPProvider) get(ctx context.Context, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	switch {
	case p.creds != nil:
		if err := p.creds.SetAuthHeader(ctx, req); err != nil {
			return nil, err
		}
	case p.cfg.Username != "":
		req.SetBasicAuth(p.cfg.Username, p.cfg.Password)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	return resp, nil
}

func phaseIndex(phase string) (int, error) {
	switch phase {
	case "", "l1":
		return 0, nil
	case "l2":
		return 1, nil
	case "l3":
		return 2, nil
	}
	return 0, fmt.Errorf("unknown phase %q", phase)
}
