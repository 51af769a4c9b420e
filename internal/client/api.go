package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/callguard/internal/report"
)

const maxAPIResponseBytes = 1 << 20

// RelayAPI calls the relay's HTTP API. It implements
// session.FlaggedNumberSet and ReportSink, so a peer can share the relay's
// flagged numbers and report history instead of keeping its own.
type RelayAPI struct {
	base string
	http *http.Client
}

func NewRelayAPI(baseURL string, httpClient *http.Client) *RelayAPI {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &RelayAPI{base: strings.TrimSuffix(baseURL, "/"), http: httpClient}
}

func (a *RelayAPI) Contains(ctx context.Context, number string) (bool, error) {
	var resp struct {
		IsScamNumber bool `json:"isScamNumber"`
	}
	if err := a.do(ctx, http.MethodPost, "/api/verify-number", map[string]string{
		"phoneNumber": number,
		"action":      "verify",
	}, &resp); err != nil {
		return false, err
	}
	return resp.IsScamNumber, nil
}

func (a *RelayAPI) Add(ctx context.Context, number string) error {
	return a.do(ctx, http.MethodPost, "/api/verify-number", map[string]string{
		"phoneNumber": number,
		"action":      "add",
	}, nil)
}

// List returns every flagged number known to the relay.
func (a *RelayAPI) List(ctx context.Context) ([]string, error) {
	var resp struct {
		Numbers []string `json:"numbers"`
	}
	if err := a.do(ctx, http.MethodGet, "/api/flagged-numbers", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Numbers, nil
}

func (a *RelayAPI) Publish(ctx context.Context, r report.Report) error {
	return a.do(ctx, http.MethodPost, "/api/scam-reports", r, nil)
}

func (a *RelayAPI) ICEServers(ctx context.Context) ([]webrtc.ICEServer, error) {
	var resp struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}
	if err := a.do(ctx, http.MethodGet, "/api/ice", nil, &resp); err != nil {
		return nil, err
	}
	return resp.ICEServers, nil
}

func (a *RelayAPI) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, apiErr.Error)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}
