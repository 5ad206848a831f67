package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/orbitmgr/internal/history"
	"github.com/loykin/orbitmgr/internal/metrics"
	"github.com/loykin/orbitmgr/internal/supervisor"
)

// ControlClient talks to the control API of a running serve process.
type ControlClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewControlClient creates a control API client. A zero timeout means 10s;
// event streams are not bound by it. tlsCfg may be nil.
func NewControlClient(baseURL, token string, timeout time.Duration, tlsCfg *tls.Config) *ControlClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	hc := &http.Client{Timeout: timeout}
	if tlsCfg != nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.TLSClientConfig = tlsCfg
		hc.Transport = tr
	}
	return &ControlClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  hc,
	}
}

// controlTLS builds the client TLS config for an https control API.
func controlTLS(caCert string, insecure bool) (*tls.Config, error) {
	if caCert == "" && !insecure {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if insecure {
		// #nosec G402 -- explicit operator opt-in
		cfg.InsecureSkipVerify = true
		return cfg, nil
	}
	pem, err := os.ReadFile(filepath.Clean(caCert))
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates in %s", caCert)
	}
	cfg.RootCAs = pool
	return cfg, nil
}

type actionResult struct {
	OK      bool                 `json:"ok"`
	Action  string               `json:"action"`
	Backend *supervisor.Snapshot `json:"backend"`
}

type outputResult struct {
	Stream string   `json:"stream"`
	Lines  []string `json:"lines"`
}

// Status returns the supervisor snapshot.
func (c *ControlClient) Status(ctx context.Context) (*supervisor.Snapshot, error) {
	var snap supervisor.Snapshot
	if err := c.do(ctx, http.MethodGet, "/backend", &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Action runs start, stop or restart and returns the resulting snapshot.
func (c *ControlClient) Action(ctx context.Context, action string) (*supervisor.Snapshot, error) {
	var res actionResult
	if err := c.do(ctx, http.MethodPost, "/backend/"+url.PathEscape(action), &res); err != nil {
		return nil, err
	}
	return res.Backend, nil
}

// Output returns buffered lines of one stream.
func (c *ControlClient) Output(ctx context.Context, stream string, tail int) ([]string, error) {
	q := url.Values{"stream": {stream}, "tail": {strconv.Itoa(tail)}}
	var res outputResult
	if err := c.do(ctx, http.MethodGet, "/backend/output?"+q.Encode(), &res); err != nil {
		return nil, err
	}
	return res.Lines, nil
}

// History returns recent lifecycle events, newest first.
func (c *ControlClient) History(ctx context.Context, limit int) ([]history.Event, error) {
	var events []history.Event
	if err := c.do(ctx, http.MethodGet, "/backend/history?limit="+strconv.Itoa(limit), &events); err != nil {
		return nil, err
	}
	return events, nil
}

// Resources returns resource samples from the last minutes.
func (c *ControlClient) Resources(ctx context.Context, minutes int) ([]metrics.ResourceSample, error) {
	var samples []metrics.ResourceSample
	if err := c.do(ctx, http.MethodGet, "/backend/resources?minutes="+strconv.Itoa(minutes), &samples); err != nil {
		return nil, err
	}
	return samples, nil
}

// Events calls fn for each server-sent event until ctx is done, the stream
// ends or fn returns an error.
func (c *ControlClient) Events(ctx context.Context, fn func(name string, data []byte) error) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/backend/events")
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	streaming := &http.Client{Transport: c.client.Transport}
	resp, err := streaming.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var name string
	var data []byte
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if name != "" || len(data) > 0 {
				if err := fn(name, data); err != nil {
					return err
				}
			}
			name, data = "", nil
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:"))...)
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, context.Canceled) && ctx.Err() == nil {
		return err
	}
	return nil
}

func (c *ControlClient) newRequest(ctx context.Context, method, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *ControlClient) do(ctx context.Context, method, path string, out any) error {
	req, err := c.newRequest(ctx, method, path)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("control API unreachable at %s: %w", c.baseURL, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func apiError(resp *http.Response) error {
	var e struct {
		Error string `json:"error"`
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, e.Error)
	}
	return fmt.Errorf("API error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
