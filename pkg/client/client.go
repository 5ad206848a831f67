package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/publicsuffix"

	"github.com/loykin/orbitmgr/internal/metrics"
)

// DefaultTimeout bounds every request.
const DefaultTimeout = 30 * time.Second

// DefaultBaseURL is the local backend started by the supervisor.
const DefaultBaseURL = "http://localhost:8080"

// RequestIDHeader carries a per-request id the backend can log.
const RequestIDHeader = "X-Request-ID"

// Client talks to the management backend HTTP API.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
	session *Session
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger   // Optional logger for client operations
	Jar      http.CookieJar // nil uses the process-wide jar
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	CACert     string // CA certificate file path
	ClientCert string // Client certificate file
	ClientKey  string // Client private key file
	ServerName string // Server name for verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		Timeout: DefaultTimeout,
	}
}

var (
	sharedJarOnce sync.Once
	sharedJar     http.CookieJar
)

// SharedCookieJar returns the process-wide cookie jar. Session cookies set
// by one client are replayed by every client that uses it.
func SharedCookieJar() http.CookieJar {
	sharedJarOnce.Do(func() {
		sharedJar = NewCookieJar()
	})
	return sharedJar
}

// NewCookieJar returns an empty public-suffix aware jar.
func NewCookieJar() http.CookieJar {
	// cookiejar.New never returns a non-nil error
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	return jar
}

// New creates a backend API client.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Jar == nil {
		config.Jar = SharedCookieJar()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.TLS != nil || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		session: newSession(),
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
			Jar:       config.Jar,
		},
	}
}

// BaseURL returns the backend base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Session exposes the authentication state for observation.
func (c *Client) Session() *Session { return c.session }

// IsAuthenticated reports the session flag.
func (c *Client) IsAuthenticated() bool { return c.session.Authenticated() }

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if config.Insecure {
		// #nosec G402 -- explicit operator opt-in
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}
	if config.TLS == nil {
		return tlsConfig, nil
	}
	if config.TLS.ServerName != "" {
		tlsConfig.ServerName = config.TLS.ServerName
	}
	if config.TLS.CACert != "" {
		if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
			return nil, fmt.Errorf("failed to load CA certificate: %w", err)
		}
	}
	if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}
	tlsConfig.RootCAs = caCertPool
	return nil
}

// maxErrorBody caps how much of a non-2xx body is kept in a StatusError.
const maxErrorBody = 512

// doJSON sends one request to baseURL+endpoint and decodes a 2xx body into
// T. The endpoint is appended verbatim. route is the metrics label.
func doJSON[T any](ctx context.Context, c *Client, method, endpoint, route string, body any) (T, error) {
	var out T
	url := c.baseURL + endpoint
	started := time.Now()
	outcome := "ok"
	defer func() {
		metrics.ObserveAPIRequest(route, outcome, time.Since(started).Seconds())
	}()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			outcome = "encode"
			return out, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		outcome = "transport"
		return out, &TransportError{Method: method, URL: url, Err: err}
	}
	reqID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(RequestIDHeader, reqID)

	resp, err := c.client.Do(req)
	if err != nil {
		outcome = "transport"
		c.logger.Debug("HTTP request failed", "method", method, "url", url, "request_id", reqID, "error", err)
		return out, &TransportError{Method: method, URL: url, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		outcome = "status"
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Debug("API request failed", "method", method, "url", url, "request_id", reqID, "status", resp.StatusCode)
		return out, &StatusError{
			Method:     method,
			URL:        url,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		outcome = "decode"
		c.logger.Debug("decode failed", "url", url, "request_id", reqID, "error", err)
		var zero T
		return zero, &DecodeError{URL: url, Err: err}
	}
	return out, nil
}
