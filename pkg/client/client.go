package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"
)

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the daemon.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// Client provides HTTP client functionality to communicate with the orkestr daemon
type Client struct {
	baseURL  string
	client   *http.Client
	logger   *slog.Logger
	token    string
	username string
	password string
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
	// Token is sent as a bearer token; Username/Password as basic auth otherwise.
	Token    string
	Username string
	Password string
}

// TLSClientConfig is used when the daemon sits behind a TLS-terminating proxy
type TLSClientConfig struct {
	Enabled    bool
	CACert     string // CA certificate file path
	ClientCert string
	ClientKey  string
	ServerName string
	SkipVerify bool
}

const defaultBaseURL = "http://127.0.0.1:8089/api"

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: defaultBaseURL,
		Timeout: 10 * time.Second,
	}
}

// New creates a new orkestr API client
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
	if config.TLS != nil && config.TLS.Enabled || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	return &Client{
		baseURL:  config.BaseURL,
		logger:   config.Logger,
		token:    config.Token,
		username: config.Username,
		password: config.Password,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}
}

// Login exchanges username/password for a bearer token and uses it for
// subsequent requests.
func (c *Client) Login(ctx context.Context, username, password string) (Token, error) {
	var tok Token
	err := c.do(ctx, http.MethodPost, "/auth/login", map[string]string{"username": username, "password": password}, &tok)
	if err != nil {
		return Token{}, err
	}
	c.token = tok.Value
	return tok, nil
}

func (c *Client) authorize(req *http.Request) {
	switch {
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	case c.username != "":
		req.SetBasicAuth(c.username, c.password)
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		c.logger.Debug("Failed to create request for reachability check", "error", err)
		return false
	}
	c.authorize(req)
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	ok := resp.StatusCode == http.StatusOK
	c.logger.Debug("Daemon reachability check", "reachable", ok, "status", resp.StatusCode)
	return ok
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodGet, "/status", nil, &st)
	return st, err
}

func (c *Client) System(ctx context.Context) (SystemMetrics, error) {
	var m SystemMetrics
	err := c.do(ctx, http.MethodGet, "/system", nil, &m)
	return m, err
}

// Health returns the last periodic report, or runs a fresh pass.
func (c *Client) Health(ctx context.Context, fresh bool) (Health, error) {
	path := "/health"
	if fresh {
		path += "?fresh=true"
	}
	var h Health
	err := c.do(ctx, http.MethodGet, path, nil, &h)
	return h, err
}

func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	path := "/events"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []Event
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) Modules(ctx context.Context) ([]Module, error) {
	var out []Module
	err := c.do(ctx, http.MethodGet, "/modules", nil, &out)
	return out, err
}

func (c *Client) Module(ctx context.Context, id string) (Module, error) {
	var m Module
	err := c.do(ctx, http.MethodGet, "/modules/"+url.PathEscape(id), nil, &m)
	return m, err
}

// LoadModule loads a module and returns its id.
func (c *Client) LoadModule(ctx context.Context, req LoadRequest) (string, error) {
	c.logger.Debug("Loading module", "locator", req.Locator)
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/modules", req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *Client) UnloadModule(ctx context.Context, id string) error {
	c.logger.Debug("Unloading module", "id", id)
	return c.do(ctx, http.MethodDelete, "/modules/"+url.PathEscape(id), nil, nil)
}

func (c *Client) Processes(ctx context.Context, q ProcessQuery) ([]Process, error) {
	v := url.Values{}
	if q.State != "" {
		v.Set("state", q.State)
	}
	if q.Owner != "" {
		v.Set("owner", q.Owner)
	}
	path := "/processes"
	if len(v) > 0 {
		path += "?" + v.Encode()
	}
	var out []Process
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) Process(ctx context.Context, id string) (Process, error) {
	var p Process
	err := c.do(ctx, http.MethodGet, "/processes/"+url.PathEscape(id), nil, &p)
	return p, err
}

// ProcessAction runs start, stop, pause, resume or restart and returns the
// updated process.
func (c *Client) ProcessAction(ctx context.Context, id, action string) (Process, error) {
	c.logger.Debug("Process action", "id", id, "action", action)
	var p Process
	err := c.do(ctx, http.MethodPost, "/processes/"+url.PathEscape(id)+"/"+url.PathEscape(action), nil, &p)
	return p, err
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{}
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}
	if config.TLS != nil {
		if config.TLS.SkipVerify {
			tlsConfig.InsecureSkipVerify = true
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
	}
	return tlsConfig, nil
}

func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}
	tlsConfig.RootCAs = pool
	return nil
}

// do sends body as JSON when non-nil and decodes a 2xx response into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	u := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", u)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.handleErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) handleErrorResponse(resp *http.Response) error {
	var er ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		c.logger.Error("Failed to decode error response", "status", resp.StatusCode)
		return &APIError{StatusCode: resp.StatusCode}
	}
	c.logger.Debug("API request failed", "error", er.Error, "status", resp.StatusCode)
	return &APIError{StatusCode: resp.StatusCode, Message: er.Error}
}
