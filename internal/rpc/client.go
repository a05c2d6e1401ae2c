package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"labmapa/internal/mapa"
	"labmapa/internal/search"
)

const maxBody = 32 << 20

// Observer receives one observation per backend call. internal/metrics
// implements it.
type Observer interface {
	ObserveCall(op string, kind mapa.Kind, elapsed time.Duration)
}

// Client calls the mapa backend over HTTP. It implements mapa.Backend.
type Client struct {
	baseURL  string
	http     *http.Client
	token    string
	logger   *zap.Logger
	observer Observer
}

var _ mapa.Backend = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token sent on every call.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithTimeout bounds each call. A call that exceeds it is a Transport error.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// NewClient returns a client for the backend at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token, typically after Login.
func (c *Client) SetToken(token string) {
	c.token = token
}

func (c *Client) Load(ctx context.Context, req mapa.LoadRequest) (mapa.LoadResponse, error) {
	return call[mapa.LoadResponse](ctx, c, "load", http.MethodPost, "/api/mapa/load", req)
}

func (c *Client) Save(ctx context.Context, req mapa.SaveRequest) ([]mapa.RowResult, error) {
	resp, err := call[mapa.BatchResponse](ctx, c, "save", http.MethodPost, "/api/mapa/save", req)
	if err != nil {
		return nil, err
	}
	return resp.Amostras, nil
}

func (c *Client) Vistar(ctx context.Context, req mapa.VistarRequest) ([]mapa.RowResult, error) {
	resp, err := call[mapa.BatchResponse](ctx, c, "vistar", http.MethodPost, "/api/mapa/vistar", req)
	if err != nil {
		return nil, err
	}
	return resp.Amostras, nil
}

// LoginResponse is the data of the login call.
type LoginResponse struct {
	Token    string `json:"token"`
	UserID   int64  `json:"userId"`
	UserName string `json:"userName"`
	Role     string `json:"role"`
}

// Login exchanges an operator login for a bearer token and keeps it for
// subsequent calls.
func (c *Client) Login(ctx context.Context, login string) (LoginResponse, error) {
	resp, err := call[LoginResponse](ctx, c, "login", http.MethodPost, "/api/session/login", map[string]string{"login": login})
	if err != nil {
		return LoginResponse{}, err
	}
	c.token = resp.Token
	return resp, nil
}

// Search finds parameters with pending rows.
func (c *Client) Search(ctx context.Context, text string, limit int) (search.Response, error) {
	q := url.Values{}
	q.Set("q", text)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return call[search.Response](ctx, c, "search", http.MethodGet, "/api/mapa/search?"+q.Encode(), nil)
}

// ExportFile is a rendered matrix.
type ExportFile struct {
	Name        string
	ContentType string
	Body        []byte
}

// ArchiveRef locates an archived export in object storage.
type ArchiveRef struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	URL    string `json:"url,omitempty"`
}

// Export downloads the matrix of a parameter as pdf or xlsx.
func (c *Client) Export(ctx context.Context, parameterID int64, format string) (file ExportFile, err error) {
	defer c.observe("export", time.Now(), &err)
	path := fmt.Sprintf("/api/mapa/%d/export?format=%s", parameterID, url.QueryEscape(format))
	status, header, body, err := c.do(ctx, "export", http.MethodGet, path, nil)
	if err != nil {
		return ExportFile{}, err
	}
	if status != http.StatusOK || strings.HasPrefix(header.Get("Content-Type"), "application/json") {
		_, err = Decode[json.RawMessage](status, body).Unwrap()
		if err == nil {
			err = &mapa.Error{Kind: mapa.KindMalformedResponse, Message: "export returned an envelope instead of a file"}
		}
		return ExportFile{}, err
	}
	name := fmt.Sprintf("mapa-%d.%s", parameterID, format)
	if _, params, perr := mime.ParseMediaType(header.Get("Content-Disposition")); perr == nil && params["filename"] != "" {
		name = params["filename"]
	}
	return ExportFile{Name: name, ContentType: header.Get("Content-Type"), Body: body}, nil
}

// Archive renders the matrix and stores it in object storage server side.
func (c *Client) Archive(ctx context.Context, parameterID int64, format string) (ArchiveRef, error) {
	path := fmt.Sprintf("/api/mapa/%d/export?format=%s&archive=1", parameterID, url.QueryEscape(format))
	return call[ArchiveRef](ctx, c, "archive", http.MethodGet, path, nil)
}

func call[T any](ctx context.Context, c *Client, op, method, path string, payload any) (out T, err error) {
	defer c.observe(op, time.Now(), &err)
	status, _, body, err := c.do(ctx, op, method, path, payload)
	if err != nil {
		return out, err
	}
	return Decode[T](status, body).Unwrap()
}

func (c *Client) observe(op string, started time.Time, err *error) {
	if c.observer != nil {
		c.observer.ObserveCall(op, mapa.KindOf(*err), time.Since(started))
	}
}

func (c *Client) do(ctx context.Context, op, method, path string, payload any) (int, http.Header, []byte, error) {
	var reader io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, nil, fmt.Errorf("encode %s request: %w", op, err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("build %s request: %w", op, err)
	}
	requestID := uuid.NewString()
	req.Header.Set("X-Request-ID", requestID)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("backend call failed", zap.String("op", op), zap.String("request_id", requestID), zap.Error(err))
		return 0, nil, nil, &mapa.Error{Kind: mapa.KindTransport, Message: op + " request failed", Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return 0, nil, nil, &mapa.Error{Kind: mapa.KindTransport, Message: "reading " + op + " response", Err: err}
	}
	c.logger.Debug("backend call",
		zap.String("op", op),
		zap.String("request_id", requestID),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(started)),
	)
	return resp.StatusCode, resp.Header, body, nil
}
