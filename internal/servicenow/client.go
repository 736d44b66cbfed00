// Package servicenow talks to the ServiceNow Table API and adapts it to
// incident.Store and incident.Identity.
package servicenow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	defaultTimeout = 15 * time.Second

	// maxResponseBytes caps how much of a response body is read.
	maxResponseBytes = 1 << 20
)

// Config holds the connection settings for one ServiceNow instance.
type Config struct {
	BaseURL  string        `validate:"required,url"`
	Username string        `validate:"required"`
	Password string        `validate:"required"`
	Timeout  time.Duration `validate:"gte=0"`
}

// Validate checks the struct tags.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("servicenow config: %w", err)
	}
	return nil
}

// Row is one Table API record. Reference fields that arrive as
// {"link","value"} objects are reduced to their value.
type Row map[string]string

// UnmarshalJSON decodes a record whose values may be strings, references,
// numbers, booleans or null.
func (r *Row) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	row := make(Row, len(raw))
	for k, v := range raw {
		row[k] = rowValue(v)
	}
	*r = row
	return nil
}

func rowValue(v json.RawMessage) string {
	v = bytes.TrimSpace(v)
	if len(v) == 0 {
		return ""
	}
	switch v[0] {
	case '"':
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			return s
		}
	case '{':
		var ref struct {
			Value json.RawMessage `json:"value"`
		}
		if err := json.Unmarshal(v, &ref); err == nil {
			return rowValue(ref.Value)
		}
		return ""
	case 'n':
		return ""
	}
	return string(v)
}

// APIError is a non-2xx response from the Table API.
type APIError struct {
	StatusCode int
	Message    string
	Detail     string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Detail != "" {
		return fmt.Sprintf("servicenow: %d %s: %s", e.StatusCode, msg, e.Detail)
	}
	return fmt.Sprintf("servicenow: %d %s", e.StatusCode, msg)
}

// Client is a minimal Table API client using basic auth.
type Client struct {
	base     *url.URL
	username string
	password string
	http     *http.Client
}

// NewClient validates cfg and returns a Client with a traced transport.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &Client{
		base:     base,
		username: cfg.Username,
		password: cfg.Password,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

// Username returns the integration user the client authenticates as.
func (c *Client) Username() string {
	return c.username
}

// Insert creates a record in table and returns it as stored. returnFields
// limits the columns in the response.
func (c *Client) Insert(ctx context.Context, table string, fields map[string]any, returnFields ...string) (Row, error) {
	var out struct {
		Result Row `json:"result"`
	}
	if err := c.do(ctx, http.MethodPost, tablePath(table), readParams(returnFields), fields, &out); err != nil {
		return nil, fmt.Errorf("insert into %s: %w", table, err)
	}
	return out.Result, nil
}

// Query runs an encoded query against table. fields limits the returned columns.
func (c *Client) Query(ctx context.Context, table, query string, limit int, fields ...string) ([]Row, error) {
	params := readParams(fields)
	params.Set("sysparm_query", query)
	if limit > 0 {
		params.Set("sysparm_limit", strconv.Itoa(limit))
	}

	var out struct {
		Result []Row `json:"result"`
	}
	if err := c.do(ctx, http.MethodGet, tablePath(table), params, nil, &out); err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	return out.Result, nil
}

// Patch updates fields on the record sysID in table. returnFields limits
// the columns in the response.
func (c *Client) Patch(ctx context.Context, table, sysID string, fields map[string]any, returnFields ...string) (Row, error) {
	var out struct {
		Result Row `json:"result"`
	}
	path := tablePath(table) + "/" + url.PathEscape(sysID)
	if err := c.do(ctx, http.MethodPatch, path, readParams(returnFields), fields, &out); err != nil {
		return nil, fmt.Errorf("update %s/%s: %w", table, sysID, err)
	}
	return out.Result, nil
}

// readParams asks for plain values instead of reference objects.
func readParams(fields []string) url.Values {
	params := url.Values{}
	params.Set("sysparm_exclude_reference_link", "true")
	if len(fields) > 0 {
		params.Set("sysparm_fields", strings.Join(fields, ","))
	}
	return params
}

func tablePath(table string) string {
	return "/api/now/table/" + url.PathEscape(table)
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body, out any) error {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if params != nil {
		u.RawQuery = params.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort cleanup

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp.StatusCode, raw)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(status int, raw []byte) error {
	apiErr := &APIError{StatusCode: status}
	var env struct {
		Error struct {
			Message string `json:"message"`
			Detail  string `json:"detail"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err == nil {
		apiErr.Message = env.Error.Message
		apiErr.Detail = env.Error.Detail
	}
	return apiErr
}

// IsNotFound reports whether err is a 404 from the Table API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
