package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"cipherdm/internal/domain"
)

// HTTP talks to a cipherdm broker over HTTP+JSON.
type HTTP struct {
	Base string
	HTTP *http.Client
}

// NewHTTP returns a client for the broker at base. A zero timeout means no
// client-side timeout beyond the request context.
func NewHTTP(base string, timeout time.Duration) *HTTP {
	return &HTTP{
		Base: strings.TrimRight(base, "/"),
		HTTP: &http.Client{Timeout: timeout},
	}
}

var _ domain.Broker = (*HTTP)(nil)

type errorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// StatusError is returned for a non-2xx response whose code does not map
// to a domain error.
type StatusError struct {
	Method string
	Path   string
	Status int
	Msg    string
}

func (e *StatusError) Error() string {
	return "broker " + e.Method + " " + e.Path + ": " + http.StatusText(e.Status) + ": " + e.Msg
}

// Permanent reports whether retrying cannot succeed.
func (e *StatusError) Permanent() bool {
	return e.Status < 500 && e.Status != http.StatusTooManyRequests
}

func (c *HTTP) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(in); err != nil {
			return errors.Wrap(err, "encode request")
		}
		body = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, c.Base+path, body)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return errors.Wrapf(err, "broker %s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return decodeError(method, path, resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return errors.Wrapf(json.NewDecoder(resp.Body).Decode(out), "decode %s %s", method, path)
}

func decodeError(method, path string, resp *http.Response) error {
	var eb errorBody
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &eb); err != nil {
		eb.Error = strings.TrimSpace(string(raw))
	}
	if sentinel := domain.ErrorFromCode(eb.Code); sentinel != nil {
		return errors.Wrapf(sentinel, "broker %s %s", method, path)
	}
	jww.DEBUG.Printf("[RELAY] %s %s: %d %s", method, path, resp.StatusCode, eb.Error)
	return &StatusError{Method: method, Path: path, Status: resp.StatusCode, Msg: eb.Error}
}

func (c *HTTP) getJSON(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *HTTP) post(ctx context.Context, path string, in, out any) error {
	return c.do(ctx, http.MethodPost, path, in, out)
}

func (c *HTTP) put(ctx context.Context, path string, in any) error {
	return c.do(ctx, http.MethodPut, path, in, nil)
}

func (c *HTTP) del(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}
