// Package client talks to a running nmsd over its HTTP and websocket API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/retry"

	"mesh-nms/pkg/api"
	"mesh-nms/pkg/model"
)

var logger = loggo.GetLogger("nms.client")

const (
	DefaultReconnectDelay    = time.Second
	DefaultMaxReconnectDelay = 30 * time.Second
)

// Config holds the client's settings. Only Endpoint is required.
type Config struct {
	// Endpoint is the daemon's base URL, e.g. http://localhost:8088.
	Endpoint   string
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Clock      clock.Clock

	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
}

// Client is a thin wrapper over the daemon's API.
type Client struct {
	config Config
	base   *url.URL
}

func New(config Config) (*Client, error) {
	if config.Endpoint == "" {
		return nil, errors.NotValidf("empty endpoint")
	}
	base, err := url.Parse(strings.TrimRight(config.Endpoint, "/"))
	if err != nil {
		return nil, errors.NotValidf("endpoint %q", config.Endpoint)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, errors.NotValidf("endpoint scheme %q", base.Scheme)
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if config.Dialer == nil {
		config.Dialer = websocket.DefaultDialer
	}
	if config.Clock == nil {
		config.Clock = clock.WallClock
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = DefaultReconnectDelay
	}
	if config.MaxReconnectDelay <= 0 {
		config.MaxReconnectDelay = DefaultMaxReconnectDelay
	}
	return &Client{config: config, base: base}, nil
}

// Networks lists the managed networks.
func (c *Client) Networks(ctx context.Context) ([]string, error) {
	var list api.NetworkList
	if err := c.do(ctx, http.MethodGet, "/api/v1/networks", &list); err != nil {
		return nil, errors.Trace(err)
	}
	return list.Networks, nil
}

// StateJSON returns the raw NetworkState document for name.
func (c *Client) StateJSON(ctx context.Context, name string) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/api/v1/networks/"+url.PathEscape(name), &raw); err != nil {
		return nil, errors.Trace(err)
	}
	return raw, nil
}

// State returns the decoded NetworkState for name.
func (c *Client) State(ctx context.Context, name string) (model.NetworkState, error) {
	var st model.NetworkState
	err := c.do(ctx, http.MethodGet, "/api/v1/networks/"+url.PathEscape(name), &st)
	return st, errors.Trace(err)
}

// Reload asks the daemon to re-read its instance config and returns the
// networks it now manages.
func (c *Client) Reload(ctx context.Context) ([]string, error) {
	var list api.NetworkList
	if err := c.do(ctx, http.MethodPost, "/api/v1/reload", &list); err != nil {
		return nil, errors.Trace(err)
	}
	return list.Networks, nil
}

func (c *Client) do(ctx context.Context, method, path string, out interface{}) error {
	var body io.Reader
	if method == http.MethodPost {
		body = bytes.NewReader([]byte("{}"))
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return errors.Trace(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.config.HTTPClient.Do(req)
	if err != nil {
		return errors.Annotatef(err, "%s %s", method, path)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Annotatef(err, "read %s", path)
	}
	if resp.StatusCode/100 != 2 {
		return responseError(resp.StatusCode, data)
	}
	return errors.Annotatef(json.Unmarshal(data, out), "decode %s", path)
}

func responseError(status int, data []byte) error {
	var e api.ErrorResponse
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &e) == nil && e.Error != "" {
		msg = e.Error
	}
	switch status {
	case http.StatusNotFound:
		return errors.NewNotFound(nil, msg)
	case http.StatusBadRequest:
		return errors.NewNotValid(nil, msg)
	}
	return errors.Errorf("status %d: %s", status, msg)
}

func (c *Client) streamURL(network string) string {
	u := *c.base
	u.Scheme = "ws"
	if c.base.Scheme == "https" {
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v1/stream"
	if network != "" {
		q := u.Query()
		q.Set("network", network)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// Watch streams state updates for network (all networks when empty) to
// fn until ctx is done, reconnecting with exponential backoff. It
// returns early only for an unknown network.
func (c *Client) Watch(ctx context.Context, network string, fn func(api.StreamMessage)) error {
	endpoint := c.streamURL(network)
	for {
		err := retry.Call(retry.CallArgs{
			Func: func() error {
				return c.stream(ctx, endpoint, fn)
			},
			IsFatalError: errors.IsNotFound,
			NotifyFunc: func(err error, attempt int) {
				logger.Warningf("stream %s attempt %d: %v", endpoint, attempt, err)
			},
			Attempts:    -1,
			Delay:       c.config.ReconnectDelay,
			MaxDelay:    c.config.MaxReconnectDelay,
			BackoffFunc: retry.DoubleDelay,
			Clock:       c.config.Clock,
			Stop:        ctx.Done(),
		})
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return errors.Trace(err)
		}
		logger.Infof("stream %s closed; reconnecting", endpoint)
		select {
		case <-ctx.Done():
			return nil
		case <-c.config.Clock.After(c.config.ReconnectDelay):
		}
	}
}

// stream returns nil when an established connection drops, so the
// caller's backoff starts over.
func (c *Client) stream(ctx context.Context, endpoint string, fn func(api.StreamMessage)) error {
	conn, resp, err := c.config.Dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			data, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return responseError(resp.StatusCode, data)
		}
		return errors.Annotate(err, "dial")
	}
	logger.Infof("stream connected url=%s", endpoint)
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		_ = conn.Close()
	}()
	for {
		var msg api.StreamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil {
				logger.Debugf("stream read: %v", err)
			}
			return nil
		}
		fn(msg)
	}
}

func (c *Client) String() string {
	return fmt.Sprintf("nmsd at %s", c.base)
}
