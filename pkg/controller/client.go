// Package controller talks to a network's e2e controller API service.
package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"mesh-nms/pkg/model"
)

var logger = loggo.GetLogger("nms.controller")

// DefaultPort is the controller API service port when none is configured.
const DefaultPort = 8080

// Client is the set of controller calls the poller and arbitrator make.
// addr is a bare host or host:port.
type Client interface {
	GetTopology(ctx context.Context, addr string) (model.Topology, error)
	GetStatusDump(ctx context.Context, addr string) (model.StatusDump, error)
	GetIgnitionState(ctx context.Context, addr string) (model.IgnitionState, error)
	GetUpgradeState(ctx context.Context, addr string) (model.UpgradeState, error)
	GetScanStatus(ctx context.Context, addr string) (json.RawMessage, error)
	GetHighAvailabilityState(ctx context.Context, addr string) (model.HAStatus, error)
}

// HTTPClient posts JSON requests to http://<addr>/api/<method>.
type HTTPClient struct {
	client *http.Client
	port   int
}

// NewHTTPClient builds a client; port is used for addresses without one.
func NewHTTPClient(port int, timeout time.Duration) *HTTPClient {
	if port <= 0 {
		port = DefaultPort
	}
	return &HTTPClient{
		client: &http.Client{Timeout: timeout},
		port:   port,
	}
}

func (c *HTTPClient) GetTopology(ctx context.Context, addr string) (model.Topology, error) {
	var out model.Topology
	err := c.call(ctx, addr, "getTopology", &out)
	return out, err
}

func (c *HTTPClient) GetStatusDump(ctx context.Context, addr string) (model.StatusDump, error) {
	var out model.StatusDump
	err := c.call(ctx, addr, "getCtrlStatusDump", &out)
	return out, err
}

func (c *HTTPClient) GetIgnitionState(ctx context.Context, addr string) (model.IgnitionState, error) {
	var out model.IgnitionState
	err := c.call(ctx, addr, "getIgnitionState", &out)
	return out, err
}

func (c *HTTPClient) GetUpgradeState(ctx context.Context, addr string) (model.UpgradeState, error) {
	var out model.UpgradeState
	err := c.call(ctx, addr, "getUpgradeState", &out)
	return out, err
}

func (c *HTTPClient) GetScanStatus(ctx context.Context, addr string) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.call(ctx, addr, "getScanStatus", &out)
	return out, err
}

func (c *HTTPClient) GetHighAvailabilityState(ctx context.Context, addr string) (model.HAStatus, error) {
	var out model.HAStatus
	err := c.call(ctx, addr, "getHighAvailabilityState", &out)
	return out, err
}

func (c *HTTPClient) endpoint(addr, method string) string {
	host := addr
	if _, _, err := net.SplitHostPort(addr); err != nil {
		host = net.JoinHostPort(addr, strconv.Itoa(c.port))
	}
	return "http://" + host + "/api/" + method
}

func (c *HTTPClient) call(ctx context.Context, addr, method string, out interface{}) error {
	if addr == "" {
		return errors.NotValidf("empty controller address")
	}
	url := c.endpoint(addr, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader([]byte("{}")))
	if err != nil {
		return errors.Trace(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Annotatef(err, "%s %s", method, addr)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("%s %s: status %d: %s", method, addr, resp.StatusCode, bytes.TrimSpace(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Annotatef(err, "decode %s response from %s", method, addr)
	}
	logger.Tracef("%s %s ok", method, addr)
	return nil
}

// String is used in log lines.
func (c *HTTPClient) String() string {
	return fmt.Sprintf("controller.HTTPClient(port=%d, timeout=%v)", c.port, c.client.Timeout)
}
