// Package adms speaks the attendance server's push/poll protocol: batch
// ATTLOG uploads to /iclock/cdata and command polling on
// /iclock/getrequest, plus the one-shot startup handshake.
package adms

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mindware/bioterminal/internal/bioterm/types"
)

const (
	userAgent = "Mindware_bioterminal"

	// CommandMarker prefixes a server response body that carries a
	// command block. Anything else means "nothing pending".
	CommandMarker = "C:"

	attlogHeader = "ATTLOG"
)

// capabilityParams are the fixed flags every request advertises.
var capabilityParams = map[string]string{
	"options":         "all",
	"language":        "101",
	"pushver":         "3.0.0",
	"PushOptionsFlag": "1",
}

type ClientConfig struct {
	// BaseURL is the server root, e.g. "http://192.168.5.164".
	BaseURL string

	// DeviceSerial is this terminal's SN query parameter.
	DeviceSerial string

	// Timeout bounds each request end to end.
	Timeout time.Duration
}

// Client is the terminal side of the sync protocol. All failures are
// returned to the engine, which retries on its next tick; nothing here
// retries on its own.
type Client struct {
	http   *http.Client
	base   string
	serial string
}

func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		http:   &http.Client{Timeout: timeout},
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		serial: cfg.DeviceSerial,
	}
}

// Handshake registers the device once at startup. The caller logs the
// result and moves on; handshake failures are never retried in a loop.
func (c *Client) Handshake(ctx context.Context) (string, error) {
	q := url.Values{}
	q.Set("SN", c.serial)
	for k, v := range capabilityParams {
		q.Set(k, v)
	}

	return c.get(ctx, "/iclock/cdata", q)
}

// PushBatch uploads unsynced events as one ATTLOG batch and returns the
// response body. Only an HTTP 200 counts as delivered; the caller marks
// the batch synced and inspects the body for a piggybacked command block.
func (c *Client) PushBatch(ctx context.Context, events []types.AttendanceEvent) (string, error) {
	q := url.Values{}
	q.Set("SN", c.serial)
	q.Set("table", attlogHeader)

	lines := make([]string, 0, len(events)+1)
	lines = append(lines, attlogHeader)
	for _, ev := range events {
		// Positional fields: user, timestamp, then three fixed
		// placeholders the server requires but never reads.
		lines = append(lines, fmt.Sprintf("%d\t%s\t0\t0\t0", ev.UserID, ev.Timestamp))
	}
	payload := strings.Join(lines, "\n")

	u := c.base + "/iclock/cdata?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Accept", "*/*")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("push: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("push read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("push: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return strings.TrimSpace(string(body)), nil
}

// Poll asks the server for pending commands. currentTime is the device's
// local clock; extra carries opaque telemetry key/values supplied by a
// collaborator and merged into the query untouched.
func (c *Client) Poll(ctx context.Context, deviceIP, currentTime string, extra map[string]string) (string, error) {
	q := url.Values{}
	q.Set("SN", c.serial)
	for k, v := range capabilityParams {
		q.Set(k, v)
	}
	if deviceIP != "" {
		q.Set("ip", deviceIP)
	}
	q.Set("current_time", currentTime)
	for k, v := range extra {
		q.Set(k, v)
	}

	return c.get(ctx, "/iclock/getrequest", q)
}

func (c *Client) get(ctx context.Context, path string, q url.Values) (string, error) {
	u := c.base + path + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "*/*")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%s read body: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return strings.TrimSpace(string(body)), nil
}
