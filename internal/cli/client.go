package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// defaultHubURL is where `waverun run --listen` and `waverun serve` bind
// unless told otherwise.
const defaultHubURL = "http://127.0.0.1:8417"

func splitListenAddr(addr string) (string, int, error) {
	host, rawPort, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid listen address %q (want host:port): %w", addr, err)
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port in listen address %q", addr)
	}
	return host, port, nil
}

// apiClient is a thin client for the hub HTTP API.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(base, token string) (*apiClient, error) {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		base = defaultHubURL
	}
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid hub url %q", base)
	}
	return &apiClient{
		base:  base,
		token: token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *apiClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *apiClient) postJSON(ctx context.Context, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *apiClient) do(req *http.Request, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("reaching hub at %s: %w", c.base, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("hub returned %s: %s", resp.Status, apiErrorMessage(resp.Body))
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// wsURL converts the API base URL into the websocket event feed URL.
func (c *apiClient) wsURL(runID string, sinceSeq uint64) string {
	scheme := "ws"
	if strings.HasPrefix(c.base, "https") {
		scheme = "wss"
	}
	u := scheme + strings.TrimPrefix(strings.TrimPrefix(c.base, "https"), "http") + "/ws/events"
	q := url.Values{}
	if runID != "" {
		q.Set("run_id", runID)
	}
	if sinceSeq > 0 {
		q.Set("since_seq", strconv.FormatUint(sinceSeq, 10))
	}
	if c.token != "" {
		q.Set("token", c.token)
	}
	if enc := q.Encode(); enc != "" {
		u += "?" + enc
	}
	return u
}

func apiErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(data))
}
