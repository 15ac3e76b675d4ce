package clickhouse

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// httpInterface posts to ClickHouse's HTTP port. The query travels either in
// the body, or in the "query" parameter when the body carries insert rows.
type httpInterface struct {
	baseURL  string
	username string
	password string
	client   *http.Client
}

func newHTTPInterface(baseURL, username, password string) httpInterface {
	return httpInterface{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (h httpInterface) post(ctx context.Context, params url.Values, body io.Reader, gzipped bool) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/?"+params.Encode(), body)
	if err != nil {
		return "", fmt.Errorf("request error: %w", err)
	}
	req.SetBasicAuth(h.username, h.password)
	if gzipped {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
		req.Header.Set("Content-Encoding", "gzip")
	} else {
		req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http error: %w", err)
	}
	defer resp.Body.Close()

	out, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("clickhouse error %d: %s", resp.StatusCode, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
