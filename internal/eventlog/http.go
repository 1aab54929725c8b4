package eventlog

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/aonescu/gardensync/internal/garden"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const defaultHttpTimeout = 30 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

// DefaultHTTPClient returns an http.Client with connect and TLS timeouts.
func DefaultHTTPClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

// HTTPClient implements Client against the garden REST API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient uses DefaultHTTPClient when client is nil. Auth is left
// to client's transport.
func NewHTTPClient(baseURL string, client *http.Client) *HTTPClient {
	if client == nil {
		client = DefaultHTTPClient()
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

func (c *HTTPClient) gardenURL(gardenID string, rest ...string) string {
	parts := append([]string{c.baseURL, "gardens", url.PathEscape(gardenID)}, rest...)
	return strings.Join(parts, "/")
}

func (c *HTTPClient) FetchGarden(ctx context.Context, gardenID string) (*Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.gardenURL(gardenID), nil)
	if err != nil {
		return nil, err
	}

	status, body, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to load garden snapshot: %w", err)
	}
	if status != http.StatusOK {
		return nil, &StatusError{StatusCode: status, Body: strings.TrimSpace(string(body))}
	}

	var snapshot Snapshot
	if err := json.Unmarshal(body, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode garden snapshot: %w", err)
	}
	return &snapshot, nil
}

func (c *HTTPClient) AppendEvents(ctx context.Context, gardenID string, events []garden.Event) (*AppendResult, error) {
	payload, err := json.Marshal(AppendRequest{NewEvents: events})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.gardenURL(gardenID, "events"), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	status, body, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to append garden events: %w", err)
	}

	switch status {
	case http.StatusCreated, http.StatusOK:
		var result AppendResult
		if err := json.Unmarshal(body, &result); err != nil {
			return nil, fmt.Errorf("failed to decode append result: %w", err)
		}
		return &result, nil
	case http.StatusBadRequest:
		var rej RejectError
		if err := json.Unmarshal(body, &rej); err != nil || rej.Code == "" {
			return nil, &StatusError{StatusCode: status, Body: strings.TrimSpace(string(body))}
		}
		return nil, &rej
	default:
		return nil, &StatusError{StatusCode: status, Body: strings.TrimSpace(string(body))}
	}
}

func (c *HTTPClient) do(req *http.Request) (int, []byte, error) {
	req.Header.Set("Accept", "application/json")

	r, err := c.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer r.Body.Close()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return 0, nil, err
	}
	return r.StatusCode, body, nil
}
