package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Fetcher interface
// ============================================================================

// Fetcher is the request/response interface for historical data. The engine
// uses it for pagination, jump-to-message, the initial summary load, and
// report submission; everything live goes over the Transport.
type Fetcher interface {
	// Conversations lists the sidebar summaries for a participant.
	Conversations(ctx context.Context, p Participant) ([]ConversationSummary, error)

	// MessagesBefore returns up to limit messages older than the cursor.
	MessagesBefore(ctx context.Context, room string, before time.Time, limit int) (*Page, error)

	// MessageByID fetches a single message.
	MessageByID(ctx context.Context, room, messageID string) (*Message, error)

	// MessagesAround fetches a window centered on the target message.
	MessagesAround(ctx context.Context, room, messageID string, limit int) (*AroundPage, error)

	// SubmitReport files a report against a message. Fire-and-forget from
	// the engine's perspective; no message state changes on failure.
	SubmitReport(ctx context.Context, messageID, reporterID, reason string) error
}

// ============================================================================
// HTTP fetcher
// ============================================================================

const (
	defaultFetchTimeout = 30 * time.Second
)

// HTTPFetcher talks to the chat REST API.
type HTTPFetcher struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// FetcherOption configures an HTTPFetcher.
type FetcherOption func(*HTTPFetcher)

// WithFetchTimeout overrides the default request timeout.
func WithFetchTimeout(d time.Duration) FetcherOption {
	return func(f *HTTPFetcher) { f.httpClient.Timeout = d }
}

// WithFetchHTTPClient swaps the underlying HTTP client.
func WithFetchHTTPClient(c *http.Client) FetcherOption {
	return func(f *HTTPFetcher) { f.httpClient = c }
}

// NewHTTPFetcher creates a fetcher for the API at baseURL. token may be ""
// when the deployment does not require one.
func NewHTTPFetcher(baseURL, token string, opts ...FetcherOption) *HTTPFetcher {
	f := &HTTPFetcher{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: defaultFetchTimeout},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *HTTPFetcher) doRequest(ctx context.Context, method, path string, body any, query map[string]string) ([]byte, error) {
	u := f.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: HTTP %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

type conversationsResponse struct {
	Conversations []ConversationSummary `json:"conversations"`
}

func (f *HTTPFetcher) Conversations(ctx context.Context, p Participant) ([]ConversationSummary, error) {
	data, err := f.doRequest(ctx, "GET", "/api/chat/conversations", nil, map[string]string{
		"participantId": p.ID,
		"role":          string(p.Role),
	})
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[conversationsResponse](data)
	if err != nil {
		return nil, err
	}
	return resp.Conversations, nil
}

func (f *HTTPFetcher) MessagesBefore(ctx context.Context, room string, before time.Time, limit int) (*Page, error) {
	query := map[string]string{"limit": strconv.Itoa(limit)}
	if !before.IsZero() {
		query["before"] = before.UTC().Format(time.RFC3339Nano)
	}
	data, err := f.doRequest(ctx, "GET", "/api/chat/rooms/"+url.PathEscape(room)+"/messages", nil, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Page](data)
}

func (f *HTTPFetcher) MessageByID(ctx context.Context, room, messageID string) (*Message, error) {
	data, err := f.doRequest(ctx, "GET", "/api/chat/rooms/"+url.PathEscape(room)+"/messages/"+url.PathEscape(messageID), nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Message](data)
}

func (f *HTTPFetcher) MessagesAround(ctx context.Context, room, messageID string, limit int) (*AroundPage, error) {
	data, err := f.doRequest(ctx, "GET", "/api/chat/rooms/"+url.PathEscape(room)+"/messages/"+url.PathEscape(messageID)+"/around", nil, map[string]string{
		"limit": strconv.Itoa(limit),
	})
	if err != nil {
		return nil, err
	}
	return decodeJSON[AroundPage](data)
}

func (f *HTTPFetcher) SubmitReport(ctx context.Context, messageID, reporterID, reason string) error {
	_, err := f.doRequest(ctx, "POST", "/api/chat/reports", map[string]string{
		"messageId":  messageID,
		"reporterId": reporterID,
		"reason":     reason,
	}, nil)
	return err
}
