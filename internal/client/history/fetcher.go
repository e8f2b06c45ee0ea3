package history

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"chat-realtime/internal/models"
)

// HTTPFetcher reads history pages from GET /rooms/:room/messages.
type HTTPFetcher struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

// NewHTTPFetcher builds a fetcher against baseURL authenticated with token.
func NewHTTPFetcher(baseURL, token string) *HTTPFetcher {
	return &HTTPFetcher{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (f *HTTPFetcher) FetchPage(ctx context.Context, req models.HistoryRequest) (models.HistoryPage, error) {
	query := url.Values{}
	if req.Cursor != "" {
		query.Set("cursor", req.Cursor)
	}
	if req.Direction != "" {
		query.Set("direction", string(req.Direction))
	}
	if req.Limit > 0 {
		query.Set("limit", strconv.Itoa(req.Limit))
	}
	endpoint := fmt.Sprintf("%s/rooms/%s/messages", f.BaseURL, url.PathEscape(req.Room.String()))
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return models.HistoryPage{}, err
	}
	if f.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+f.Token)
	}

	resp, err := f.Client.Do(httpReq)
	if err != nil {
		return models.HistoryPage{}, fmt.Errorf("request history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return models.HistoryPage{}, fmt.Errorf("history request failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var page models.HistoryPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return models.HistoryPage{}, fmt.Errorf("decode history page: %w", err)
	}
	return page, nil
}
