package board

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

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultAPIEndpoint = "https://api.github.com"
	DefaultTimeout     = 30 * time.Second
	// DefaultMaxElapsed bounds the in-call retries of one request. Longer outages
	// are handled by the sync queue.
	DefaultMaxElapsed = 20 * time.Second
	maxResponseSize   = 10 * 1024 * 1024
)

// Client talks to the GitHub classic Projects REST API.
type Client struct {
	Token      string
	BaseURL    string
	HTTPClient *http.Client
	MaxElapsed time.Duration
}

func NewClient(token string) *Client {
	return &Client{
		Token:      token,
		BaseURL:    DefaultAPIEndpoint,
		HTTPClient: &http.Client{Timeout: DefaultTimeout},
		MaxElapsed: DefaultMaxElapsed,
	}
}

// WithBaseURL returns a copy pointed at another endpoint (GitHub Enterprise, tests).
func (c *Client) WithBaseURL(baseURL string) *Client {
	cp := *c
	cp.BaseURL = strings.TrimRight(baseURL, "/")
	return &cp
}

type apiColumn struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

func (a apiColumn) column() Column {
	return Column{ID: strconv.FormatInt(a.ID, 10), Name: a.Name}
}

func (c *Client) GetColumns(ctx context.Context, projectID string) ([]Column, error) {
	var cols []apiColumn
	if err := c.do(ctx, "get columns", http.MethodGet, "/projects/"+url.PathEscape(projectID)+"/columns?per_page=100", nil, &cols); err != nil {
		return nil, err
	}
	out := make([]Column, 0, len(cols))
	for _, col := range cols {
		out = append(out, col.column())
	}
	return out, nil
}

func (c *Client) GetColumn(ctx context.Context, columnID string) (Column, error) {
	var col apiColumn
	if err := c.do(ctx, "get column", http.MethodGet, "/projects/columns/"+url.PathEscape(columnID), nil, &col); err != nil {
		return Column{}, err
	}
	return col.column(), nil
}

func (c *Client) MoveCard(ctx context.Context, cardID, columnID, position string) error {
	if position == "" {
		position = PositionTop
	}
	body := map[string]any{"position": position}
	if id, err := strconv.ParseInt(columnID, 10, 64); err == nil {
		body["column_id"] = id
	} else {
		body["column_id"] = columnID
	}
	return c.do(ctx, "move card", http.MethodPost, "/projects/columns/cards/"+url.PathEscape(cardID)+"/moves", body, nil)
}

// do sends one API request, retrying transient failures with exponential backoff.
func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("%s: marshal body: %w", op, err)
		}
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = c.MaxElapsed
	if bo.MaxElapsedTime <= 0 {
		bo.MaxElapsedTime = DefaultMaxElapsed
	}

	var respBody []byte
	err := backoff.Retry(func() error {
		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%s: build request: %w", op, err))
		}
		if c.Token != "" {
			req.Header.Set("Authorization", "Bearer "+c.Token)
		}
		req.Header.Set("Accept", "application/vnd.github+json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.httpClient().Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("%s: %w", op, err)
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		if err != nil {
			return fmt.Errorf("%s: read response: %w", op, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			se := &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
			if se.Transient() {
				return se
			}
			return backoff.Permanent(se)
		}
		respBody = data
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return err
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}
