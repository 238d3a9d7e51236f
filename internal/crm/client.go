// Package crm is the client for the list-management system that supplies
// campaign recipients as a lazy, restartable sequence of pages.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ignite/campaign-mailer/internal/pkg/httpretry"
)

// Config holds CRM API connection settings.
type Config struct {
	BaseURL        string
	Username       string
	Password       string
	AccountCode    string
	TimeoutSeconds int
}

// Client is the CRM API client.
type Client struct {
	baseURL     string
	username    string
	password    string
	accountCode string
	httpClient  httpretry.HTTPDoer
}

// NewClient creates a new CRM API client.
func NewClient(config Config) *Client {
	timeout := time.Duration(config.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:     config.BaseURL,
		username:    config.Username,
		password:    config.Password,
		accountCode: config.AccountCode,
		httpClient:  httpretry.NewRetryClient(&http.Client{Timeout: timeout}, 3),
	}
}

// SetHTTPClient sets a custom HTTP client (useful for testing).
func (c *Client) SetHTTPClient(client httpretry.HTTPDoer) {
	c.httpClient = client
}

// doRequest performs an authenticated request to the CRM API.
func (c *Client) doRequest(ctx context.Context, method, endpoint string, body interface{}) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonBody)
	}

	reqURL := fmt.Sprintf("%s%s", c.baseURL, endpoint)

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X_USERNAME", c.username)
	req.Header.Set("X_PASSWORD", c.password)
	req.Header.Set("X_ACCOUNT_CODE", c.accountCode)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

// ListInfo identifies a resolved campaign list. Dynamic lists are
// query-defined on the CRM side; static lists have explicit membership.
// Either way, every returned recipient carries an email address.
type ListInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Dynamic bool   `json:"is_dynamic"`
}

// Recipient is one list member.
type Recipient struct {
	Address     string `json:"email"`
	DisplayName string `json:"full_name"`
}

// Page is one page of list members plus the continuation state.
type Page struct {
	Recipients []Recipient `json:"contacts"`
	NextToken  string      `json:"next_page_token"`
	HasMore    bool        `json:"has_more"`
}

type listResponse struct {
	List ListInfo `json:"list"`
}

// ResolveList looks a list up by name, resolving whether it is dynamic or
// static.
func (c *Client) ResolveList(ctx context.Context, name string) (ListInfo, error) {
	endpoint := "/api/lists?" + url.Values{"name": {name}}.Encode()
	respBody, err := c.doRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return ListInfo{}, err
	}

	var response listResponse
	if err := json.Unmarshal(respBody, &response); err != nil {
		return ListInfo{}, fmt.Errorf("failed to parse list response: %w", err)
	}
	if response.List.ID == "" {
		return ListInfo{}, fmt.Errorf("list %q not found", name)
	}
	return response.List, nil
}

type pageRequest struct {
	PageToken string `json:"page_token,omitempty"`
	PageSize  int    `json:"page_size"`
}

// FetchPage retrieves one page of list members. Pass an empty token for the
// first page; the returned NextToken resumes the sequence. The sequence is
// restartable: re-fetching with the same token returns the same page.
func (c *Client) FetchPage(ctx context.Context, listID, pageToken string, pageSize int) (Page, error) {
	endpoint := fmt.Sprintf("/api/lists/%s/contacts/query", url.PathEscape(listID))
	respBody, err := c.doRequest(ctx, http.MethodPost, endpoint, pageRequest{
		PageToken: pageToken,
		PageSize:  pageSize,
	})
	if err != nil {
		return Page{}, err
	}

	var page Page
	if err := json.Unmarshal(respBody, &page); err != nil {
		return Page{}, fmt.Errorf("failed to parse contacts page: %w", err)
	}
	return page, nil
}

// Ping verifies the CRM API is reachable; used by the startup preflight.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodGet, "/api/lists?name=", nil)
	return err
}
