package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/devbookhq/devbook-go/pkg/api/models"
)

// NextTokenHeader carries the token of the next listing page.
const NextTokenHeader = "X-Next-Token"

type ListOptions struct {
	States    []models.SandboxState
	Metadata  map[string]string
	Limit     int
	NextToken string
}

func (o ListOptions) query() url.Values {
	query := url.Values{}
	if len(o.States) > 0 {
		states := make([]string, 0, len(o.States))
		for _, s := range o.States {
			states = append(states, string(s))
		}
		query.Set("state", strings.Join(states, ","))
	}
	if metadata := models.EncodeMetadataQuery(o.Metadata); metadata != "" {
		query.Set("metadata", metadata)
	}
	if o.Limit > 0 {
		query.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.NextToken != "" {
		query.Set("nextToken", o.NextToken)
	}
	return query
}

// CreateSandbox validates request and creates a new sandbox from its template.
func (c *Client) CreateSandbox(ctx context.Context, request *models.NewSandbox) (*models.Sandbox, error) {
	body := *request
	if err := body.Validate(); err != nil {
		return nil, err
	}
	sbx := &models.Sandbox{}
	if err := c.do(ctx, http.MethodPost, "/sandboxes", "/sandboxes", nil, body, sbx); err != nil {
		return nil, err
	}
	if sbx.Domain == "" {
		sbx.Domain = c.domain
	}
	return sbx, nil
}

// SandboxPage is one page of a listing. NextToken is empty on the last page.
type SandboxPage struct {
	Sandboxes []*models.ListedSandbox `json:"sandboxes"`
	NextToken string                  `json:"nextToken,omitempty"`
}

// ListSandboxes returns the page selected by opts.NextToken.
func (c *Client) ListSandboxes(ctx context.Context, opts ListOptions) (*SandboxPage, error) {
	page := &SandboxPage{}
	header, err := c.doWithHeader(ctx, http.MethodGet, "/v2/sandboxes", "/v2/sandboxes", opts.query(), nil, &page.Sandboxes)
	if err != nil {
		return nil, err
	}
	if page.Sandboxes == nil {
		page.Sandboxes = []*models.ListedSandbox{}
	}
	page.NextToken = header.Get(NextTokenHeader)
	return page, nil
}

// ListAllSandboxes follows next tokens until the last page.
func (c *Client) ListAllSandboxes(ctx context.Context, opts ListOptions) ([]*models.ListedSandbox, error) {
	var all []*models.ListedSandbox
	for {
		page, err := c.ListSandboxes(ctx, opts)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Sandboxes...)
		if page.NextToken == "" || page.NextToken == opts.NextToken {
			return all, nil
		}
		opts.NextToken = page.NextToken
	}
}

func (c *Client) GetSandbox(ctx context.Context, sandboxID string) (*models.ListedSandbox, error) {
	sbx := &models.ListedSandbox{}
	if err := c.do(ctx, http.MethodGet, "/sandboxes/{sandboxID}", sandboxPath(sandboxID), nil, nil, sbx); err != nil {
		return nil, err
	}
	return sbx, nil
}

func (c *Client) KillSandbox(ctx context.Context, sandboxID string) error {
	return c.do(ctx, http.MethodDelete, "/sandboxes/{sandboxID}", sandboxPath(sandboxID), nil, nil, nil)
}

// SetTimeout replaces the remaining lifetime of a running sandbox.
func (c *Client) SetTimeout(ctx context.Context, sandboxID string, timeoutSeconds int32) error {
	return c.do(ctx, http.MethodPost, "/sandboxes/{sandboxID}/timeout", sandboxPath(sandboxID)+"/timeout",
		nil, models.SetTimeoutRequest{TimeoutSeconds: timeoutSeconds}, nil)
}

// RefreshSandbox keeps a sandbox alive for at least durationSeconds more.
func (c *Client) RefreshSandbox(ctx context.Context, sandboxID string, durationSeconds int32) error {
	return c.do(ctx, http.MethodPost, "/sandboxes/{sandboxID}/refreshes", sandboxPath(sandboxID)+"/refreshes",
		nil, models.RefreshRequest{Duration: durationSeconds}, nil)
}

func (c *Client) PauseSandbox(ctx context.Context, sandboxID string) error {
	return c.do(ctx, http.MethodPost, "/sandboxes/{sandboxID}/pause", sandboxPath(sandboxID)+"/pause", nil, nil, nil)
}

func (c *Client) ResumeSandbox(ctx context.Context, sandboxID string, timeoutSeconds int32) (*models.Sandbox, error) {
	sbx := &models.Sandbox{}
	err := c.do(ctx, http.MethodPost, "/sandboxes/{sandboxID}/resume", sandboxPath(sandboxID)+"/resume",
		nil, models.ResumeRequest{Timeout: timeoutSeconds}, sbx)
	if err != nil {
		return nil, err
	}
	if sbx.Domain == "" {
		sbx.Domain = c.domain
	}
	return sbx, nil
}

func sandboxPath(sandboxID string) string {
	return "/sandboxes/" + url.PathEscape(sandboxID)
}
