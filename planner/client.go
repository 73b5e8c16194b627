package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	// requestTimeout bounds every planner round trip.
	requestTimeout = 30 * time.Second

	// taskSelect projects the task fields the engine needs.
	taskSelect = "id,planId,bucketId,title,percentComplete,priority,assignments,dueDateTime,createdDateTime,completedDateTime,conversationThreadId"
)

type (
	// TokenSource supplies bearer tokens for outbound calls. Implemented by
	// the token cache.
	TokenSource interface {
		Token(ctx context.Context) (string, error)
	}

	// Reporter observes call outcomes. Implemented by the rate governor so
	// throttle responses arm the global backoff clock.
	Reporter interface {
		ReportResult(status int, retryAfter time.Duration)
	}

	// Client is the planner REST client.
	Client struct {
		base     string
		http     *http.Client
		tokens   TokenSource
		reporter Reporter
	}

	// Options configures the client.
	Options struct {
		// BaseURL is the versioned planner API root. Required.
		BaseURL string
		// Tokens supplies bearer tokens. Required.
		Tokens TokenSource
		// Reporter observes call outcomes. Optional.
		Reporter Reporter
		// HTTPClient overrides the transport. Defaults to a client with a
		// 30s timeout.
		HTTPClient *http.Client
	}

	listPage[T any] struct {
		Value    []T    `json:"value"`
		NextLink string `json:"@odata.nextLink"`
	}
)

// New constructs a planner client.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("base URL is required")
	}
	if opts.Tokens == nil {
		return nil, errors.New("token source is required")
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: requestTimeout}
	}
	return &Client{
		base:     opts.BaseURL,
		http:     hc,
		tokens:   opts.Tokens,
		reporter: opts.Reporter,
	}, nil
}

// ListPlans returns all plans the service can see.
func (c *Client) ListPlans(ctx context.Context) ([]Plan, error) {
	return list[Plan](ctx, c, "/me/planner/plans?$select=id,title,owner")
}

// ListBuckets returns the buckets of a plan.
func (c *Client) ListBuckets(ctx context.Context, planID string) ([]Bucket, error) {
	return list[Bucket](ctx, c, fmt.Sprintf("/planner/plans/%s/buckets?$select=id,name,planId", url.PathEscape(planID)))
}

// ListTasks returns the tasks of a plan, projected to the fields the engine
// needs.
func (c *Client) ListTasks(ctx context.Context, planID string) ([]Task, error) {
	return list[Task](ctx, c, fmt.Sprintf("/planner/plans/%s/tasks?$select=%s", url.PathEscape(planID), taskSelect))
}

// GetTask fetches one task.
func (c *Client) GetTask(ctx context.Context, id string) (*Task, error) {
	var t Task
	if err := c.do(ctx, http.MethodGet, "/planner/tasks/"+url.PathEscape(id), "", nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTaskDetails fetches the task details sibling resource with its ETag.
func (c *Client) GetTaskDetails(ctx context.Context, id string) (*TaskDetails, error) {
	var d TaskDetails
	if err := c.do(ctx, http.MethodGet, "/planner/tasks/"+url.PathEscape(id)+"/details", "", nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// CreateTask creates a task and returns the server representation,
// including the assigned ID and ETag.
func (c *Client) CreateTask(ctx context.Context, create *Task) (*Task, error) {
	var t Task
	if err := c.do(ctx, http.MethodPost, "/planner/tasks", "", create, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateTask patches a task under the given ETag and returns the fresh
// representation.
func (c *Client) UpdateTask(ctx context.Context, id, etag string, patch map[string]any) (*Task, error) {
	var t Task
	if err := c.do(ctx, http.MethodPatch, "/planner/tasks/"+url.PathEscape(id), etag, patch, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateTaskDetails patches the details resource under its own ETag.
func (c *Client) UpdateTaskDetails(ctx context.Context, id, etag string, patch map[string]any) (*TaskDetails, error) {
	var d TaskDetails
	if err := c.do(ctx, http.MethodPatch, "/planner/tasks/"+url.PathEscape(id)+"/details", etag, patch, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// DeleteTask deletes a task under the given ETag. Pass "*" to force.
func (c *Client) DeleteTask(ctx context.Context, id, etag string) error {
	return c.do(ctx, http.MethodDelete, "/planner/tasks/"+url.PathEscape(id), etag, nil, nil)
}

// CreateSubscription registers a change-notification subscription.
func (c *Client) CreateSubscription(ctx context.Context, sub *Subscription) (*Subscription, error) {
	var out Subscription
	if err := c.do(ctx, http.MethodPost, "/subscriptions", "", sub, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RenewSubscription extends a subscription's expiration.
func (c *Client) RenewSubscription(ctx context.Context, id string, expires time.Time) (*Subscription, error) {
	var out Subscription
	patch := map[string]any{"expirationDateTime": expires.UTC().Format(time.RFC3339)}
	if err := c.do(ctx, http.MethodPatch, "/subscriptions/"+url.PathEscape(id), "", patch, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteSubscription removes a subscription.
func (c *Client) DeleteSubscription(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/subscriptions/"+url.PathEscape(id), "", nil, nil)
}

// ListChats returns the agent user's chats, for per-chat subscription
// fallback.
func (c *Client) ListChats(ctx context.Context, userID string) ([]Chat, error) {
	path := "/me/chats?$select=id,topic"
	if userID != "" {
		path = fmt.Sprintf("/users/%s/chats?$select=id,topic", url.PathEscape(userID))
	}
	return list[Chat](ctx, c, path)
}

// list fetches a collection, following @odata.nextLink pagination.
func list[T any](ctx context.Context, c *Client, path string) ([]T, error) {
	var out []T
	next := c.base + path
	for next != "" {
		var page listPage[T]
		if err := c.doURL(ctx, http.MethodGet, next, "", nil, &page); err != nil {
			return nil, err
		}
		out = append(out, page.Value...)
		next = page.NextLink
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path, etag string, body, dst any) error {
	return c.doURL(ctx, method, c.base+path, etag, body, dst)
}

func (c *Client) doURL(ctx context.Context, method, rawURL, etag string, body, dst any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("acquire token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if etag != "" {
		req.Header.Set("If-Match", etag)
	}
	if method == http.MethodPatch || method == http.MethodPost {
		// Ask the planner to return the updated representation so callers
		// get the fresh ETag without a second read.
		req.Header.Set("Prefer", "return=representation")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("planner %s %s: %w", method, rawURL, err)
	}
	defer resp.Body.Close()

	if c.reporter != nil {
		c.reporter.ReportResult(resp.StatusCode, parseRetryAfter(resp.Header.Get("Retry-After")))
	}

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if dst == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	perr := &Error{
		Status:     resp.StatusCode,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err == nil && env.Error.Code != "" {
		perr.Code = env.Error.Code
		perr.Message = env.Error.Message
	} else {
		perr.Message = string(data)
	}
	return perr
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
