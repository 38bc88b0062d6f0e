package desitargetsdk

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

// Client is a minimal desitarget HTTP API client.
type Client struct {
	BaseURL     string
	Survey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client for one survey with sane defaults.
func New(baseURL, survey string) *Client {
	return &Client{
		BaseURL: baseURL,
		Survey:  survey,
		Timeout: 10 * time.Second,
	}
}

// Bit names one set bit; State is optional and only used for priorities.
type Bit struct {
	Mask  string `json:"mask"`
	Bit   string `json:"bit"`
	State string `json:"state,omitempty"`
}

// BitInfo is a bit with its resolved rules.
type BitInfo struct {
	Mask          string         `json:"mask"`
	Name          string         `json:"name"`
	Bit           int            `json:"bit"`
	Value         uint64         `json:"value"`
	Description   string         `json:"description"`
	ObsConditions []string       `json:"obsconditions"`
	Filename      string         `json:"filename"`
	Priorities    map[string]int `json:"priorities"`
	NumObs        *int           `json:"numobs"`
}

// Mask is a mask listing.
type Mask struct {
	Name string    `json:"name"`
	Bits []BitInfo `json:"bits"`
}

// Target is a finalized target from the ledger (partial).
type Target struct {
	TargetID      uint64            `json:"targetid"`
	Survey        string            `json:"survey"`
	RunID         string            `json:"run_id"`
	Bits          map[string]uint64 `json:"bits"`
	PriorityInit  int               `json:"priority_init"`
	NumObsInit    int               `json:"numobs_init"`
	Priority      *int              `json:"priority"`
	ObsConditions uint64            `json:"obsconditions"`
}

// Run is a batch run.
type Run struct {
	ID         string  `json:"id"`
	Survey     string  `json:"survey"`
	Status     string  `json:"status"`
	Units      int     `json:"units"`
	Succeeded  int     `json:"succeeded"`
	Failed     int     `json:"failed"`
	Targets    int     `json:"targets"`
	StartedAt  string  `json:"started_at"`
	FinishedAt *string `json:"finished_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	RunID      string         `json:"run_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code is taken from the error envelope
// when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Priority returns the combined priority of bits; bits without their own
// state are evaluated at state (UNOBS when empty).
func (c *Client) Priority(ctx context.Context, state string, bits ...Bit) (int, error) {
	body := map[string]any{"bits": bits}
	if state != "" {
		body["state"] = state
	}
	var resp struct {
		Priority int `json:"priority"`
	}
	err := c.do(ctx, http.MethodPost, c.surveyPath("priority"), body, &resp)
	return resp.Priority, err
}

// NumObs returns the number of observations requested for bits.
func (c *Client) NumObs(ctx context.Context, bits ...Bit) (int, error) {
	var resp struct {
		NumObs int `json:"numobs"`
	}
	err := c.do(ctx, http.MethodPost, c.surveyPath("numobs"), map[string]any{"bits": bits}, &resp)
	return resp.NumObs, err
}

// Mask returns a mask with the resolved rules of every bit.
func (c *Client) Mask(ctx context.Context, mask string) (Mask, error) {
	var resp Mask
	err := c.do(ctx, http.MethodGet, c.surveyPath("masks/"+url.PathEscape(mask)), nil, &resp)
	return resp, err
}

// Bit returns one bit with its resolved rules.
func (c *Client) Bit(ctx context.Context, mask, bit string) (BitInfo, error) {
	var resp BitInfo
	endpoint := c.surveyPath(fmt.Sprintf("masks/%s/bits/%s", url.PathEscape(mask), url.PathEscape(bit)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Target fetches a finalized target.
func (c *Client) Target(ctx context.Context, targetID uint64) (Target, error) {
	var resp Target
	err := c.do(ctx, http.MethodGet, "v0/targets/"+strconv.FormatUint(targetID, 10), nil, &resp)
	return resp, err
}

// Runs lists recent batch runs.
func (c *Client) Runs(ctx context.Context, limit int) ([]Run, error) {
	endpoint := "v0/runs"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Run
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v0/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) surveyPath(p string) string {
	return fmt.Sprintf("v0/surveys/%s/%s", url.PathEscape(c.Survey), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
