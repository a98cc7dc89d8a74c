package agentmarket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the AgentMarket Chain REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// Credentials represents operator credentials used to obtain access tokens.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Token represents an issued access token.
type Token struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// TaskSubmission represents the payload required to create a new task. An
// empty Price marks the task as an auction.
type TaskSubmission struct {
	Creator            string `json:"creator"`
	CapabilityRequired uint64 `json:"capability_required"`
	Title              string `json:"title"`
	Description        string `json:"description,omitempty"`
	Price              string `json:"price,omitempty"`
	Deadline           int64  `json:"deadline"`
}

// Task mirrors the server side task representation.
type Task struct {
	ID                 uint64   `json:"id"`
	Creator            string   `json:"creator"`
	CapabilityRequired uint64   `json:"capability_required"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	Price              *big.Int `json:"price"`
	CurrentBid         *big.Int `json:"current_bid"`
	Assignee           string   `json:"assignee,omitempty"`
	Status             string   `json:"status"`
	ResultHash         string   `json:"result_hash,omitempty"`
	CreatedAt          int64    `json:"created_at"`
	Deadline           int64    `json:"deadline"`
	CompletedAt        int64    `json:"completed_at,omitempty"`
}

// Bid mirrors the server side bid record.
type Bid struct {
	TaskID   uint64   `json:"task_id"`
	Bidder   string   `json:"bidder"`
	Amount   *big.Int `json:"amount"`
	Refunded bool     `json:"refunded"`
	PlacedAt int64    `json:"placed_at"`
}

// CancelResult carries the cancelled task plus a flag signalling that some
// escrow refunds are still outstanding and will be retried out of band.
type CancelResult struct {
	Task           *Task `json:"task"`
	RefundsPending bool  `json:"refunds_pending,omitempty"`
}

// AgentState mirrors the server side succession record.
type AgentState struct {
	Owner            string `json:"owner"`
	Successor        string `json:"successor,omitempty"`
	LastHeartbeat    int64  `json:"last_heartbeat"`
	Offline          bool   `json:"offline"`
	HandoverDeadline int64  `json:"handover_deadline,omitempty"`
}

// MarketStats aggregates task counters.
type MarketStats struct {
	Total     int `json:"total"`
	Open      int `json:"open"`
	Assigned  int `json:"assigned"`
	Completed int `json:"completed"`
	Cancelled int `json:"cancelled"`
	Auctions  int `json:"auctions"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agentmarket api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agentmarket api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the AgentMarket Chain API. When
// httpClient is nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// Authenticate exchanges credentials for an access token and stores it for
// subsequent administrative calls.
func (c *Client) Authenticate(ctx context.Context, creds Credentials) (Token, error) {
	var token Token
	if err := c.post(ctx, "/api/v1/auth/token", creds, &token, false); err != nil {
		return Token{}, err
	}
	c.mu.Lock()
	c.accessToken = token.AccessToken
	c.mu.Unlock()
	return token, nil
}

// CreateTask publishes a new task to the marketplace.
func (c *Client) CreateTask(ctx context.Context, submission TaskSubmission) (*Task, error) {
	var task Task
	if err := c.post(ctx, "/api/v1/tasks", submission, &task, false); err != nil {
		return nil, err
	}
	return &task, nil
}

// GetTask fetches a task by identifier.
func (c *Client) GetTask(ctx context.Context, taskID uint64) (*Task, error) {
	var task Task
	if err := c.get(ctx, fmt.Sprintf("/api/v1/tasks/%d", taskID), &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// ListOpenTasks returns every task still accepting agents or bids.
func (c *Client) ListOpenTasks(ctx context.Context) ([]*Task, error) {
	var tasks []*Task
	if err := c.get(ctx, "/api/v1/tasks", &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// ListTasksByCapability returns non-cancelled tasks requiring exactly the
// given capability mask.
func (c *Client) ListTasksByCapability(ctx context.Context, capability uint64) ([]*Task, error) {
	var tasks []*Task
	endpoint := fmt.Sprintf("/api/v1/tasks?capability=%d", capability)
	if err := c.get(ctx, endpoint, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// AcceptTask claims a fixed-price task for the given agent.
func (c *Client) AcceptTask(ctx context.Context, taskID uint64, agent string) (*Task, error) {
	var task Task
	payload := map[string]string{"agent": agent}
	if err := c.post(ctx, fmt.Sprintf("/api/v1/tasks/%d/accept", taskID), payload, &task, false); err != nil {
		return nil, err
	}
	return &task, nil
}

// AssignAgent lets the task creator hand a fixed-price task to an agent.
func (c *Client) AssignAgent(ctx context.Context, taskID uint64, caller, agent string) (*Task, error) {
	var task Task
	payload := map[string]string{"caller": caller, "agent": agent}
	if err := c.post(ctx, fmt.Sprintf("/api/v1/tasks/%d/assign", taskID), payload, &task, false); err != nil {
		return nil, err
	}
	return &task, nil
}

// PlaceBid submits a bid on an auction task. The amount is a decimal string.
func (c *Client) PlaceBid(ctx context.Context, taskID uint64, bidder, amount string) (*Task, error) {
	var task Task
	payload := map[string]string{"bidder": bidder, "amount": amount}
	if err := c.post(ctx, fmt.Sprintf("/api/v1/tasks/%d/bids", taskID), payload, &task, false); err != nil {
		return nil, err
	}
	return &task, nil
}

// ListBids returns the bid history of a task in ascending amount order.
func (c *Client) ListBids(ctx context.Context, taskID uint64) ([]*Bid, error) {
	var bids []*Bid
	if err := c.get(ctx, fmt.Sprintf("/api/v1/tasks/%d/bids", taskID), &bids); err != nil {
		return nil, err
	}
	return bids, nil
}

// CompleteTask settles a task on behalf of its assigned agent.
func (c *Client) CompleteTask(ctx context.Context, taskID uint64, agent, resultHash string) (*Task, error) {
	var task Task
	payload := map[string]string{"agent": agent, "result_hash": resultHash}
	if err := c.post(ctx, fmt.Sprintf("/api/v1/tasks/%d/complete", taskID), payload, &task, false); err != nil {
		return nil, err
	}
	return &task, nil
}

// CancelTask cancels a task and triggers escrow refunds.
func (c *Client) CancelTask(ctx context.Context, taskID uint64, caller string) (*CancelResult, error) {
	var result CancelResult
	payload := map[string]string{"caller": caller}
	if err := c.post(ctx, fmt.Sprintf("/api/v1/tasks/%d/cancel", taskID), payload, &result, false); err != nil {
		return nil, err
	}
	return &result, nil
}

// Stats returns aggregate task counters.
func (c *Client) Stats(ctx context.Context) (MarketStats, error) {
	var stats MarketStats
	if err := c.get(ctx, "/api/v1/stats", &stats); err != nil {
		return MarketStats{}, err
	}
	return stats, nil
}

// FeeRate returns the current protocol fee in basis points.
func (c *Client) FeeRate(ctx context.Context) (uint64, error) {
	var resp struct {
		FeeRateBps uint64 `json:"fee_rate_bps"`
	}
	if err := c.get(ctx, "/api/v1/fee", &resp); err != nil {
		return 0, err
	}
	return resp.FeeRateBps, nil
}

// UpdateFeeRate adjusts the protocol fee. Requires an admin access token.
func (c *Client) UpdateFeeRate(ctx context.Context, bps uint64) error {
	payload := map[string]uint64{"fee_rate_bps": bps}
	req, err := c.newRequest(ctx, http.MethodPut, "/api/v1/fee", jsonBody(payload), true)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, nil)
}

// RegisterAgent enrolls an agent into the succession registry.
func (c *Client) RegisterAgent(ctx context.Context, owner, successor string) (*AgentState, error) {
	var state AgentState
	payload := map[string]string{"owner": owner}
	if successor != "" {
		payload["successor"] = successor
	}
	if err := c.post(ctx, "/api/v1/agents", payload, &state, false); err != nil {
		return nil, err
	}
	return &state, nil
}

// Heartbeat refreshes an agent's liveness timestamp.
func (c *Client) Heartbeat(ctx context.Context, owner string) (*AgentState, error) {
	var state AgentState
	if err := c.post(ctx, fmt.Sprintf("/api/v1/agents/%s/heartbeat", owner), struct{}{}, &state, false); err != nil {
		return nil, err
	}
	return &state, nil
}

// GetAgent fetches an agent's succession record.
func (c *Client) GetAgent(ctx context.Context, owner string) (*AgentState, error) {
	var state AgentState
	if err := c.get(ctx, fmt.Sprintf("/api/v1/agents/%s", owner), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// CheckOffline reports whether an agent is considered offline.
func (c *Client) CheckOffline(ctx context.Context, owner string) (bool, error) {
	var resp struct {
		Offline bool `json:"offline"`
	}
	if err := c.get(ctx, fmt.Sprintf("/api/v1/agents/%s/status", owner), &resp); err != nil {
		return false, err
	}
	return resp.Offline, nil
}

// InitiateHandover opens a succession window toward the named successor. The
// successor may be a hex address or a registered identity name.
func (c *Client) InitiateHandover(ctx context.Context, owner, successor string) (*AgentState, error) {
	var state AgentState
	payload := map[string]string{"successor": successor}
	if err := c.post(ctx, fmt.Sprintf("/api/v1/agents/%s/handover", owner), payload, &state, false); err != nil {
		return nil, err
	}
	return &state, nil
}

// AcceptHandover completes a pending handover as the designated successor.
func (c *Client) AcceptHandover(ctx context.Context, successor string) (*AgentState, error) {
	var state AgentState
	payload := map[string]string{"successor": successor}
	if err := c.post(ctx, "/api/v1/handover/accept", payload, &state, false); err != nil {
		return nil, err
	}
	return &state, nil
}

// SearchAgents returns registered agents whose capability bits cover the mask.
func (c *Client) SearchAgents(ctx context.Context, capability uint64) ([]string, error) {
	var addrs []string
	endpoint := fmt.Sprintf("/api/v1/agents?capability=%d", capability)
	if err := c.get(ctx, endpoint, &addrs); err != nil {
		return nil, err
	}
	return addrs, nil
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken overrides the stored access token.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

func jsonBody(payload any) io.Reader {
	data, _ := json.Marshal(payload)
	return bytes.NewReader(data)
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any, withAuth bool) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body), withAuth)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil, false)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader, withAuth bool) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if withAuth {
		token := c.AccessToken()
		if token == "" {
			return nil, errors.New("agentmarket: access token is not set")
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr APIError
		apiErr.StatusCode = resp.StatusCode
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr}); err != nil {
				// try direct decode into apiErr if server returned flat payload
				_ = json.Unmarshal(data, &apiErr)
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
