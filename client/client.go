// Package client is a Go client for the intercom coordination server.
package client

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
	"strings"
	"time"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
	Project string
}

type Option func(*Client)

func WithProject(project string) Option {
	return func(c *Client) {
		c.Project = strings.TrimSpace(project)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.HTTP = httpClient
		}
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type Agent struct {
	Name            string            `json:"name"`
	Project         string            `json:"project"`
	Program         string            `json:"program"`
	Model           string            `json:"model"`
	TaskDescription string            `json:"task_description,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	InceptionTS     string            `json:"inception_ts"`
	LastActiveTS    string            `json:"last_active_ts"`
	DeregisteredTS  *string           `json:"deregistered_ts,omitempty"`
}

type RegisterRequest struct {
	Project         string            `json:"project_key"`
	Program         string            `json:"program"`
	Model           string            `json:"model"`
	Name            string            `json:"name,omitempty"`
	TaskDescription string            `json:"task_description,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

type DeregisterResult struct {
	Agent                    string  `json:"agent"`
	WasRegistered            bool    `json:"was_registered"`
	AlreadyDeregistered      bool    `json:"already_deregistered"`
	ContactLinksRemoved      int     `json:"contact_links_removed"`
	FileReservationsReleased int     `json:"file_reservations_released"`
	InboxRecordsDeleted      int     `json:"inbox_records_deleted"`
	DeregisteredTS           *string `json:"deregistered_ts,omitempty"`
}

type Contact struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Reason    string `json:"reason,omitempty"`
	CreatedTS string `json:"created_ts"`
	Created   bool   `json:"created,omitempty"`
}

type Reservation struct {
	ID          string `json:"id"`
	Agent       string `json:"agent"`
	PathPattern string `json:"path_pattern"`
	Exclusive   bool   `json:"exclusive"`
	Reason      string `json:"reason,omitempty"`
	CreatedTS   string `json:"created_ts"`
	ExpiresTS   string `json:"expires_ts"`
}

type ReserveRequest struct {
	Project    string   `json:"project_key"`
	Agent      string   `json:"agent_name"`
	Paths      []string `json:"paths"`
	TTLSeconds int      `json:"ttl_seconds,omitempty"`
	Exclusive  *bool    `json:"exclusive,omitempty"`
	Reason     string   `json:"reason,omitempty"`
}

type Conflict struct {
	Pattern       string `json:"pattern"`
	ReservationID string `json:"reservation_id"`
	Holder        string `json:"holder"`
	HeldPattern   string `json:"held_pattern"`
	Exclusive     bool   `json:"exclusive"`
	ExpiresAt     string `json:"expires_at"`
}

type SendRequest struct {
	Project     string   `json:"project_key"`
	Sender      string   `json:"sender_name"`
	To          []string `json:"to"`
	Subject     string   `json:"subject"`
	Body        string   `json:"body_md"`
	ThreadID    string   `json:"thread_id,omitempty"`
	Importance  string   `json:"importance,omitempty"`
	AckRequired bool     `json:"ack_required,omitempty"`
}

type SendResult struct {
	ID         string   `json:"id"`
	Cursor     uint64   `json:"cursor"`
	Recipients []string `json:"recipients"`
	CreatedTS  string   `json:"created_ts"`
}

type InboxEntry struct {
	ID          string   `json:"id"`
	Cursor      uint64   `json:"cursor"`
	ThreadID    string   `json:"thread_id,omitempty"`
	From        string   `json:"from"`
	To          []string `json:"to"`
	Subject     string   `json:"subject"`
	Body        string   `json:"body_md"`
	Importance  string   `json:"importance"`
	AckRequired bool     `json:"ack_required"`
	CreatedTS   string   `json:"created_ts"`
	ReadTS      *string  `json:"read_ts,omitempty"`
	AckTS       *string  `json:"ack_ts,omitempty"`
}

type InboxResponse struct {
	Messages []InboxEntry `json:"messages"`
	Cursor   uint64       `json:"cursor"`
}

// APIError is a non-2xx response. Code is the server's error slug
// ("deregistered", "reservation_conflict", "not_found", ...).
type APIError struct {
	Status    int        `json:"-"`
	Code      string     `json:"error"`
	Message   string     `json:"message"`
	Conflicts []Conflict `json:"conflicts,omitempty"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("request failed: %d", e.Status)
}

// IsDeregistered reports whether err is the server refusing a deregistered
// or unknown party.
func IsDeregistered(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "deregistered"
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

func (c *Client) project(p string) string {
	if p != "" {
		return p
	}
	return c.Project
}

func (c *Client) RegisterAgent(ctx context.Context, req RegisterRequest) (Agent, error) {
	req.Project = c.project(req.Project)
	var out Agent
	return out, c.do(ctx, http.MethodPost, "/api/agents", req, &out)
}

func (c *Client) Whois(ctx context.Context, name string) (Agent, error) {
	var out Agent
	return out, c.do(ctx, http.MethodGet, c.agentPath(name, "", nil), nil, &out)
}

func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	var out struct {
		Agents []Agent `json:"agents"`
	}
	err := c.do(ctx, http.MethodGet, "/api/agents?"+c.query(nil).Encode(), nil, &out)
	return out.Agents, err
}

func (c *Client) Deregister(ctx context.Context, name string, deleteInbox bool) (DeregisterResult, error) {
	extra := url.Values{}
	if deleteInbox {
		extra.Set("delete_inbox", "true")
	}
	var out DeregisterResult
	return out, c.do(ctx, http.MethodDelete, c.agentPath(name, "", extra), nil, &out)
}

func (c *Client) RequestContact(ctx context.Context, from, to, reason string) (Contact, error) {
	body := map[string]string{"project": c.Project, "to": to, "reason": reason}
	var out Contact
	return out, c.do(ctx, http.MethodPost, "/api/agents/"+url.PathEscape(from)+"/contacts", body, &out)
}

func (c *Client) ListContacts(ctx context.Context, agent string) ([]Contact, error) {
	var out struct {
		Contacts []Contact `json:"contacts"`
	}
	err := c.do(ctx, http.MethodGet, c.agentPath(agent, "/contacts", nil), nil, &out)
	return out.Contacts, err
}

func (c *Client) Reserve(ctx context.Context, req ReserveRequest) ([]Reservation, error) {
	req.Project = c.project(req.Project)
	var out struct {
		Granted []Reservation `json:"granted"`
	}
	err := c.do(ctx, http.MethodPost, "/api/reservations", req, &out)
	return out.Granted, err
}

// Release drops the agent's leases on paths, or all of them when paths is
// empty. It returns the number released.
func (c *Client) Release(ctx context.Context, agent string, paths ...string) (int, error) {
	body := map[string]any{"project_key": c.Project, "agent_name": agent, "paths": paths}
	var out struct {
		Released int `json:"released"`
	}
	err := c.do(ctx, http.MethodPost, "/api/reservations/release", body, &out)
	return out.Released, err
}

func (c *Client) Renew(ctx context.Context, agent string, extend time.Duration, paths ...string) ([]Reservation, error) {
	body := map[string]any{"project_key": c.Project, "agent_name": agent, "extend_seconds": int(extend / time.Second), "paths": paths}
	var out struct {
		Reservations []Reservation `json:"file_reservations"`
	}
	err := c.do(ctx, http.MethodPost, "/api/reservations/renew", body, &out)
	return out.Reservations, err
}

// ListReservations returns active leases; agent "" lists the whole project.
func (c *Client) ListReservations(ctx context.Context, agent string) ([]Reservation, error) {
	extra := url.Values{}
	if agent != "" {
		extra.Set("agent", agent)
	}
	var out struct {
		Reservations []Reservation `json:"reservations"`
	}
	err := c.do(ctx, http.MethodGet, "/api/reservations?"+c.query(extra).Encode(), nil, &out)
	return out.Reservations, err
}

func (c *Client) SendMessage(ctx context.Context, req SendRequest) (SendResult, error) {
	req.Project = c.project(req.Project)
	var out SendResult
	return out, c.do(ctx, http.MethodPost, "/api/messages", req, &out)
}

func (c *Client) InboxSince(ctx context.Context, agent string, cursor uint64, limit int) (InboxResponse, error) {
	extra := url.Values{}
	extra.Set("since_cursor", strconv.FormatUint(cursor, 10))
	if limit > 0 {
		extra.Set("limit", strconv.Itoa(limit))
	}
	var out InboxResponse
	return out, c.do(ctx, http.MethodGet, "/api/inbox/"+url.PathEscape(agent)+"?"+c.query(extra).Encode(), nil, &out)
}

func (c *Client) Ack(ctx context.Context, agent, messageID string) error {
	return c.messageAction(ctx, agent, messageID, "ack")
}

func (c *Client) Read(ctx context.Context, agent, messageID string) error {
	return c.messageAction(ctx, agent, messageID, "read")
}

func (c *Client) messageAction(ctx context.Context, agent, messageID, action string) error {
	endpoint := "/api/messages/" + url.PathEscape(messageID) + "/" + action
	return c.do(ctx, http.MethodPost, endpoint, map[string]string{"project": c.Project, "agent": agent}, nil)
}

// CallTool invokes a named tool and decodes its result into out.
func (c *Client) CallTool(ctx context.Context, name string, args any, out any) error {
	var env struct {
		Result json.RawMessage `json:"result"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/tools/"+url.PathEscape(name), args, &env); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(env.Result, out)
}

// Health returns the server's /healthz body.
func (c *Client) Health(ctx context.Context) (map[string]string, error) {
	var out map[string]string
	return out, c.do(ctx, http.MethodGet, "/healthz", nil, &out)
}

func (c *Client) query(extra url.Values) url.Values {
	q := url.Values{}
	if c.Project != "" {
		q.Set("project", c.Project)
	}
	for k, vs := range extra {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	return q
}

func (c *Client) agentPath(name, suffix string, extra url.Values) string {
	return "/api/agents/" + url.PathEscape(name) + suffix + "?" + c.query(extra).Encode()
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(apiErr)
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
