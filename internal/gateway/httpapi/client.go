// Package httpapi implements the booking gateway over the platform's JSON REST API.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"signupbot/internal/signup"
	logx "signupbot/pkg/logx"
)

var (
	ErrUnauthorized  = errors.New("authentication failed")
	ErrNoCredentials = errors.New("booking credentials are not configured")
)

const maxBody = 4 << 20

// Config configures the REST client. Credentials come from the environment;
// the caller resolves them before constructing the client.
type Config struct {
	BaseURL   string
	VenueID   string
	Username  string
	Password  string
	Timeout   time.Duration
	UserAgent string
}

// Client is a signup.Gateway. It owns the session token; a 401 on any call
// drops it so the next call logs in again.
type Client struct {
	cfg  Config
	base *url.URL
	hc   *http.Client
	log  logx.Logger

	mu    sync.Mutex
	token string

	loginMu sync.Mutex
}

var _ signup.Gateway = (*Client)(nil)

func New(cfg Config, log logx.Logger) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errors.New("gateway base_url is required")
	}
	u, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("gateway base_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("gateway base_url: unsupported scheme %q", u.Scheme)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "signupbot/1"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{cfg: cfg, base: u, hc: newHTTPClient(cfg.Timeout), log: log.With(logx.String("comp", "httpapi"))}, nil
}

func newHTTPClient(timeout time.Duration) *http.Client {
	d := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           d.DialContext,
		MaxIdleConns:          8,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
	return &http.Client{Transport: tr, Timeout: timeout}
}

// Invalidate drops the cached session token.
func (c *Client) Invalidate() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

func (c *Client) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *Client) session(ctx context.Context) (string, error) {
	if tok := c.currentToken(); tok != "" {
		return tok, nil
	}
	c.loginMu.Lock()
	defer c.loginMu.Unlock()
	if tok := c.currentToken(); tok != "" {
		return tok, nil
	}
	if c.cfg.Username == "" || c.cfg.Password == "" {
		return "", ErrNoCredentials
	}
	body, _ := json.Marshal(map[string]string{"username": c.cfg.Username, "password": c.cfg.Password})
	status, raw, err := c.send(ctx, http.MethodPost, "/auth/login", nil, body, "")
	if err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return "", fmt.Errorf("login: %w", ErrUnauthorized)
	}
	if status/100 != 2 {
		return "", fmt.Errorf("login: http %d", status)
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Token == "" {
		return "", errors.New("login: response has no token")
	}
	c.mu.Lock()
	c.token = resp.Token
	c.mu.Unlock()
	c.log.Info("session established")
	return resp.Token, nil
}

func (c *Client) send(ctx context.Context, method, path string, q url.Values, body []byte, token string) (int, []byte, error) {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, raw, nil
}

// call performs an authenticated request. A 401 invalidates the session.
func (c *Client) call(ctx context.Context, method, path string, q url.Values, body []byte) (int, []byte, error) {
	tok, err := c.session(ctx)
	if err != nil {
		return 0, nil, err
	}
	status, raw, err := c.send(ctx, method, path, q, body, tok)
	if err != nil {
		return status, raw, err
	}
	if status == http.StatusUnauthorized {
		c.Invalidate()
		c.log.Warn("session rejected; will re-authenticate", logx.String("path", path))
		return status, raw, ErrUnauthorized
	}
	return status, raw, nil
}

type occurrenceDTO struct {
	ID               string          `json:"id"`
	ActivityID       string          `json:"activity_id"`
	ActivityName     string          `json:"activity_name"`
	InstructorID     string          `json:"instructor_id"`
	LocationID       string          `json:"location_id"`
	Start            time.Time       `json:"start"`
	DurationMinutes  int             `json:"duration_minutes"`
	Capacity         int             `json:"capacity"`
	Attended         int             `json:"attended"`
	IsEnrolled       bool            `json:"is_enrolled"`
	IsWaitlisted     bool            `json:"is_waitlisted"`
	BookingLeadHours int             `json:"booking_lead_hours"`
	LockVersion      json.RawMessage `json:"lock_version"`
	Status           string          `json:"status"`
}

func (d occurrenceDTO) toOccurrence() signup.Occurrence {
	return signup.Occurrence{
		ID:               d.ID,
		ActivityID:       d.ActivityID,
		ActivityName:     d.ActivityName,
		InstructorID:     d.InstructorID,
		LocationID:       d.LocationID,
		Start:            d.Start,
		Duration:         time.Duration(d.DurationMinutes) * time.Minute,
		Capacity:         d.Capacity,
		Attended:         d.Attended,
		IsEnrolled:       d.IsEnrolled,
		IsWaitlisted:     d.IsWaitlisted,
		BookingLeadHours: d.BookingLeadHours,
		LockVersion:      lockVersionString(d.LockVersion),
		Status:           signup.Status(d.Status),
	}
}

// lockVersionString accepts the token as a JSON string or number.
func lockVersionString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func (c *Client) FetchOccurrences(ctx context.Context, f signup.Filter) ([]signup.Occurrence, error) {
	q := url.Values{}
	venue := f.VenueID
	if venue == "" {
		venue = c.cfg.VenueID
	}
	if venue != "" {
		q.Set("venue_id", venue)
	}
	if !f.From.IsZero() {
		q.Set("from", f.From.UTC().Format(time.RFC3339))
	}
	if !f.To.IsZero() {
		q.Set("to", f.To.UTC().Format(time.RFC3339))
	}
	for _, id := range f.ActivityIDs {
		q.Add("activity_id", id)
	}
	for _, id := range f.OccurrenceIDs {
		q.Add("id", id)
	}

	status, raw, err := c.call(ctx, http.MethodGet, "/occurrences", q, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch occurrences: %w", err)
	}
	if status/100 != 2 {
		return nil, fmt.Errorf("fetch occurrences: http %d: %s", status, snippet(raw))
	}
	var dtos []occurrenceDTO
	if err := json.Unmarshal(raw, &dtos); err != nil {
		return nil, fmt.Errorf("fetch occurrences: decode: %w", err)
	}
	out := make([]signup.Occurrence, 0, len(dtos))
	for _, d := range dtos {
		if d.ID == "" {
			continue
		}
		out = append(out, d.toOccurrence())
	}
	return out, nil
}

type writeResponse struct {
	Result  string `json:"result"`
	Message string `json:"message"`
}

var resultKinds = map[string]signup.OutcomeKind{
	"booked":               signup.OutcomeSuccess,
	"waitlisted":           signup.OutcomeWaitlisted,
	"already_enrolled":     signup.OutcomeAlreadyEnrolled,
	"already_waitlisted":   signup.OutcomeAlreadyWaitlisted,
	"full":                 signup.OutcomeFull,
	"waitlist_full":        signup.OutcomeWaitlistFull,
	"waitlist_unavailable": signup.OutcomeWaitlistUnavailable,
}

// outcomeOf maps a write response. A recognized result wins over the status
// code; a bare 2xx is a success.
func outcomeOf(status int, raw []byte) signup.Outcome {
	var resp writeResponse
	_ = json.Unmarshal(raw, &resp)
	if kind, ok := resultKinds[strings.ToLower(strings.TrimSpace(resp.Result))]; ok {
		return signup.Outcome{Kind: kind, Detail: resp.Message}
	}
	if status/100 == 2 && resp.Result == "" {
		return signup.Succeeded(resp.Message)
	}
	if resp.Result != "" {
		return signup.Failed("unexpected result " + strconv.Quote(resp.Result))
	}
	msg := resp.Message
	if msg == "" {
		msg = snippet(raw)
	}
	return signup.Failed(fmt.Sprintf("http %d: %s", status, msg))
}

func (c *Client) write(ctx context.Context, method, path string, body any) signup.Outcome {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return signup.Failed(err.Error())
		}
		payload = b
	}
	status, raw, err := c.call(ctx, method, path, nil, payload)
	if errors.Is(err, ErrUnauthorized) {
		return signup.Failed(ErrUnauthorized.Error())
	}
	if err != nil {
		return signup.Failed(err.Error())
	}
	return outcomeOf(status, raw)
}

func occurrencePath(id, leaf string) string {
	return "/occurrences/" + url.PathEscape(id) + "/" + leaf
}

func (c *Client) Register(ctx context.Context, occurrenceID, lockVersion string) signup.Outcome {
	return c.write(ctx, http.MethodPost, occurrencePath(occurrenceID, "registration"), map[string]string{"lock_version": lockVersion})
}

func (c *Client) JoinWaitlist(ctx context.Context, occurrenceID string) signup.Outcome {
	return c.write(ctx, http.MethodPost, occurrencePath(occurrenceID, "waitlist"), nil)
}

func (c *Client) Cancel(ctx context.Context, occurrenceID string) signup.Outcome {
	return c.write(ctx, http.MethodDelete, occurrencePath(occurrenceID, "registration"), nil)
}

func (c *Client) LeaveWaitlist(ctx context.Context, occurrenceID string) signup.Outcome {
	return c.write(ctx, http.MethodDelete, occurrencePath(occurrenceID, "waitlist"), nil)
}

func snippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
