// Package wikidot is a small client for the Wikidot session and ajax APIs:
// login, the ajax module connector, private messages, dashboard contacts and
// ListPages queries.
package wikidot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// DefaultBaseURL is the platform's main site, used for login, private
// messages and the dashboard.
const DefaultBaseURL = "https://www.wikidot.com"

const (
	sessionCookie = "WIKIDOT_SESSION_ID"
	tokenCookie   = "wikidot_token7"
	// The ajax connector only checks that the token cookie and form field match.
	token = "123456"

	userAgent    = "Scoparia/1.0"
	maxBodyBytes = 5 * 1024 * 1024
)

var (
	// ErrLoginFailed is returned when the platform rejects the credentials.
	ErrLoginFailed = errors.New("wikidot: login failed")
	// ErrForbidden is returned when an ajax call answers no_permission.
	ErrForbidden = errors.New("wikidot: no permission")
)

// HTTPError reports a non-200 response.
type HTTPError struct {
	Code int
	URL  string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("wikidot: %s returned status %d", e.URL, e.Code)
}

// StatusError reports an ajax response whose status is not "ok".
type StatusError struct {
	Status  string
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("wikidot: ajax status %s: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("wikidot: ajax status %s", e.Status)
}

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client holds a Wikidot session. It is safe for concurrent use.
type Client struct {
	http    HTTPClient
	baseURL string
	logger  *slog.Logger

	mu        sync.RWMutex
	sessionID string
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the main site URL.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates an anonymous client. Call Login to start a session.
func New(httpClient HTTPClient, opts ...Option) *Client {
	c := &Client{
		http:    httpClient,
		baseURL: DefaultBaseURL,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// BaseURL returns the main site URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// LoggedIn reports whether the client holds a session.
func (c *Client) LoggedIn() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID != ""
}

// Login starts a session with the given credentials.
func (c *Client) Login(ctx context.Context, username, password string) error {
	form := url.Values{
		"login":    {username},
		"password": {password},
		"action":   {"Login2Action"},
		"event":    {"login"},
	}
	endpoint := c.baseURL + "/default--flow/login__LoginPopupScreen"

	resp, err := c.post(ctx, endpoint, form)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("login: %w", &HTTPError{Code: resp.StatusCode, URL: endpoint})
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("login: read body: %w", err)
	}
	if strings.Contains(string(body), "The login and password do not match") {
		return fmt.Errorf("%w: invalid username or password", ErrLoginFailed)
	}

	for _, ck := range resp.Cookies() {
		if ck.Name == sessionCookie && ck.Value != "" {
			c.mu.Lock()
			c.sessionID = ck.Value
			c.mu.Unlock()
			c.logger.Info("wikidot login succeeded", "username", username)
			return nil
		}
	}
	return fmt.Errorf("%w: no session cookie in response", ErrLoginFailed)
}

// Do sends req with the session cookies attached. It lets feed fetches see
// private sites the account is a member of.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	c.decorate(req)
	return c.http.Do(req)
}

type ajaxResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Body    string `json:"body"`
}

// Ajax calls the module connector of siteURL and returns the response body
// HTML. A status other than "ok" is returned as *StatusError, or
// ErrForbidden for no_permission.
func (c *Client) Ajax(ctx context.Context, siteURL string, form url.Values) (string, error) {
	endpoint := strings.TrimRight(siteURL, "/") + "/ajax-module-connector.php"

	payload := url.Values{}
	for k, v := range form {
		payload[k] = v
	}
	payload.Set(tokenCookie, token)

	resp, err := c.post(ctx, endpoint, payload)
	if err != nil {
		return "", fmt.Errorf("ajax: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", &HTTPError{Code: resp.StatusCode, URL: endpoint}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("ajax: read body: %w", err)
	}
	var ar ajaxResponse
	if err := json.Unmarshal(data, &ar); err != nil {
		return "", fmt.Errorf("ajax: decode response: %w", err)
	}

	switch ar.Status {
	case "ok":
		return ar.Body, nil
	case "no_permission":
		return "", ErrForbidden
	case "":
		return "", fmt.Errorf("ajax: empty response status")
	default:
		return "", &StatusError{Status: ar.Status, Message: ar.Message}
	}
}

// SendPrivateMessage sends a private message from the logged-in account.
func (c *Client) SendPrivateMessage(ctx context.Context, toUserID int64, subject, body string) error {
	if !c.LoggedIn() {
		return errors.New("send private message: login required")
	}
	_, err := c.Ajax(ctx, c.baseURL, url.Values{
		"source":     {body},
		"subject":    {subject},
		"to_user_id": {fmt.Sprint(toUserID)},
		"action":     {"DashboardMessageAction"},
		"event":      {"send"},
		"moduleName": {"Empty"},
	})
	if err != nil {
		return fmt.Errorf("send private message to %d: %w", toUserID, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, endpoint string, form url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	c.decorate(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http post: %w", err)
	}
	return resp, nil
}

func (c *Client) decorate(req *http.Request) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", userAgent)
	}
	req.AddCookie(&http.Cookie{Name: tokenCookie, Value: token})
	c.mu.RLock()
	sid := c.sessionID
	c.mu.RUnlock()
	if sid != "" {
		req.AddCookie(&http.Cookie{Name: sessionCookie, Value: sid})
	}
}
