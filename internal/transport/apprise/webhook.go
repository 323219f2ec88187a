package apprise

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"scoparia/internal/dispatch"
	"scoparia/internal/model"
)

type jsonPayload struct {
	Version string `json:"version"`
	Title   string `json:"title"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

// webhookTarget is a parsed json:// or form:// URL.
type webhookTarget struct {
	endpoint string
	username string
	password string
	headers  http.Header
}

// parseWebhook maps json[s]:// and form[s]:// onto http[s]://. Query
// parameters prefixed with "+" become request headers; the rest are kept
// on the endpoint.
func parseWebhook(raw string) (*webhookTarget, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse webhook url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("parse webhook url: missing host")
	}
	t := &webhookTarget{headers: http.Header{}}
	if u.User != nil {
		t.username = u.User.Username()
		t.password, _ = u.User.Password()
		u.User = nil
	}
	if strings.HasSuffix(u.Scheme, "s") {
		u.Scheme = "https"
	} else {
		u.Scheme = "http"
	}
	// Header keys are matched on the raw query, where "+" is still literal.
	var kept []string
	for _, kv := range strings.Split(u.RawQuery, "&") {
		if kv == "" {
			continue
		}
		key, val, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, "+") && len(key) > 1 {
			k, kerr := url.QueryUnescape(key[1:])
			v, verr := url.QueryUnescape(val)
			if kerr != nil || verr != nil {
				return nil, fmt.Errorf("parse webhook url: bad header parameter %q", kv)
			}
			t.headers.Add(k, v)
			continue
		}
		kept = append(kept, kv)
	}
	u.RawQuery = strings.Join(kept, "&")
	t.endpoint = u.String()
	return t, nil
}

func (t *Transport) sendJSON(ctx context.Context, raw string, m model.Message) error {
	target, err := parseWebhook(raw)
	if err != nil {
		return dispatch.Permanent(err)
	}
	body, err := json.Marshal(jsonPayload{Version: "1.0", Title: m.Title, Message: m.Body, Type: "info"})
	if err != nil {
		return dispatch.Permanent(fmt.Errorf("encode json payload: %w", err))
	}
	return t.post(ctx, target, "application/json", body)
}

func (t *Transport) sendForm(ctx context.Context, raw string, m model.Message) error {
	target, err := parseWebhook(raw)
	if err != nil {
		return dispatch.Permanent(err)
	}
	form := url.Values{
		"version": {"1.0"},
		"title":   {m.Title},
		"message": {m.Body},
		"type":    {"info"},
	}
	return t.post(ctx, target, "application/x-www-form-urlencoded", []byte(form.Encode()))
}

func (t *Transport) post(ctx context.Context, target *webhookTarget, contentType string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.endpoint, bytes.NewReader(body))
	if err != nil {
		return dispatch.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", "scoparia")
	for key, vals := range target.headers {
		for _, v := range vals {
			req.Header.Add(key, v)
		}
	}
	if target.username != "" {
		req.SetBasicAuth(target.username, target.password)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return dispatch.Transient(fmt.Errorf("post webhook: %w", err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return dispatch.StatusError(resp.StatusCode,
			fmt.Errorf("post webhook: %s returned status %d", req.URL.Host, resp.StatusCode))
	}
	return nil
}
