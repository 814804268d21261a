package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/go-querystring/query"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"
)

// RESTClientConfig configures the per-server mutation API client.
type RESTClientConfig struct {
	// BaseURL is the root of the session API, e.g. "https://api.example.net/v1".
	BaseURL string

	// Token authenticates the agent.
	Token string

	// Retries bounds transient-failure retries per call. Defaults to 3.
	Retries int
}

// RESTClient talks to the session layer's HTTP API. One client is shared by
// all server sessions.
type RESTClient struct {
	config RESTClientConfig
	http   *retryablehttp.Client
}

// NewRESTClient creates a shared API client.
func NewRESTClient(config RESTClientConfig) *RESTClient {
	rc := retryablehttp.NewClient()
	rc.RetryMax = config.Retries
	if rc.RetryMax <= 0 {
		rc.RetryMax = 3
	}
	rc.HTTPClient.Timeout = 30 * time.Second
	// retryablehttp's default logger is noisy; route through zerolog instead.
	rc.Logger = nil
	rc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			log.Debug().Str("url", req.URL.Path).Int("attempt", attempt).Msg("gateway: retrying request")
		}
	}

	return &RESTClient{config: config, http: rc}
}

// Session returns a Session bound to one server.
func (c *RESTClient) Session(server ServerID) Session {
	return &restSession{client: c, server: server}
}

// listOptions are the query parameters accepted by list endpoints.
type listOptions struct {
	Limit int    `url:"limit,omitempty"`
	After string `url:"after,omitempty"`
}

// apiError is the error envelope returned by the session API.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *RESTClient) do(ctx context.Context, method, path string, opts any, body any, out any) error {
	u := c.config.BaseURL + path
	if opts != nil {
		v, err := query.Values(opts)
		if err != nil {
			return fmt.Errorf("encode query: %w", err)
		}
		if enc := v.Encode(); enc != "" {
			u += "?" + enc
		}
	}

	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode body: %w", err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, u, payload)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// decodeError maps API failure responses onto the benign error classes where
// applicable so the sync engine can swallow them per call.
func decodeError(resp *http.Response) error {
	var ae apiError
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&ae)

	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, ae.Message)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrAlreadyInState, ae.Message)
	case http.StatusForbidden, http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrUnauthorized, ae.Message)
	}
	return fmt.Errorf("api error %d (%s): %s", resp.StatusCode, ae.Code, ae.Message)
}

// restSession implements Session for one server over the shared client.
type restSession struct {
	client *RESTClient
	server ServerID
}

var _ Session = (*restSession)(nil)

func (s *restSession) ID() ServerID { return s.server }

func (s *restSession) path(suffix string) string {
	return fmt.Sprintf("/servers/%s%s", s.server, suffix)
}

func (s *restSession) ListBans(ctx context.Context) ([]UserID, error) {
	var bans []UserID
	after := ""
	for {
		var page struct {
			Users []UserID `json:"users"`
			Next  string   `json:"next,omitempty"`
		}
		opts := listOptions{Limit: 1000, After: after}
		if err := s.client.do(ctx, http.MethodGet, s.path("/bans"), opts, nil, &page); err != nil {
			return nil, err
		}
		bans = append(bans, page.Users...)
		if page.Next == "" {
			return bans, nil
		}
		after = page.Next
	}
}

func (s *restSession) AddBan(ctx context.Context, user UserID) error {
	return s.client.do(ctx, http.MethodPut, s.path("/bans/"+string(user)), nil, nil, nil)
}

func (s *restSession) RemoveBan(ctx context.Context, user UserID) error {
	return s.client.do(ctx, http.MethodDelete, s.path("/bans/"+string(user)), nil, nil, nil)
}

func (s *restSession) FetchMember(ctx context.Context, user UserID) (*Member, error) {
	var m Member
	if err := s.client.do(ctx, http.MethodGet, s.path("/members/"+string(user)), nil, nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *restSession) ListMembers(ctx context.Context) ([]*Member, error) {
	var members []*Member
	after := ""
	for {
		var page struct {
			Members []*Member `json:"members"`
			Next    string    `json:"next,omitempty"`
		}
		opts := listOptions{Limit: 1000, After: after}
		if err := s.client.do(ctx, http.MethodGet, s.path("/members"), opts, nil, &page); err != nil {
			return nil, err
		}
		members = append(members, page.Members...)
		if page.Next == "" {
			return members, nil
		}
		after = page.Next
	}
}

func (s *restSession) SetTimeout(ctx context.Context, user UserID, d *time.Duration) error {
	body := struct {
		DurationMS *int64 `json:"duration_ms"`
	}{}
	if d != nil {
		ms := d.Milliseconds()
		body.DurationMS = &ms
	}
	return s.client.do(ctx, http.MethodPut, s.path("/members/"+string(user)+"/timeout"), nil, body, nil)
}

func (s *restSession) FindRoleByName(ctx context.Context, name string) (*Role, error) {
	var roles []Role
	if err := s.client.do(ctx, http.MethodGet, s.path("/roles"), nil, nil, &roles); err != nil {
		return nil, err
	}
	for i := range roles {
		if roles[i].Name == name {
			return &roles[i], nil
		}
	}
	return nil, fmt.Errorf("%w: role %q", ErrNotFound, name)
}

func (s *restSession) CreateRole(ctx context.Context, name string) (*Role, error) {
	body := struct {
		Name        string `json:"name"`
		Permissions int64  `json:"permissions"`
	}{Name: name}

	var role Role
	if err := s.client.do(ctx, http.MethodPost, s.path("/roles"), nil, body, &role); err != nil {
		return nil, err
	}
	return &role, nil
}

func (s *restSession) AddRole(ctx context.Context, user UserID, roleID string) error {
	return s.client.do(ctx, http.MethodPut, s.path("/members/"+string(user)+"/roles/"+roleID), nil, nil, nil)
}

func (s *restSession) RemoveRole(ctx context.Context, user UserID, roleID string) error {
	return s.client.do(ctx, http.MethodDelete, s.path("/members/"+string(user)+"/roles/"+roleID), nil, nil, nil)
}
