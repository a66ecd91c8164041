package treehole

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/gocolly/colly/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/starred-export/internal/export"
)

// Access-check messages that ask for a second factor.
const (
	smsPrompt   = "手机短信验证"
	tokenPrompt = "令牌验证"
)

var tokenInURL = regexp.MustCompile(`token=(.*)`)

// Session is one logged-in conversation with the remote service.
type Session struct {
	cfg       Config
	collector *colly.Collector
	logger    *zap.Logger

	mu     sync.RWMutex
	bearer string
}

type response struct {
	status   int
	body     []byte
	finalURL *url.URL
}

// envelope is the wrapper every API response uses.
type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type loginResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token"`
	Errors  struct {
		Msg string `json:"msg"`
	} `json:"errors"`
}

type pageOf[T any] struct {
	LastPage int `json:"last_page"`
	Data     []T `json:"data"`
}

type starredEntry struct {
	PID int64 `json:"pid"`
}

// Login posts the credentials to the identity provider and returns its token.
func (s *Session) Login(ctx context.Context, username, password string) (string, error) {
	form := url.Values{
		"appid":    {appID},
		"userName": {username},
		"password": {password},
		"randCode": {""},
		"smsCode":  {""},
		"otpCode":  {""},
		"redirUrl": {s.cfg.BaseURL + "/cas_iaaa_login?uuid=fc71db5799cf&plat=web"},
	}
	res, err := s.do(ctx, http.MethodPost, s.cfg.AuthBaseURL+"/iaaa/oauthlogin.do", form)
	if err != nil {
		return "", &export.AuthError{Stage: "login", Reason: err.Error()}
	}
	if res.status != http.StatusOK {
		return "", &export.AuthError{Stage: "login", Reason: http.StatusText(res.status)}
	}
	var body loginResponse
	if err := json.Unmarshal(res.body, &body); err != nil {
		return "", &export.AuthError{Stage: "login", Reason: "malformed response"}
	}
	if body.Token == "" {
		reason := body.Errors.Msg
		if reason == "" {
			reason = "no token in response"
		}
		return "", &export.AuthError{Stage: "login", Reason: reason}
	}
	return body.Token, nil
}

// ExchangeSession follows the SSO redirect and keeps the bearer token found
// in the final URL.
func (s *Session) ExchangeSession(ctx context.Context, token string) error {
	id := uuid.NewString()
	q := url.Values{
		"uuid":  {id[strings.LastIndex(id, "-")+1:]},
		"plat":  {"web"},
		"_rand": {strconv.FormatFloat(rand.Float64(), 'f', -1, 64)},
		"token": {token},
	}
	res, err := s.do(ctx, http.MethodGet, s.cfg.BaseURL+"/cas_iaaa_login?"+q.Encode(), nil)
	if err != nil {
		return &export.AuthError{Stage: "exchange", Reason: err.Error()}
	}
	if res.status >= http.StatusBadRequest {
		return &export.AuthError{Stage: "exchange", Reason: http.StatusText(res.status)}
	}
	m := tokenInURL.FindStringSubmatch(res.finalURL.String())
	if m == nil || m[1] == "" {
		return &export.AuthError{Stage: "exchange", Reason: "no token in redirect"}
	}
	bearer := m[1]

	s.mu.Lock()
	s.bearer = bearer
	s.mu.Unlock()
	if err := s.collector.SetCookies(s.cfg.BaseURL, []*http.Cookie{{Name: "pku_token", Value: bearer, Path: "/"}}); err != nil {
		s.logger.Warn("set token cookie failed", zap.Error(err))
	}
	return nil
}

// CheckAccess asks the API whether the session may read data.
func (s *Session) CheckAccess(ctx context.Context) export.AccessResult {
	res, err := s.do(ctx, http.MethodGet, s.cfg.BaseURL+"/api/mail/un_read", nil)
	if err != nil {
		return export.AccessResult{Outcome: export.AccessFailed, Reason: err.Error()}
	}
	var env envelope
	_ = json.Unmarshal(res.body, &env)
	if res.status == http.StatusOK && env.Success {
		return export.AccessResult{Outcome: export.AccessOK}
	}
	return classifyAccess(res.status, env.Message)
}

func classifyAccess(status int, message string) export.AccessResult {
	switch {
	case strings.Contains(message, smsPrompt):
		return export.AccessResult{Outcome: export.AccessVerificationRequired, Kind: export.VerificationSMS}
	case strings.Contains(message, tokenPrompt):
		return export.AccessResult{Outcome: export.AccessVerificationRequired, Kind: export.VerificationMobileToken}
	case message != "":
		return export.AccessResult{Outcome: export.AccessFailed, Reason: message}
	default:
		return export.AccessResult{Outcome: export.AccessFailed, Reason: fmt.Sprintf("status %d", status)}
	}
}

// RequestVerificationCode asks the remote service to text a code to the user.
func (s *Session) RequestVerificationCode(ctx context.Context) error {
	res, err := s.do(ctx, http.MethodPost, s.cfg.BaseURL+"/api/jwt_send_msg", url.Values{})
	if err != nil {
		return fmt.Errorf("request verification code: %w", err)
	}
	if res.status != http.StatusOK {
		return fmt.Errorf("request verification code: status %d", res.status)
	}
	return nil
}

// SubmitVerificationCode sends the second factor to the endpoint matching kind.
func (s *Session) SubmitVerificationCode(ctx context.Context, kind export.VerificationKind, code string) error {
	var (
		endpoint string
		form     url.Values
	)
	switch kind {
	case export.VerificationSMS:
		endpoint, form = "/api/jwt_msg_verify", url.Values{"valid_code": {code}}
	case export.VerificationMobileToken:
		endpoint, form = "/api/login_iaaa_check_token", url.Values{"token": {code}}
	default:
		return &export.AuthError{Stage: "verify", Reason: fmt.Sprintf("unsupported verification kind %q", kind)}
	}
	res, err := s.do(ctx, http.MethodPost, s.cfg.BaseURL+endpoint, form)
	if err != nil {
		return &export.AuthError{Stage: "verify", Reason: err.Error()}
	}
	var env envelope
	_ = json.Unmarshal(res.body, &env)
	if res.status != http.StatusOK || !env.Success {
		reason := env.Message
		if reason == "" {
			reason = fmt.Sprintf("status %d", res.status)
		}
		return &export.AuthError{Stage: "verify", Reason: reason}
	}
	return nil
}

// FetchItem returns one post. A post the API reports as unsuccessful is
// treated as gone.
func (s *Session) FetchItem(ctx context.Context, id int64) (export.Item, error) {
	env, err := s.getJSON(ctx, fmt.Sprintf("%s/api/pku/%d", s.cfg.BaseURL, id))
	if err != nil {
		return export.Item{}, err
	}
	if !env.Success {
		return export.Item{}, fmt.Errorf("post %d: %w", id, export.ErrItemNotFound)
	}
	var item export.Item
	if err := json.Unmarshal(env.Data, &item); err != nil {
		return export.Item{}, fmt.Errorf("decode post %d: %w", id, err)
	}
	if item.PID == 0 {
		item.PID = id
	}
	return item, nil
}

// FetchComments returns one page of comments in ascending order.
func (s *Session) FetchComments(ctx context.Context, id int64, page int) (export.CommentPage, error) {
	q := url.Values{
		"page":  {strconv.Itoa(page)},
		"limit": {strconv.Itoa(s.cfg.CommentPageSize)},
		"sort":  {"asc"},
	}
	env, err := s.getJSON(ctx, fmt.Sprintf("%s/api/pku_comment_v3/%d?%s", s.cfg.BaseURL, id, q.Encode()))
	if err != nil {
		return export.CommentPage{}, err
	}
	if !env.Success {
		return export.CommentPage{}, fmt.Errorf("comments of %d page %d: %s", id, page, env.Message)
	}
	if isNull(env.Data) {
		return export.CommentPage{Comments: []export.Comment{}, LastPage: 1}, nil
	}
	var p pageOf[export.Comment]
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return export.CommentPage{}, fmt.Errorf("decode comments of %d: %w", id, err)
	}
	if p.Data == nil {
		p.Data = []export.Comment{}
	}
	return export.CommentPage{Comments: p.Data, LastPage: max(p.LastPage, 1)}, nil
}

// FetchAttachment downloads the image attached to a post.
func (s *Session) FetchAttachment(ctx context.Context, id int64) ([]byte, error) {
	res, err := s.do(ctx, http.MethodGet, fmt.Sprintf("%s/api/pku_image/%d", s.cfg.BaseURL, id), nil)
	if err != nil {
		return nil, fmt.Errorf("image %d: %w", id, err)
	}
	if res.status != http.StatusOK {
		return nil, fmt.Errorf("image %d: status %d", id, res.status)
	}
	return res.body, nil
}

// ListStarred returns one page of the followed post ids.
func (s *Session) ListStarred(ctx context.Context, page int) (export.StarredPage, error) {
	q := url.Values{
		"page":  {strconv.Itoa(page)},
		"limit": {strconv.Itoa(s.cfg.StarredPageSize)},
	}
	env, err := s.getJSON(ctx, s.cfg.BaseURL+"/api/follow_v2?"+q.Encode())
	if err != nil {
		return export.StarredPage{}, err
	}
	if !env.Success {
		return export.StarredPage{}, fmt.Errorf("starred page %d: %s", page, env.Message)
	}
	var p pageOf[starredEntry]
	if !isNull(env.Data) {
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return export.StarredPage{}, fmt.Errorf("decode starred page %d: %w", page, err)
		}
	}
	ids := make([]int64, 0, len(p.Data))
	for _, e := range p.Data {
		ids = append(ids, e.PID)
	}
	return export.StarredPage{IDs: ids, LastPage: max(p.LastPage, 1)}, nil
}

func (s *Session) getJSON(ctx context.Context, rawURL string) (envelope, error) {
	res, err := s.do(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return envelope{}, err
	}
	if res.status != http.StatusOK {
		return envelope{}, fmt.Errorf("GET %s: status %d", pathOf(rawURL), res.status)
	}
	var env envelope
	if err := json.Unmarshal(res.body, &env); err != nil {
		return envelope{}, fmt.Errorf("decode %s: %w", pathOf(rawURL), err)
	}
	return env, nil
}

// do runs one request on a clone of the session collector.
func (s *Session) do(ctx context.Context, method, rawURL string, form url.Values) (response, error) {
	c := s.collector.Clone()
	c.Context = ctx

	var (
		res    response
		gotRes bool
		resErr error
	)
	c.OnResponse(func(r *colly.Response) {
		res = response{
			status:   r.StatusCode,
			body:     append([]byte(nil), r.Body...),
			finalURL: r.Request.URL,
		}
		gotRes = true
	})
	c.OnError(func(_ *colly.Response, err error) {
		resErr = err
	})

	hdr := http.Header{}
	hdr.Set("User-Agent", s.cfg.UserAgent)
	hdr.Set("Accept", "application/json, */*")
	s.mu.RLock()
	if s.bearer != "" {
		hdr.Set("Authorization", "Bearer "+s.bearer)
	}
	s.mu.RUnlock()

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
		hdr.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	if err := c.Request(method, rawURL, body, nil, hdr); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return response{}, fmt.Errorf("%s %s: %w", method, pathOf(rawURL), ctxErr)
		}
		return response{}, fmt.Errorf("%s %s: %w", method, pathOf(rawURL), err)
	}
	if resErr != nil {
		return response{}, fmt.Errorf("%s %s: %w", method, pathOf(rawURL), resErr)
	}
	if !gotRes {
		return response{}, fmt.Errorf("%s %s: %w", method, pathOf(rawURL), errors.New("no response"))
	}
	return res, nil
}

func isNull(raw json.RawMessage) bool {
	t := strings.TrimSpace(string(raw))
	return t == "" || t == "null"
}

func pathOf(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil {
		return u.Path
	}
	return rawURL
}
