package rest

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"golang.org/x/oauth2"
)

const (
	DefaultBaseURL = "https://discord.com/api/v10"
	DefaultTimeout = 30 * time.Second
)

var UserAgent = "DiscordBot (https://github.com/WelcomerTeam/Sandwich-Gateway, 1.0)"

// Response is what an Executor returns for a request.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Executor performs a single HTTP request against the API.
type Executor interface {
	Execute(ctx context.Context, method, path string, body []byte) (*Response, error)
}

// Authorizer returns the Authorization header value for a request.
type Authorizer interface {
	Authorization() (string, error)
}

// BotToken authorizes requests as a bot.
type BotToken string

func (t BotToken) Authorization() (string, error) {
	return "Bot " + string(t), nil
}

type tokenSourceAuthorizer struct {
	source oauth2.TokenSource
}

// TokenSource authorizes requests with an OAuth2 bearer token, refreshing it
// through the source when it expires.
func TokenSource(source oauth2.TokenSource) Authorizer {
	return tokenSourceAuthorizer{source: oauth2.ReuseTokenSource(nil, source)}
}

func (a tokenSourceAuthorizer) Authorization() (string, error) {
	token, err := a.source.Token()
	if err != nil {
		return "", fmt.Errorf("failed to retrieve oauth2 token: %w", err)
	}

	return token.Type() + " " + token.AccessToken, nil
}

// FastHTTPExecutor sends requests with fasthttp. BaseURL may point at a
// ratelimiting proxy such as twilight or nirn.
type FastHTTPExecutor struct {
	Client     *fasthttp.Client
	BaseURL    string
	UserAgent  string
	Authorizer Authorizer
	Timeout    time.Duration
}

// NewFastHTTPExecutor creates a FastHTTPExecutor with sensible defaults.
func NewFastHTTPExecutor(authorizer Authorizer, baseURL string) *FastHTTPExecutor {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	return &FastHTTPExecutor{
		Client: &fasthttp.Client{
			Name:                     UserAgent,
			NoDefaultUserAgentHeader: true,
			ReadTimeout:              DefaultTimeout,
			WriteTimeout:             DefaultTimeout,
		},
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		UserAgent:  UserAgent,
		Authorizer: authorizer,
		Timeout:    DefaultTimeout,
	}
}

func (e *FastHTTPExecutor) Execute(ctx context.Context, method, path string, body []byte) (*Response, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)

	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(e.BaseURL + path)
	req.Header.SetMethod(method)
	req.Header.SetUserAgent(e.UserAgent)

	if e.Authorizer != nil {
		authorization, err := e.Authorizer.Authorization()
		if err != nil {
			return nil, err
		}

		req.Header.Set(fasthttp.HeaderAuthorization, authorization)
	}

	if body != nil {
		req.Header.SetContentType("application/json")
		req.SetBody(body)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(e.Timeout)
	}

	if err := e.Client.DoDeadline(req, resp, deadline); err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}

	header := make(http.Header)

	resp.Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})

	return &Response{
		Status: resp.StatusCode(),
		Header: header,
		Body:   append([]byte(nil), resp.Body()...),
	}, nil
}
