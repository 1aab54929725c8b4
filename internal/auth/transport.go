package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"k8s.io/klog/v2"
)

var ErrSessionExpired = errors.New("session expired, please log in again")

// Refresher obtains a new access token, e.g. through a silent sign-in.
type Refresher func(ctx context.Context) (string, error)

// ExpiresAt reads the exp claim of a JWT without verifying it. A token
// without exp returns the zero time.
func ExpiresAt(accessToken string) (time.Time, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(accessToken, gojwt.MapClaims{})
	if err != nil {
		return time.Time{}, err
	}

	exp, err := token.Claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, err
	}
	if exp == nil {
		return time.Time{}, nil
	}
	return exp.Time, nil
}

func newToken(accessToken string) *oauth2.Token {
	tok := &oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}
	if exp, err := ExpiresAt(accessToken); err == nil {
		tok.Expiry = exp
	}
	return tok
}

type refreshSource struct {
	ctx     context.Context
	refresh Refresher
}

func (r *refreshSource) Token() (*oauth2.Token, error) {
	if r.refresh == nil {
		return nil, errors.New("no token refresher configured")
	}
	accessToken, err := r.refresh(r.ctx)
	if err != nil {
		return nil, err
	}
	return newToken(accessToken), nil
}

// Transport adds a bearer token to every request. Expired tokens are
// refreshed before sending, and a 401 triggers one refresh and retry.
type Transport struct {
	Base http.RoundTripper

	mu      sync.Mutex
	src     oauth2.TokenSource
	refresh oauth2.TokenSource
	current *oauth2.Token
}

// NewTransport starts from accessToken, which may be empty.
func NewTransport(ctx context.Context, accessToken string, refresh Refresher, base http.RoundTripper) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	rs := &refreshSource{ctx: ctx, refresh: refresh}

	var initial *oauth2.Token
	if accessToken != "" {
		initial = newToken(accessToken)
	}
	return &Transport{
		Base:    base,
		src:     oauth2.ReuseTokenSource(initial, rs),
		refresh: rs,
	}
}

func (t *Transport) token() (*oauth2.Token, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tok, err := t.src.Token()
	if err != nil {
		return nil, err
	}
	t.current = tok
	return tok, nil
}

// forceRefresh replaces a token the server refused. If another request
// already refreshed it, the newer token is used.
func (t *Transport) forceRefresh(refused string) (*oauth2.Token, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current != nil && t.current.AccessToken != refused && t.current.Valid() {
		return t.current, nil
	}
	t.src = oauth2.ReuseTokenSource(nil, t.refresh)
	tok, err := t.src.Token()
	if err != nil {
		return nil, err
	}
	t.current = tok
	return tok, nil
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	logger := klog.FromContext(req.Context())

	tok, err := t.token()
	if err != nil {
		logger.Error(err, "Token refresh failed")
		return nil, fmt.Errorf("%w: %v", ErrSessionExpired, err)
	}

	resp, err := t.Base.RoundTrip(authorized(req, tok))
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	if req.Body != nil && req.GetBody == nil {
		// body already consumed, cannot replay
		return resp, nil
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	tok, err = t.forceRefresh(tok.AccessToken)
	if err != nil {
		logger.Error(err, "Token refresh failed on 401")
		return nil, fmt.Errorf("%w: %v", ErrSessionExpired, err)
	}

	retry := authorized(req, tok)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		retry.Body = body
	}
	return t.Base.RoundTrip(retry)
}

func authorized(req *http.Request, tok *oauth2.Token) *http.Request {
	out := req.Clone(req.Context())
	tok.SetAuthHeader(out)
	return out
}

// NewClient returns an http.Client whose requests carry the session token.
func NewClient(ctx context.Context, accessToken string, refresh Refresher, base *http.Client) *http.Client {
	out := &http.Client{}
	if base != nil {
		*out = *base
	}
	out.Transport = NewTransport(ctx, accessToken, refresh, out.Transport)
	return out
}
