package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/sirupsen/logrus"

	"fieldvoice/callsession"
)

// TokenSource yields the voice access token presented on REGISTER.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenClient fetches voice tokens from the backend with the user's bearer
// credentials: GET <url>?identity=<identity> answering {"token": "..."}.
type TokenClient struct {
	url      string
	identity string
	bearer   string
	attempts uint
	http     *http.Client
	log      *logrus.Entry
}

// NewTokenClient creates a client. attempts below 1 means one attempt.
func NewTokenClient(tokenURL, identity, bearer string, attempts int, log *logrus.Entry) *TokenClient {
	if attempts < 1 {
		attempts = 1
	}
	if log == nil {
		log = logrus.WithField("name", "core")
	}
	return &TokenClient{
		url:      tokenURL,
		identity: identity,
		bearer:   bearer,
		attempts: uint(attempts),
		http:     &http.Client{Timeout: 10 * time.Second},
		log:      log,
	}
}

type tokenResponse struct {
	Token string `json:"token"`
}

type statusError struct {
	code int
}

func (e *statusError) Error() string { return fmt.Sprintf("token endpoint returned %d", e.code) }

// Token returns a fresh voice token. Any failure is reported as
// callsession.ErrSessionUnavailable since no session can register without it.
func (c *TokenClient) Token(ctx context.Context) (string, error) {
	var token string
	err := retry.Do(
		func() error {
			t, err := c.fetch(ctx)
			if err != nil {
				return err
			}
			token = t
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(200*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			if !retry.IsRecoverable(err) {
				return false
			}
			var se *statusError
			return !errors.As(err, &se) || se.code >= 500
		}),
		retry.OnRetry(func(n uint, err error) {
			c.log.Warnf("voice token attempt %d failed: %v", n+1, err)
		}),
	)
	if err != nil {
		return "", fmt.Errorf("%w: voice token: %w", callsession.ErrSessionUnavailable, err)
	}
	return token, nil
}

func (c *TokenClient) fetch(ctx context.Context) (string, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return "", retry.Unrecoverable(fmt.Errorf("parse token url: %w", err))
	}
	q := u.Query()
	q.Set("identity", c.identity)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", retry.Unrecoverable(err)
	}
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, res.Body)
		return "", &statusError{code: res.StatusCode}
	}

	var body tokenResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, 64<<10)).Decode(&body); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if body.Token == "" {
		return "", retry.Unrecoverable(errors.New("token response without token"))
	}
	return body.Token, nil
}

// StaticToken is a fixed token, for registrars that accept a preshared secret.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", fmt.Errorf("%w: empty static token", callsession.ErrSessionUnavailable)
	}
	return string(t), nil
}
