package output

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker"

	"github.com/ratchetd/ratchet/internal/domain"
)

// defaultWebhookRetry applies when a destination carries no policy.
var defaultWebhookRetry = RetryPolicy{
	MaxAttempts:  3,
	InitialDelay: time.Second,
	MaxDelay:     time.Minute,
	Multiplier:   2,
	Jitter:       true,
}

// backoff adapts the policy onto the retry library: exponential with the
// configured multiplier, capped, optionally jittered, bounded by
// MaxAttempts total tries.
func (p RetryPolicy) backoff() retry.Backoff {
	attempt := 0
	return retry.BackoffFunc(func() (time.Duration, bool) {
		attempt++
		if attempt >= p.MaxAttempts {
			return 0, true // stop: the budget counts attempts, not sleeps
		}
		delay := p.InitialDelay
		for i := 1; i < attempt; i++ {
			delay = time.Duration(float64(delay) * p.Multiplier)
		}
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
		if p.Jitter && delay > 0 {
			delay += time.Duration(rand.Int63n(int64(delay)/10 + 1))
		}
		return delay, false
	})
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultWebhookRetry.MaxAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = defaultWebhookRetry.InitialDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = defaultWebhookRetry.Multiplier
	}
	return p
}

// deliverWebhook posts the output, retrying per policy. Listed status
// codes and network errors retry; other non-2xx responses fail
// immediately. A circuit breaker per destination host sheds load from
// endpoints that keep failing.
func (m *Manager) deliverWebhook(ctx context.Context, cfg *WebhookConfig, output []byte, tctx TemplateContext) (string, int64, error) {
	policy := defaultWebhookRetry
	if m.defaultRetry != nil {
		policy = *m.defaultRetry
	}
	if cfg.Retry != nil {
		policy = *cfg.Retry
	}
	policy = policy.normalized()

	endpoint := tctx.Render(cfg.URL)
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", 0, domain.Wrap(domain.KindValidation, err, "invalid webhook url %q", endpoint)
	}

	method := cfg.Method
	if method == "" {
		method = http.MethodPost
	}
	contentType := cfg.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	body := output
	if len(body) == 0 {
		body = []byte("null")
	}

	breaker := m.breakerFor(parsed.Host)

	var lastStatus string
	attempt := 0
	err = retry.Do(ctx, policy.backoff(), func(ctx context.Context) error {
		attempt++
		_, execErr := breaker.Execute(func() (any, error) {
			reqCtx, cancel := context.WithTimeout(ctx, m.httpTimeout)
			defer cancel()

			req, err := http.NewRequestWithContext(reqCtx, method, endpoint, bytes.NewReader(body))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", contentType)
			for k, v := range cfg.Headers {
				req.Header.Set(k, tctx.Render(v))
			}
			applyAuth(req, cfg.Auth)

			resp, err := m.httpClient.Do(req)
			if err != nil {
				return nil, retry.RetryableError(err) // network errors retry
			}
			defer resp.Body.Close()
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

			lastStatus = resp.Status
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil, nil
			}
			statusErr := domain.E(domain.KindDeliveryFailed, "webhook returned %s", resp.Status)
			if policy.Retryable(resp.StatusCode) {
				return nil, retry.RetryableError(statusErr)
			}
			return nil, statusErr
		})
		return execErr
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			return lastStatus, 0, domain.Wrap(domain.KindDeliveryFailed, err, "webhook circuit open for %s", parsed.Host)
		}
		return lastStatus, 0, domain.Wrap(domain.KindDeliveryFailed, err,
			"webhook delivery to %s failed after %d attempt(s)", endpoint, attempt)
	}
	return fmt.Sprintf("%s after %d attempt(s)", lastStatus, attempt), int64(len(body)), nil
}

func applyAuth(req *http.Request, auth *WebhookAuth) {
	if auth == nil {
		return
	}
	switch auth.Type {
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case AuthBasic:
		req.SetBasicAuth(auth.Username, auth.Password)
	case AuthAPIKey:
		header := auth.Header
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, auth.Key)
	}
}
