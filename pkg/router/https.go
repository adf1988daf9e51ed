package router

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/tap-rsvp/tapnode/pkg/store"
	"github.com/tap-rsvp/tapnode/pkg/tapcore"
)

// defaultAttemptTimeout matches §5's "Outbound deliveries have a
// per-attempt timeout (default 10 s)".
const defaultAttemptTimeout = 10 * time.Second

// defaultMaxAttempts is len(1s,2s,4s,8s,16s-schedule) + 1 initial try.
const defaultMaxAttempts = 6

func (r *Router) attemptWithRetry(ctx context.Context, s *store.AgentStore, deliveryID int64, endpoint string, envelope []byte) error {
	maxAttempts := r.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	origin := originOf(endpoint)

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(computeBackoff(attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := r.cfg.Limiter.Wait(ctx, origin); err != nil {
			return fmt.Errorf("router: rate limiter: %w", err)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, defaultAttemptTimeout)
		code, _, sendErr := r.cfg.Sender.Send(attemptCtx, endpoint, envelope)
		cancel()

		if sendErr != nil {
			lastErr = fmt.Errorf("%w: %s", tapcore.ErrRecipientUnreachable, sendErr)
			if updErr := s.UpdateDeliveryStatus(ctx, deliveryID, store.DeliveryFailed, 0, sendErr.Error()); updErr != nil {
				return updErr
			}
			continue
		}
		if code >= 200 && code < 300 {
			return s.UpdateDeliveryStatus(ctx, deliveryID, store.DeliverySuccess, code, "")
		}

		lastErr = &tapcore.HTTPError{Code: code}
		if updErr := s.UpdateDeliveryStatus(ctx, deliveryID, store.DeliveryFailed, code, fmt.Sprintf("non-2xx status %d", code)); updErr != nil {
			return updErr
		}
	}
	return fmt.Errorf("router: delivery exhausted retries: %w", lastErr)
}

func originOf(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return endpoint
	}
	return u.Scheme + "://" + u.Host
}

// DefaultHTTPSender is a plain net/http.Client-backed HTTPSender,
// grounded on pkg/util/resiliency/client.go's EnhancedClient (retry and
// jitter live in Router.attemptWithRetry instead, so this type stays a
// thin transport: one POST per call, the caller owns retry policy).
type DefaultHTTPSender struct {
	Client *http.Client
}

func NewDefaultHTTPSender() *DefaultHTTPSender {
	return &DefaultHTTPSender{Client: &http.Client{Timeout: defaultAttemptTimeout}}
}

func (d *DefaultHTTPSender) Send(ctx context.Context, rawURL string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/didcomm-envelope-enc")

	resp, err := d.Client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, respBody, nil
}

// FallbackLimiterStore tries a primary (typically Redis-backed) store
// and, on the first failure, logs a warning once and falls back to an
// in-process store for the remainder of the process lifetime (§4.F: "no
// silent capability loss ... then the in-process limiter takes over").
type FallbackLimiterStore struct {
	primary  LimiterStore
	fallback LimiterStore

	once   sync.Once
	mu     sync.RWMutex
	failed bool
	logger *slog.Logger
}

func NewFallbackLimiterStore(primary, fallback LimiterStore, logger *slog.Logger) *FallbackLimiterStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackLimiterStore{primary: primary, fallback: fallback, logger: logger}
}

func (f *FallbackLimiterStore) Wait(ctx context.Context, origin string) error {
	f.mu.RLock()
	failed := f.failed
	f.mu.RUnlock()
	if failed {
		return f.fallback.Wait(ctx, origin)
	}

	if err := f.primary.Wait(ctx, origin); err != nil {
		f.once.Do(func() {
			f.logger.Warn("router: primary rate limiter unreachable, falling back to in-process limiter", "error", err)
		})
		f.mu.Lock()
		f.failed = true
		f.mu.Unlock()
		return f.fallback.Wait(ctx, origin)
	}
	return nil
}
