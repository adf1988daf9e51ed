// Package router implements the Delivery & Routing Engine (§4.F):
// recipient classification, in-process handoff between sibling agents,
// outbound HTTPS delivery with retry, return-path reuse, and pickup
// queuing. Grounded on pkg/util/resiliency/client.go's retry-with-backoff
// HTTP client shape and pkg/kernel/limiter.go's pluggable token-bucket
// LimiterStore (in-memory default, optional Redis backend), adapted from
// a single-actor rate limiter to one keyed per recipient origin.
package router

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/tap-rsvp/tapnode/pkg/store"
	"github.com/tap-rsvp/tapnode/pkg/tapcore"
)

// DIDResolver resolves a recipient DID to an HTTPS service endpoint
// (§6 External collaborator interfaces consumed: "DID Resolver").
type DIDResolver interface {
	Resolve(ctx context.Context, did string) (endpoint string, err error)
}

// HTTPSender performs one delivery attempt (§6: "HTTPS sender:
// send(url, bytes) -> (status_code, response_bytes?)").
type HTTPSender interface {
	Send(ctx context.Context, url string, body []byte) (statusCode int, respBody []byte, err error)
}

// LocalIngress is a sibling agent's ingress pipeline, handed envelopes
// directly with no network hop (§4.F: "delivery type internal").
type LocalIngress interface {
	ReceiveLocal(ctx context.Context, fromDID string, envelope []byte) error
}

// Recipient is one outbound target for a Dispatch call.
type Recipient struct {
	DID string

	// ReturnPath, if non-nil, is an already-open channel (e.g. the
	// inbound request's own WebSocket) the router MAY reuse instead of
	// opening a new HTTPS connection (§4.F Return paths).
	ReturnPath io.Writer

	// Pickup marks an offline recipient: the delivery row is created
	// pending with no immediate attempt (§4.F: "Pickup queues ...
	// follow the same delivery row lifecycle with no immediate attempt").
	Pickup bool
}

// Config parameterizes a Router.
type Config struct {
	// LocalAgents maps a sibling agent's DID to its ingress pipeline.
	LocalAgents map[string]LocalIngress
	Resolver    DIDResolver
	Sender      HTTPSender
	Limiter     LimiterStore // defaults to an in-memory token bucket per origin

	// MaxConcurrentDeliveries bounds the semaphore guarding dispatch
	// (§5 Concurrency: bounded worker pool, no unbounded fan-out).
	MaxConcurrentDeliveries int64

	// MaxAttempts bounds the retry loop for HTTPS delivery; 0 means
	// defaultMaxAttempts (6: the first try plus the 1s-16s backoff steps).
	MaxAttempts int
}

// Router dispatches one envelope to many recipients per §4.F.
type Router struct {
	cfg Config
}

// New returns a Router. A nil Limiter defaults to an in-memory
// per-origin token bucket (10 req/s, burst 20).
func New(cfg Config) *Router {
	if cfg.Limiter == nil {
		cfg.Limiter = NewInMemoryLimiterStore(10, 20)
	}
	if cfg.MaxConcurrentDeliveries <= 0 {
		cfg.MaxConcurrentDeliveries = 8
	}
	return &Router{cfg: cfg}
}

// Dispatch sends one packed envelope to every recipient, recording one
// deliveries row per recipient in s (§4.F: "record one deliveries row
// per recipient"). Recipients are dispatched concurrently, bounded by
// cfg.MaxConcurrentDeliveries; a failure to deliver to one recipient
// does not prevent delivery to the others, and the first such error is
// returned once every recipient has been tried.
func (r *Router) Dispatch(ctx context.Context, s *store.AgentStore, messageID string, envelope []byte, recipients []Recipient) error {
	var g errgroup.Group
	sem := semaphore.NewWeighted(r.cfg.MaxConcurrentDeliveries)

	for _, rc := range recipients {
		rc := rc
		g.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			return r.deliverOne(ctx, s, messageID, envelope, rc)
		})
	}
	return g.Wait()
}

func (r *Router) deliverOne(ctx context.Context, s *store.AgentStore, messageID string, envelope []byte, rc Recipient) error {
	switch {
	case r.cfg.LocalAgents[rc.DID] != nil:
		return r.deliverInternal(ctx, s, messageID, envelope, rc)
	case rc.Pickup:
		_, err := s.CreateDelivery(ctx, messageID, envelope, rc.DID, "", store.DeliveryPickup)
		return err
	case rc.ReturnPath != nil:
		return r.deliverReturnPath(ctx, s, messageID, envelope, rc)
	default:
		return r.deliverHTTPS(ctx, s, messageID, envelope, rc)
	}
}

func (r *Router) deliverInternal(ctx context.Context, s *store.AgentStore, messageID string, envelope []byte, rc Recipient) error {
	id, err := s.CreateDelivery(ctx, messageID, envelope, rc.DID, "", store.DeliveryInternal)
	if err != nil {
		return err
	}
	ingress := r.cfg.LocalAgents[rc.DID]
	if err := ingress.ReceiveLocal(ctx, rc.DID, envelope); err != nil {
		return s.UpdateDeliveryStatus(ctx, id, store.DeliveryFailed, 0, err.Error())
	}
	return s.UpdateDeliveryStatus(ctx, id, store.DeliverySuccess, 0, "")
}

func (r *Router) deliverReturnPath(ctx context.Context, s *store.AgentStore, messageID string, envelope []byte, rc Recipient) error {
	id, err := s.CreateDelivery(ctx, messageID, envelope, rc.DID, "", store.DeliveryReturnPath)
	if err != nil {
		return err
	}
	if _, err := rc.ReturnPath.Write(envelope); err != nil {
		return s.UpdateDeliveryStatus(ctx, id, store.DeliveryFailed, 0, err.Error())
	}
	return s.UpdateDeliveryStatus(ctx, id, store.DeliverySuccess, 0, "")
}

func (r *Router) deliverHTTPS(ctx context.Context, s *store.AgentStore, messageID string, envelope []byte, rc Recipient) error {
	if r.cfg.Resolver == nil {
		return fmt.Errorf("router: https delivery: %w: no resolver configured", tapcore.ErrDIDUnresolvable)
	}
	endpoint, err := r.cfg.Resolver.Resolve(ctx, rc.DID)
	if err != nil {
		return fmt.Errorf("router: resolve %s: %w", rc.DID, err)
	}

	id, err := s.CreateDelivery(ctx, messageID, envelope, rc.DID, endpoint, store.DeliveryHTTPS)
	if err != nil {
		return err
	}

	return r.attemptWithRetry(ctx, s, id, endpoint, envelope)
}
