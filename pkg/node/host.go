package node

import (
	"fmt"

	"github.com/tap-rsvp/tapnode/pkg/router"
)

// Host wires together every locally-hosted Agent behind one shared
// Router, so a message from one agent to a sibling short-circuits to a
// direct in-process call instead of a network round trip (§4.F
// recipient classification: internal).
type Host struct {
	agents map[string]*Agent
	router *router.Router
}

// HostConfig parameterizes the shared Router every Agent dispatches
// through.
type HostConfig struct {
	Resolver                router.DIDResolver
	Sender                  router.HTTPSender
	Limiter                 router.LimiterStore
	MaxConcurrentDeliveries int64
	MaxAttempts             int
}

// NewHost builds a Router wired to agents' ReceiveLocal methods and
// attaches it back to each agent, then returns the Host.
func NewHost(cfg HostConfig, agents ...*Agent) (*Host, error) {
	local := make(map[string]router.LocalIngress, len(agents))
	byDID := make(map[string]*Agent, len(agents))
	for _, a := range agents {
		if _, dup := byDID[a.did]; dup {
			return nil, fmt.Errorf("node: duplicate agent DID %s", a.did)
		}
		byDID[a.did] = a
		local[a.did] = a
	}

	r := router.New(router.Config{
		LocalAgents:             local,
		Resolver:                cfg.Resolver,
		Sender:                  cfg.Sender,
		Limiter:                 cfg.Limiter,
		MaxConcurrentDeliveries: cfg.MaxConcurrentDeliveries,
		MaxAttempts:             cfg.MaxAttempts,
	})
	for _, a := range agents {
		a.AttachRouter(r)
	}
	return &Host{agents: byDID, router: r}, nil
}

// Agent returns the named local agent, or nil if it is not hosted here.
func (h *Host) Agent(did string) *Agent { return h.agents[did] }

// Router returns the shared Router every hosted Agent dispatches through.
func (h *Host) Router() *router.Router { return h.router }
