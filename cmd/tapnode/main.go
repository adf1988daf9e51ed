// Command tapnode runs a TAP node process: one or more local agents,
// each with its own persistent store, wired behind a shared delivery
// router and (optionally) an external decision bridge. Grounded on
// cmd/helm/main.go's `Run(args, stdout, stderr) int` dispatcher and
// switch-statement subcommand layout.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tap-rsvp/tapnode/pkg/bridge"
	"github.com/tap-rsvp/tapnode/pkg/config"
	"github.com/tap-rsvp/tapnode/pkg/envelope"
	"github.com/tap-rsvp/tapnode/pkg/fsm"
	"github.com/tap-rsvp/tapnode/pkg/keymanager"
	"github.com/tap-rsvp/tapnode/pkg/node"
	"github.com/tap-rsvp/tapnode/pkg/store"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the testable entrypoint.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		fmt.Fprintln(stderr, "Usage: tapnode <init|serve|doctor> [flags]")
		return 2
	}

	switch args[1] {
	case "init":
		return runInit(args[2:], stdout, stderr)
	case "serve":
		return runServe(args[2:], stdout, stderr)
	case "doctor":
		return runDoctor(stdout)
	default:
		fmt.Fprintf(stderr, "Usage: tapnode <init|serve|doctor> [flags]\nunknown subcommand %q\n", args[1])
		return 2
	}
}

func runDoctor(stdout io.Writer) int {
	fmt.Fprintln(stdout, "tapnode doctor")
	fmt.Fprintln(stdout, "  go runtime: ok")
	fmt.Fprintln(stdout, "  sqlite driver: modernc.org/sqlite (pure Go, no cgo)")
	return 0
}

func runInit(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	root := fs.String("root", "./data", "storage root directory")
	did := fs.String("did", "", "agent DID to provision (required)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *did == "" {
		fmt.Fprintln(stderr, "init: --did is required")
		return 2
	}

	mgr, err := store.NewManager(*root)
	if err != nil {
		fmt.Fprintf(stderr, "init: %v\n", err)
		return 1
	}
	defer mgr.Close()

	if _, err := mgr.Open(*did); err != nil {
		fmt.Fprintf(stderr, "init: open store for %s: %v\n", *did, err)
		return 1
	}

	keys := keymanager.New()
	signKey, err := keymanager.GenerateEd25519(*did + "#sign-1")
	if err != nil {
		fmt.Fprintf(stderr, "init: generate signing key: %v\n", err)
		return 1
	}
	if err := keys.Import(signKey); err != nil {
		fmt.Fprintf(stderr, "init: import signing key: %v\n", err)
		return 1
	}
	agreeKey, err := keymanager.GenerateX25519(*did + "#agree-1")
	if err != nil {
		fmt.Fprintf(stderr, "init: generate agreement key: %v\n", err)
		return 1
	}
	if err := keys.Import(agreeKey); err != nil {
		fmt.Fprintf(stderr, "init: import agreement key: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "provisioned %s under %s\n", *did, *root)
	fmt.Fprintf(stdout, "  signing kid:    %s\n", signKey.Kid)
	fmt.Fprintf(stdout, "  agreement kid:  %s\n", agreeKey.Kid)
	fmt.Fprintln(stdout, "(key material above is process-local demo output only; a production")
	fmt.Fprintln(stdout, " deployment must persist keys through its own KeyManager-compatible store)")
	return 0
}

func runServe(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	root := fs.String("root", "./data", "storage root directory")
	did := fs.String("did", "", "agent DID to serve (single-agent mode; mutually exclusive with --manifest)")
	manifestPath := fs.String("manifest", "", "YAML agent registration manifest declaring every agent this process hosts (§1.1)")
	listen := fs.String("listen", ":8443", "address for the inbound envelope HTTP endpoint")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *did == "" && *manifestPath == "" {
		fmt.Fprintln(stderr, "serve: one of --did or --manifest is required")
		return 2
	}
	if *did != "" && *manifestPath != "" {
		fmt.Fprintln(stderr, "serve: --did and --manifest are mutually exclusive")
		return 2
	}

	var specs []config.AgentSpec
	if *manifestPath != "" {
		m, err := config.LoadManifest(*manifestPath)
		if err != nil {
			fmt.Fprintf(stderr, "serve: %v\n", err)
			return 1
		}
		specs = m.Agents
	} else {
		specs = []config.AgentSpec{{DID: *did}}
	}

	mgr, err := store.NewManager(*root)
	if err != nil {
		fmt.Fprintf(stderr, "serve: %v\n", err)
		return 1
	}
	defer mgr.Close()

	mux := http.NewServeMux()
	agents := make([]*node.Agent, 0, len(specs))

	// Every spec produces one store-backed Agent registered behind the
	// shared Host, hosting one or more co-located agents in a single
	// node process (§1.1). Each agent gets its own inbox path so a
	// reverse proxy (or a counterparty that resolved this node's DID
	// document) can address one co-located agent without ambiguity.
	for _, spec := range specs {
		s, err := mgr.Open(spec.DID)
		if err != nil {
			fmt.Fprintf(stderr, "serve: open store for %s: %v\n", spec.DID, err)
			return 1
		}

		policy, err := resolvePolicy(spec)
		if err != nil {
			fmt.Fprintf(stderr, "serve: %s: %v\n", spec.DID, err)
			return 1
		}

		var bridgeCfg *bridge.Config
		if spec.Bridge != nil {
			mode := spec.Bridge.SubscriptionMode
			if mode == "" {
				mode = "decisions"
			}
			bridgeCfg = &bridge.Config{
				Command:          spec.Bridge.Command,
				Args:             spec.Bridge.Args,
				AgentDIDs:        []string{spec.DID},
				SubscriptionMode: mode,
				Store:            s,
				TokenTTL:         spec.Bridge.TokenTTL,
			}
		}

		agent, err := node.NewAgent(node.AgentConfig{
			DID:      spec.DID,
			Keys:     keymanager.New(),
			Resolver: envelope.ResolverFunc(func(kid string) (*keymanager.JWK, error) { return nil, fmt.Errorf("no external resolver configured") }),
			PackMode: envelope.ModePlain,
			FSM:      fsm.Config{LocalDID: spec.DID, Policy: policy},
			Bridge:   bridgeCfg,
		}, s, nil)
		if err != nil {
			fmt.Fprintf(stderr, "serve: %s: %v\n", spec.DID, err)
			return 1
		}
		agents = append(agents, agent)

		inboxPath := "/inbox/" + url.PathEscape(spec.DID)
		registerInbox(mux, inboxPath, agent, stderr)
		if len(specs) == 1 {
			registerInbox(mux, "/inbox", agent, stderr)
		}
	}

	// NewHost attaches a shared Router to every agent, which is what
	// lets auto-authorize responses, auto-settle, and other outbound
	// sends actually reach their recipients — including, for two
	// co-located agents in the same manifest, a direct in-process
	// ReceiveLocal call instead of a network round trip (§4.F).
	if _, err := node.NewHost(node.HostConfig{MaxConcurrentDeliveries: 8}, agents...); err != nil {
		fmt.Fprintf(stderr, "serve: %v\n", err)
		return 1
	}

	srv := &http.Server{Addr: *listen, Handler: mux}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()
	for _, spec := range specs {
		fmt.Fprintf(stdout, "tapnode serving %s on %s (inbox /inbox/%s)\n", spec.DID, *listen, url.PathEscape(spec.DID))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(stderr, "serve: %v\n", err)
			return 1
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	return 0
}

// registerInbox wires one agent's Ingest behind a dedicated HTTP POST
// route, the same raw-envelope-bytes-in handler the single-agent path
// has always used.
func registerInbox(mux *http.ServeMux, path string, agent *node.Agent, stderr io.Writer) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		raw, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if _, err := agent.Ingest(r.Context(), raw, "https", r.RemoteAddr); err != nil {
			fmt.Fprintf(stderr, "serve: ingest: %v\n", err)
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
}

// resolvePolicy builds the PolicyPredicate a manifest entry's "policy"
// field names. An entry with no policy set defaults to DenyAllPredicate
// (fail-closed), matching the single-agent --did path's prior default.
func resolvePolicy(spec config.AgentSpec) (fsm.PolicyPredicate, error) {
	switch spec.Policy {
	case "", "deny-all":
		return fsm.DenyAllPredicate{}, nil
	case "allow-all":
		return fsm.AllowAllPredicate{}, nil
	case "cel":
		if spec.PolicyExpr == "" {
			return nil, fmt.Errorf("policy \"cel\" requires policy_expr")
		}
		rules := map[string]string{
			"Authorize":    spec.PolicyExpr,
			"AddAgents":    spec.PolicyExpr,
			"ReplaceAgent": spec.PolicyExpr,
			"RemoveAgent":  spec.PolicyExpr,
		}
		return fsm.NewCELPredicate(rules)
	default:
		return nil, fmt.Errorf("unknown policy %q", spec.Policy)
	}
}
