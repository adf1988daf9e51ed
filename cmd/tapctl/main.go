// Command tapctl is an operator CLI against one agent's persistent
// store: inspect transactions, list decisions awaiting resolution, and
// resolve one manually when no external decision bridge is configured.
// Grounded on cmd/helm/main.go's `Run(args, stdout, stderr) int`
// dispatcher and switch-statement subcommand layout.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/tap-rsvp/tapnode/pkg/store"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the testable entrypoint.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		fmt.Fprintln(stderr, "Usage: tapctl <transactions|decisions> <subcommand> [flags]")
		return 2
	}

	switch args[1] {
	case "transactions":
		return runTransactions(args[2:], stdout, stderr)
	case "decisions":
		return runDecisions(args[2:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Usage: tapctl <transactions|decisions> <subcommand> [flags]\nunknown command %q\n", args[1])
		return 2
	}
}

func openStore(root, did string) (*store.Manager, *store.AgentStore, error) {
	mgr, err := store.NewManager(root)
	if err != nil {
		return nil, nil, err
	}
	s, err := mgr.Open(did)
	if err != nil {
		mgr.Close()
		return nil, nil, err
	}
	return mgr, s, nil
}

func runTransactions(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "Usage: tapctl transactions show --root DIR --did DID --id TRANSACTION_ID")
		return 2
	}
	switch args[0] {
	case "show":
		fs := flag.NewFlagSet("transactions show", flag.ContinueOnError)
		root := fs.String("root", "./data", "storage root directory")
		did := fs.String("did", "", "agent DID")
		id := fs.String("id", "", "transaction id")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		if *did == "" || *id == "" {
			fmt.Fprintln(stderr, "transactions show: --did and --id are required")
			return 2
		}
		mgr, s, err := openStore(*root, *did)
		if err != nil {
			fmt.Fprintf(stderr, "transactions show: %v\n", err)
			return 1
		}
		defer mgr.Close()

		ctx := context.Background()
		txn, err := s.GetTransaction(ctx, *id)
		if err != nil {
			fmt.Fprintf(stderr, "transactions show: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "transaction %s\n  kind:      %s\n  status:    %s\n  initiator: %s\n",
			txn.TransactionID, txn.Kind, txn.Status, txn.InitiatorDID)

		agents, err := s.ListTransactionAgents(ctx, *id)
		if err != nil {
			fmt.Fprintf(stderr, "transactions show: list agents: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, "  agents:")
		for _, a := range agents {
			fmt.Fprintf(stdout, "    %s  role=%-10s status=%s\n", a.AgentDID, a.Role, a.Status)
		}
		return 0
	default:
		fmt.Fprintf(stderr, "unknown transactions subcommand %q\n", args[0])
		return 2
	}
}

func runDecisions(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "Usage: tapctl decisions <list|resolve> --root DIR --did DID [flags]")
		return 2
	}
	switch args[0] {
	case "list":
		fs := flag.NewFlagSet("decisions list", flag.ContinueOnError)
		root := fs.String("root", "./data", "storage root directory")
		did := fs.String("did", "", "agent DID")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		if *did == "" {
			fmt.Fprintln(stderr, "decisions list: --did is required")
			return 2
		}
		mgr, s, err := openStore(*root, *did)
		if err != nil {
			fmt.Fprintf(stderr, "decisions list: %v\n", err)
			return 1
		}
		defer mgr.Close()

		entries, err := s.ListPendingDecisions(context.Background())
		if err != nil {
			fmt.Fprintf(stderr, "decisions list: %v\n", err)
			return 1
		}
		if len(entries) == 0 {
			fmt.Fprintln(stdout, "no pending decisions")
			return 0
		}
		for _, e := range entries {
			fmt.Fprintf(stdout, "%d  tx=%s  agent=%s  type=%s  status=%s\n",
				e.ID, e.TransactionID, e.AgentDID, e.DecisionType, e.Status)
		}
		return 0

	case "resolve":
		fs := flag.NewFlagSet("decisions resolve", flag.ContinueOnError)
		root := fs.String("root", "./data", "storage root directory")
		did := fs.String("did", "", "agent DID")
		id := fs.Int64("id", 0, "decision_log id")
		action := fs.String("action", "", "resolution action (authorize, reject, settle, cancel, update_policies, present, defer)")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		if *did == "" || *id == 0 || *action == "" {
			fmt.Fprintln(stderr, "decisions resolve: --did, --id and --action are required")
			return 2
		}
		mgr, s, err := openStore(*root, *did)
		if err != nil {
			fmt.Fprintf(stderr, "decisions resolve: %v\n", err)
			return 1
		}
		defer mgr.Close()

		if err := s.UpdateDecisionStatus(context.Background(), *id, store.DecisionResolved, *action, "resolved via tapctl"); err != nil {
			fmt.Fprintf(stderr, "decisions resolve: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "decision %d resolved: %s\n", *id, *action)
		return 0

	default:
		fmt.Fprintf(stderr, "unknown decisions subcommand %q\n", args[0])
		return 2
	}
}
