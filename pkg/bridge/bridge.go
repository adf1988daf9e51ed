package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tap-rsvp/tapnode/pkg/store"
)

const defaultCallTimeout = 30 * time.Second

// call sends a JSON-RPC request and blocks for its response, or until
// ctx is cancelled or defaultCallTimeout elapses.
func (b *Bridge) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("bridge: marshal %s params: %w", method, err)
	}
	id := atomic.AddInt64(&b.nextID, 1)
	req := rpcRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: raw}

	ch := make(chan rpcResponse, 1)
	b.pendingMu.Lock()
	b.pending[id] = ch
	b.pendingMu.Unlock()

	if err := b.writeLine(req); err != nil {
		b.pendingMu.Lock()
		delete(b.pending, id)
		b.pendingMu.Unlock()
		return nil, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
	defer cancel()

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, fmt.Errorf("bridge: %s: child returned error %d: %s", method, resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-timeoutCtx.Done():
		b.pendingMu.Lock()
		delete(b.pending, id)
		b.pendingMu.Unlock()
		return nil, fmt.Errorf("bridge: %s: %w", method, timeoutCtx.Err())
	}
}

func (b *Bridge) writeLine(v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("bridge: marshal request: %w", err)
	}
	raw = append(raw, '\n')

	b.mu.Lock()
	stdin := b.stdin
	b.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("bridge: child not connected")
	}
	if _, err := stdin.Write(raw); err != nil {
		return fmt.Errorf("bridge: write to child: %w", err)
	}
	return nil
}

// initialize sends tap/initialize once per child spawn, with a
// capability token scoped to generation (§4.G Initialization).
func (b *Bridge) initialize(ctx context.Context, generation int64) error {
	token, err := b.minter.mint(generation, b.cfg.TokenTTL)
	if err != nil {
		return err
	}
	params := InitializeParams{
		AgentDIDs:        b.cfg.AgentDIDs,
		SubscriptionMode: b.cfg.SubscriptionMode,
		Capabilities:     b.cfg.Capabilities,
		Token:            token,
	}
	_, err = b.call(ctx, "tap/initialize", params)
	return err
}

// replayPending re-delivers every decision still pending or marked
// delivered-but-unresolved, so a reconnecting child does not lose
// decisions raised while it was down (§4.G Reconnection: replay
// undelivered and unresolved decisions).
func (b *Bridge) replayPending(ctx context.Context) error {
	if b.cfg.Store == nil {
		return nil
	}
	entries, err := b.cfg.Store.ListPendingDecisions(ctx)
	if err != nil {
		return fmt.Errorf("bridge: list pending decisions: %w", err)
	}
	for _, entry := range entries {
		if _, err := b.sendDecision(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}

// SendDecision forwards a freshly raised decision point to the child
// and returns its chosen resolution, updating decision_log status along
// the way (delivered, then resolved).
func (b *Bridge) SendDecision(ctx context.Context, entry store.DecisionLogEntry) (DecisionResult, error) {
	return b.sendDecision(ctx, entry)
}

func (b *Bridge) sendDecision(ctx context.Context, entry store.DecisionLogEntry) (DecisionResult, error) {
	params := DecisionParams{
		DecisionID:    entry.ID,
		TransactionID: entry.TransactionID,
		AgentDID:      entry.AgentDID,
		DecisionType:  string(entry.DecisionType),
		Context:       entry.Context,
		CreatedAt:     entry.CreatedAt.UTC().Format(time.RFC3339),
	}

	if b.cfg.Store != nil {
		_ = b.cfg.Store.UpdateDecisionStatus(ctx, entry.ID, store.DecisionDelivered, "", "")
	}

	result, err := b.call(ctx, "tap/decision", params)
	if err != nil {
		return DecisionResult{}, err
	}

	var decision DecisionResult
	if err := json.Unmarshal(result, &decision); err != nil {
		return DecisionResult{}, fmt.Errorf("bridge: decode decision result: %w", err)
	}

	if b.cfg.Store != nil {
		if err := b.cfg.Store.UpdateDecisionStatus(ctx, entry.ID, store.DecisionResolved, decision.Action, ""); err != nil {
			return DecisionResult{}, fmt.Errorf("bridge: record decision resolution: %w", err)
		}
	}
	return decision, nil
}

// handleChildRequest answers a request the child initiated (currently
// only tools/call, §4.G Tool calls), writing the response back over
// stdin so the child's own call() blocks correctly.
func (b *Bridge) handleChildRequest(ctx context.Context, req rpcRequest, generation int64) {
	if req.ID == nil {
		return // notification, no response expected
	}

	result, rpcErr := b.dispatch(ctx, req, generation)
	resp := rpcResponse{JSONRPC: "2.0", ID: *req.ID}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		resp.Result = result
	}
	_ = b.writeLine(resp)
}

func (b *Bridge) dispatch(ctx context.Context, req rpcRequest, generation int64) (json.RawMessage, *rpcError) {
	switch req.Method {
	case "tools/call":
		var params ToolCallParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, &rpcError{Code: -32602, Message: "invalid params: " + err.Error()}
		}
		if curGen := atomic.LoadInt64(&b.generation); curGen != generation {
			return nil, &rpcError{Code: -32001, Message: "stale capability: child generation superseded"}
		}
		if b.cfg.Dispatcher == nil {
			return nil, &rpcError{Code: -32601, Message: "no tool dispatcher configured"}
		}
		out, err := b.cfg.Dispatcher.DispatchTool(ctx, params.Name, params.Arguments)
		if err != nil {
			return nil, &rpcError{Code: -32000, Message: err.Error()}
		}
		raw, err := json.Marshal(out)
		if err != nil {
			return nil, &rpcError{Code: -32000, Message: "marshal tool result: " + err.Error()}
		}
		return raw, nil
	default:
		return nil, &rpcError{Code: -32601, Message: "method not found: " + req.Method}
	}
}
