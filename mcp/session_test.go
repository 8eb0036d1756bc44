package mcp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestSessionHandshake(t *testing.T) {
	var (
		mu          sync.Mutex
		transitions []string
	)
	session, _ := newReadySession(t, SessionOptions{
		ID:         "session-1",
		ClientInfo: ClientInfo{Name: "gateway", Version: "1.0.0"},
		OnStateChange: func(id string, from, to State) {
			mu.Lock()
			defer mu.Unlock()
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	if session.State() != StateReady {
		t.Fatalf("State() = %s, want ready", session.State())
	}
	if info := session.ServerInfo(); info.Name != "bigquery" || info.Version != "0.2.0" {
		t.Fatalf("ServerInfo() = %+v", info)
	}
	mu.Lock()
	defer mu.Unlock()
	want := []string{"unstarted->handshaking", "handshaking->ready"}
	if len(transitions) != len(want) || transitions[0] != want[0] || transitions[1] != want[1] {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
}

func TestSessionSendsClientIdentity(t *testing.T) {
	conn, worker := newPipePair(t)
	session := NewSession(conn, SessionOptions{ClientInfo: ClientInfo{Name: "gateway", Version: "1.0.0"}})
	defer session.Close(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := session.Initialize(context.Background())
		errCh <- err
	}()

	request := worker.expect(t, MethodInitialize)
	params := decodeParams[InitializeParams](t, request)
	if params.ClientInfo.Name != "gateway" || params.ProtocolVersion != DefaultProtocolVersion {
		t.Fatalf("initialize params = %+v", params)
	}
	worker.respond(t, request.ID, InitializeResult{Capabilities: toolsCapability})
	worker.expect(t, MethodInitialized)
	if err := <-errCh; err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
}

func TestSessionRejectsCallsBeforeReady(t *testing.T) {
	conn, _ := newPipePair(t)
	session := NewSession(conn, SessionOptions{})
	defer session.Close(context.Background())

	_, err := session.Invoke(context.Background(), "list-tables", nil)
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("Invoke() error = %v, want ErrNotReady", err)
	}
	if _, err := session.ListTools(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Fatalf("ListTools() error = %v, want ErrNotReady", err)
	}
}

func TestSessionHandshakeRequiresToolCapability(t *testing.T) {
	conn, worker := newPipePair(t)
	session := NewSession(conn, SessionOptions{})
	defer session.Close(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := session.Initialize(context.Background())
		errCh <- err
	}()
	worker.handshake(t, map[string]any{"prompts": map[string]any{}})

	err := <-errCh
	if !errors.Is(err, ErrToolsUnsupported) {
		t.Fatalf("Initialize() error = %v, want ErrToolsUnsupported", err)
	}
	if session.State() != StateFailed {
		t.Fatalf("State() = %s, want failed", session.State())
	}
}

func TestSessionHandshakeTimeout(t *testing.T) {
	conn, worker := newPipePair(t)
	session := NewSession(conn, SessionOptions{HandshakeTimeout: 30 * time.Millisecond})
	defer session.Close(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := session.Initialize(context.Background())
		errCh <- err
	}()
	worker.expect(t, MethodInitialize)

	if err := <-errCh; !errors.Is(err, ErrTimeout) {
		t.Fatalf("Initialize() error = %v, want ErrTimeout", err)
	}
	if session.State() != StateFailed {
		t.Fatalf("State() = %s, want failed", session.State())
	}
}

func TestSessionInvokeSuccessAndFailure(t *testing.T) {
	session, worker := newReadySession(t, SessionOptions{})

	pending := invokeAsync(context.Background(), session, "describe-table", map[string]any{"table_name": "sales.orders"})
	call := worker.expect(t, MethodToolsCall)
	params := decodeParams[ToolsCallParams](t, call)
	if params.Name != "describe-table" || params.Arguments["table_name"] != "sales.orders" {
		t.Fatalf("tools/call params = %+v", params)
	}
	worker.respondText(t, call.ID, `[{"ddl":"CREATE TABLE orders (id INT64)"}]`, false)

	result := await(t, pending)
	if result.err != nil {
		t.Fatalf("Invoke() error = %v", result.err)
	}
	if result.outcome.IsError || result.outcome.Text != `[{"ddl":"CREATE TABLE orders (id INT64)"}]` {
		t.Fatalf("outcome = %+v", result.outcome)
	}

	pending = invokeAsync(context.Background(), session, "describe-table", map[string]any{"table_name": "badformat"})
	call = worker.expect(t, MethodToolsCall)
	worker.respondText(t, call.ID, "Invalid table name: badformat", true)

	result = await(t, pending)
	var execErr *ToolExecutionError
	if !errors.As(result.err, &execErr) {
		t.Fatalf("Invoke() error = %v, want *ToolExecutionError", result.err)
	}
	if !result.outcome.IsError || result.outcome.Text != "Invalid table name: badformat" {
		t.Fatalf("outcome = %+v", result.outcome)
	}
	if session.State() != StateReady {
		t.Fatalf("State() = %s, want ready after tool failure", session.State())
	}
}

func TestSessionRepliesInReverseOrder(t *testing.T) {
	session, worker := newReadySession(t, SessionOptions{})

	first := invokeAsync(context.Background(), session, "execute-query", map[string]any{"query": "SELECT 1"})
	firstCall := worker.expect(t, MethodToolsCall)
	second := invokeAsync(context.Background(), session, "execute-query", map[string]any{"query": "SELECT 2"})
	secondCall := worker.expect(t, MethodToolsCall)

	if firstCall.ID == secondCall.ID {
		t.Fatalf("correlation ids collide: %d", firstCall.ID)
	}

	worker.respondText(t, secondCall.ID, "two", false)
	worker.respondText(t, firstCall.ID, "one", false)

	if got := await(t, first); got.err != nil || got.outcome.Text != "one" {
		t.Fatalf("first Invoke() = %+v, %v", got.outcome, got.err)
	}
	if got := await(t, second); got.err != nil || got.outcome.Text != "two" {
		t.Fatalf("second Invoke() = %+v, %v", got.outcome, got.err)
	}
}

func TestSessionTimeoutDropsLateResponse(t *testing.T) {
	session, worker := newReadySession(t, SessionOptions{})

	slow := invokeAsync(context.Background(), session, "execute-query", map[string]any{"query": "SELECT slow"}, WithTimeout(40*time.Millisecond))
	slowCall := worker.expect(t, MethodToolsCall)
	other := invokeAsync(context.Background(), session, "list-tables", map[string]any{})
	otherCall := worker.expect(t, MethodToolsCall)

	result := await(t, slow)
	if !errors.Is(result.err, ErrTimeout) {
		t.Fatalf("Invoke() error = %v, want ErrTimeout", result.err)
	}
	cancelled := worker.expect(t, MethodCancelled)
	if params := decodeParams[CancelledParams](t, cancelled); params.RequestID != slowCall.ID {
		t.Fatalf("cancelled request id = %d, want %d", params.RequestID, slowCall.ID)
	}

	worker.respondText(t, slowCall.ID, "too late", false)
	worker.respondText(t, otherCall.ID, "[]", false)

	if got := await(t, other); got.err != nil || got.outcome.Text != "[]" {
		t.Fatalf("other Invoke() = %+v, %v", got.outcome, got.err)
	}
	if session.State() != StateReady {
		t.Fatalf("State() = %s, want ready", session.State())
	}
}

func TestSessionCancellation(t *testing.T) {
	session, worker := newReadySession(t, SessionOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	pending := invokeAsync(ctx, session, "execute-query", map[string]any{"query": "SELECT 1"})
	call := worker.expect(t, MethodToolsCall)
	cancel()

	result := await(t, pending)
	if !errors.Is(result.err, ErrCancelled) || !errors.Is(result.err, context.Canceled) {
		t.Fatalf("Invoke() error = %v, want ErrCancelled wrapping context.Canceled", result.err)
	}
	notice := worker.expect(t, MethodCancelled)
	if params := decodeParams[CancelledParams](t, notice); params.RequestID != call.ID || params.Reason != "cancelled" {
		t.Fatalf("cancel params = %+v", params)
	}

	worker.respondText(t, call.ID, "ignored", false)
	next := invokeAsync(context.Background(), session, "list-tables", nil)
	nextCall := worker.expect(t, MethodToolsCall)
	worker.respondText(t, nextCall.ID, "[]", false)
	if got := await(t, next); got.err != nil {
		t.Fatalf("Invoke() after cancel error = %v", got.err)
	}
}

func TestSessionContextDeadlineIsTimeout(t *testing.T) {
	session, worker := newReadySession(t, SessionOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	pending := invokeAsync(ctx, session, "execute-query", map[string]any{"query": "SELECT 1"})
	worker.expect(t, MethodToolsCall)

	if result := await(t, pending); !errors.Is(result.err, ErrTimeout) {
		t.Fatalf("Invoke() error = %v, want ErrTimeout", result.err)
	}
}

func TestSessionConnectionLost(t *testing.T) {
	session, worker := newReadySession(t, SessionOptions{})

	first := invokeAsync(context.Background(), session, "execute-query", map[string]any{"query": "SELECT 1"})
	worker.expect(t, MethodToolsCall)
	second := invokeAsync(context.Background(), session, "list-tables", nil)
	worker.expect(t, MethodToolsCall)

	_ = worker.out.Close()

	for _, pending := range []<-chan invokeResult{first, second} {
		if result := await(t, pending); !errors.Is(result.err, ErrConnectionLost) {
			t.Fatalf("Invoke() error = %v, want ErrConnectionLost", result.err)
		}
	}
	select {
	case <-session.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("Done() not closed after failure")
	}
	if session.State() != StateFailed {
		t.Fatalf("State() = %s, want failed", session.State())
	}
	if _, err := session.Invoke(context.Background(), "list-tables", nil); !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("Invoke() after failure error = %v, want ErrConnectionLost", err)
	}
}

func TestSessionFramingErrorIsFatal(t *testing.T) {
	session, worker := newReadySession(t, SessionOptions{})

	pending := invokeAsync(context.Background(), session, "list-tables", nil)
	worker.expect(t, MethodToolsCall)
	if _, err := worker.out.Write([]byte("{garbage\n")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	result := await(t, pending)
	var framing *FramingError
	if !errors.Is(result.err, ErrConnectionLost) || !errors.As(result.err, &framing) {
		t.Fatalf("Invoke() error = %v, want ErrConnectionLost wrapping *FramingError", result.err)
	}
}

func TestSessionRPCError(t *testing.T) {
	session, worker := newReadySession(t, SessionOptions{})

	pending := invokeAsync(context.Background(), session, "list-tables", nil)
	call := worker.expect(t, MethodToolsCall)
	if err := worker.enc.Encode(Message{ID: call.ID, Error: &RPCError{Code: CodeInvalidParams, Message: "bad params"}}); err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	result := await(t, pending)
	var rpcErr *RPCError
	if !errors.As(result.err, &rpcErr) || rpcErr.Code != CodeInvalidParams {
		t.Fatalf("Invoke() error = %v, want RPCError %d", result.err, CodeInvalidParams)
	}
	if session.State() != StateReady {
		t.Fatalf("State() = %s, want ready", session.State())
	}
}

func TestSessionCloseResolvesPendingCalls(t *testing.T) {
	session, worker := newReadySession(t, SessionOptions{})

	pending := invokeAsync(context.Background(), session, "execute-query", map[string]any{"query": "SELECT 1"})
	worker.expect(t, MethodToolsCall)

	if err := session.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if result := await(t, pending); !errors.Is(result.err, ErrSessionClosed) {
		t.Fatalf("Invoke() error = %v, want ErrSessionClosed", result.err)
	}
	worker.expect(t, MethodClose)
	if session.State() != StateClosed {
		t.Fatalf("State() = %s, want closed", session.State())
	}
	if err := session.Close(context.Background()); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

func TestSessionAnswersWorkerPing(t *testing.T) {
	_, worker := newReadySession(t, SessionOptions{})

	if err := worker.enc.Encode(Message{ID: 99, Method: MethodPing}); err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	reply := worker.frames.next(t)
	if reply.ID != 99 || reply.Error != nil || string(reply.Result) != "{}" {
		t.Fatalf("ping reply = %+v", reply)
	}
}

func TestSessionListToolsAndPing(t *testing.T) {
	session, worker := newReadySession(t, SessionOptions{})

	done := make(chan error, 1)
	go func() {
		tools, err := session.ListTools(context.Background())
		if err == nil && (len(tools) != 1 || tools[0].Name != "list-tables") {
			err = errors.New("unexpected catalog")
		}
		done <- err
	}()
	request := worker.expect(t, MethodToolsList)
	worker.respond(t, request.ID, ToolsListResult{Tools: []Tool{{Name: "list-tables"}}})
	if err := <-done; err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}

	go func() { done <- session.Ping(context.Background()) }()
	ping := worker.expect(t, MethodPing)
	worker.respond(t, ping.ID, map[string]any{})
	if err := <-done; err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
}
