package mcp

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"
)

const waitTimeout = 5 * time.Second

// pipeConn is the host half of an in-memory stream pair.
type pipeConn struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (c *pipeConn) Read(b []byte) (int, error)  { return c.r.Read(b) }
func (c *pipeConn) Write(b []byte) (int, error) { return c.w.Write(b) }

func (c *pipeConn) Close(context.Context) error {
	_ = c.w.Close()
	_ = c.r.Close()
	return nil
}

// frameQueue drains a stream into a channel so writers never block on the
// test reading at the wrong moment.
type frameQueue struct {
	ch chan Message
}

func newFrameQueue(r io.Reader) *frameQueue {
	q := &frameQueue{ch: make(chan Message, 256)}
	go func() {
		defer close(q.ch)
		for message, err := range NewDecoder(r, 0).Messages() {
			if err != nil {
				return
			}
			q.ch <- message
		}
	}()
	return q
}

func (q *frameQueue) next(t *testing.T) Message {
	t.Helper()
	select {
	case message, ok := <-q.ch:
		if !ok {
			t.Fatalf("stream closed while waiting for a frame")
		}
		return message
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for a frame")
	}
	return Message{}
}

// fakeWorker scripts the worker end of a session.
type fakeWorker struct {
	frames *frameQueue
	enc    *Encoder
	in     *io.PipeReader
	out    *io.PipeWriter
}

func newPipePair(t *testing.T) (*pipeConn, *fakeWorker) {
	t.Helper()
	hostR, workerW := io.Pipe()
	workerR, hostW := io.Pipe()
	worker := &fakeWorker{
		frames: newFrameQueue(workerR),
		enc:    NewEncoder(workerW),
		in:     workerR,
		out:    workerW,
	}
	t.Cleanup(func() {
		_ = workerW.Close()
		_ = workerR.Close()
	})
	return &pipeConn{r: hostR, w: hostW}, worker
}

func (w *fakeWorker) expect(t *testing.T, method string) Message {
	t.Helper()
	message := w.frames.next(t)
	if message.Method != method {
		t.Fatalf("worker received method %q, want %q", message.Method, method)
	}
	return message
}

func (w *fakeWorker) handshake(t *testing.T, capabilities map[string]any) {
	t.Helper()
	request := w.expect(t, MethodInitialize)
	w.respond(t, request.ID, InitializeResult{
		ProtocolVersion: DefaultProtocolVersion,
		Capabilities:    capabilities,
		ServerInfo:      ServerInfo{Name: "bigquery", Version: "0.2.0"},
	})
}

func (w *fakeWorker) respond(t *testing.T, id int64, result any) {
	t.Helper()
	if err := w.enc.Encode(Message{ID: id, Result: mustRawJSON(t, result)}); err != nil {
		t.Fatalf("worker Encode() error = %v", err)
	}
}

func (w *fakeWorker) respondText(t *testing.T, id int64, text string, isError bool) {
	t.Helper()
	w.respond(t, id, Outcome{IsError: isError, Text: text}.Result())
}

var toolsCapability = map[string]any{"tools": map[string]any{}}

// newReadySession returns a session that completed the handshake against a
// scripted worker.
func newReadySession(t *testing.T, opts SessionOptions) (*Session, *fakeWorker) {
	t.Helper()
	conn, worker := newPipePair(t)
	session := NewSession(conn, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = session.Close(ctx)
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := session.Initialize(context.Background())
		errCh <- err
	}()
	worker.handshake(t, toolsCapability)
	worker.expect(t, MethodInitialized)
	if err := <-errCh; err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	return session, worker
}

func decodeParams[T any](t *testing.T, message Message) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(message.Params, &out); err != nil {
		t.Fatalf("Unmarshal(params) error = %v", err)
	}
	return out
}

func mustRawJSON(t *testing.T, value any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(value)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	return data
}

type invokeResult struct {
	outcome Outcome
	err     error
}

func invokeAsync(ctx context.Context, session *Session, name string, args map[string]any, opts ...CallOption) <-chan invokeResult {
	ch := make(chan invokeResult, 1)
	go func() {
		outcome, err := session.Invoke(ctx, name, args, opts...)
		ch <- invokeResult{outcome: outcome, err: err}
	}()
	return ch
}

func await(t *testing.T, ch <-chan invokeResult) invokeResult {
	t.Helper()
	select {
	case result := <-ch:
		return result
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for Invoke()")
	}
	return invokeResult{}
}

func decodeInto(t *testing.T, raw json.RawMessage, out any) {
	t.Helper()
	if err := json.Unmarshal(raw, out); err != nil {
		t.Fatalf("Unmarshal(%s) error = %v", raw, err)
	}
}
