// Package jsonl implements the runtime's Transport over any byte stream,
// framing each message as one newline-delimited JSON object.
//
// Client messages arrive as {"type": "request", ...} or {"type":
// "cancel", ...} envelopes; responses leave as {"type": "response", ...}.
// Unknown envelope types are skipped so the wire format can grow without
// breaking older servers.
package jsonl

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/encoding/json"

	"github.com/gregorydemay/tarpc"
	"github.com/gregorydemay/tarpc/internal/errors"
)

// maxLineSize is the maximum accepted frame size. A longer line is a
// protocol violation and terminates the stream.
const maxLineSize = 1024 * 1024 // 1MB

// Frame type tags.
const (
	typeRequest  = "request"
	typeCancel   = "cancel"
	typeResponse = "response"
)

type clientEnvelope[Req any] struct {
	Type      string             `json:"type"`
	RequestID uint64             `json:"request_id"` //nolint:tagliatelle // wire format uses snake_case
	Trace     tarpc.TraceContext `json:"trace"`
	Deadline  time.Time          `json:"deadline"`
	Message   Req                `json:"message,omitempty"`
}

type responseEnvelope[Resp any] struct {
	Type      string             `json:"type"`
	RequestID uint64             `json:"request_id"` //nolint:tagliatelle // wire format uses snake_case
	Message   Resp               `json:"message,omitempty"`
	Error     *tarpc.ServerError `json:"error,omitempty"`
}

// Transport frames messages as JSON lines over conn. Responses are
// buffered in an internal writer and reach the client on Flush.
type Transport[Req, Resp any] struct {
	log  *slog.Logger
	conn io.ReadWriteCloser

	wmu sync.Mutex
	w   *bufio.Writer

	readOnce sync.Once
	msgs     chan tarpc.ClientMessage[Req]
	errs     chan error

	closeOnce sync.Once
	closed    atomic.Bool
}

var _ tarpc.Transport[any, any] = (*Transport[any, any])(nil)

// New creates a transport over conn. A nil logger disables logging.
func New[Req, Resp any](log *slog.Logger, conn io.ReadWriteCloser) *Transport[Req, Resp] {
	if log == nil {
		log = tarpc.NopLogger()
	}

	return &Transport[Req, Resp]{
		log:  log.With("component", "jsonl_transport"),
		conn: conn,
		w:    bufio.NewWriter(conn),
		msgs: make(chan tarpc.ClientMessage[Req], 16),
		errs: make(chan error, 1),
	}
}

// RemoteAddr returns the peer address when conn is a net.Conn, or nil.
// Useful as a channel-filter key.
func (t *Transport[Req, Resp]) RemoteAddr() net.Addr {
	if conn, ok := t.conn.(net.Conn); ok {
		return conn.RemoteAddr()
	}

	return nil
}

// ReadMessages implements tarpc.Transport. The first call starts the
// reader goroutine; subsequent calls return the same channels.
func (t *Transport[Req, Resp]) ReadMessages(
	ctx context.Context,
) (<-chan tarpc.ClientMessage[Req], <-chan error) {
	t.readOnce.Do(func() {
		go t.readLoop(ctx)
	})

	return t.msgs, t.errs
}

func (t *Transport[Req, Resp]) readLoop(ctx context.Context) {
	defer close(t.msgs)

	scanner := bufio.NewScanner(t.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		msg, err := t.decode(line)
		if err != nil {
			t.errs <- err

			return
		}

		if msg == nil {
			continue
		}

		select {
		case t.msgs <- *msg:
		case <-ctx.Done():
			return
		}
	}

	if err := scanner.Err(); err != nil {
		// A read error after Close is the expected teardown path, not a
		// transport failure.
		if t.closed.Load() || ctx.Err() != nil {
			t.log.Debug("Read loop stopped", "error", err)

			return
		}

		t.errs <- err
	}
}

func (t *Transport[Req, Resp]) decode(line []byte) (*tarpc.ClientMessage[Req], error) {
	var env clientEnvelope[Req]
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, &errors.DecodeError{RawData: string(line), Err: err}
	}

	switch env.Type {
	case typeRequest:
		return &tarpc.ClientMessage[Req]{
			Request: &tarpc.Request[Req]{
				ID: env.RequestID,
				Context: tarpc.CallContext{
					Deadline: env.Deadline,
					Trace:    env.Trace,
				},
				Message: env.Message,
			},
		}, nil

	case typeCancel:
		return &tarpc.ClientMessage[Req]{
			Cancel: &tarpc.CancelRequest{
				Trace:     env.Trace,
				RequestID: env.RequestID,
			},
		}, nil

	default:
		t.log.Warn("Skipping message with unknown type", "type", env.Type)

		return nil, nil
	}
}

// Send implements tarpc.Transport. The response is staged in the write
// buffer; it reaches the client on Flush.
func (t *Transport[Req, Resp]) Send(_ context.Context, resp tarpc.Response[Resp]) error {
	data, err := json.Marshal(responseEnvelope[Resp]{
		Type:      typeResponse,
		RequestID: resp.RequestID,
		Message:   resp.Message,
		Error:     resp.Error,
	})
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}

	t.wmu.Lock()
	defer t.wmu.Unlock()

	if _, err := t.w.Write(data); err != nil {
		return err
	}

	return t.w.WriteByte('\n')
}

// Flush implements tarpc.Transport.
func (t *Transport[Req, Resp]) Flush(_ context.Context) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()

	return t.w.Flush()
}

// Close implements tarpc.Transport.
func (t *Transport[Req, Resp]) Close() error {
	var err error

	t.closeOnce.Do(func() {
		t.closed.Store(true)
		err = t.conn.Close()
	})

	return err
}
