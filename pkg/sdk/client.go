// Package sdk provides the client-side library for the chart store.
// It supports both remote connections via TCP/TLS and the embedded engine.
package sdk

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/celerix-dev/celerix-charts/pkg/chart"
)

// NotFoundCode is the error code the daemon sends for a missing record.
const NotFoundCode = "NOT_FOUND"

const maxAttempts = 3

// Client is a remote client for the chart daemon.
// It implements the ChartStore and RecordImporter interfaces.
type Client struct {
	addr   string
	tls    bool
	logger *slog.Logger

	conn   net.Conn
	reader *bufio.Reader
	mu     sync.Mutex // Protects concurrent access to the connection
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTLS overrides the CELERIX_DISABLE_TLS environment switch.
func WithTLS(enabled bool) ClientOption {
	return func(c *Client) { c.tls = enabled }
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// Connect establishes a TLS-encrypted connection to a remote chart daemon.
// If CELERIX_DISABLE_TLS is set to "true", it falls back to plain TCP.
func Connect(addr string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		addr:   addr,
		tls:    os.Getenv("CELERIX_DISABLE_TLS") != "true",
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.reconnect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) reconnect() error {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 60 * time.Second,
	}

	var conn net.Conn
	var err error
	if c.tls {
		config := &tls.Config{
			InsecureSkipVerify: true, // The daemon uses a self-signed certificate
		}
		conn, err = tls.DialWithDialer(dialer, "tcp", c.addr, config)
	} else {
		conn, err = dialer.Dial("tcp", c.addr)
	}
	if err != nil {
		return err
	}

	c.conn = conn
	c.reader = bufio.NewReader(conn)
	return nil
}

// serverError is an ERR reply. It is final and never retried.
type serverError struct {
	code string
	msg  string
}

func (e *serverError) Error() string { return strings.TrimSpace(e.code + " " + e.msg) }

func parseServerError(resp string) *serverError {
	rest := strings.TrimSpace(strings.TrimPrefix(resp, "ERR"))
	code, msg, _ := strings.Cut(rest, " ")
	if code != NotFoundCode {
		return &serverError{msg: rest}
	}
	return &serverError{code: code, msg: msg}
}

// Internal helper for TCP communication
func (c *Client) sendAndReceive(ctx context.Context, cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	var resp string

	// Try up to 3 times with a growing backoff
	for i := range maxAttempts {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}

		if c.conn == nil {
			if reconnectErr := c.reconnect(); reconnectErr != nil {
				err = fmt.Errorf("reconnect failed: %w", reconnectErr)
				time.Sleep(time.Duration(i*100) * time.Millisecond)
				continue
			}
		}

		deadline := time.Now().Add(30 * time.Second)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		c.conn.SetDeadline(deadline)

		_, err = fmt.Fprint(c.conn, cmd+"\n")
		if err == nil {
			resp, err = c.reader.ReadString('\n')
			if err == nil {
				resp = strings.TrimSpace(resp)
				if strings.HasPrefix(resp, "ERR") {
					return "", parseServerError(resp)
				}
				return resp, nil
			}
		}

		c.logger.Warn("chart store request failed, reconnecting", "attempt", i+1, "addr", c.addr, "error", err)
		if closeErr := c.reconnect(); closeErr != nil {
			c.logger.Warn("reconnect attempt failed", "addr", c.addr, "error", closeErr)
		}

		time.Sleep(time.Duration((i+1)*200) * time.Millisecond)
	}

	return "", fmt.Errorf("failed after %d attempts. last error: %w", maxAttempts, err)
}

// call runs one command and maps protocol errors onto the gateway contract.
func (c *Client) call(ctx context.Context, op, cmd string) (string, error) {
	resp, err := c.sendAndReceive(ctx, cmd)
	if err != nil {
		var se *serverError
		if errors.As(err, &se) && se.code == NotFoundCode {
			return "", chart.ErrNotFound
		}
		return "", chart.Fail(op, err)
	}
	return strings.TrimSpace(strings.TrimPrefix(resp, "OK")), nil
}

// EscapeOwner makes an owner safe to send as one protocol token.
func EscapeOwner(owner string) string {
	return url.PathEscape(owner)
}

func (c *Client) Save(ctx context.Context, owner string, kind chart.Kind, payload chart.Payload) (*chart.Record, error) {
	if payload == nil {
		return nil, chart.Fail("save", errors.New("payload is required"))
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, chart.Fail("save", err)
	}
	jsonData, err := c.call(ctx, "save", fmt.Sprintf("SAVE %s %s %s", EscapeOwner(owner), kind, data))
	if err != nil {
		return nil, err
	}
	return decodeRecord("save", jsonData)
}

func (c *Client) Import(ctx context.Context, rec *chart.Record) error {
	if rec == nil {
		return chart.Fail("import", errors.New("nil record"))
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return chart.Fail("import", err)
	}
	_, err = c.call(ctx, "import", fmt.Sprintf("IMPORT %s", data))
	return err
}

func (c *Client) Load(ctx context.Context, owner string, kind chart.Kind) (*chart.Record, error) {
	jsonData, err := c.call(ctx, "load", fmt.Sprintf("LOAD %s %s", EscapeOwner(owner), kind))
	if err != nil {
		return nil, err
	}
	return decodeRecord("load", jsonData)
}

func (c *Client) ListOwners(ctx context.Context) ([]string, error) {
	jsonData, err := c.call(ctx, "list owners", "LIST_OWNERS")
	if err != nil {
		return nil, err
	}
	var list []string
	if err := json.Unmarshal([]byte(jsonData), &list); err != nil {
		return nil, chart.Fail("list owners", err)
	}
	return list, nil
}

func (c *Client) ListByOwner(ctx context.Context, owner string) ([]*chart.Record, error) {
	jsonData, err := c.call(ctx, "list", fmt.Sprintf("LIST %s", EscapeOwner(owner)))
	if err != nil {
		return nil, err
	}
	var list []*chart.Record
	if err := json.Unmarshal([]byte(jsonData), &list); err != nil {
		return nil, chart.Fail("list", err)
	}
	return list, nil
}

// Ping checks that the daemon answers.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.sendAndReceive(ctx, "PING")
	if err != nil {
		return err
	}
	if resp != "PONG" {
		return fmt.Errorf("unexpected ping reply %q", resp)
	}
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	fmt.Fprintln(c.conn, "QUIT")
	err := c.conn.Close()
	c.conn = nil
	return err
}

func decodeRecord(op, jsonData string) (*chart.Record, error) {
	var rec chart.Record
	if err := json.Unmarshal([]byte(jsonData), &rec); err != nil {
		return nil, chart.Fail(op, fmt.Errorf("decode record: %w", err))
	}
	return &rec, nil
}
