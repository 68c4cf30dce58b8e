// Package server implements the line-oriented TCP protocol of the chart daemon.
package server

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
	"strings"
	"sync"
	"time"

	"github.com/celerix-dev/celerix-charts/pkg/chart"
	"github.com/celerix-dev/celerix-charts/pkg/sdk"
)

// MaxConnections is the number of connections served at once.
const MaxConnections = 100

type Router struct {
	store  sdk.ChartStore
	cert   *tls.Certificate
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	stopped  bool
}

func NewRouter(s sdk.ChartStore) *Router {
	return &Router{
		store:  s,
		logger: slog.Default(),
		conns:  make(map[net.Conn]struct{}),
	}
}

// SetCertificate sets the TLS certificate for the router
func (r *Router) SetCertificate(cert tls.Certificate) {
	r.cert = &cert
}

// SetLogger replaces the default logger.
func (r *Router) SetLogger(l *slog.Logger) {
	r.logger = l
}

// Addr returns the listening address, or nil before Listen.
func (r *Router) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Listen starts the TCP server and blocks until Stop.
func (r *Router) Listen(port string) error {
	var listener net.Listener
	var err error

	if r.cert != nil {
		config := &tls.Config{Certificates: []tls.Certificate{*r.cert}}
		listener, err = tls.Listen("tcp", ":"+port, config)
	} else {
		listener, err = net.Listen("tcp", ":"+port)
	}
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		listener.Close()
		return nil
	}
	r.listener = listener
	r.mu.Unlock()
	defer listener.Close()

	r.logger.Info("chart protocol listening", "addr", listener.Addr().String(), "tls", r.cert != nil)

	semaphore := make(chan struct{}, MaxConnections)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			r.logger.Warn("accept failed", "error", err)
			continue
		}

		// Bound the lifetime of a connection to prevent resource exhaustion
		conn.SetDeadline(time.Now().Add(5 * time.Minute))

		// Excess clients wait in the listen backlog, not as goroutines.
		semaphore <- struct{}{}
		go func(c net.Conn) {
			defer func() {
				<-semaphore
			}()
			r.HandleConnection(c)
		}(conn)
	}
}

// Stop closes the listener and every open connection.
func (r *Router) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	for c := range r.conns {
		c.Close()
	}
	if r.listener == nil {
		return nil
	}
	return r.listener.Close()
}

func (r *Router) track(conn net.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return false
	}
	r.conns[conn] = struct{}{}
	return true
}

func (r *Router) untrack(conn net.Conn) {
	r.mu.Lock()
	delete(r.conns, conn)
	r.mu.Unlock()
}

// HandleConnection serves commands on conn until QUIT, EOF or an idle timeout.
// It closes conn.
func (r *Router) HandleConnection(conn net.Conn) {
	defer conn.Close()
	if !r.track(conn) {
		return
	}
	defer r.untrack(conn)

	reader := bufio.NewReader(conn)
	for {
		// Set a deadline for the next command
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))

		line, err := reader.ReadString('\n')
		if err != nil {
			return // Connection closed or timeout
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		command, rest, _ := strings.Cut(line, " ")
		command = strings.ToUpper(command)
		if command == "QUIT" {
			return
		}
		fmt.Fprintln(conn, r.dispatch(command, strings.TrimLeft(rest, " ")))
	}
}

// splitArgs splits the first n space separated arguments off rest. The
// remainder is returned verbatim, so JSON keeps its inner whitespace.
func splitArgs(rest string, n int) ([]string, string) {
	args := make([]string, 0, n)
	for len(args) < n {
		rest = strings.TrimLeft(rest, " ")
		if rest == "" {
			break
		}
		var arg string
		arg, rest, _ = strings.Cut(rest, " ")
		args = append(args, arg)
	}
	return args, strings.TrimLeft(rest, " ")
}

// Commands run to completion even if the client goes away, so a started
// save is never cut short.
func (r *Router) dispatch(command string, rest string) string {
	ctx := context.Background()

	switch command {
	case "PING":
		return "PONG"

	case "SAVE":
		// SAVE <owner> <kind> <json payload>
		args, body := splitArgs(rest, 2)
		if len(args) < 2 || body == "" {
			return "ERR usage: SAVE <owner> <kind> <json>"
		}
		owner, kind, errReply := r.ownerAndKind(args[0], args[1])
		if errReply != "" {
			return errReply
		}
		payload, err := chart.DecodePayload(kind, []byte(body))
		if err != nil {
			return "ERR invalid json payload"
		}
		rec, err := r.store.Save(ctx, owner, kind, payload)
		if err != nil {
			return r.errorReply("save", err)
		}
		return okJSON(rec)

	case "IMPORT":
		// IMPORT <record json>
		if rest == "" {
			return "ERR usage: IMPORT <json record>"
		}
		importer, ok := r.store.(sdk.RecordImporter)
		if !ok {
			return "ERR store does not support import"
		}
		var rec chart.Record
		if err := json.Unmarshal([]byte(rest), &rec); err != nil {
			return "ERR invalid json record"
		}
		if err := importer.Import(ctx, &rec); err != nil {
			return r.errorReply("import", err)
		}
		return "OK"

	case "LOAD":
		args, _ := splitArgs(rest, 2)
		if len(args) < 2 {
			return "ERR usage: LOAD <owner> <kind>"
		}
		owner, kind, errReply := r.ownerAndKind(args[0], args[1])
		if errReply != "" {
			return errReply
		}
		rec, err := r.store.Load(ctx, owner, kind)
		if err != nil {
			return r.errorReply("load", err)
		}
		return okJSON(rec)

	case "LIST_OWNERS":
		list, err := r.store.ListOwners(ctx)
		if err != nil {
			return r.errorReply("list owners", err)
		}
		if list == nil {
			list = []string{}
		}
		return okJSON(list)

	case "LIST":
		args, _ := splitArgs(rest, 1)
		if len(args) < 1 {
			return "ERR usage: LIST <owner>"
		}
		owner, err := url.PathUnescape(args[0])
		if err != nil {
			return "ERR invalid owner"
		}
		list, err := r.store.ListByOwner(ctx, owner)
		if err != nil {
			return r.errorReply("list", err)
		}
		if list == nil {
			list = []*chart.Record{}
		}
		return okJSON(list)

	default:
		return "ERR unknown command " + command
	}
}

func (r *Router) ownerAndKind(rawOwner, rawKind string) (string, chart.Kind, string) {
	owner, err := url.PathUnescape(rawOwner)
	if err != nil || owner == "" {
		return "", "", "ERR invalid owner"
	}
	kind, err := chart.ParseKind(rawKind)
	if err != nil {
		return "", "", "ERR " + err.Error()
	}
	return owner, kind, ""
}

func (r *Router) errorReply(op string, err error) string {
	if errors.Is(err, chart.ErrNotFound) {
		return "ERR " + sdk.NotFoundCode + " " + err.Error()
	}
	r.logger.Error("chart store operation failed", "op", op, "error", err)
	return "ERR " + err.Error()
}

func okJSON(v any) string {
	res, err := json.Marshal(v)
	if err != nil {
		return "ERR internal error"
	}
	return "OK " + string(res)
}
