// Package ctlsock implements the control-socket wire protocol described in
// spec §6: a client connects to a Unix domain socket, sends a single line
// "X<command>\n", and reads back zero or more ":"-prefixed message lines
// followed by a trailing decimal exit status. Grounded on
// original_source/ctl/src/ctl.c's docmd/main, reimplemented server-side
// (the original only shipped the client).
package ctlsock

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
)

// Handler executes one command's argv and writes ":"-prefixed message
// lines to w, returning the trailing decimal status (0 success).
type Handler func(ctx context.Context, w *ResponseWriter, argv []string) int

// ResponseWriter emits ":"-prefixed lines to a control-socket client,
// matching ctl.c's expectation that every non-status line begins with a
// colon.
type ResponseWriter struct {
	conn net.Conn
}

// Printf writes one message line, prefixed with ":" per the wire protocol.
func (r *ResponseWriter) Printf(format string, args ...interface{}) {
	fmt.Fprintf(r.conn, ":%s\n", fmt.Sprintf(format, args...))
}

// Server listens on a Unix domain socket and dispatches each connection's
// single command line to a verb tree keyed by its first word(s).
type Server struct {
	SocketPath string
	Verbs      map[string]Handler
}

// NewServer returns a Server with an empty verb table; callers populate
// Verbs before calling Listen.
func NewServer(socketPath string) *Server {
	return &Server{SocketPath: socketPath, Verbs: make(map[string]Handler)}
}

// Handle registers a handler for an exact verb prefix, e.g. "build" or
// "show builds".
func (s *Server) Handle(verb string, h Handler) {
	s.Verbs[verb] = h
}

// Listen binds the Unix socket, removing a stale one from a previous run,
// and serves connections until ctx is canceled.
func (s *Server) Listen(ctx context.Context) error {
	os.Remove(s.SocketPath)
	ln, err := net.Listen("unix", s.SocketPath)
	if err != nil {
		return fmt.Errorf("ctlsock: listen %s: %w", s.SocketPath, err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
		os.Remove(s.SocketPath)
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	sc := bufio.NewScanner(conn)
	if !sc.Scan() {
		return
	}
	line := sc.Text()
	if !strings.HasPrefix(line, "X") {
		fmt.Fprintf(conn, "%d\n", 1)
		return
	}
	argv := strings.Fields(strings.TrimPrefix(line, "X"))
	if len(argv) == 0 {
		fmt.Fprintf(conn, "%d\n", 0)
		return
	}

	h, key := s.lookup(argv)
	rw := &ResponseWriter{conn: conn}
	if h == nil {
		rw.Printf("unknown command: %s", strings.Join(argv, " "))
		fmt.Fprintf(conn, "%d\n", 1)
		return
	}
	status := h(ctx, rw, argv[len(strings.Fields(key)):])
	fmt.Fprintf(conn, "%d\n", status)
}

// lookup finds the longest registered verb prefix matching argv, so that
// "show builds" and "show" can both be registered without ambiguity.
func (s *Server) lookup(argv []string) (Handler, string) {
	for n := len(argv); n >= 1; n-- {
		key := strings.Join(argv[:n], " ")
		if h, ok := s.Verbs[key]; ok {
			return h, key
		}
	}
	return nil, ""
}

// LogListenError logs a non-nil Listen error without the caller needing to
// special-case context cancellation, matching the teacher's style of
// logging background-loop exits at the call site.
func LogListenError(err error) {
	if err != nil {
		log.Printf("ctlsock: %v", err)
	}
}
