// Package plog provides per-project, per-context log routing, mirroring
// project.c's plog(): every log line carries a project id and a
// slash-separated context (e.g. "build/queue", "release/info/linux-amd64"), and a routing
// table decides which sinks receive it.
package plog

import (
	"fmt"
	"log"
	"log/syslog"
	"path/filepath"
	"strings"
	"sync"
)

// Sink receives fully-formatted log lines for contexts it was matched
// against.
type Sink interface {
	Log(project, context, line string)
}

// stderrSink writes to the process's standard logger, prefixed the way the
// teacher's autobuilder.go nests log.New loggers.
type stderrSink struct {
	logger *log.Logger
}

func (s *stderrSink) Log(project, context, line string) {
	s.logger.Printf("%s: %s: %s", project, context, line)
}

// NewStderrSink returns a Sink that writes to logger (or the default
// standard logger if nil).
func NewStderrSink(logger *log.Logger) Sink {
	if logger == nil {
		logger = log.Default()
	}
	return &stderrSink{logger: logger}
}

// syslogSink forwards to a local syslog daemon, stripping any ANSI color
// codes first since syslog consumers are rarely terminals.
type syslogSink struct {
	writer *syslog.Writer
}

func stripColor(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == 0x1b {
			for i < len(s) && s[i] != 'm' {
				i++
			}
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// NewSyslogSink dials the local syslog daemon under the given tag.
func NewSyslogSink(tag string) (Sink, error) {
	w, err := syslog.New(syslog.LOG_INFO|syslog.LOG_DAEMON, tag)
	if err != nil {
		return nil, err
	}
	return &syslogSink{writer: w}, nil
}

func (s *syslogSink) Log(project, context, line string) {
	s.writer.Info(fmt.Sprintf("%s: %s: %s", project, context, stripColor(line)))
}

// Route is one entry of a project's "log" config array: lines whose context
// matches any of Contexts (glob, via path.Match semantics) are sent to
// Target, optionally prefixed by the project name.
type Route struct {
	Target        Sink
	Contexts      []string
	PrefixProject bool
}

// Router fans a project's log lines out to its configured routes.
type Router struct {
	mu     sync.RWMutex
	routes map[string][]Route // project -> routes
	def    Sink
}

// NewRouter returns a Router falling back to def for projects with no
// explicit routes.
func NewRouter(def Sink) *Router {
	return &Router{routes: make(map[string][]Route), def: def}
}

// SetRoutes replaces the route table for a project.
func (r *Router) SetRoutes(project string, routes []Route) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[project] = routes
}

// Logf formats and routes a log line for (project, context).
func (r *Router) Logf(project, context, format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	r.mu.RLock()
	routes, ok := r.routes[project]
	r.mu.RUnlock()
	if !ok || len(routes) == 0 {
		if r.def != nil {
			r.def.Log(project, context, line)
		}
		return
	}
	for _, route := range routes {
		if !contextMatches(route.Contexts, context) {
			continue
		}
		out := line
		if route.PrefixProject {
			out = project + ": " + out
		}
		route.Target.Log(project, context, out)
	}
}

func contextMatches(patterns []string, context string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, context); ok {
			return true
		}
	}
	return false
}
