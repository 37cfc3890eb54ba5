// Package server implements the line-oriented inline-token TCP
// protocol clients use to talk to the cardinality engine, dispatching
// onto internal/setmgr.
package server

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/authbox-lib/sliding/internal/set"
	"github.com/authbox-lib/sliding/internal/setmgr"
	"github.com/authbox-lib/sliding/internal/shll"
)

// WorkerPoolSize bounds the number of connections served concurrently
// by the fixed-size worker pool.
const WorkerPoolSize = 64

// Server accepts connections and dispatches the inline-token command
// table to a setmgr.Manager.
type Server struct {
	addr     string
	mgr      *setmgr.Manager
	cfg      shll.Config
	listener net.Listener

	sem chan struct{}
	wg  sync.WaitGroup
}

// New constructs a Server bound to addr, dispatching onto mgr.
// defaultCfg is stored on the Server; sets created implicitly on first
// write take the manager's own default config.
func New(addr string, mgr *setmgr.Manager, defaultCfg shll.Config) *Server {
	return &Server{addr: addr, mgr: mgr, cfg: defaultCfg, sem: make(chan struct{}, WorkerPoolSize)}
}

// Serve accepts connections until ctx is cancelled, then closes the
// listener and waits for in-flight connections to finish.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.listener = ln
	slog.Info("server listening", "addr", s.addr)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
				return err
			}
		}

		s.sem <- struct{}{}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	clientID := s.mgr.NewClientID()
	s.mgr.ClientCheckpoint(clientID)
	defer s.mgr.ClientLeave(clientID)

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	defer writer.Flush()

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		s.mgr.ClientCheckpoint(clientID)

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		s.dispatch(context.Background(), writer, fields)
		if err := writer.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, w *bufio.Writer, fields []string) {
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	switch cmd {
	case "shadd":
		s.handleShadd(ctx, w, args)
	case "shcard":
		s.handleShcard(ctx, w, args)
	case "list":
		s.handleList(w, args)
	case "listcold":
		s.handleListCold(w)
	case "detail":
		s.handleDetail(ctx, w, args)
	case "drop":
		s.handleDrop(ctx, w, args)
	case "close":
		s.handleClose(ctx, w, args)
	case "clear":
		s.handleClear(ctx, w, args)
	case "flush":
		s.handleFlush(ctx, w, args)
	case "info":
		s.handleInfo(w)
	case "echo":
		s.handleEcho(w, args)
	default:
		writeErr(w, "unknown command %q", fields[0])
	}
}

func (s *Server) handleShadd(ctx context.Context, w *bufio.Writer, args []string) {
	if len(args) < 3 {
		writeErr(w, "shadd requires set, ts, and at least one key")
		return
	}
	name, args := args[0], args[1:]
	ts, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		writeErr(w, "invalid timestamp %q", args[0])
		return
	}
	keys := make([][]byte, 0, len(args)-1)
	for _, k := range args[1:] {
		keys = append(keys, []byte(k))
	}

	if err := s.mgr.SetKeys(ctx, name, ts, keys); err != nil {
		writeErr(w, "%v", err)
		return
	}
	fmt.Fprint(w, "+Done\r\n")
}

func (s *Server) handleShcard(ctx context.Context, w *bufio.Writer, args []string) {
	if len(args) != 3 {
		writeErr(w, "shcard requires set, ts, and window")
		return
	}
	name := args[0]
	ts, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		writeErr(w, "invalid timestamp %q", args[1])
		return
	}
	window, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		writeErr(w, "invalid window %q", args[2])
		return
	}

	card, err := s.mgr.Size(ctx, name, window, ts)
	if err != nil {
		writeErr(w, "%v", err)
		return
	}
	fmt.Fprintf(w, ":%d\r\n", card)
}

func (s *Server) handleList(w *bufio.Writer, args []string) {
	prefix := ""
	if len(args) > 0 {
		prefix = args[0]
	}
	names := s.mgr.List(prefix)
	fmt.Fprintf(w, "*%d\r\n", len(names))
	for _, n := range names {
		fmt.Fprintf(w, "%s\r\n", n)
	}
}

func (s *Server) handleListCold(w *bufio.Writer) {
	names := s.mgr.ListCold()
	fmt.Fprintf(w, "*%d\r\n", len(names))
	for _, n := range names {
		fmt.Fprintf(w, "%s\r\n", n)
	}
}

func (s *Server) handleDetail(ctx context.Context, w *bufio.Writer, args []string) {
	if len(args) != 1 {
		writeErr(w, "detail requires a set name")
		return
	}

	var body strings.Builder
	err := s.mgr.WithSet(args[0], func(handle *set.Set) error {
		counters := handle.Counters()
		cfg := handle.Config()
		fmt.Fprintf(&body, "proxied:%t\r\n", handle.IsProxied())
		fmt.Fprintf(&body, "precision:%d\r\n", cfg.Precision)
		fmt.Fprintf(&body, "page_ins:%d\r\n", counters.PageIns)
		fmt.Fprintf(&body, "page_outs:%d\r\n", counters.PageOuts)
		fmt.Fprintf(&body, "sets:%d\r\n", counters.Sets)
		return nil
	})
	if err != nil {
		writeErr(w, "%v", err)
		return
	}

	fmt.Fprintf(w, "$%d\r\n%s\r\n", body.Len(), body.String())
}

func (s *Server) handleDrop(ctx context.Context, w *bufio.Writer, args []string) {
	if len(args) != 1 {
		writeErr(w, "drop requires a set name")
		return
	}
	if err := s.mgr.Drop(ctx, args[0]); err != nil {
		writeErr(w, "%v", err)
		return
	}
	fmt.Fprint(w, "+Done\r\n")
}

func (s *Server) handleClose(ctx context.Context, w *bufio.Writer, args []string) {
	if len(args) != 1 {
		writeErr(w, "close requires a set name")
		return
	}
	if err := s.mgr.Unmap(ctx, args[0]); err != nil {
		writeErr(w, "%v", err)
		return
	}
	fmt.Fprint(w, "+Done\r\n")
}

func (s *Server) handleClear(ctx context.Context, w *bufio.Writer, args []string) {
	if len(args) != 1 {
		writeErr(w, "clear requires a set name")
		return
	}
	if err := s.mgr.Clear(ctx, args[0]); err != nil {
		writeErr(w, "%v", err)
		return
	}
	fmt.Fprint(w, "+Done\r\n")
}

func (s *Server) handleFlush(ctx context.Context, w *bufio.Writer, args []string) {
	var err error
	if len(args) == 1 {
		err = s.mgr.FlushSet(ctx, args[0])
	} else {
		err = s.mgr.FlushAll(ctx)
	}
	if err != nil {
		writeErr(w, "%v", err)
		return
	}
	fmt.Fprint(w, "+Done\r\n")
}

func (s *Server) handleInfo(w *bufio.Writer) {
	info := s.mgr.Info()
	body := fmt.Sprintf("role:master\r\nsets_tracked:%d\r\npending_drops:%d\r\nepoch:%d\r\n",
		info.SetsTracked, info.PendingDrops, info.CurrentEpoch)
	fmt.Fprintf(w, "$%d\r\n%s\r\n", len(body), body)
}

func (s *Server) handleEcho(w *bufio.Writer, args []string) {
	body := strings.Join(args, " ")
	fmt.Fprintf(w, "$%d\r\n%s\r\n", len(body), body)
}

func writeErr(w *bufio.Writer, format string, a ...interface{}) {
	fmt.Fprintf(w, "-CLIENT_ERR %s\r\n", fmt.Sprintf(format, a...))
}
