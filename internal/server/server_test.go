package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/authbox-lib/sliding/internal/setmgr"
	"github.com/authbox-lib/sliding/internal/shll"
	"github.com/authbox-lib/sliding/internal/store"
)

func newTestServer(t *testing.T) (*Server, func()) {
	t.Helper()
	dir := t.TempDir()
	meter := noopmetric.MeterProvider{}.Meter("test")
	st, err := store.Open(filepath.Join(dir, "sliding.db"), meter)
	require.NoError(t, err)

	cfg := shll.Config{Precision: 10, WindowPeriod: 3600, WindowPrecision: 1}
	mgr, err := setmgr.New(setmgr.Config{Store: st, DefaultCfg: cfg, Meter: meter})
	require.NoError(t, err)

	srv := New("127.0.0.1:0", mgr, cfg)
	ctx, cancel := context.WithCancel(context.Background())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv.listener = ln
	srv.addr = ln.Addr().String()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.handleConn(conn)
		}
	}()

	return srv, func() {
		cancel()
		ln.Close()
		st.Close()
	}
}

func sendCommand(t *testing.T, addr, cmd string) string {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = fmt.Fprintf(conn, "%s\n", cmd)
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(time.Second))
	reader := bufio.NewReader(conn)
	line, _ := reader.ReadString('\n')
	return line
}

func TestEchoRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	reply := sendCommand(t, srv.addr, "echo hello")
	require.Equal(t, "$5\r\n", reply)
}

func TestShaddThenShcard(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	reply := sendCommand(t, srv.addr, "shadd visitors 1000 u1 u2 u3")
	require.Equal(t, "+Done\r\n", reply)

	reply = sendCommand(t, srv.addr, "shcard visitors 1000 3600")
	require.Equal(t, ":3\r\n", reply)
}

func TestInfoReportsManagerCounters(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	_ = sendCommand(t, srv.addr, "shadd visitors 1000 u1")
	reply := sendCommand(t, srv.addr, "info")
	require.Contains(t, reply, "$")
}

func TestListColdReportsProxiedSets(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	reply := sendCommand(t, srv.addr, "shadd visitors 1000 u1")
	require.Equal(t, "+Done\r\n", reply)

	reply = sendCommand(t, srv.addr, "listcold")
	require.Equal(t, "*0\r\n", reply)

	reply = sendCommand(t, srv.addr, "close visitors")
	require.Equal(t, "+Done\r\n", reply)

	reply = sendCommand(t, srv.addr, "listcold")
	require.Equal(t, "*1\r\n", reply)
}

func TestUnknownCommandReturnsClientErr(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	reply := sendCommand(t, srv.addr, "bogus")
	require.Contains(t, reply, "-CLIENT_ERR")
}

func TestShcardOnMissingSetReturnsError(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	reply := sendCommand(t, srv.addr, "shcard missing 1000 3600")
	require.Contains(t, reply, "-CLIENT_ERR")
}
