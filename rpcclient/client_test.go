package rpcclient

import (
	"bufio"
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/campusrpc/logger"
	"github.com/cyberinferno/campusrpc/protocol"
)

// fakeServer answers every request through reply, which may write zero or
// more frames using the provided write function.
type fakeServer struct {
	ln    net.Listener
	reply func(req *protocol.Request, write func(*protocol.Response))

	mu    sync.Mutex
	conns []net.Conn
}

func startFake(t *testing.T, reply func(req *protocol.Request, write func(*protocol.Response))) *fakeServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &fakeServer{ln: ln, reply: reply}
	t.Cleanup(s.close)
	go s.serve()
	return s
}

func (s *fakeServer) addr() string {
	return s.ln.Addr().String()
}

func (s *fakeServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		go s.handle(conn)
	}
}

func (s *fakeServer) handle(conn net.Conn) {
	var writeMu sync.Mutex
	write := func(resp *protocol.Response) {
		b, err := protocol.Encode(resp)
		if err != nil {
			return
		}

		writeMu.Lock()
		defer writeMu.Unlock()
		_, _ = conn.Write(b)
	}

	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			return
		}

		req, err := protocol.DecodeRequest(line)
		if err != nil {
			continue
		}

		s.reply(req, write)
	}
}

func (s *fakeServer) dropClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		_ = conn.Close()
	}
	s.conns = nil
}

func (s *fakeServer) close() {
	_ = s.ln.Close()
	s.dropClients()
}

func echoReply(req *protocol.Request, write func(*protocol.Response)) {
	write(protocol.Success(req.URI).WithID(req.ID))
}

func connect(t *testing.T, addr string, mutate func(*Config)) *Client {
	t.Helper()

	cfg := DefaultConfig(addr)
	cfg.DefaultTimeout = 2 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	c := New(cfg, logger.NewNopLogger())
	t.Cleanup(func() { _ = c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	return c
}

func TestClient_SendWhenNotConnected(t *testing.T) {
	c := New(DefaultConfig("127.0.0.1:1"), logger.NewNopLogger())
	defer c.Close()

	_, err := c.Send(context.Background(), protocol.NewRequest("system/ping", nil))
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = c.Do(context.Background(), "system/ping", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClient_ConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	c := New(DefaultConfig(addr), logger.NewNopLogger())
	defer c.Close()

	assert.Error(t, c.Connect(context.Background()))
	assert.False(t, c.IsConnected())
}

func TestClient_Do(t *testing.T) {
	s := startFake(t, echoReply)
	c := connect(t, s.addr(), nil)

	resp, err := c.Do(context.Background(), "system/ping", nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusSuccess, resp.Status)
	assert.Equal(t, "system/ping", resp.Data)
	assert.Equal(t, protocol.ID("c-1"), resp.ID)
	assert.Equal(t, 0, c.Pending())
}

func TestClient_OutOfOrderResponses(t *testing.T) {
	var mu sync.Mutex
	var held []*protocol.Request

	s := startFake(t, func(req *protocol.Request, write func(*protocol.Response)) {
		mu.Lock()
		defer mu.Unlock()

		held = append(held, req)
		if len(held) < 2 {
			return
		}

		for i := len(held) - 1; i >= 0; i-- {
			write(protocol.Success(held[i].Params["n"]).WithID(held[i].ID))
		}
		held = nil
	})
	c := connect(t, s.addr(), nil)

	first, err := c.Send(context.Background(), protocol.NewRequest("x", map[string]string{"n": "first"}))
	require.NoError(t, err)
	second, err := c.Send(context.Background(), protocol.NewRequest("x", map[string]string{"n": "second"}))
	require.NoError(t, err)

	r2, err := second.Wait()
	require.NoError(t, err)
	r1, err := first.Wait()
	require.NoError(t, err)

	assert.Equal(t, "first", r1.Data)
	assert.Equal(t, first.ID, r1.ID)
	assert.Equal(t, "second", r2.Data)
	assert.Equal(t, second.ID, r2.ID)
}

func TestClient_ConcurrentCallsResolveByID(t *testing.T) {
	s := startFake(t, func(req *protocol.Request, write func(*protocol.Response)) {
		go func() {
			time.Sleep(time.Duration(rand.Intn(20)) * time.Millisecond)
			write(protocol.Success(req.Params["n"]).WithID(req.ID))
		}()
	})
	c := connect(t, s.addr(), nil)

	var g errgroup.Group
	for i := 0; i < 50; i++ {
		i := i
		g.Go(func() error {
			n := fmt.Sprint(i)
			resp, err := c.Do(context.Background(), "x", map[string]string{"n": n})
			if err != nil {
				return err
			}
			if resp.Data != n {
				return fmt.Errorf("call %s got %v", n, resp.Data)
			}
			return nil
		})
	}

	require.NoError(t, g.Wait())
	assert.Equal(t, 0, c.Pending())
}

func TestClient_TimeoutThenLateResponseDropped(t *testing.T) {
	s := startFake(t, func(req *protocol.Request, write func(*protocol.Response)) {
		if req.URI == "slow" {
			go func() {
				time.Sleep(200 * time.Millisecond)
				write(protocol.Success("late").WithID(req.ID))
			}()
			return
		}
		echoReply(req, write)
	})
	c := connect(t, s.addr(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	req := protocol.NewRequest("slow", nil)
	req.ID = "late-1"
	call, err := c.Send(ctx, req)
	require.NoError(t, err)

	_, err = call.Wait()
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 0, c.Pending())

	time.Sleep(300 * time.Millisecond)

	resp, err := c.Do(context.Background(), "fast", nil)
	require.NoError(t, err)
	assert.Equal(t, "fast", resp.Data)

	_, err = call.Wait()
	assert.ErrorIs(t, err, ErrTimeout, "a call resolves exactly once")
}

func TestClient_DefaultTimeout(t *testing.T) {
	s := startFake(t, func(*protocol.Request, func(*protocol.Response)) {})
	c := connect(t, s.addr(), func(cfg *Config) { cfg.DefaultTimeout = 50 * time.Millisecond })

	_, err := c.Do(context.Background(), "never", nil)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestClient_ContextCancel(t *testing.T) {
	s := startFake(t, func(*protocol.Request, func(*protocol.Response)) {})
	c := connect(t, s.addr(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	call, err := c.Send(ctx, protocol.NewRequest("never", nil))
	require.NoError(t, err)

	cancel()
	_, err = call.Wait()
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, c.Pending())
}

func TestClient_DuplicateID(t *testing.T) {
	s := startFake(t, func(*protocol.Request, func(*protocol.Response)) {})
	c := connect(t, s.addr(), nil)

	req := protocol.NewRequest("never", nil)
	req.ID = "same"
	_, err := c.Send(context.Background(), req)
	require.NoError(t, err)

	dup := protocol.NewRequest("never", nil)
	dup.ID = "same"
	_, err = c.Send(context.Background(), dup)
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestClient_IDReusableAfterResponse(t *testing.T) {
	s := startFake(t, echoReply)
	c := connect(t, s.addr(), nil)

	for n := 0; n < 2; n++ {
		req := protocol.NewRequest("again", nil)
		req.ID = "reused"
		call, err := c.Send(context.Background(), req)
		require.NoError(t, err)

		resp, err := call.Wait()
		require.NoError(t, err)
		assert.Equal(t, protocol.ID("reused"), resp.ID)
	}
}

func TestClient_ConnectionLostFailsPending(t *testing.T) {
	s := startFake(t, func(*protocol.Request, func(*protocol.Response)) {})
	c := connect(t, s.addr(), nil)

	call, err := c.Send(context.Background(), protocol.NewRequest("never", nil))
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	s.dropClients()

	select {
	case <-call.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("call not resolved after the connection dropped")
	}

	_, err = call.Wait()
	assert.ErrorIs(t, err, ErrConnectionLost)
	assert.Eventually(t, func() bool { return !c.IsConnected() }, time.Second, 10*time.Millisecond)
}

func TestClient_CloseFailsPending(t *testing.T) {
	s := startFake(t, func(*protocol.Request, func(*protocol.Response)) {})
	c := connect(t, s.addr(), nil)

	call, err := c.Send(context.Background(), protocol.NewRequest("never", nil))
	require.NoError(t, err)

	require.NoError(t, c.Close())
	_, err = call.Wait()
	assert.ErrorIs(t, err, ErrConnectionLost)
}

func TestClient_OutOfBandAndSession(t *testing.T) {
	s := startFake(t, func(req *protocol.Request, write func(*protocol.Response)) {
		write(protocol.BadRequest("malformed JSON"))
		session := protocol.NewSession().Authenticated("s1", "Li", []string{"student"})
		write(protocol.SuccessMessage("welcome", nil).WithID(req.ID).WithSession(session))
	})
	c := connect(t, s.addr(), nil)

	oob := make(chan *protocol.Response, 1)
	c.OnOutOfBand(func(resp *protocol.Response) { oob <- resp })

	assert.Nil(t, c.Session())

	resp, err := c.Do(context.Background(), "auth/login", nil)
	require.NoError(t, err)
	assert.Equal(t, "welcome", resp.Message)

	select {
	case got := <-oob:
		assert.Equal(t, protocol.StatusBadRequest, got.Status)
	case <-time.After(time.Second):
		t.Fatal("out-of-band response not delivered")
	}

	require.NotNil(t, c.Session())
	assert.Equal(t, "s1", c.Session().UserID)
}
