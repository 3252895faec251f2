package transport

import (
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remote-ctrl/message"
	"remote-ctrl/protocol"
)

// fakeServer accepts a single connection and lets the test script it.
type fakeServer struct {
	t        *testing.T
	ln       net.Listener
	accepted chan net.Conn
	conn     net.Conn
	buf      []byte
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeServer{t: t, ln: ln, accepted: make(chan net.Conn, 1)}
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			s.accepted <- conn
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		if s.conn != nil {
			s.conn.Close()
		}
	})
	return s
}

func (s *fakeServer) addr() string { return s.ln.Addr().String() }

func (s *fakeServer) accept() {
	s.t.Helper()
	select {
	case s.conn = <-s.accepted:
	case <-time.After(time.Second):
		s.t.Fatal("no connection")
	}
}

func (s *fakeServer) recv() *message.Packet {
	s.t.Helper()
	s.conn.SetReadDeadline(time.Now().Add(time.Second))
	chunk := make([]byte, 4096)
	for {
		before := len(s.buf)
		p, diag, rest := protocol.Decode(s.buf)
		s.buf = rest
		if p != nil {
			return p
		}
		require.Empty(s.t, diag)
		if len(rest) != before {
			continue
		}
		n, err := s.conn.Read(chunk)
		require.NoError(s.t, err)
		s.buf = append(s.buf, chunk[:n]...)
	}
}

func (s *fakeServer) reply(p *message.Packet) {
	s.t.Helper()
	require.NoError(s.t, protocol.Write(s.conn, p))
}

func fastOptions() *Options {
	return &Options{ReadTimeout: 10 * time.Millisecond}
}

func startConn(t *testing.T, addr string, opts *Options) *Conn {
	t.Helper()
	c := NewConn(addr, opts)
	c.Start()
	t.Cleanup(func() {
		c.Stop()
		c.Wait()
	})
	return c
}

// outcome records how a request was resolved.
type outcome struct {
	mu       sync.Mutex
	replies  []*message.Packet
	timeouts int
}

func (o *outcome) onSuccess(p *message.Packet) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.replies = append(o.replies, p)
}

func (o *outcome) onTimeout() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.timeouts++
}

func (o *outcome) counts() (int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.replies), o.timeouts
}

func TestSequenceIDs(t *testing.T) {
	srv := newFakeServer(t)
	c := startConn(t, srv.addr(), fastOptions())
	srv.accept()

	for i := 1; i <= 3; i++ {
		seq := c.Send(message.New("get_duration", map[string]any{}), nil, nil, 0)
		assert.Equal(t, strconv.Itoa(i), seq)
		p := srv.recv()
		assert.Equal(t, seq, p.Seq)
		assert.Equal(t, "get_duration", p.Op)
		assert.NotEmpty(t, p.Timestamp)
	}
}

func TestSendCopiesPacket(t *testing.T) {
	srv := newFakeServer(t)
	c := startConn(t, srv.addr(), fastOptions())
	srv.accept()

	p := &message.Packet{Op: "get_duration", Seq: "caller-seq"}
	c.Send(p, nil, nil, 0)
	assert.Equal(t, "caller-seq", p.Seq)
	assert.Empty(t, p.Timestamp)
	assert.Equal(t, "1", srv.recv().Seq)
}

func TestOutOfOrderReplies(t *testing.T) {
	srv := newFakeServer(t)
	c := startConn(t, srv.addr(), fastOptions())
	srv.accept()

	results := make([]*outcome, 3)
	seqs := make([]string, 3)
	for i := range results {
		results[i] = &outcome{}
		seqs[i] = c.Send(message.New("get_duration", nil), results[i].onSuccess, results[i].onTimeout, time.Minute)
	}
	for range seqs {
		srv.recv()
	}

	// Answer the last request first
	for i := len(seqs) - 1; i >= 0; i-- {
		srv.reply(&message.Packet{Op: message.OpAck, Seq: seqs[i], Contents: map[string]any{"data": i}})
	}

	require.Eventually(t, func() bool { return c.Pending() == 0 }, time.Second, 5*time.Millisecond)
	for i, o := range results {
		replies, timeouts := o.counts()
		require.Equal(t, 1, replies)
		assert.Zero(t, timeouts)
		assert.Equal(t, seqs[i], o.replies[0].Seq)
	}
}

func TestTimeoutResolvesOnce(t *testing.T) {
	srv := newFakeServer(t)
	var unsolicited atomic.Int32
	opts := fastOptions()
	opts.OnUnsolicited = func(*message.Packet) { unsolicited.Add(1) }
	c := startConn(t, srv.addr(), opts)
	srv.accept()

	o := &outcome{}
	seq := c.Send(message.New("get_duration", nil), o.onSuccess, o.onTimeout, 30*time.Millisecond)
	srv.recv()

	assert.Zero(t, c.CheckTimeouts(), "not expired yet")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, c.CheckTimeouts())
	assert.Zero(t, c.CheckTimeouts())

	// A late reply goes to the unsolicited hook, not to the expired request
	srv.reply(&message.Packet{Op: message.OpAck, Seq: seq})
	require.Eventually(t, func() bool { return unsolicited.Load() == 1 }, time.Second, 5*time.Millisecond)

	replies, timeouts := o.counts()
	assert.Zero(t, replies)
	assert.Equal(t, 1, timeouts)
	assert.Equal(t, Active, c.State())
}

func TestQueuedBeforeConnect(t *testing.T) {
	srv := newFakeServer(t)
	c := NewConn(srv.addr(), fastOptions())
	t.Cleanup(func() { c.Stop(); c.Wait() })

	o := &outcome{}
	c.Send(message.New("get_duration", nil), o.onSuccess, o.onTimeout, time.Minute)
	c.Send(message.New("get_acceleration", nil), o.onSuccess, o.onTimeout, time.Minute)
	assert.Equal(t, Inactive, c.State())
	assert.Equal(t, 2, c.Pending())

	c.Start()
	srv.accept()
	first, second := srv.recv(), srv.recv()
	assert.Equal(t, "get_duration", first.Op)
	assert.Equal(t, "get_acceleration", second.Op)

	srv.reply(message.Ack(first, nil))
	srv.reply(message.Ack(second, nil))
	require.Eventually(t, func() bool { r, _ := o.counts(); return r == 2 }, time.Second, 5*time.Millisecond)
}

func TestStopSaysGoodbyeAndResolvesPending(t *testing.T) {
	srv := newFakeServer(t)
	c := NewConn(srv.addr(), fastOptions())
	c.Start()
	srv.accept()

	o := &outcome{}
	c.Send(message.New("get_duration", nil), o.onSuccess, o.onTimeout, time.Minute)
	srv.recv()

	c.Stop()
	c.Wait()
	assert.Equal(t, message.OpBye, srv.recv().Op)
	assert.Equal(t, Inactive, c.State())
	assert.NoError(t, c.Err())

	_, timeouts := o.counts()
	assert.Equal(t, 1, timeouts)
	assert.Zero(t, c.Pending())

	// Nothing will answer a request sent after shutdown
	late := &outcome{}
	c.Send(message.New("get_duration", nil), late.onSuccess, late.onTimeout, time.Minute)
	_, timeouts = late.counts()
	assert.Equal(t, 1, timeouts)
}

func TestServerClosing(t *testing.T) {
	srv := newFakeServer(t)
	c := startConn(t, srv.addr(), fastOptions())
	srv.accept()

	o := &outcome{}
	c.Send(message.New("get_duration", nil), o.onSuccess, o.onTimeout, time.Minute)
	srv.recv()
	srv.conn.Close()

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("connection did not notice the server going away")
	}
	assert.NotEqual(t, Active, c.State())
	_, timeouts := o.counts()
	assert.Equal(t, 1, timeouts)
}

func TestDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	c := NewConn(addr, &Options{DialTimeout: 200 * time.Millisecond})
	o := &outcome{}
	c.Send(message.New("get_duration", nil), o.onSuccess, o.onTimeout, time.Minute)
	c.Start()
	c.Wait()

	assert.Equal(t, Failed, c.State())
	assert.ErrorIs(t, c.Err(), ErrFailed)
	_, timeouts := o.counts()
	assert.Equal(t, 1, timeouts)
}

func TestMalformedReplyFails(t *testing.T) {
	srv := newFakeServer(t)
	c := startConn(t, srv.addr(), fastOptions())
	srv.accept()

	_, err := srv.conn.Write(append([]byte(`{"op":"ACK"}`), protocol.Delimiter...))
	require.NoError(t, err)

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("connection survived a malformed packet")
	}
	assert.Equal(t, Failed, c.State())
	assert.ErrorContains(t, c.Err(), "Missing seq value")
}

func TestWriteFailureKeepsQueue(t *testing.T) {
	srv := newFakeServer(t)
	opts := fastOptions()
	opts.WriteTimeout = 50 * time.Millisecond
	c := startConn(t, srv.addr(), opts)
	srv.accept()
	// The server never reads, so the socket buffers fill up and a write
	// eventually misses its deadline.
	srv.conn.(*net.TCPConn).SetReadBuffer(4096)

	payload := strings.Repeat("x", 512<<10)
	var outcomes []*outcome
	for i := 0; i < 200 && c.State() != Failed; i++ {
		o := &outcome{}
		outcomes = append(outcomes, o)
		c.Send(message.New("write_blob", map[string]any{"blob": payload}), o.onSuccess, o.onTimeout, time.Minute)
	}
	require.Equal(t, Failed, c.State())
	assert.ErrorIs(t, c.Err(), ErrFailed)
	assert.ErrorContains(t, c.Err(), "write:")

	c.Wait()
	c.wmu.Lock()
	queued := len(c.queue)
	c.wmu.Unlock()
	assert.NotZero(t, queued, "unsent packets are not retried or dropped")

	for i, o := range outcomes {
		replies, timeouts := o.counts()
		assert.Equal(t, 1, replies+timeouts, "request %d", i)
		assert.Zero(t, replies, "request %d", i)
	}
}

func TestPanicInCallback(t *testing.T) {
	srv := newFakeServer(t)
	c := startConn(t, srv.addr(), fastOptions())
	srv.accept()

	seq := c.Send(message.New("get_duration", nil), func(*message.Packet) { panic("callback bug") }, nil, time.Minute)
	srv.recv()
	srv.reply(&message.Packet{Op: message.OpAck, Seq: seq})

	c.Wait()
	assert.Equal(t, Failed, c.State())
	assert.ErrorContains(t, c.Err(), "callback bug")
	assert.ErrorContains(t, c.Err(), "goroutine")
}

func TestKeepAlive(t *testing.T) {
	srv := newFakeServer(t)
	opts := fastOptions()
	opts.KeepAlive = 20 * time.Millisecond
	startConn(t, srv.addr(), opts)
	srv.accept()

	assert.Equal(t, message.OpPing, srv.recv().Op)
	assert.Equal(t, message.OpPing, srv.recv().Op)
}

func TestConcurrentSend(t *testing.T) {
	srv := newFakeServer(t)
	c := startConn(t, srv.addr(), fastOptions())
	srv.accept()

	// Echo every request back as an ACK
	go func() {
		for i := 0; i < 50; i++ {
			p := srv.recv()
			srv.reply(message.Ack(p, map[string]any{"data": p.Op}))
		}
	}()

	var wg sync.WaitGroup
	var ok atomic.Int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		op := "op" + strconv.Itoa(i)
		go func() {
			defer wg.Done()
			done := make(chan *message.Packet, 1)
			c.Send(message.New(op, nil), func(p *message.Packet) { done <- p }, func() { close(done) }, time.Second)
			if p, received := <-done; received {
				if data, _ := p.Field("data"); data == op {
					ok.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 50, ok.Load())
}
