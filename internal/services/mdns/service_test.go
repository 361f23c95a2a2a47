package mdns

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/servethis/internal/logging"
	"grimm.is/servethis/internal/metrics"
)

type packet struct {
	data []byte
	addr net.Addr
}

// fakeConn is an in-memory packetConn.
type fakeConn struct {
	in     chan packet
	mu     sync.Mutex
	out    []packet
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan packet, 16), closed: make(chan struct{})}
}

func (f *fakeConn) ReadFrom(b []byte) (int, net.Addr, error) {
	select {
	case p := <-f.in:
		return copy(b, p.data), p.addr, nil
	case <-f.closed:
		return 0, nil, net.ErrClosed
	}
}

func (f *fakeConn) WriteTo(b []byte, dst net.Addr) (int, error) {
	select {
	case <-f.closed:
		return 0, net.ErrClosed
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, packet{data: append([]byte(nil), b...), addr: dst})
	return len(b), nil
}

func (f *fakeConn) SetReadDeadline(time.Time) error { return nil }

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) sent() []packet {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]packet(nil), f.out...)
}

func (f *fakeConn) waitSent(t *testing.T, n int) []packet {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.sent()) >= n }, 2*time.Second, 5*time.Millisecond)
	return f.sent()
}

func unpack(t *testing.T, p packet) *dns.Msg {
	t.Helper()
	m := new(dns.Msg)
	require.NoError(t, m.Unpack(p.data))
	return m
}

func newTestAdvertiser(t *testing.T, conn *fakeConn) (*Advertiser, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := logging.New(logging.Config{Level: logging.LevelDebug, Output: &buf})

	svc := Service{Instance: "laptop", Host: "laptop", Port: 8080, IPs: []net.IP{net.ParseIP("192.168.1.10")}}
	a, err := NewAdvertiser(svc, logger, metrics.NewIsolated())
	require.NoError(t, err)
	a.listen = func(context.Context) (packetConn, error) { return conn, nil }
	a.announceInterval = 20 * time.Millisecond
	return a, &buf
}

func TestAdvertiserAnnounces(t *testing.T) {
	conn := newFakeConn()
	a, _ := newTestAdvertiser(t, conn)

	require.NoError(t, a.Start(context.Background()))
	assert.True(t, a.Status().Running)
	assert.Equal(t, "laptop._http._tcp.local.", a.Instance())

	// First announcement is sent before Start returns.
	first := conn.sent()
	require.NotEmpty(t, first)

	sent := conn.waitSent(t, 2)
	for _, p := range sent[:2] {
		assert.Equal(t, groupAddr.String(), p.addr.String())
		m := unpack(t, p)
		assert.True(t, m.Response)
		assert.NotEmpty(t, m.Answer)
		assert.NotZero(t, m.Answer[0].Header().Ttl)
	}

	require.NoError(t, a.Stop(context.Background()))
}

func TestAdvertiserAnswersQueries(t *testing.T) {
	conn := newFakeConn()
	a, _ := newTestAdvertiser(t, conn)
	a.announceInterval = time.Hour

	require.NoError(t, a.Start(context.Background()))
	defer a.Stop(context.Background())

	peer := &net.UDPAddr{IP: net.ParseIP("192.168.1.20"), Port: MDNSPort}
	q, err := query("_http._tcp.local.", dns.TypePTR, false).Pack()
	require.NoError(t, err)
	conn.in <- packet{data: q, addr: peer}

	sent := conn.waitSent(t, 2)
	resp := unpack(t, sent[1])
	assert.Equal(t, groupAddr.String(), sent[1].addr.String())
	require.Len(t, resp.Answer, 1)
	assert.Equal(t, "laptop._http._tcp.local.", resp.Answer[0].(*dns.PTR).Ptr)
}

func TestAdvertiserUnicastReplies(t *testing.T) {
	conn := newFakeConn()
	a, _ := newTestAdvertiser(t, conn)
	a.announceInterval = time.Hour

	require.NoError(t, a.Start(context.Background()))
	defer a.Stop(context.Background())

	// QU bit: reply straight to the sender.
	peer := &net.UDPAddr{IP: net.ParseIP("192.168.1.20"), Port: MDNSPort}
	q, err := query("laptop.local.", dns.TypeA, true).Pack()
	require.NoError(t, err)
	conn.in <- packet{data: q, addr: peer}

	sent := conn.waitSent(t, 2)
	assert.Equal(t, peer.String(), sent[1].addr.String())

	// Legacy resolver on an ephemeral port: id and question echoed, TTL capped.
	legacy := &net.UDPAddr{IP: net.ParseIP("192.168.1.21"), Port: 40000}
	lq := query("laptop._http._tcp.local.", dns.TypeSRV, false)
	lq.Id = 4242
	q, err = lq.Pack()
	require.NoError(t, err)
	conn.in <- packet{data: q, addr: legacy}

	sent = conn.waitSent(t, 3)
	assert.Equal(t, legacy.String(), sent[2].addr.String())
	resp := unpack(t, sent[2])
	assert.Equal(t, uint16(4242), resp.Id)
	require.Len(t, resp.Question, 1)
	require.Len(t, resp.Answer, 1)
	require.NotEmpty(t, resp.Extra)
	for _, rr := range append(resp.Answer, resp.Extra...) {
		assert.LessOrEqual(t, rr.Header().Ttl, uint32(legacyTTL), rr.String())
		assert.Equal(t, uint16(dns.ClassINET), rr.Header().Class, "cache-flush bit must be clear: %s", rr.String())
	}

	// The shared records are untouched.
	assert.Equal(t, uint32(hostTTL), a.records.srv.Hdr.Ttl)
	assert.Equal(t, uint16(dns.ClassINET|cacheFlush), a.records.srv.Hdr.Class)
}

func TestAdvertiserIgnoresUnrelated(t *testing.T) {
	conn := newFakeConn()
	a, _ := newTestAdvertiser(t, conn)
	a.announceInterval = time.Hour

	require.NoError(t, a.Start(context.Background()))

	peer := &net.UDPAddr{IP: net.ParseIP("192.168.1.20"), Port: MDNSPort}
	q, err := query("_ipp._tcp.local.", dns.TypePTR, false).Pack()
	require.NoError(t, err)
	conn.in <- packet{data: q, addr: peer}
	conn.in <- packet{data: []byte("garbage"), addr: peer}

	require.NoError(t, a.Stop(context.Background()))

	// Initial announcement and goodbye only.
	assert.Len(t, conn.sent(), 2)
}

func TestAdvertiserLogsConflictOnce(t *testing.T) {
	conn := newFakeConn()
	a, logs := newTestAdvertiser(t, conn)
	a.announceInterval = time.Hour

	require.NoError(t, a.Start(context.Background()))

	srv := dns.Copy(a.records.srv).(*dns.SRV)
	srv.Port = 9999
	m := new(dns.Msg)
	m.Response = true
	m.Answer = []dns.RR{srv}
	buf, err := m.Pack()
	require.NoError(t, err)

	peer := &net.UDPAddr{IP: net.ParseIP("192.168.1.30"), Port: MDNSPort}
	conn.in <- packet{data: buf, addr: peer}
	conn.in <- packet{data: buf, addr: peer}

	// Packets are handled in order; a reply to this query means both
	// conflicting responses were seen.
	q, err := query("laptop.local.", dns.TypeA, false).Pack()
	require.NoError(t, err)
	conn.in <- packet{data: q, addr: peer}
	conn.waitSent(t, 2)

	require.NoError(t, a.Stop(context.Background()))

	assert.Equal(t, 1, bytes.Count(logs.Bytes(), []byte("Another host claims an advertised name")))
}

func TestAdvertiserStopSendsGoodbyeOnce(t *testing.T) {
	conn := newFakeConn()
	a, _ := newTestAdvertiser(t, conn)
	a.announceInterval = time.Hour

	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, a.Stop(context.Background()))
	require.NoError(t, a.Stop(context.Background()))

	sent := conn.sent()
	require.Len(t, sent, 2)
	bye := unpack(t, sent[1])
	require.NotEmpty(t, bye.Answer)
	for _, rr := range bye.Answer {
		assert.Zero(t, rr.Header().Ttl)
	}
	assert.False(t, a.Status().Running)

	select {
	case <-conn.closed:
	default:
		t.Fatal("socket not closed")
	}

	assert.Error(t, a.Start(context.Background()), "a stopped advertiser cannot restart")
}

func TestAdvertiserStopWithoutStart(t *testing.T) {
	conn := newFakeConn()
	a, _ := newTestAdvertiser(t, conn)

	assert.NoError(t, a.Stop(context.Background()))
	assert.Empty(t, conn.sent())
}

func TestAdvertiserStartFailure(t *testing.T) {
	a, _ := newTestAdvertiser(t, newFakeConn())
	a.listen = func(context.Context) (packetConn, error) { return nil, net.ErrClosed }

	err := a.Start(context.Background())
	require.Error(t, err)
	st := a.Status()
	assert.False(t, st.Running)
	assert.NotEmpty(t, st.Error)
	assert.NoError(t, a.Stop(context.Background()))
}
