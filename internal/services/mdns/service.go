// Package mdns advertises the file server on the local network as a DNS-SD
// service over multicast DNS (RFC 6762, RFC 6763).
package mdns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"

	"grimm.is/servethis/internal/clock"
	"grimm.is/servethis/internal/logging"
	"grimm.is/servethis/internal/metrics"
	"grimm.is/servethis/internal/services"
)

const (
	// AnnounceInterval separates the two startup announcements (RFC 6762 section 8.3).
	AnnounceInterval = time.Second
	// legacyTTL caps record TTLs in replies to legacy unicast queries.
	legacyTTL = 10
)

// Advertiser answers mDNS queries for one service instance and announces it
// on start and withdraws it on stop.
type Advertiser struct {
	svc     Service
	records *recordSet
	logger  *logging.Logger
	metrics *metrics.Registry

	listen           func(ctx context.Context) (packetConn, error)
	announceInterval time.Duration

	mu      sync.Mutex
	conn    packetConn
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	stopped bool
	lastErr error

	sendMu      sync.Mutex
	goodbyeSent bool

	conflicts map[string]bool
}

var _ services.Service = (*Advertiser)(nil)

// NewAdvertiser prepares the records for svc. Nothing touches the network
// until Start.
func NewAdvertiser(svc Service, logger *logging.Logger, m *metrics.Registry) (*Advertiser, error) {
	if err := svc.normalize(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.WithComponent("mdns")
	}
	if m == nil {
		m = metrics.NewIsolated()
	}
	return &Advertiser{
		svc:              svc,
		records:          newRecordSet(svc),
		logger:           logger,
		metrics:          m,
		listen:           listenMulticast,
		announceInterval: AnnounceInterval,
		conflicts:        make(map[string]bool),
	}, nil
}

// Name returns the service name.
func (a *Advertiser) Name() string {
	return "mDNS"
}

// Instance returns the fully qualified instance name, e.g. "box._http._tcp.local.".
func (a *Advertiser) Instance() string {
	return a.records.instance
}

// Start binds the mDNS socket and sends the first announcement. A failure
// to bind or to send is returned; there is no retry.
func (a *Advertiser) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return nil
	}
	if a.stopped {
		return errors.New("mdns: advertiser already stopped")
	}

	conn, err := a.listen(ctx)
	if err != nil {
		a.lastErr = err
		return err
	}
	a.conn = conn

	if err := a.announce(false); err != nil {
		conn.Close()
		a.lastErr = err
		return fmt.Errorf("failed to send mDNS announcement: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.running = true

	a.wg.Add(2)
	go a.readLoop(loopCtx, conn)
	go a.announceLoop(loopCtx)

	a.logger.Info("Advertising service",
		"instance", a.records.instance,
		"host", a.records.host,
		"port", a.svc.Port,
		"addresses", len(a.records.addrs()),
	)
	return nil
}

// Stop withdraws the advertisement with a goodbye packet and closes the
// socket. Calling Stop again, or before Start, is a no-op.
func (a *Advertiser) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped || !a.running {
		a.stopped = true
		return nil
	}
	a.stopped = true
	a.running = false
	a.cancel()

	goodbyeErr := a.announce(true)
	closeErr := a.conn.Close()
	if errors.Is(closeErr, net.ErrClosed) {
		closeErr = nil
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("Timed out waiting for mDNS workers", "error", ctx.Err())
	}

	a.logger.Info("Advertisement stopped", "instance", a.records.instance)
	return errors.Join(goodbyeErr, closeErr)
}

// Status returns the current status of the service.
func (a *Advertiser) Status() services.ServiceStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := services.ServiceStatus{Name: a.Name(), Running: a.running}
	if a.lastErr != nil {
		st.Error = a.lastErr.Error()
	}
	return st
}

// announce multicasts every record; goodbye sends them with TTL 0. Nothing
// is sent after the goodbye.
func (a *Advertiser) announce(goodbye bool) error {
	a.sendMu.Lock()
	defer a.sendMu.Unlock()

	if a.goodbyeSent {
		return nil
	}

	buf, err := a.records.announcement(goodbye).Pack()
	if err != nil {
		return fmt.Errorf("failed to pack announcement: %w", err)
	}
	if _, err := a.conn.WriteTo(buf, groupAddr); err != nil {
		return err
	}

	kind := "announce"
	if goodbye {
		kind = "goodbye"
		a.goodbyeSent = true
	}
	a.metrics.MDNSAnnouncements.WithLabelValues(kind).Inc()
	return nil
}

func (a *Advertiser) announceLoop(ctx context.Context) {
	defer a.wg.Done()

	timer := time.NewTimer(a.announceInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
		if err := a.announce(false); err != nil {
			a.logger.Warn("Repeat announcement failed", "error", err)
		}
	}
}

func (a *Advertiser) readLoop(ctx context.Context, conn packetConn) {
	defer a.wg.Done()

	buf := make([]byte, MaxPacketSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// Wake up periodically to notice cancellation.
		conn.SetReadDeadline(clock.Now().Add(time.Second))

		n, src, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
				return
			}
			continue
		}
		a.handlePacket(buf[:n], src)
	}
}

func (a *Advertiser) handlePacket(data []byte, src net.Addr) {
	msg := new(dns.Msg)
	if err := msg.Unpack(data); err != nil {
		return
	}

	if msg.Response {
		a.checkConflicts(data, src)
		return
	}

	resp, unicast := a.records.answer(msg)
	if resp == nil {
		return
	}
	a.metrics.MDNSQueries.Inc()

	dst := net.Addr(groupAddr)
	if udp, ok := src.(*net.UDPAddr); ok && udp.Port != MDNSPort {
		// Legacy unicast query (RFC 6762 section 6.7).
		resp.Id = msg.Id
		resp.Question = msg.Question
		legacyRecords(resp, legacyTTL)
		dst = src
	} else if unicast && src != nil {
		dst = src
	}

	buf, err := resp.Pack()
	if err != nil {
		a.logger.Debug("Failed to pack response", "error", err)
		return
	}

	a.sendMu.Lock()
	defer a.sendMu.Unlock()
	if a.goodbyeSent {
		return
	}
	if _, err := a.conn.WriteTo(buf, dst); err != nil {
		a.logger.Debug("Failed to send response", "dst", dst.String(), "error", err)
		return
	}
	a.metrics.MDNSResponses.Inc()
}

func (a *Advertiser) checkConflicts(data []byte, src net.Addr) {
	var ip net.IP
	if udp, ok := src.(*net.UDPAddr); ok {
		ip = udp.IP
	}
	for _, c := range findConflicts(data, a.records, ip) {
		key := c.Type + " " + c.Name
		if a.conflicts[key] {
			continue
		}
		a.conflicts[key] = true
		a.logger.Warn("Another host claims an advertised name", "name", c.Name, "type", c.Type, "source", c.Source)
	}
}

// legacyRecords replaces answer and extra records with copies fit for a
// legacy resolver: TTL at most max and no cache-flush bit (RFC 6762 section 6.7).
func legacyRecords(msg *dns.Msg, max uint32) {
	cp := func(rrs []dns.RR) []dns.RR {
		out := make([]dns.RR, len(rrs))
		for i, rr := range rrs {
			c := dns.Copy(rr)
			if c.Header().Ttl > max {
				c.Header().Ttl = max
			}
			c.Header().Class &^= cacheFlush
			out[i] = c
		}
		return out
	}
	msg.Answer = cp(msg.Answer)
	msg.Extra = cp(msg.Extra)
}
