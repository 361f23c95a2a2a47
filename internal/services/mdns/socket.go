package mdns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/ipv4"
)

const (
	// MDNSPort is the multicast DNS port
	MDNSPort = 5353
	// MaxPacketSize is the largest mDNS message accepted (RFC 6762 section 17).
	MaxPacketSize = 9000
)

var (
	mdnsIPv4Addr = net.ParseIP("224.0.0.251")
	groupAddr    = &net.UDPAddr{IP: mdnsIPv4Addr, Port: MDNSPort}
)

// packetConn is the subset of a multicast socket the advertiser uses.
type packetConn interface {
	ReadFrom(b []byte) (int, net.Addr, error)
	WriteTo(b []byte, dst net.Addr) (int, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// multicastConn sends group traffic out of every joined interface.
type multicastConn struct {
	pc     *ipv4.PacketConn
	ifaces []net.Interface
}

// listenMulticast binds UDP 5353 and joins the IPv4 mDNS group on every up,
// multicast-capable interface.
func listenMulticast(ctx context.Context) (packetConn, error) {
	lc := net.ListenConfig{Control: reuseControl}
	c, err := lc.ListenPacket(ctx, "udp4", fmt.Sprintf(":%d", MDNSPort))
	if err != nil {
		return nil, fmt.Errorf("failed to bind udp4 :%d: %w", MDNSPort, err)
	}
	pc := ipv4.NewPacketConn(c)

	ifaces, err := net.Interfaces()
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to list interfaces: %w", err)
	}

	var joined []net.Interface
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := pc.JoinGroup(&iface, &net.UDPAddr{IP: mdnsIPv4Addr}); err != nil {
			continue
		}
		joined = append(joined, iface)
	}
	if len(joined) == 0 {
		c.Close()
		return nil, errors.New("no interface could join the mDNS group 224.0.0.251")
	}

	// RFC 6762 section 11: IP TTL 255.
	pc.SetMulticastTTL(255)
	pc.SetTTL(255)
	pc.SetMulticastLoopback(true)

	return &multicastConn{pc: pc, ifaces: joined}, nil
}

func (m *multicastConn) ReadFrom(b []byte) (int, net.Addr, error) {
	n, _, src, err := m.pc.ReadFrom(b)
	return n, src, err
}

// WriteTo sends to dst; the mDNS group address is sent once per interface.
func (m *multicastConn) WriteTo(b []byte, dst net.Addr) (int, error) {
	udp, ok := dst.(*net.UDPAddr)
	if !ok || !udp.IP.Equal(mdnsIPv4Addr) {
		return m.pc.WriteTo(b, nil, dst)
	}

	var (
		sent    int
		lastErr error
	)
	for _, iface := range m.ifaces {
		n, err := m.pc.WriteTo(b, &ipv4.ControlMessage{IfIndex: iface.Index}, dst)
		if err != nil {
			lastErr = err
			continue
		}
		sent = n
	}
	if sent == 0 && lastErr != nil {
		return 0, lastErr
	}
	return sent, nil
}

func (m *multicastConn) SetReadDeadline(t time.Time) error {
	return m.pc.SetReadDeadline(t)
}

func (m *multicastConn) Close() error {
	return m.pc.Close()
}
