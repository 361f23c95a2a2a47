package mdns

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/miekg/dns"
)

const (
	// ServiceHTTP is the DNS-SD service type advertised for the file server.
	ServiceHTTP = "_http._tcp"
	// Domain is the mDNS top-level domain.
	Domain = "local."

	// RFC 6762 section 10: host-name bearing records use 120s, others 75min.
	hostTTL    = 120
	serviceTTL = 4500

	// cacheFlush is the top bit of the rrclass for unique records.
	cacheFlush = 1 << 15
	// unicastResponse is the top bit of the qclass in questions.
	unicastResponse = 1 << 15

	serviceEnumeration = "_services._dns-sd._udp.local."
)

// Service describes the one advertised instance.
type Service struct {
	// Instance is the human readable instance label, e.g. "laptop".
	Instance string
	// Type is the service type, e.g. "_http._tcp".
	Type string
	// Host is the host label without the .local suffix.
	Host string
	Port int
	Text []string
	// IPs are the addresses published for Host. Empty means interface discovery.
	IPs []net.IP
}

// recordSet holds the prepared resource records for a Service.
type recordSet struct {
	service  string // _http._tcp.local.
	instance string // laptop._http._tcp.local.
	host     string // laptop.local.

	enum *dns.PTR
	ptr  *dns.PTR
	srv  *dns.SRV
	txt  *dns.TXT
	a    []dns.RR
	aaaa []dns.RR
}

// normalize fills defaults and validates svc.
func (svc *Service) normalize() error {
	if svc.Port <= 0 || svc.Port > 65535 {
		return fmt.Errorf("invalid service port %d", svc.Port)
	}
	if svc.Type == "" {
		svc.Type = ServiceHTTP
	}
	if svc.Host == "" {
		h, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("failed to determine hostname: %w", err)
		}
		svc.Host = h
	}
	svc.Host = hostLabel(svc.Host)
	if svc.Instance == "" {
		svc.Instance = svc.Host
	}
	svc.Instance = strings.ReplaceAll(svc.Instance, ".", "-")
	if len(svc.Text) == 0 {
		svc.Text = []string{"path=/"}
	}
	if len(svc.IPs) == 0 {
		svc.IPs = interfaceIPs()
	}
	return nil
}

// hostLabel keeps the first label of a host name and maps characters that
// are not valid in a host label to '-'.
func hostLabel(h string) string {
	h = strings.TrimSuffix(h, ".")
	h = strings.TrimSuffix(h, ".local")
	if i := strings.IndexByte(h, '.'); i >= 0 {
		h = h[:i]
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		}
		return '-'
	}, h)
}

// interfaceIPs returns the addresses of up, multicast-capable, non-loopback
// interfaces.
func interfaceIPs() []net.IP {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var ips []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok {
				ips = append(ips, ipnet.IP)
			}
		}
	}
	return ips
}

func newRecordSet(svc Service) *recordSet {
	rs := &recordSet{
		service: dns.Fqdn(svc.Type + "." + Domain),
		host:    dns.Fqdn(svc.Host + "." + Domain),
	}
	rs.instance = dns.Fqdn(svc.Instance + "." + rs.service)

	rs.enum = &dns.PTR{
		Hdr: dns.RR_Header{Name: serviceEnumeration, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: serviceTTL},
		Ptr: rs.service,
	}
	rs.ptr = &dns.PTR{
		Hdr: dns.RR_Header{Name: rs.service, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: serviceTTL},
		Ptr: rs.instance,
	}
	rs.srv = &dns.SRV{
		Hdr:    dns.RR_Header{Name: rs.instance, Rrtype: dns.TypeSRV, Class: dns.ClassINET | cacheFlush, Ttl: hostTTL},
		Port:   uint16(svc.Port),
		Target: rs.host,
	}
	rs.txt = &dns.TXT{
		Hdr: dns.RR_Header{Name: rs.instance, Rrtype: dns.TypeTXT, Class: dns.ClassINET | cacheFlush, Ttl: serviceTTL},
		Txt: svc.Text,
	}

	for _, ip := range svc.IPs {
		if ip4 := ip.To4(); ip4 != nil {
			rs.a = append(rs.a, &dns.A{
				Hdr: dns.RR_Header{Name: rs.host, Rrtype: dns.TypeA, Class: dns.ClassINET | cacheFlush, Ttl: hostTTL},
				A:   ip4,
			})
		} else if ip.To16() != nil {
			rs.aaaa = append(rs.aaaa, &dns.AAAA{
				Hdr:  dns.RR_Header{Name: rs.host, Rrtype: dns.TypeAAAA, Class: dns.ClassINET | cacheFlush, Ttl: hostTTL},
				AAAA: ip,
			})
		}
	}
	return rs
}

func (rs *recordSet) addrs() []dns.RR {
	out := make([]dns.RR, 0, len(rs.a)+len(rs.aaaa))
	out = append(out, rs.a...)
	return append(out, rs.aaaa...)
}

func ipOf(rr dns.RR) net.IP {
	switch v := rr.(type) {
	case *dns.A:
		return v.A
	case *dns.AAAA:
		return v.AAAA
	}
	return nil
}

// answer builds the response to a query, or nil when no question concerns
// this service. unicast reports whether any question asked for a unicast reply.
func (rs *recordSet) answer(q *dns.Msg) (resp *dns.Msg, unicast bool) {
	if q.Response || q.Opcode != dns.OpcodeQuery {
		return nil, false
	}

	var answers, extras []dns.RR
	for _, question := range q.Question {
		name := strings.ToLower(question.Name)
		qtype := question.Qtype
		matched := true

		switch name {
		case serviceEnumeration:
			if qtype == dns.TypePTR || qtype == dns.TypeANY {
				answers = append(answers, rs.enum)
			}
		case strings.ToLower(rs.service):
			if qtype == dns.TypePTR || qtype == dns.TypeANY {
				answers = append(answers, rs.ptr)
				extras = append(extras, rs.srv, rs.txt)
				extras = append(extras, rs.addrs()...)
			}
		case strings.ToLower(rs.instance):
			if qtype == dns.TypeSRV || qtype == dns.TypeANY {
				answers = append(answers, rs.srv)
				extras = append(extras, rs.addrs()...)
			}
			if qtype == dns.TypeTXT || qtype == dns.TypeANY {
				answers = append(answers, rs.txt)
			}
		case strings.ToLower(rs.host):
			if qtype == dns.TypeA || qtype == dns.TypeANY {
				answers = append(answers, rs.a...)
			}
			if qtype == dns.TypeAAAA || qtype == dns.TypeANY {
				answers = append(answers, rs.aaaa...)
			}
		default:
			matched = false
		}

		if matched && question.Qclass&unicastResponse != 0 {
			unicast = true
		}
	}

	if len(answers) == 0 {
		return nil, false
	}

	resp = new(dns.Msg)
	resp.Response = true
	resp.Authoritative = true
	resp.Answer = dedupe(answers)
	resp.Extra = without(dedupe(extras), resp.Answer)
	return resp, unicast
}

// announcement returns an unsolicited response carrying every record with
// the given TTL; ttl 0 is a goodbye.
func (rs *recordSet) announcement(goodbye bool) *dns.Msg {
	records := []dns.RR{rs.ptr, rs.srv, rs.txt, rs.enum}
	records = append(records, rs.addrs()...)

	msg := new(dns.Msg)
	msg.Response = true
	msg.Authoritative = true
	for _, rr := range records {
		rr = dns.Copy(rr)
		if goodbye {
			rr.Header().Ttl = 0
		}
		msg.Answer = append(msg.Answer, rr)
	}
	return msg
}

func dedupe(rrs []dns.RR) []dns.RR {
	var out []dns.RR
	for _, rr := range rrs {
		if !contains(out, rr) {
			out = append(out, rr)
		}
	}
	return out
}

func without(rrs, exclude []dns.RR) []dns.RR {
	var out []dns.RR
	for _, rr := range rrs {
		if !contains(exclude, rr) {
			out = append(out, rr)
		}
	}
	return out
}

func contains(rrs []dns.RR, rr dns.RR) bool {
	for _, have := range rrs {
		if have == rr {
			return true
		}
	}
	return false
}
