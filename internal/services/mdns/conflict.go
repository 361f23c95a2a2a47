package mdns

import (
	"net"
	"strings"

	"golang.org/x/net/dns/dnsmessage"
)

// Conflict is a record from another responder that claims one of our
// unique names with different data.
type Conflict struct {
	Name   string
	Type   string
	Source string
}

// findConflicts scans a response for SRV records on our instance name or
// address records on our host name that do not match what we publish.
// Malformed packets yield no conflicts.
func findConflicts(data []byte, rs *recordSet, src net.IP) []Conflict {
	var parser dnsmessage.Parser
	hdr, err := parser.Start(data)
	if err != nil || !hdr.Response {
		return nil
	}
	if err := parser.SkipAllQuestions(); err != nil {
		return nil
	}

	var out []Conflict
	check := func(rr dnsmessage.Resource) {
		name := strings.ToLower(rr.Header.Name.String())
		switch body := rr.Body.(type) {
		case *dnsmessage.SRVResource:
			if name == strings.ToLower(rs.instance) &&
				(int(body.Port) != int(rs.srv.Port) || !strings.EqualFold(body.Target.String(), rs.srv.Target)) {
				out = append(out, Conflict{Name: name, Type: "SRV", Source: src.String()})
			}
		case *dnsmessage.AResource:
			if name == strings.ToLower(rs.host) && !rs.hasIP(net.IP(body.A[:])) {
				out = append(out, Conflict{Name: name, Type: "A", Source: src.String()})
			}
		case *dnsmessage.AAAAResource:
			if name == strings.ToLower(rs.host) && !rs.hasIP(net.IP(body.AAAA[:])) {
				out = append(out, Conflict{Name: name, Type: "AAAA", Source: src.String()})
			}
		}
	}

	sections := []func() (dnsmessage.Resource, error){parser.Answer, parser.Authority, parser.Additional}
	for _, next := range sections {
		for {
			rr, err := next()
			if err != nil {
				// ErrSectionDone or a malformed record ends this section.
				break
			}
			check(rr)
		}
	}
	return out
}

func (rs *recordSet) hasIP(ip net.IP) bool {
	for _, rr := range rs.addrs() {
		if ipOf(rr).Equal(ip) {
			return true
		}
	}
	return false
}
