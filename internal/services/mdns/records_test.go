package mdns

import (
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testService(t *testing.T) Service {
	t.Helper()
	svc := Service{
		Instance: "laptop",
		Host:     "laptop",
		Port:     8080,
		IPs:      []net.IP{net.ParseIP("192.168.1.10"), net.ParseIP("fe80::1")},
	}
	require.NoError(t, svc.normalize())
	return svc
}

func query(name string, qtype uint16, unicast bool) *dns.Msg {
	m := new(dns.Msg)
	m.Id = 0
	q := dns.Question{Name: name, Qtype: qtype, Qclass: dns.ClassINET}
	if unicast {
		q.Qclass |= unicastResponse
	}
	m.Question = []dns.Question{q}
	return m
}

func TestNormalize(t *testing.T) {
	svc := Service{Instance: "my.box", Host: "My Box.example.com", Port: 80, IPs: []net.IP{net.IPv4(10, 0, 0, 1)}}
	require.NoError(t, svc.normalize())

	assert.Equal(t, ServiceHTTP, svc.Type)
	assert.Equal(t, "My-Box", svc.Host)
	assert.Equal(t, "my-box", svc.Instance)
	assert.Equal(t, []string{"path=/"}, svc.Text)

	bad := Service{Port: 0}
	assert.Error(t, bad.normalize())
	bad = Service{Port: 70000}
	assert.Error(t, bad.normalize())
}

func TestHostLabel(t *testing.T) {
	assert.Equal(t, "laptop", hostLabel("laptop.local."))
	assert.Equal(t, "laptop", hostLabel("laptop.lan"))
	assert.Equal(t, "a-b", hostLabel("a_b"))
}

func TestRecordNames(t *testing.T) {
	rs := newRecordSet(testService(t))

	assert.Equal(t, "_http._tcp.local.", rs.service)
	assert.Equal(t, "laptop._http._tcp.local.", rs.instance)
	assert.Equal(t, "laptop.local.", rs.host)
	assert.Equal(t, uint16(8080), rs.srv.Port)
	assert.Equal(t, []string{"path=/"}, rs.txt.Txt)
	assert.Len(t, rs.a, 1)
	assert.Len(t, rs.aaaa, 1)
}

func TestAnswerPTR(t *testing.T) {
	rs := newRecordSet(testService(t))

	resp, unicast := rs.answer(query("_http._tcp.local.", dns.TypePTR, false))
	require.NotNil(t, resp)
	assert.False(t, unicast)
	assert.True(t, resp.Response)
	assert.True(t, resp.Authoritative)

	require.Len(t, resp.Answer, 1)
	ptr, ok := resp.Answer[0].(*dns.PTR)
	require.True(t, ok)
	assert.Equal(t, "laptop._http._tcp.local.", ptr.Ptr)

	// SRV, TXT, A, AAAA go along as additional records.
	assert.Len(t, resp.Extra, 4)

	_, err := resp.Pack()
	assert.NoError(t, err)
}

func TestAnswerSRVAndTXT(t *testing.T) {
	rs := newRecordSet(testService(t))

	resp, _ := rs.answer(query("laptop._http._tcp.local.", dns.TypeSRV, false))
	require.NotNil(t, resp)
	require.Len(t, resp.Answer, 1)
	srv := resp.Answer[0].(*dns.SRV)
	assert.Equal(t, "laptop.local.", srv.Target)
	assert.Equal(t, uint16(dns.ClassINET|cacheFlush), srv.Hdr.Class)
	assert.Len(t, resp.Extra, 2)

	resp, _ = rs.answer(query("laptop._http._tcp.local.", dns.TypeTXT, false))
	require.NotNil(t, resp)
	require.Len(t, resp.Answer, 1)
	assert.IsType(t, &dns.TXT{}, resp.Answer[0])

	resp, _ = rs.answer(query("laptop._http._tcp.local.", dns.TypeANY, false))
	require.NotNil(t, resp)
	assert.Len(t, resp.Answer, 2)
}

func TestAnswerAddresses(t *testing.T) {
	rs := newRecordSet(testService(t))

	resp, _ := rs.answer(query("laptop.local.", dns.TypeA, false))
	require.NotNil(t, resp)
	require.Len(t, resp.Answer, 1)
	assert.Equal(t, "192.168.1.10", resp.Answer[0].(*dns.A).A.String())

	resp, _ = rs.answer(query("laptop.local.", dns.TypeAAAA, false))
	require.NotNil(t, resp)
	require.Len(t, resp.Answer, 1)
	assert.Equal(t, "fe80::1", resp.Answer[0].(*dns.AAAA).AAAA.String())
}

func TestAnswerServiceEnumeration(t *testing.T) {
	rs := newRecordSet(testService(t))

	resp, _ := rs.answer(query(serviceEnumeration, dns.TypePTR, false))
	require.NotNil(t, resp)
	require.Len(t, resp.Answer, 1)
	assert.Equal(t, "_http._tcp.local.", resp.Answer[0].(*dns.PTR).Ptr)
}

func TestAnswerCaseInsensitive(t *testing.T) {
	rs := newRecordSet(testService(t))

	resp, _ := rs.answer(query("LAPTOP._HTTP._tcp.Local.", dns.TypeSRV, false))
	require.NotNil(t, resp)
	assert.Len(t, resp.Answer, 1)
}

func TestAnswerIgnores(t *testing.T) {
	rs := newRecordSet(testService(t))

	resp, _ := rs.answer(query("_ipp._tcp.local.", dns.TypePTR, false))
	assert.Nil(t, resp)

	resp, _ = rs.answer(query("laptop.local.", dns.TypeMX, false))
	assert.Nil(t, resp)

	m := query("_http._tcp.local.", dns.TypePTR, false)
	m.Response = true
	resp, _ = rs.answer(m)
	assert.Nil(t, resp)
}

func TestAnswerUnicastBit(t *testing.T) {
	rs := newRecordSet(testService(t))

	_, unicast := rs.answer(query("_http._tcp.local.", dns.TypePTR, true))
	assert.True(t, unicast)

	// The bit on an unrelated question does not count.
	m := query("_ipp._tcp.local.", dns.TypePTR, true)
	m.Question = append(m.Question, dns.Question{Name: "_http._tcp.local.", Qtype: dns.TypePTR, Qclass: dns.ClassINET})
	resp, unicast := rs.answer(m)
	require.NotNil(t, resp)
	assert.False(t, unicast)
}

func TestAnnouncement(t *testing.T) {
	rs := newRecordSet(testService(t))

	msg := rs.announcement(false)
	assert.True(t, msg.Response)
	assert.Len(t, msg.Answer, 6)
	for _, rr := range msg.Answer {
		assert.NotZero(t, rr.Header().Ttl, rr.String())
	}

	bye := rs.announcement(true)
	assert.Len(t, bye.Answer, 6)
	for _, rr := range bye.Answer {
		assert.Zero(t, rr.Header().Ttl, rr.String())
	}

	// The prepared records keep their TTLs.
	assert.Equal(t, uint32(hostTTL), rs.srv.Hdr.Ttl)
}
