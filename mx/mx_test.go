package mx

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mxRR(name string, pref uint16, host string) dns.RR {
	return &dns.MX{
		Hdr: dns.RR_Header{
			Name:   name,
			Rrtype: dns.TypeMX,
			Class:  dns.ClassINET,
			Ttl:    3600,
		},
		Mx:         host,
		Preference: pref,
	}
}

func startServer(t *testing.T) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	handler := dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
		q := req.Question[0]

		resp := new(dns.Msg)
		resp.SetReply(req)

		switch q.Name {
		case "example.com.":
			resp.Answer = append(resp.Answer,
				mxRR(q.Name, 20, "MX2.example.com."),
				mxRR(q.Name, 10, "mx1.example.com."),
			)
		case "mixed.test.":
			resp.Answer = append(resp.Answer,
				&dns.CNAME{
					Hdr:    dns.RR_Header{Name: q.Name, Rrtype: dns.TypeCNAME, Class: dns.ClassINET, Ttl: 60},
					Target: "alias.test.",
				},
				mxRR("alias.test.", 5, "mail.alias.test."),
			)
		case "nxdomain.test.":
			resp.SetRcode(req, dns.RcodeNameError)
		case "servfail.test.":
			resp.SetRcode(req, dns.RcodeServerFailure)
		case "slow.test.":
			return
		}

		_ = w.WriteMsg(resp)
	})

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(started) }}

	go func() {
		_ = srv.ActivateAndServe()
	}()
	<-started

	t.Cleanup(func() {
		_ = srv.Shutdown()
	})

	return pc.LocalAddr().String()
}

func TestLookup(t *testing.T) {
	addr := startServer(t)

	r, err := New(addr, 300*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, addr, r.Nameserver())

	ctx := context.Background()

	t.Run("found_keeps_answer_order", func(t *testing.T) {
		res := r.Lookup(ctx, "example.com")
		require.True(t, res.Found())
		assert.NoError(t, res.Err)
		assert.Equal(t, []Record{
			{Host: "mx2.example.com", Preference: 20},
			{Host: "mx1.example.com", Preference: 10},
		}, res.Records)
	})

	t.Run("ignores_non_mx_answers", func(t *testing.T) {
		res := r.Lookup(ctx, "mixed.test.")
		require.True(t, res.Found())
		assert.Equal(t, []Record{{Host: "mail.alias.test", Preference: 5}}, res.Records)
	})

	t.Run("no_records", func(t *testing.T) {
		res := r.Lookup(ctx, "empty.test")
		assert.Equal(t, StatusNotFound, res.Status)
		assert.Empty(t, res.Records)
	})

	t.Run("nxdomain", func(t *testing.T) {
		res := r.Lookup(ctx, "nxdomain.test")
		assert.Equal(t, StatusNotFound, res.Status)
		assert.Empty(t, res.Records)
	})

	t.Run("servfail", func(t *testing.T) {
		res := r.Lookup(ctx, "servfail.test")
		assert.Equal(t, StatusError, res.Status)
		assert.Error(t, res.Err)
		assert.Empty(t, res.Records)
	})

	t.Run("timeout", func(t *testing.T) {
		res := r.Lookup(ctx, "slow.test")
		assert.Equal(t, StatusError, res.Status)
		assert.Error(t, res.Err)
	})

	t.Run("empty_domain", func(t *testing.T) {
		res := r.Lookup(ctx, " ")
		assert.Equal(t, StatusNotFound, res.Status)
	})
}

func TestNewDefaultsPort(t *testing.T) {
	r, err := New("192.0.2.53", 0)
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.53:53", r.Nameserver())
	assert.Equal(t, DefaultTimeout, r.timeout)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "found", StatusFound.String())
	assert.Equal(t, "not found", StatusNotFound.String())
	assert.Equal(t, "error", StatusError.String())
}
