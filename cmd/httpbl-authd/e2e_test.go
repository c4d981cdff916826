package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/httpbl-authd/internal/httpbl/config"
)

const e2eKey = "abcdefghijkl"

// fakeHTTPBL is a DNS server answering http:BL style queries from a table.
type fakeHTTPBL struct {
	answers map[string]string // query name -> A record, or "SERVFAIL"
	queries atomic.Int64
}

func (f *fakeHTTPBL) ServeDNS(w dns.ResponseWriter, req *dns.Msg) {
	f.queries.Add(1)
	m := new(dns.Msg)
	q := req.Question[0]

	answer, ok := f.answers[q.Name]
	switch {
	case !ok:
		m.SetRcode(req, dns.RcodeNameError)
	case answer == "SERVFAIL":
		m.SetRcode(req, dns.RcodeServerFailure)
	default:
		m.SetReply(req)
		rr, err := dns.NewRR(fmt.Sprintf("%s 300 IN A %s", q.Name, answer))
		if err == nil {
			m.Answer = append(m.Answer, rr)
		}
	}
	_ = w.WriteMsg(m)
}

func startFakeHTTPBL(t *testing.T, f *fakeHTTPBL) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: f, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = srv.ActivateAndServe() }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("fake http:BL server did not start")
	}
	return pc.LocalAddr().String()
}

func freeTCPAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func qname(reversed string) string {
	return e2eKey + "." + reversed + ".dnsbl.httpbl.org."
}

// TestE2E_CheckIP drives the real binary wiring from environment to HTTP
// response against a fake blocklist.
func TestE2E_CheckIP(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping E2E test in short mode")
	}

	fake := &fakeHTTPBL{answers: map[string]string{
		qname("4.50.5.127"):  "127.5.50.4", // listed, threat 50, comment spammer
		qname("1.0.0.127"):   "127.1.10.1", // listed, threat 10, suspicious
		qname("66.249.66.1"): "127.0.9.0",  // search engine
		qname("9.9.9.198"):   "SERVFAIL",
		qname("7.7.7.198"):   "10.0.0.1",  // malformed answer
		qname("2.113.0.203"): "127.3.5.2", // listed, threat 5, harvester
	}}
	dnsAddr := startFakeHTTPBL(t, fake)

	t.Setenv("HTTPBL_ACCESS_KEY", e2eKey)
	t.Setenv("HTTPBL_BIND_ADDRESS", freeTCPAddr(t))
	t.Setenv("HTTPBL_SERVERS", dnsAddr)
	t.Setenv("HTTPBL_BLOCK_MIN_THREAT_SCORE", "20")
	t.Setenv("HTTPBL_BLOCK_TYPE_MASK", "2")
	t.Setenv("HTTPBL_ALLOW_SEARCH_ENGINES", "true")
	t.Setenv("HTTPBL_LOG_LEVEL", "error")
	t.Setenv("HTTPBL_UPSTREAM_TIMEOUT", "1s")

	cfg, err := config.Load()
	require.NoError(t, err)

	app, err := buildApplication(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appErr := make(chan error, 1)
	go func() {
		appErr <- app.Run(ctx)
	}()
	base := waitHealthy(t, app)

	tests := []struct {
		name        string
		header      string
		wantCode    int
		wantBody    string
		wantQueries int64
	}{
		{"listed above threshold", "127.5.50.4", http.StatusForbidden, "Access denied.", 1},
		{"listed below threshold", "127.0.0.1", http.StatusOK, "Access allowed.", 1},
		{"listed by type mask", "203.0.113.2", http.StatusForbidden, "Access denied.", 1},
		{"not listed", "192.0.2.10", http.StatusOK, "Access allowed.", 1},
		{"search engine allowed", "1.66.249.66", http.StatusOK, "Access allowed.", 1},
		{"upstream failure fails open", "198.9.9.9", http.StatusOK, "Access allowed.", 1},
		{"malformed answer fails open", "198.7.7.7", http.StatusOK, "Access allowed.", 1},
		{"first forwarded entry", "127.5.50.4, 192.0.2.10", http.StatusForbidden, "Access denied.", 1},
		{"IPv6 not looked up", "2001:db8::1", http.StatusOK, "Access allowed.", 0},
		{"IPv4-mapped treated as IPv6", "::ffff:127.5.50.4", http.StatusOK, "Access allowed.", 0},
		{"missing header", "", http.StatusForbidden, "Invalid or missing client IP header (x-real-ip)", 0},
		{"garbage header", "nope", http.StatusForbidden, "Invalid or missing client IP header (x-real-ip)", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := fake.queries.Load()

			req, err := http.NewRequest(http.MethodGet, base+"/check-ip", nil)
			require.NoError(t, err)
			if tt.header != "" {
				req.Header.Set("X-Real-IP", tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			body, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			require.NoError(t, err)

			assert.Equal(t, tt.wantCode, resp.StatusCode)
			assert.Equal(t, tt.wantBody, string(body))
			assert.Equal(t, tt.wantQueries, fake.queries.Load()-before)
		})
	}

	cancel()
	select {
	case err := <-appErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("application did not shut down")
	}
}
