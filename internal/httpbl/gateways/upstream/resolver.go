package upstream

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/netip"
	"time"

	"golang.org/x/net/dns/dnsmessage"

	"github.com/haukened/httpbl-authd/internal/httpbl/common/log"
	"github.com/haukened/httpbl-authd/internal/httpbl/gateways/wire"
	"github.com/haukened/httpbl-authd/internal/httpbl/services/reputation"
)

// Error message constants for consistent error handling
const (
	errNoServersProvided = "no upstream DNS servers provided"
	errCodecRequired     = "DNS codec is required"
	errServerFailed      = "server %s: %w"
	errAllServersFailed  = "all %d upstream servers failed"
	errQueryAborted      = "query aborted: %w"
	errSetDeadline       = "set deadline failed: %w"
	errFailedToConnect   = "failed to connect: %w"
	errEncodeFailed      = "encode failed: %w"
	errWriteFailed       = "write failed: %w"
	errReadFailed        = "read failed: %w"
	errDecodeFailed      = "decode failed: %w"
	errTruncated         = "truncated response"
	errRCode             = "upstream returned %s"
)

// Resolver answers A queries by sending them to upstream DNS servers over UDP.
// It is safe for concurrent use; every lookup dials its own socket.
type Resolver struct {
	servers []string      // upstream servers in ip:port form
	timeout time.Duration // applied when the caller's context has no deadline
	codec   wire.DNSCodec
	fanOut  bool
	dial    DialFunc
	logger  log.Logger
}

// DialFunc establishes a network connection; injectable for tests.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Options configures a Resolver.
type Options struct {
	Servers []string
	Timeout time.Duration
	// FanOut sends each query to every server at once and takes the first
	// answer. When false only the first server is asked.
	FanOut bool

	Codec  wire.DNSCodec
	Dial   DialFunc
	Logger log.Logger
}

// NewResolver creates a resolver from opts. The timeout defaults to 5 seconds
// and Dial to a plain net.Dialer.
func NewResolver(opts Options) (*Resolver, error) {
	if len(opts.Servers) == 0 {
		return nil, errors.New(errNoServersProvided)
	}
	if opts.Codec == nil {
		return nil, errors.New(errCodecRequired)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Dial == nil {
		opts.Dial = (&net.Dialer{}).DialContext
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	return &Resolver{
		servers: opts.Servers,
		timeout: opts.Timeout,
		codec:   opts.Codec,
		fanOut:  opts.FanOut,
		dial:    opts.Dial,
		logger:  opts.Logger.With(map[string]any{"component": "upstream"}),
	}, nil
}

// Servers returns the configured upstream servers.
func (r *Resolver) Servers() []string {
	return r.servers
}

// ensureContextDeadline adds the resolver timeout when ctx carries no deadline.
func (r *Resolver) ensureContextDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); !ok {
		return context.WithTimeout(ctx, r.timeout)
	}
	return ctx, nil
}

// LookupIPv4 resolves the A records for host. NXDOMAIN is reported as an error
// wrapping reputation.ErrNotFound. A failed query is never repeated.
func (r *Resolver) LookupIPv4(ctx context.Context, host string) ([]netip.Addr, error) {
	ctx, cancel := r.ensureContextDeadline(ctx)
	if cancel != nil {
		defer cancel()
	}

	query := wire.Query{ID: uint16(rand.Uint32()), Name: host}
	if r.fanOut && len(r.servers) > 1 {
		return r.lookupFanOut(ctx, query)
	}

	server := r.servers[0]
	addrs, err := r.queryServer(ctx, server, query)
	if err != nil {
		return nil, fmt.Errorf(errServerFailed, server, err)
	}
	return addrs, nil
}

// lookupFanOut queries all servers concurrently. The first authoritative
// outcome (an answer or NXDOMAIN) wins; failures are collected until every
// server has failed.
func (r *Resolver) lookupFanOut(ctx context.Context, query wire.Query) ([]netip.Addr, error) {
	type outcome struct {
		addrs []netip.Addr
		err   error
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	answers := make(chan outcome, len(r.servers))
	failures := make(chan error, len(r.servers))

	for _, server := range r.servers {
		go func(srv string) {
			addrs, err := r.queryServer(ctx, srv, query)
			if err != nil && !errors.Is(err, reputation.ErrNotFound) {
				failures <- fmt.Errorf(errServerFailed, srv, err)
				return
			}
			answers <- outcome{addrs: addrs, err: err}
		}(server)
	}

	var errs []error
	for i := 0; i < len(r.servers); i++ {
		select {
		case o := <-answers:
			return o.addrs, o.err
		case err := <-failures:
			errs = append(errs, err)
		case <-ctx.Done():
			return nil, fmt.Errorf(errQueryAborted, ctx.Err())
		}
	}
	return nil, fmt.Errorf(errAllServersFailed+": %w", len(r.servers), errors.Join(errs...))
}

// queryServer performs one UDP exchange with server, abandoning it when ctx ends.
func (r *Resolver) queryServer(ctx context.Context, server string, query wire.Query) ([]netip.Addr, error) {
	conn, err := r.dial(ctx, "udp", server)
	if err != nil {
		return nil, fmt.Errorf(errFailedToConnect, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, fmt.Errorf(errSetDeadline, err)
		}
	}

	queryBytes, err := r.codec.EncodeQuery(query)
	if err != nil {
		return nil, fmt.Errorf(errEncodeFailed, err)
	}

	type result struct {
		addrs []netip.Addr
		err   error
	}
	resultChan := make(chan result, 1)

	go func() {
		if _, err := conn.Write(queryBytes); err != nil {
			resultChan <- result{err: fmt.Errorf(errWriteFailed, err)}
			return
		}

		buffer := make([]byte, wire.MaxUDPSize)
		n, err := conn.Read(buffer)
		if err != nil {
			resultChan <- result{err: fmt.Errorf(errReadFailed, err)}
			return
		}

		resp, err := r.codec.DecodeResponse(buffer[:n], query.ID)
		if err != nil {
			resultChan <- result{err: fmt.Errorf(errDecodeFailed, err)}
			return
		}
		addrs, err := r.interpret(resp)
		resultChan <- result{addrs: addrs, err: err}
	}()

	select {
	case res := <-resultChan:
		if res.err != nil && !errors.Is(res.err, reputation.ErrNotFound) {
			r.logger.Debug(map[string]any{"server": server, "error": res.err}, "Upstream query failed")
		}
		return res.addrs, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// interpret maps the response code onto the resolver contract.
func (r *Resolver) interpret(resp wire.Response) ([]netip.Addr, error) {
	switch resp.RCode {
	case dnsmessage.RCodeSuccess:
		if resp.Truncated && len(resp.Addrs) == 0 {
			return nil, errors.New(errTruncated)
		}
		return resp.Addrs, nil
	case dnsmessage.RCodeNameError:
		return nil, reputation.ErrNotFound
	default:
		return nil, fmt.Errorf(errRCode, resp.RCode)
	}
}

var _ reputation.Resolver = (*Resolver)(nil)
