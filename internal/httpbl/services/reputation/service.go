// Package reputation resolves client addresses against http:BL and applies
// the configured blocking policy.
package reputation

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/haukened/httpbl-authd/internal/httpbl/common/clock"
	"github.com/haukened/httpbl-authd/internal/httpbl/common/log"
	"github.com/haukened/httpbl-authd/internal/httpbl/domain"
)

const (
	errAccessKeyRequired = "http:BL access key is required"
	errResolverRequired  = "resolver is required"
)

// Service runs the lookup-to-decision pipeline. It holds no per-request state;
// the policy and resolver are shared by all callers.
type Service struct {
	accessKey string
	policy    domain.Policy
	resolver  Resolver
	clock     clock.Clock
	logger    log.Logger
}

// Options configures a Service. Clock and Logger are optional.
type Options struct {
	AccessKey string
	Policy    domain.Policy
	Resolver  Resolver
	Clock     clock.Clock
	Logger    log.Logger
}

// New builds a Service from opts.
func New(opts Options) (*Service, error) {
	if opts.AccessKey == "" {
		return nil, errors.New(errAccessKeyRequired)
	}
	if opts.Resolver == nil {
		return nil, errors.New(errResolverRequired)
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = log.GetLogger()
	}
	initMetrics()

	return &Service{
		accessKey: opts.AccessKey,
		policy:    opts.Policy,
		resolver:  opts.Resolver,
		clock:     opts.Clock,
		logger:    opts.Logger.With(map[string]any{"component": "reputation"}),
	}, nil
}

// Policy returns the policy the service evaluates against.
func (s *Service) Policy() domain.Policy {
	return s.policy
}

// Lookup queries http:BL for ip. IPv6 addresses, IPv4-mapped ones included,
// are reported as not listed without touching the network since the blocklist
// only covers IPv4. Every failure is folded into a LookupError reputation; no
// error escapes.
func (s *Service) Lookup(ctx context.Context, ip netip.Addr) domain.Reputation {
	if !ip.IsValid() {
		return domain.LookupError("invalid address")
	}
	if !ip.Is4() {
		s.logger.Info(map[string]any{"ip": ip.String()}, "IPv6 address is not covered by http:BL, treating as not listed")
		return domain.NotListed()
	}

	name := domain.BuildQueryName(s.accessKey, ip)
	s.logger.Debug(map[string]any{"ip": ip.String()}, "Performing http:BL lookup")

	start := s.clock.Now()
	addrs, err := s.resolver.LookupIPv4(ctx, name)
	observeLookup(clock.Since(s.clock, start))

	rep := s.interpret(ip, addrs, err)
	incLookup(rep.Kind)
	return rep
}

func (s *Service) interpret(ip netip.Addr, addrs []netip.Addr, err error) domain.Reputation {
	fields := map[string]any{"ip": ip.String()}

	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.logger.Debug(fields, "http:BL lookup returned NXDOMAIN")
			return domain.NotListed()
		}
		fields["error"] = err
		s.logger.Error(fields, "DNS resolution error")
		return domain.LookupError("DNS resolution failed: %v", err)
	}

	rep := domain.DecodeResponse(addrs)
	fields["result"] = rep.String()
	if rep.Kind == domain.KindLookupError {
		// a successful answer should never decode to an error
		fields["answers"] = fmt.Sprint(addrs)
		s.logger.Warn(fields, "Unexpected http:BL response")
		return rep
	}
	s.logger.Debug(fields, "Decoded http:BL response")
	return rep
}

// EvaluatePolicy reports whether rep should be blocked under p.
// Lookup errors never block.
func EvaluatePolicy(rep domain.Reputation, p domain.Policy) bool {
	block, _ := decide(rep, p)
	return block
}

func decide(rep domain.Reputation, p domain.Policy) (bool, string) {
	switch rep.Kind {
	case domain.KindNotListed:
		return false, "not listed"
	case domain.KindSearchEngine:
		if p.AllowSearchEngines {
			return false, "search engine allowed"
		}
		return true, "search engines blocked"
	case domain.KindListed:
		if rep.Threat >= p.BlockMinThreatScore {
			return true, "threat score at or above threshold"
		}
		if rep.Type.Has(p.BlockTypeMask) {
			return true, "visitor type matches blocked types"
		}
		return false, "listed below policy thresholds"
	default:
		return false, "lookup failed, failing open"
	}
}

// Check looks ip up and returns true when it must be blocked.
func (s *Service) Check(ctx context.Context, ip netip.Addr) bool {
	rep := s.Lookup(ctx, ip)
	block, reason := decide(rep, s.policy)
	incDecision(block)

	fields := map[string]any{
		"ip":     ip.String(),
		"result": rep.String(),
		"block":  block,
		"reason": reason,
	}
	if rep.Kind == domain.KindLookupError {
		s.logger.Warn(fields, "Policy decision")
	} else {
		s.logger.Info(fields, "Policy decision")
	}
	return block
}

var _ Checker = (*Service)(nil)
