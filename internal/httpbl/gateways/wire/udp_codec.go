package wire

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"golang.org/x/net/dns/dnsmessage"

	"github.com/haukened/httpbl-authd/internal/httpbl/common/log"
)

// MaxUDPSize is the classic DNS over UDP message limit; queries carry no EDNS0.
const MaxUDPSize = 512

var (
	ErrIDMismatch  = errors.New("response ID does not match query")
	ErrNotResponse = errors.New("message is not a response")
)

// udpCodec implements DNSCodec for plain DNS over UDP.
type udpCodec struct {
	logger log.Logger
}

// NewUDPCodec creates a codec that logs decoding detail at debug level.
func NewUDPCodec(logger log.Logger) *udpCodec {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &udpCodec{logger: logger}
}

// EncodeQuery builds a recursive IN A query for query.Name.
func (c *udpCodec) EncodeQuery(query Query) ([]byte, error) {
	name, err := dnsmessage.NewName(fqdn(query.Name))
	if err != nil {
		return nil, fmt.Errorf("invalid name %q: %w", query.Name, err)
	}

	b := dnsmessage.NewBuilder(make([]byte, 0, MaxUDPSize), dnsmessage.Header{
		ID:               query.ID,
		RecursionDesired: true,
	})
	b.EnableCompression()
	if err := b.StartQuestions(); err != nil {
		return nil, err
	}
	if err := b.Question(dnsmessage.Question{
		Name:  name,
		Type:  dnsmessage.TypeA,
		Class: dnsmessage.ClassINET,
	}); err != nil {
		return nil, fmt.Errorf("encode question: %w", err)
	}
	return b.Finish()
}

// DecodeResponse parses an answer message and collects its IN A records.
// Records of other types (a CNAME chain, for instance) are skipped.
func (c *udpCodec) DecodeResponse(data []byte, expectedID uint16) (Response, error) {
	var p dnsmessage.Parser
	h, err := p.Start(data)
	if err != nil {
		return Response{}, fmt.Errorf("parse header: %w", err)
	}
	if h.ID != expectedID {
		return Response{}, fmt.Errorf("%w: got %d, want %d", ErrIDMismatch, h.ID, expectedID)
	}
	if !h.Response {
		return Response{}, ErrNotResponse
	}
	if err := p.SkipAllQuestions(); err != nil {
		return Response{}, fmt.Errorf("parse questions: %w", err)
	}

	resp := Response{ID: h.ID, RCode: h.RCode, Truncated: h.Truncated}
	for {
		ah, err := p.AnswerHeader()
		if errors.Is(err, dnsmessage.ErrSectionDone) {
			break
		}
		if err != nil {
			return Response{}, fmt.Errorf("parse answer header: %w", err)
		}
		if ah.Type != dnsmessage.TypeA || ah.Class != dnsmessage.ClassINET {
			if err := p.SkipAnswer(); err != nil {
				return Response{}, fmt.Errorf("skip answer: %w", err)
			}
			continue
		}
		a, err := p.AResource()
		if err != nil {
			return Response{}, fmt.Errorf("parse A record: %w", err)
		}
		resp.Addrs = append(resp.Addrs, netip.AddrFrom4(a.A))
	}

	c.logger.Debug(map[string]any{
		"id":      resp.ID,
		"rcode":   resp.RCode.String(),
		"answers": len(resp.Addrs),
		"tc":      resp.Truncated,
	}, "Decoded DNS response")

	return resp, nil
}

func fqdn(name string) string {
	if strings.HasSuffix(name, ".") {
		return name
	}
	return name + "."
}

var _ DNSCodec = (*udpCodec)(nil)
