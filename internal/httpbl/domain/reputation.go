package domain

import "fmt"

// ReputationKind discriminates the closed set of lookup outcomes.
type ReputationKind uint8

const (
	// KindNotListed means the blocklist has no entry for the address.
	KindNotListed ReputationKind = iota
	// KindSearchEngine means the address belongs to a verified crawler.
	KindSearchEngine
	// KindListed means the address is listed with activity, threat and type data.
	KindListed
	// KindLookupError means the lookup or decoding failed for a reason other than "not listed".
	KindLookupError
)

// String returns a stable, label-safe name for the kind.
func (k ReputationKind) String() string {
	switch k {
	case KindNotListed:
		return "not_listed"
	case KindSearchEngine:
		return "search_engine"
	case KindListed:
		return "listed"
	case KindLookupError:
		return "error"
	default:
		return fmt.Sprintf("ReputationKind(%d)", k)
	}
}

// Reputation is the result of one http:BL lookup. Exactly one Kind is set per
// value and only the fields belonging to that kind are meaningful:
//
//	KindSearchEngine: Serial
//	KindListed:       Days, Threat, Type
//	KindLookupError:  Message
//
// Values are built with the constructors below; the zero value is NotListed.
type Reputation struct {
	Kind    ReputationKind
	Serial  uint8    // search engine serial, informational only
	Days    uint8    // days since last activity
	Threat  uint8    // threat score 0-255
	Type    TypeMask // visitor type bitfield
	Message string   // failure description
}

// NotListed returns a not-listed reputation.
func NotListed() Reputation {
	return Reputation{Kind: KindNotListed}
}

// SearchEngine returns a search engine reputation with the given serial.
func SearchEngine(serial uint8) Reputation {
	return Reputation{Kind: KindSearchEngine, Serial: serial}
}

// Listed returns a listed reputation.
func Listed(days, threat uint8, typ TypeMask) Reputation {
	return Reputation{Kind: KindListed, Days: days, Threat: threat, Type: typ}
}

// LookupError returns an error reputation with a formatted message.
func LookupError(format string, args ...any) Reputation {
	return Reputation{Kind: KindLookupError, Message: fmt.Sprintf(format, args...)}
}

func (r Reputation) String() string {
	switch r.Kind {
	case KindNotListed:
		return "NotListed"
	case KindSearchEngine:
		return fmt.Sprintf("SearchEngine(serial=%d)", r.Serial)
	case KindListed:
		return fmt.Sprintf("Listed(days=%d, threat=%d, type=%s)", r.Days, r.Threat, r.Type)
	case KindLookupError:
		return fmt.Sprintf("LookupError(%s)", r.Message)
	default:
		return r.Kind.String()
	}
}
