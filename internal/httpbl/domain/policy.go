package domain

import "fmt"

// Policy decides which reputations are blocked. It is built once at startup
// and shared read-only by every request.
type Policy struct {
	// BlockMinThreatScore blocks listed addresses whose threat score is >= this value.
	BlockMinThreatScore uint8
	// BlockTypeMask blocks listed addresses whose type shares any bit with this mask.
	BlockTypeMask TypeMask
	// AllowSearchEngines lets verified crawlers through regardless of serial.
	AllowSearchEngines bool
}

func (p Policy) String() string {
	return fmt.Sprintf("min_threat=%d block_types=%s allow_search_engines=%t",
		p.BlockMinThreatScore, p.BlockTypeMask, p.AllowSearchEngines)
}
