package tsa

import (
	"fmt"

	"github.com/lonstack/go-tsa/domain"
)

// tableKeySource adapts domain.Table to auth.KeySource: the read side of
// the per-domain authentication key spec section 4.5 consumes, including
// the alternate-key carry a TX's AltKey flag selects (spec section 3's
// "alternate-key carry").
type tableKeySource struct {
	table *domain.Table
}

func (k tableKeySource) Key(idx domain.Index, alt bool) ([]byte, bool, error) {
	e, err := k.table.Lookup(idx)
	if err != nil {
		return nil, false, fmt.Errorf("tsa: auth key lookup: %w", err)
	}
	if alt && e.AltKeyLen > 0 {
		return e.AltKey[:e.AltKeyLen], e.OMA, nil
	}
	return e.Key[:e.KeyLen], e.OMA, nil
}
