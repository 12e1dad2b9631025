package book

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Trade records one match between an aggressing taker and a resting maker.
// Price is always the maker's resting price at the moment of match.
type Trade struct {
	TakerID    uint64
	MakerID    uint64
	Price      decimal.Decimal
	Qty        decimal.Decimal
	TakerSide  Side
	ExecutedNs uint64

	// Owner tags carried for settlement and self-match flagging downstream.
	TakerOwner string
	MakerOwner string
}

// SelfMatch reports whether both legs belong to the same owner. Self-trading
// is currently allowed and only flagged downstream.
func (t Trade) SelfMatch() bool {
	return t.TakerOwner != "" && t.TakerOwner == t.MakerOwner
}

func (t Trade) String() string {
	return fmt.Sprintf("trade{taker=%d maker=%d px=%s qty=%s side=%s t=%d}",
		t.TakerID, t.MakerID, t.Price, t.Qty, t.TakerSide, t.ExecutedNs)
}
