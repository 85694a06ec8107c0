package market

import "github.com/huandu/skiplist"

// ProtocolFee is one tier of the volume-based fee schedule. Users whose
// trailing epoch volume reaches VolumeThreshold pay these rates.
type ProtocolFee struct {
	VolumeThreshold uint64 `json:"volume_threshold"`
	MakerBps        uint64 `json:"maker_bps"`
	TakerBps        uint64 `json:"taker_bps"`
}

// validateFeeTiers checks the write-time schedule invariants: the first
// threshold is zero so every volume resolves to a tier, thresholds ascend,
// and no rate exceeds 100%.
func validateFeeTiers(tiers []ProtocolFee) error {
	if len(tiers) == 0 || tiers[0].VolumeThreshold != 0 {
		return ErrInvalidFeeTiers
	}
	prev := uint64(0)
	for i, tier := range tiers {
		if i > 0 && tier.VolumeThreshold < prev {
			return ErrInvalidFeeTiers
		}
		if tier.MakerBps > bpsDenominator || tier.TakerBps > bpsDenominator {
			return ErrInvalidFeeTiers
		}
		prev = tier.VolumeThreshold
	}
	return nil
}

// feeTable is the in-memory lookup structure for the fee schedule, keyed by
// volume threshold. It is rebuilt from storage whenever the schedule
// changes; reads happen under the market lock.
type feeTable struct {
	tiers *skiplist.SkipList
}

func newFeeTable(tiers []ProtocolFee) *feeTable {
	list := skiplist.New(skiplist.Uint64)
	for _, tier := range tiers {
		list.Set(tier.VolumeThreshold, tier)
	}
	return &feeTable{tiers: list}
}

// tierFor returns the tier with the highest threshold not exceeding volume.
// The zero threshold tier guarantees a match.
func (t *feeTable) tierFor(volume uint64) ProtocolFee {
	el := t.tiers.Find(volume)
	if el == nil {
		el = t.tiers.Back()
	} else if el.Key().(uint64) > volume {
		el = el.Prev()
	}
	if el == nil {
		return ProtocolFee{}
	}
	return el.Value.(ProtocolFee)
}

// all returns the schedule sorted ascending by threshold.
func (t *feeTable) all() []ProtocolFee {
	out := make([]ProtocolFee, 0, t.tiers.Len())
	for el := t.tiers.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(ProtocolFee))
	}
	return out
}

// feeOf computes amount*bps/10000 rounded down. Settlement always rounds
// fees down; the matching reservation uses maxFeeOf instead.
func feeOf(bps, amount uint64) (uint64, error) {
	return mulDiv(amount, bps, bpsDenominator)
}

// maxFeeOf computes amount*bps/10000 rounded up, for worst-case fee
// reservation at open time.
func maxFeeOf(bps, amount uint64) (uint64, error) {
	return mulDivRoundingUp(amount, bps, bpsDenominator)
}
