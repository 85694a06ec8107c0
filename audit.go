package market

import (
	"encoding/binary"
	"fmt"
)

// ChangeKind classifies an order lifecycle transition.
type ChangeKind uint8

const (
	ChangeOpened    ChangeKind = 0
	ChangeCancelled ChangeKind = 1
	ChangeMatched   ChangeKind = 2
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeOpened:
		return "opened"
	case ChangeCancelled:
		return "cancelled"
	case ChangeMatched:
		return "matched"
	default:
		return "unknown"
	}
}

// OrderChange is one append-only audit entry for an order. The market only
// writes these; external indexers read them back through OrderChanges.
type OrderChange struct {
	Kind         ChangeKind `json:"kind"`
	BlockHeight  uint32     `json:"block_height"`
	Actor        Identity   `json:"actor"`
	TxRef        string     `json:"tx_ref"`
	AmountBefore uint64     `json:"amount_before"`
	AmountAfter  uint64     `json:"amount_after"`
}

func encodeOrderChange(c *OrderChange) []byte {
	actor := []byte(c.Actor)
	ref := []byte(c.TxRef)
	buf := make([]byte, 0, 25+len(actor)+len(ref))
	buf = append(buf, byte(c.Kind))
	buf = binary.BigEndian.AppendUint32(buf, c.BlockHeight)
	buf = binary.BigEndian.AppendUint64(buf, c.AmountBefore)
	buf = binary.BigEndian.AppendUint64(buf, c.AmountAfter)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(actor)))
	buf = append(buf, actor...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(ref)))
	return append(buf, ref...)
}

func decodeOrderChange(b []byte) (OrderChange, error) {
	if len(b) < 23 {
		return OrderChange{}, fmt.Errorf("%w: order change record length %d", ErrInternal, len(b))
	}
	c := OrderChange{
		Kind:         ChangeKind(b[0]),
		BlockHeight:  binary.BigEndian.Uint32(b[1:5]),
		AmountBefore: binary.BigEndian.Uint64(b[5:13]),
		AmountAfter:  binary.BigEndian.Uint64(b[13:21]),
	}
	actorLen := int(binary.BigEndian.Uint16(b[21:23]))
	if len(b) < 25+actorLen {
		return OrderChange{}, fmt.Errorf("%w: order change record length %d", ErrInternal, len(b))
	}
	c.Actor = Identity(b[23 : 23+actorLen])
	refLen := int(binary.BigEndian.Uint16(b[23+actorLen : 25+actorLen]))
	if len(b) != 25+actorLen+refLen {
		return OrderChange{}, fmt.Errorf("%w: order change record length %d", ErrInternal, len(b))
	}
	c.TxRef = string(b[25+actorLen:])
	return c, nil
}

// appendChange records an audit entry for id under the next per-order
// sequence number.
func (st *state) appendChange(id OrderID, change *OrderChange) error {
	seq, err := st.metaU64(string(changeSeqKey(id)), 0)
	if err != nil {
		return err
	}
	if err := st.tx.Set(changeKey(id, seq), encodeOrderChange(change)); err != nil {
		return err
	}
	return st.setMetaU64(string(changeSeqKey(id)), seq+1)
}
