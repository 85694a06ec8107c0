package market

import (
	"encoding/binary"
	"fmt"

	"github.com/meridianex/market/store"
)

// Key layout. Everything the market owns lives under these prefixes:
//
//	acct/<owner>              account record (32 bytes)
//	order/<id>                order record
//	uidx/<owner>              dense list of the owner's order ids
//	upos/<owner>/<id>         position of id inside the dense list (u32)
//	vol/<owner>/<epoch>       trailing volume for one epoch (u64)
//	chg/<id>/<seq>            audit entry
//	chgn/<id>                 next audit sequence number (u64)
//	meta/...                  scalars: epoch, epoch duration, matcher fee,
//	                          order height counter, fee schedule
const (
	prefixAccount   = "acct/"
	prefixOrder     = "order/"
	prefixUserList  = "uidx/"
	prefixUserPos   = "upos/"
	prefixVolume    = "vol/"
	prefixChange    = "chg/"
	prefixChangeSeq = "chgn/"

	keyEpoch         = "meta/epoch"
	keyEpochDuration = "meta/epoch_duration"
	keyMatcherFee    = "meta/matcher_fee"
	keyOrderHeight   = "meta/order_height"
	keyFeeSchedule   = "meta/fees"
)

func accountKey(owner Identity) []byte {
	return append([]byte(prefixAccount), owner...)
}

func orderKey(id OrderID) []byte {
	return append([]byte(prefixOrder), id[:]...)
}

func userListKey(owner Identity) []byte {
	return append([]byte(prefixUserList), owner...)
}

func userPosKey(owner Identity, id OrderID) []byte {
	key := append([]byte(prefixUserPos), owner...)
	key = append(key, '/')
	return append(key, id[:]...)
}

func volumeKey(owner Identity, epoch uint64) []byte {
	key := append([]byte(prefixVolume), owner...)
	key = append(key, '/')
	return binary.BigEndian.AppendUint64(key, epoch)
}

func changeKey(id OrderID, seq uint64) []byte {
	key := append([]byte(prefixChange), id[:]...)
	key = append(key, '/')
	return binary.BigEndian.AppendUint64(key, seq)
}

func changeSeqKey(id OrderID) []byte {
	return append([]byte(prefixChangeSeq), id[:]...)
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix.
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}

// ---- record codecs ----

func encodeAccount(a *Account) []byte {
	buf := make([]byte, 32)
	binary.BigEndian.PutUint64(buf[0:8], a.Liquid.Base)
	binary.BigEndian.PutUint64(buf[8:16], a.Liquid.Quote)
	binary.BigEndian.PutUint64(buf[16:24], a.Locked.Base)
	binary.BigEndian.PutUint64(buf[24:32], a.Locked.Quote)
	return buf
}

func decodeAccount(b []byte) (*Account, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("%w: account record length %d", ErrInternal, len(b))
	}
	return &Account{
		Liquid: AssetAmounts{
			Base:  binary.BigEndian.Uint64(b[0:8]),
			Quote: binary.BigEndian.Uint64(b[8:16]),
		},
		Locked: AssetAmounts{
			Base:  binary.BigEndian.Uint64(b[16:24]),
			Quote: binary.BigEndian.Uint64(b[24:32]),
		},
	}, nil
}

func encodeOrder(o *Order) []byte {
	owner := []byte(o.Owner)
	buf := make([]byte, 0, 56+len(owner))
	buf = binary.BigEndian.AppendUint64(buf, o.Amount)
	buf = append(buf, byte(o.AssetType), byte(o.OrderType))
	buf = binary.BigEndian.AppendUint64(buf, o.Price)
	buf = binary.BigEndian.AppendUint32(buf, o.BlockHeight)
	buf = binary.BigEndian.AppendUint64(buf, o.OrderHeight)
	buf = binary.BigEndian.AppendUint64(buf, o.MatcherFee)
	buf = binary.BigEndian.AppendUint64(buf, o.MakerFeeBps)
	buf = binary.BigEndian.AppendUint64(buf, o.TakerFeeBps)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(owner)))
	return append(buf, owner...)
}

func decodeOrder(b []byte) (*Order, error) {
	const fixed = 56
	if len(b) < fixed {
		return nil, fmt.Errorf("%w: order record length %d", ErrInternal, len(b))
	}
	o := &Order{
		Amount:      binary.BigEndian.Uint64(b[0:8]),
		AssetType:   AssetSide(b[8]),
		OrderType:   OrderType(b[9]),
		Price:       binary.BigEndian.Uint64(b[10:18]),
		BlockHeight: binary.BigEndian.Uint32(b[18:22]),
		OrderHeight: binary.BigEndian.Uint64(b[22:30]),
		MatcherFee:  binary.BigEndian.Uint64(b[30:38]),
		MakerFeeBps: binary.BigEndian.Uint64(b[38:46]),
		TakerFeeBps: binary.BigEndian.Uint64(b[46:54]),
	}
	ownerLen := int(binary.BigEndian.Uint16(b[54:56]))
	if len(b) != fixed+ownerLen {
		return nil, fmt.Errorf("%w: order record length %d", ErrInternal, len(b))
	}
	o.Owner = Identity(b[fixed:])
	return o, nil
}

func encodeFeeTiers(tiers []ProtocolFee) []byte {
	buf := make([]byte, 0, 2+24*len(tiers))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(tiers)))
	for _, tier := range tiers {
		buf = binary.BigEndian.AppendUint64(buf, tier.VolumeThreshold)
		buf = binary.BigEndian.AppendUint64(buf, tier.MakerBps)
		buf = binary.BigEndian.AppendUint64(buf, tier.TakerBps)
	}
	return buf
}

func decodeFeeTiers(b []byte) ([]ProtocolFee, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("%w: fee schedule record length %d", ErrInternal, len(b))
	}
	n := int(binary.BigEndian.Uint16(b[0:2]))
	if len(b) != 2+24*n {
		return nil, fmt.Errorf("%w: fee schedule record length %d", ErrInternal, len(b))
	}
	tiers := make([]ProtocolFee, 0, n)
	for i := 0; i < n; i++ {
		off := 2 + 24*i
		tiers = append(tiers, ProtocolFee{
			VolumeThreshold: binary.BigEndian.Uint64(b[off : off+8]),
			MakerBps:        binary.BigEndian.Uint64(b[off+8 : off+16]),
			TakerBps:        binary.BigEndian.Uint64(b[off+16 : off+24]),
		})
	}
	return tiers, nil
}

func decodeOrderIDList(b []byte) ([]OrderID, error) {
	if len(b)%32 != 0 {
		return nil, fmt.Errorf("%w: order id list length %d", ErrInternal, len(b))
	}
	ids := make([]OrderID, len(b)/32)
	for i := range ids {
		copy(ids[i][:], b[i*32:])
	}
	return ids, nil
}

func encodeOrderIDList(ids []OrderID) []byte {
	buf := make([]byte, 0, 32*len(ids))
	for i := range ids {
		buf = append(buf, ids[i][:]...)
	}
	return buf
}

// ---- transactional state ----

// state is the typed view of one operation's transaction. Accounts are
// cached so that the two sides of a self-trade resolve to the same object;
// they are written back in flush before commit.
type state struct {
	tx       *store.Tx
	accounts map[Identity]*Account
}

func newState(tx *store.Tx) *state {
	return &state{tx: tx, accounts: make(map[Identity]*Account)}
}

func (st *state) account(owner Identity) (*Account, error) {
	if acct, ok := st.accounts[owner]; ok {
		return acct, nil
	}
	raw, found, err := st.tx.Get(accountKey(owner))
	if err != nil {
		return nil, err
	}
	acct := &Account{}
	if found {
		if acct, err = decodeAccount(raw); err != nil {
			return nil, err
		}
	}
	st.accounts[owner] = acct
	return acct, nil
}

// flush writes every touched account back to the transaction.
func (st *state) flush() error {
	for owner, acct := range st.accounts {
		if err := st.tx.Set(accountKey(owner), encodeAccount(acct)); err != nil {
			return err
		}
	}
	return nil
}

func (st *state) order(id OrderID) (*Order, bool, error) {
	raw, found, err := st.tx.Get(orderKey(id))
	if err != nil || !found {
		return nil, false, err
	}
	o, err := decodeOrder(raw)
	if err != nil {
		return nil, false, err
	}
	return o, true, nil
}

func (st *state) putOrder(id OrderID, o *Order) error {
	return st.tx.Set(orderKey(id), encodeOrder(o))
}

func (st *state) deleteOrder(id OrderID) error {
	return st.tx.Delete(orderKey(id))
}

func (st *state) userOrders(owner Identity) ([]OrderID, error) {
	raw, found, err := st.tx.Get(userListKey(owner))
	if err != nil || !found {
		return nil, err
	}
	return decodeOrderIDList(raw)
}

// indexAdd appends id to the owner's dense order list and records its
// position for O(1) removal.
func (st *state) indexAdd(owner Identity, id OrderID) error {
	ids, err := st.userOrders(owner)
	if err != nil {
		return err
	}
	pos := uint32(len(ids))
	ids = append(ids, id)
	if err := st.tx.Set(userListKey(owner), encodeOrderIDList(ids)); err != nil {
		return err
	}
	return st.tx.Set(userPosKey(owner, id), binary.BigEndian.AppendUint32(nil, pos))
}

// indexRemove removes id from the owner's list by swapping the last element
// into its slot. A missing position entry is an internal invariant
// violation, not a user error.
func (st *state) indexRemove(owner Identity, id OrderID) error {
	raw, found, err := st.tx.Get(userPosKey(owner, id))
	if err != nil {
		return err
	}
	if !found || len(raw) != 4 {
		logger.Error("order index corrupt", "order_id", id.String(), "owner", string(owner))
		return fmt.Errorf("%w: order %s missing from index of %s", ErrInternal, id, owner)
	}
	pos := int(binary.BigEndian.Uint32(raw))

	ids, err := st.userOrders(owner)
	if err != nil {
		return err
	}
	if pos >= len(ids) || ids[pos] != id {
		return fmt.Errorf("%w: index slot mismatch for order %s", ErrInternal, id)
	}

	last := len(ids) - 1
	if pos != last {
		moved := ids[last]
		ids[pos] = moved
		if err := st.tx.Set(userPosKey(owner, moved), binary.BigEndian.AppendUint32(nil, uint32(pos))); err != nil {
			return err
		}
	}
	ids = ids[:last]

	if err := st.tx.Delete(userPosKey(owner, id)); err != nil {
		return err
	}
	if len(ids) == 0 {
		return st.tx.Delete(userListKey(owner))
	}
	return st.tx.Set(userListKey(owner), encodeOrderIDList(ids))
}

func (st *state) metaU64(key string, fallback uint64) (uint64, error) {
	raw, found, err := st.tx.Get([]byte(key))
	if err != nil {
		return 0, err
	}
	if !found {
		return fallback, nil
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("%w: meta record %s length %d", ErrInternal, key, len(raw))
	}
	return binary.BigEndian.Uint64(raw), nil
}

func (st *state) setMetaU64(key string, value uint64) error {
	return st.tx.Set([]byte(key), binary.BigEndian.AppendUint64(nil, value))
}

// nextOrderHeight increments and returns the global order sequence number.
func (st *state) nextOrderHeight() (uint64, error) {
	height, err := st.metaU64(keyOrderHeight, 0)
	if err != nil {
		return 0, err
	}
	height++
	return height, st.setMetaU64(keyOrderHeight, height)
}

func (st *state) userVolume(owner Identity, epoch uint64) (uint64, error) {
	raw, found, err := st.tx.Get(volumeKey(owner, epoch))
	if err != nil || !found {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("%w: volume record length %d", ErrInternal, len(raw))
	}
	return binary.BigEndian.Uint64(raw), nil
}

func (st *state) addUserVolume(owner Identity, epoch, delta uint64) error {
	volume, err := st.userVolume(owner, epoch)
	if err != nil {
		return err
	}
	volume, err = addChecked(volume, delta)
	if err != nil {
		return err
	}
	return st.tx.Set(volumeKey(owner, epoch), binary.BigEndian.AppendUint64(nil, volume))
}

func (st *state) feeTiers() ([]ProtocolFee, error) {
	raw, found, err := st.tx.Get([]byte(keyFeeSchedule))
	if err != nil {
		return nil, err
	}
	if !found {
		return []ProtocolFee{{}}, nil
	}
	return decodeFeeTiers(raw)
}

func (st *state) setFeeTiers(tiers []ProtocolFee) error {
	return st.tx.Set([]byte(keyFeeSchedule), encodeFeeTiers(tiers))
}
