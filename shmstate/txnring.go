package shmstate

import (
	"time"

	"github.com/nstrading/ns-tradechat/wire"
)

// TxnAppend records one transaction attempt (successful or not — business
// errors are audited too) under the txn lock.
func (s *Shared) TxnAppend(opcode wire.Opcode, status wire.Status, from, to uint32, amount int64) uint64 {
	s.txnLock.Lock()
	defer s.txnLock.Unlock()

	r := s.Region
	r.TxnWriteSeq++
	seq := r.TxnWriteSeq
	slot := &r.TxnRing[seq%TxnRingSize]
	slot.TsMs = uint64(time.Now().UnixMilli())
	slot.Opcode = uint32(opcode)
	slot.Status = uint32(status)
	slot.FromUserID = from
	slot.ToUserID = to
	slot.Amount = amount
	slot.Seq = seq
	return seq
}

// TxnReadFrom mirrors ChatReadFrom for the transaction ring; used by the
// worker's audit-index mirroring and by the handler to read back an event
// it has just appended.
func (s *Shared) TxnReadFrom(cursor *uint64, out []TxnEvent) (n int) {
	s.txnLock.Lock()
	defer s.txnLock.Unlock()

	r := s.Region
	latest := r.TxnWriteSeq
	if latest > TxnRingSize && *cursor+TxnRingSize < latest {
		*cursor = latest - TxnRingSize
	}
	for *cursor < latest && n < len(out) {
		*cursor++
		slot := &r.TxnRing[*cursor%TxnRingSize]
		if slot.Seq != *cursor {
			break
		}
		out[n] = *slot
		n++
	}
	return n
}

// TxnLatestSeq mirrors ChatLatestSeq for the transaction ring.
func (s *Shared) TxnLatestSeq() uint64 {
	s.txnLock.Lock()
	defer s.txnLock.Unlock()
	return s.Region.TxnWriteSeq
}
