package shmstate

import (
	"sync/atomic"

	"github.com/nstrading/ns-tradechat/wire"
)

// IncrConnections, IncrRequests and IncrErrors are lock-free relaxed atomic
// adds, bumped on every accepted connection or handled request without
// taking any lock; metrics scrapes read them with atomic loads.
func (s *Shared) IncrConnections() { atomic.AddUint64(&s.Region.TotalConnections, 1) }
func (s *Shared) IncrRequests()    { atomic.AddUint64(&s.Region.TotalRequests, 1) }
func (s *Shared) IncrErrors()      { atomic.AddUint64(&s.Region.TotalErrors, 1) }

// IncrOpCount bumps the per-opcode counter. Opcodes are small integers well
// within opCountSlots; an opcode outside that range (never true for the
// fixed opcode set) is silently dropped rather than panicking the worker.
func (s *Shared) IncrOpCount(op wire.Opcode) {
	if int(op) < opCountSlots {
		atomic.AddUint64(&s.Region.OpCounts[op], 1)
	}
}

// Snapshot is a point-in-time, non-atomic-across-fields read of the global
// counters, sufficient for the admin metrics surface.
type Snapshot struct {
	TotalConnections uint64
	TotalRequests    uint64
	TotalErrors      uint64
	OpCounts         map[wire.Opcode]uint64
}

func (s *Shared) Snapshot() Snapshot {
	snap := Snapshot{
		TotalConnections: atomic.LoadUint64(&s.Region.TotalConnections),
		TotalRequests:    atomic.LoadUint64(&s.Region.TotalRequests),
		TotalErrors:      atomic.LoadUint64(&s.Region.TotalErrors),
		OpCounts:         make(map[wire.Opcode]uint64),
	}
	for _, op := range []wire.Opcode{
		wire.OpHello, wire.OpLogin, wire.OpLogout, wire.OpHeartbeat,
		wire.OpJoinRoom, wire.OpLeaveRoom, wire.OpChatSend, wire.OpChatBcast,
		wire.OpDeposit, wire.OpWithdraw, wire.OpTransfer, wire.OpBalance,
	} {
		if v := atomic.LoadUint64(&s.Region.OpCounts[op]); v != 0 {
			snap.OpCounts[op] = v
		}
	}
	return snap
}

// ServerNonce returns the write-once nonce established at region init.
func (s *Shared) ServerNonce() uint64 { return s.Region.ServerNonce }
