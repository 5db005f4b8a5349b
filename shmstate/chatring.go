package shmstate

import "time"

// ChatAppend publishes one chat event under the chat lock: pre-increment
// chat_write_seq, write the event at seq mod ring_size including the seq
// field itself so a reader can detect whether the slot it just read is
// still the one it asked for.
func (s *Shared) ChatAppend(roomID uint16, fromUserID uint32, msg []byte) uint64 {
	s.chatLock.Lock()
	defer s.chatLock.Unlock()

	r := s.Region
	r.ChatWriteSeq++
	seq := r.ChatWriteSeq
	slot := &r.ChatRing[seq%ChatRingSize]
	slot.TsMs = uint64(time.Now().UnixMilli())
	slot.RoomID = uint32(roomID)
	slot.FromUserID = fromUserID
	n := copy(slot.Msg[:], msg)
	slot.MsgLen = uint32(n)
	slot.Seq = seq // published last so a concurrent reader never observes a half-written slot under a stale seq
	return seq
}

// ChatReadFrom drains events after cursor up to max entries, advancing
// cursor to the last seq emitted. If the caller fell more than ring_size
// behind, cursor skips ahead to max(latest-ring_size, 0) first — the
// documented backpressure policy: older events are silently dropped.
func (s *Shared) ChatReadFrom(cursor *uint64, out []ChatEvent) (n int) {
	s.chatLock.Lock()
	defer s.chatLock.Unlock()

	r := s.Region
	latest := r.ChatWriteSeq
	if latest > ChatRingSize && *cursor+ChatRingSize < latest {
		*cursor = latest - ChatRingSize
	}
	for *cursor < latest && n < len(out) {
		*cursor++
		slot := &r.ChatRing[*cursor%ChatRingSize]
		if slot.Seq != *cursor {
			// Slot was overwritten by a faster writer before we could read
			// it; nothing newer to report at this position, stop here.
			break
		}
		out[n] = *slot
		n++
	}
	return n
}

// ChatLatestSeq returns the current write sequence, used by a worker at
// startup to initialize its per-worker drain cursor to "now" rather than
// replaying history.
func (s *Shared) ChatLatestSeq() uint64 {
	s.chatLock.Lock()
	defer s.chatLock.Unlock()
	return s.Region.ChatWriteSeq
}
