package shmstate

import (
	"math/bits"

	"github.com/pkg/errors"
)

// ErrInvalidRoom is returned for any room id outside [0, MaxRooms).
var ErrInvalidRoom = errors.New("shmstate: invalid room id")

// RoomLock returns the per-room lock guarding roomID's membership bitset.
func (s *Shared) RoomLock(roomID uint16) (Locker, error) {
	if int(roomID) >= MaxRooms {
		return nil, ErrInvalidRoom
	}
	return s.roomLock[roomID], nil
}

// RoomSetMember sets or clears userID's membership bit in roomID. Idempotent
// by construction (setting an already-set bit, or clearing an already-clear
// one, is a no-op). Caller must hold RoomLock(roomID).
func (s *Shared) RoomSetMember(roomID uint16, userID uint32, member bool) {
	word, bit := userID/64, userID%64
	if member {
		s.Region.RoomMembers[roomID][word] |= 1 << bit
	} else {
		s.Region.RoomMembers[roomID][word] &^= 1 << bit
	}
}

// RoomIsMember reports whether userID's bit is set in roomID's bitset. Safe
// to call without RoomLock for a single read; callers that need a
// read-then-act invariant should hold the lock across both.
func (s *Shared) RoomIsMember(roomID uint16, userID uint32) bool {
	word, bit := userID/64, userID%64
	return s.Region.RoomMembers[roomID][word]&(1<<bit) != 0
}

// RoomMembers returns the user ids currently set in roomID's bitset.
// Caller must hold RoomLock(roomID) for a consistent snapshot.
func (s *Shared) RoomMembers(roomID uint16) []uint32 {
	var out []uint32
	set := s.Region.RoomMembers[roomID]
	for word := 0; word < RoomBitsetWords; word++ {
		w := set[word]
		for w != 0 {
			bit := bits.TrailingZeros64(w)
			out = append(out, uint32(word*64+bit))
			w &^= 1 << uint(bit)
		}
	}
	return out
}
