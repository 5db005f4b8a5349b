package shmstate

import (
	"github.com/OneOfOne/xxhash"
	"github.com/pkg/errors"
)

// ErrUserTableFull is returned when no free or matching slot exists.
var ErrUserTableFull = errors.New("shmstate: user table full")

// UserLock returns the single global lock guarding the user table. Callers
// must hold it across UserFindOrCreate.
func (s *Shared) UserLock() Locker { return s.userLock }

// Locker is the minimal interface callers need from a futex.Mutex; kept
// here so handler/worker code does not import internal/futex directly.
type Locker interface {
	Lock()
	Unlock()
	TryLock() bool
}

// UserFindOrCreate performs an open-addressed probe: xxhash(name) picks the
// probe start slot, collisions chain by linear probe over the whole table.
// On a match it marks the user online and returns the existing id; on the
// first free slot it creates the record. The caller must hold UserLock().
func (s *Shared) UserFindOrCreate(name string) (userID uint32, err error) {
	r := s.Region
	if len(name) == 0 || len(name) >= UsernameLen {
		return 0, errors.New("shmstate: invalid username length")
	}
	start := int(xxhash.ChecksumString64(name) % uint64(MaxUsers))
	firstFree := -1

	for i := 0; i < MaxUsers; i++ {
		slot := (start + i) % MaxUsers
		if r.UserUsed[slot] == 0 {
			if firstFree == -1 {
				firstFree = slot
			}
			continue
		}
		if usernameEquals(r.Username[slot][:], name) {
			r.UserOnline[slot] = 1
			return uint32(slot), nil
		}
	}
	if firstFree == -1 {
		return 0, ErrUserTableFull
	}
	copy(r.Username[firstFree][:], name)
	r.UserUsed[firstFree] = 1
	r.UserOnline[firstFree] = 1
	return uint32(firstFree), nil
}

// UserSetOffline clears the online flag for a user id (used by LOGOUT).
// Caller must hold UserLock().
func (s *Shared) UserSetOffline(userID uint32) {
	if int(userID) < MaxUsers {
		s.Region.UserOnline[userID] = 0
	}
}

// usernameEquals compares a fixed-width, zero-padded username slot against a
// candidate name.
func usernameEquals(slot []byte, name string) bool {
	for i := 0; i < len(slot); i++ {
		var want byte
		if i < len(name) {
			want = name[i]
		}
		if slot[i] != want {
			return false
		}
	}
	return true
}
