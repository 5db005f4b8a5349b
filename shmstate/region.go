// Package shmstate implements the single fixed-layout shared-memory segment
// that is the only integration point between worker processes: the user
// table, ledger, room membership bitsets, chat ring and transaction ring.
// Every field's mutation rule is documented next to it.
/*
 * Copyright (c) 2024, ns-tradechat. All rights reserved.
 */
package shmstate

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/OneOfOne/xxhash"
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sys/unix"

	"github.com/nstrading/ns-tradechat/internal/futex"
	"github.com/nstrading/ns-tradechat/nslog"
)

const (
	// RegionMagic and RegionVersion gate one-shot initialization of the
	// shared segment: a freshly created backing file reads as all zeros,
	// which never matches, so init runs exactly once per segment lifetime.
	RegionMagic   uint64 = 0x4E535348
	RegionVersion uint64 = 1

	MaxUsers       = 1024
	MaxRooms       = 64
	UsernameLen    = 32
	ChatRingSize   = 4096
	TxnRingSize    = 4096
	ChatMsgMax     = 256
	RoomBitsetWords = MaxUsers / 64
	InitialBalance = 100000
	opCountSlots   = 1024 // generously larger than any defined opcode value
)

// ChatEvent is one slot of the chat ring. Wider internal field types than
// the wire's u16/u32 are fine; wire encode/decode narrows on the way out.
type ChatEvent struct {
	Seq        uint64
	TsMs       uint64
	RoomID     uint32
	FromUserID uint32
	MsgLen     uint32
	_pad       uint32
	Msg        [ChatMsgMax]byte
}

// TxnEvent is one slot of the transaction ring.
type TxnEvent struct {
	Seq        uint64
	TsMs       uint64
	Opcode     uint32
	Status     uint32
	FromUserID uint32
	ToUserID   uint32
	Amount     int64
}

// Region is the typed overlay of the shared-memory byte range. Every
// process-shared lock is a bare uint32 futex word (see internal/futex);
// fields are ordered so 8-byte values never straddle an unaligned offset.
type Region struct {
	Magic       uint64
	Version     uint64
	ServerNonce uint64

	TotalConnections uint64
	TotalRequests    uint64
	TotalErrors      uint64
	OpCounts         [opCountSlots]uint64

	UserLock   uint32
	UserUsed   [MaxUsers]uint32
	UserOnline [MaxUsers]uint32
	Username   [MaxUsers][UsernameLen]byte

	AccountLock [MaxUsers]uint32
	Balance     [MaxUsers]int64

	RoomLock    [MaxRooms]uint32
	RoomMembers [MaxRooms][RoomBitsetWords]uint64

	ChatLock     uint32
	_chatPad     uint32
	ChatWriteSeq uint64
	ChatRing     [ChatRingSize]ChatEvent

	TxnLock     uint32
	_txnPad     uint32
	TxnWriteSeq uint64
	TxnRing     [TxnRingSize]TxnEvent
}

// Size is the exact byte size of the shared region as laid out by this
// build of the binary. All workers run the same exec'd binary, so the
// layout is stable across the process tree even though Go does not
// guarantee struct layout across compiler versions in general.
func Size() uintptr { return unsafe.Sizeof(Region{}) }

// Shared is an open mapping of the region plus the lock handles derived
// from it. Callers obtain one from Open and must Close it on shutdown.
type Shared struct {
	fd     int
	path   string
	data   []byte
	Region *Region

	userLock    *futex.Mutex
	accountLock [MaxUsers]*futex.Mutex
	roomLock    [MaxRooms]*futex.Mutex
	chatLock    *futex.Mutex
	txnLock     *futex.Mutex
}

// Open creates-or-opens the named POSIX shared memory object under
// /dev/shm, sizes it to Size(), maps it, and initializes it exactly once
// (detected via the magic+version guard) when freshly created.
func Open(name string) (*Shared, error) {
	return openAt("/dev/shm" + name)
}

// OpenPath maps a region backed by an arbitrary file path rather than a
// named /dev/shm object; exported for tests and tools that want a region
// without touching the real shared-memory namespace.
func OpenPath(path string) (*Shared, error) {
	return openAt(path)
}

// openAt backs Open with an explicit path so tests can map a region from a
// regular file (e.g. under t.TempDir()) without touching /dev/shm.
func openAt(path string) (*Shared, error) {
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "shmstate: open %s", path)
	}

	st, err := unix.Fstat(fd)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "shmstate: fstat")
	}
	needTruncate := uintptr(st.Size) < Size()
	if needTruncate {
		if err := unix.Ftruncate(fd, int64(Size())); err != nil {
			unix.Close(fd)
			return nil, errors.Wrap(err, "shmstate: ftruncate")
		}
	}

	data, err := unix.Mmap(fd, 0, int(Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "shmstate: mmap")
	}

	s := &Shared{fd: fd, path: path, data: data, Region: (*Region)(unsafe.Pointer(&data[0]))}
	s.bindLocks()

	if err := s.initIfNeeded(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// OpenFD attaches to a region whose fd was inherited from the supervisor
// (e.g. via exec.Cmd.ExtraFiles) rather than opened fresh. Used by workers.
func OpenFD(fd int) (*Shared, error) {
	data, err := unix.Mmap(fd, 0, int(Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrap(err, "shmstate: mmap inherited fd")
	}
	s := &Shared{fd: fd, data: data, Region: (*Region)(unsafe.Pointer(&data[0]))}
	s.bindLocks()
	if s.Region.Magic != RegionMagic || s.Region.Version != RegionVersion {
		s.Close()
		return nil, errors.New("shmstate: inherited region not initialized")
	}
	return s, nil
}

func (s *Shared) bindLocks() {
	s.userLock = futex.At(&s.Region.UserLock)
	for i := range s.accountLock {
		s.accountLock[i] = futex.At(&s.Region.AccountLock[i])
	}
	for i := range s.roomLock {
		s.roomLock[i] = futex.At(&s.Region.RoomLock[i])
	}
	s.chatLock = futex.At(&s.Region.ChatLock)
	s.txnLock = futex.At(&s.Region.TxnLock)
}

func (s *Shared) initIfNeeded() error {
	r := s.Region
	if atomic.LoadUint64(&r.Magic) == RegionMagic && atomic.LoadUint64(&r.Version) == RegionVersion {
		return nil // already initialized by a prior supervisor run
	}
	nslog.Infof("shmstate: initializing fresh region (%d bytes)", Size())
	nonce, err := deriveServerNonce()
	if err != nil {
		return errors.Wrap(err, "shmstate: derive server nonce")
	}
	r.ServerNonce = nonce
	for i := range r.Balance {
		r.Balance[i] = InitialBalance
	}
	atomic.StoreUint64(&r.Version, RegionVersion)
	atomic.StoreUint64(&r.Magic, RegionMagic) // publish last
	return nil
}

// deriveServerNonce mixes wall-clock time, pid, tid and hostname into 8
// bytes via blake2b so each fresh region gets a value a client can use to
// detect a server restart across reconnects.
func deriveServerNonce() (uint64, error) {
	h, err := blake2b.New(8, nil)
	if err != nil {
		return 0, err
	}
	host, _ := os.Hostname()
	fmt.Fprintf(h, "%d:%d:%d:%s", time.Now().UnixNano(), unix.Getpid(), unix.Gettid(), host)
	sum := h.Sum(nil)
	return xxhash.Checksum64(sum), nil
}

// Close unmaps the region. The underlying fd/file is left for the caller to
// close or unlink (supervisor unlinks at shutdown; workers just unmap).
func (s *Shared) Close() error {
	if s.data != nil {
		if err := unix.Munmap(s.data); err != nil {
			return err
		}
		s.data = nil
	}
	return nil
}

// FD returns the underlying file descriptor, for handing to a worker via
// exec.Cmd.ExtraFiles.
func (s *Shared) FD() int { return s.fd }

// Unlink removes the named shared-memory object from /dev/shm. Supervisor-
// only, called during final shutdown.
func (s *Shared) Unlink() error {
	if s.path == "" {
		return nil
	}
	return unix.Unlink(s.path)
}
