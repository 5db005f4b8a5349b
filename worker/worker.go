// Package worker implements one worker process's readiness-based event
// loop: epoll over the shared listening socket, all client connections, and
// the cross-process wakeup eventfd that a CHAT_SEND on another worker uses
// to nudge this one into draining the chat ring.
/*
 * Copyright (c) 2024, ns-tradechat. All rights reserved.
 */
package worker

import (
	"encoding/binary"

	"golang.org/x/sys/unix"

	"github.com/nstrading/ns-tradechat/auditindex"
	"github.com/nstrading/ns-tradechat/connstate"
	"github.com/nstrading/ns-tradechat/handler"
	"github.com/nstrading/ns-tradechat/nslog"
	"github.com/nstrading/ns-tradechat/shmstate"
	"github.com/nstrading/ns-tradechat/wire"
)

const (
	maxEpollEvents  = 256
	chatDrainBudget = 512 // events drained per wakeup, bounds one iteration's latency
	txnDrainBudget  = 512
)

// Loop owns one worker's epoll instance and all connection state local to
// this process. Connections are never shared across workers; only the
// shmstate region and the listening socket are.
type Loop struct {
	shared   *shmstate.Shared
	audit    *auditindex.Index
	listenFD int
	wakeupFD int
	epfd     int

	maxBodyLen uint32

	conns      map[int]*connstate.Conn
	userToConn map[uint32]*connstate.Conn
	chatCursor uint64
	txnCursor  uint64

	// siblingWakeupFDs are the other workers' eventfds, set once via
	// SetSiblingWakeups after all workers are spawned, used to nudge them
	// into draining the chat ring right after a local CHAT_SEND.
	siblingWakeupFDs []int
}

// SetSiblingWakeups records the other workers' wakeup eventfds so a locally
// handled CHAT_SEND can notify them without waiting for their next epoll
// iteration. Called once by the worker entrypoint right after New.
func (l *Loop) SetSiblingWakeups(fds []int) { l.siblingWakeupFDs = fds }

// New builds a worker loop over an already-bound, already-listening socket
// fd and an eventfd shared with every sibling worker for chat wakeups.
func New(shared *shmstate.Shared, audit *auditindex.Index, listenFD, wakeupFD int, maxBodyLen uint32) (*Loop, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	l := &Loop{
		shared:     shared,
		audit:      audit,
		listenFD:   listenFD,
		wakeupFD:   wakeupFD,
		epfd:       epfd,
		maxBodyLen: maxBodyLen,
		conns:      make(map[int]*connstate.Conn),
		userToConn: make(map[uint32]*connstate.Conn),
		chatCursor: shared.ChatLatestSeq(),
		// txnCursor starts at 0 so the audit index is rebuilt from
		// whatever the txn ring still holds.
		txnCursor: 0,
	}
	if err := l.epollAdd(listenFD, unix.EPOLLIN); err != nil {
		return nil, err
	}
	if err := l.epollAdd(wakeupFD, unix.EPOLLIN); err != nil {
		return nil, err
	}
	l.drainTxnRing()
	return l, nil
}

// Run blocks, servicing readiness events until epoll_wait returns a fatal
// error. A worker crash here is expected to be caught and restarted by the
// supervisor, not retried internally.
func (l *Loop) Run() error {
	events := make([]unix.EpollEvent, maxEpollEvents)
	for {
		n, err := unix.EpollWait(l.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			switch fd {
			case l.listenFD:
				l.acceptAll()
			case l.wakeupFD:
				l.drainWakeup()
				l.drainChatRing()
				l.drainTxnRing()
			default:
				l.serviceConn(fd, events[i].Events)
			}
		}
	}
}

func (l *Loop) epollAdd(fd int, events uint32) error {
	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Fd: int32(fd), Events: events})
}

func (l *Loop) epollMod(fd int, events uint32) error {
	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Fd: int32(fd), Events: events})
}

func (l *Loop) acceptAll() {
	for {
		fd, sa, err := unix.Accept4(l.listenFD, unix.SOCK_NONBLOCK)
		if err != nil {
			if err != unix.EAGAIN {
				nslog.Warningf("worker: accept: %v", err)
			}
			return
		}
		conn := connstate.New(fd, addrString(sa))
		l.conns[fd] = conn
		l.shared.IncrConnections()
		if err := l.epollAdd(fd, unix.EPOLLIN); err != nil {
			nslog.Warningf("worker: epoll add conn fd=%d: %v", fd, err)
			l.closeConn(conn)
			continue
		}
		nslog.Infof("worker: accepted %s cid=%s", conn.Addr, conn.CorrelationID)
	}
}

func addrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return ipPortString(a.Addr[:], a.Port)
	case *unix.SockaddrInet6:
		return ipPortString(a.Addr[:], a.Port)
	default:
		return "unknown"
	}
}

func ipPortString(ip []byte, port int) string {
	buf := make([]byte, 0, 24)
	for i, b := range ip {
		if i > 0 {
			buf = append(buf, '.')
		}
		buf = appendUint(buf, uint64(b))
	}
	buf = append(buf, ':')
	buf = appendUint(buf, uint64(port))
	return string(buf)
}

func appendUint(buf []byte, v uint64) []byte {
	if v == 0 {
		return append(buf, '0')
	}
	var tmp [20]byte
	i := len(tmp)
	for v > 0 {
		i--
		tmp[i] = byte('0' + v%10)
		v /= 10
	}
	return append(buf, tmp[i:]...)
}

func (l *Loop) serviceConn(fd int, events uint32) {
	conn, ok := l.conns[fd]
	if !ok {
		return
	}
	if events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		l.closeConn(conn)
		return
	}
	if events&unix.EPOLLIN != 0 {
		if !l.readConn(conn) {
			return
		}
	}
	if events&unix.EPOLLOUT != 0 {
		l.flushConn(conn)
	}
}

func (l *Loop) readConn(conn *connstate.Conn) bool {
	buf := make([]byte, 65536)
	for {
		n, err := unix.Read(conn.FD, buf)
		if n > 0 {
			conn.AppendRead(buf[:n])
		}
		if err != nil {
			if err == unix.EAGAIN {
				break
			}
			l.closeConn(conn)
			return false
		}
		if n == 0 {
			l.closeConn(conn)
			return false
		}
		if n < len(buf) {
			break
		}
	}
	l.dispatchReady(conn)
	return true
}

func (l *Loop) dispatchReady(conn *connstate.Conn) {
	for {
		frame, ok := conn.PeekFrame(l.maxBodyLen)
		if !ok {
			return
		}
		if err := wire.ValidateBasic(frame[:wire.HeaderLen], l.maxBodyLen); err != nil {
			conn.Enqueue(wire.Encode(wire.FlagIsResponse, 0, wire.StatusBadPacket, 0, nil))
			conn.Consume(len(frame))
			l.armWrite(conn)
			continue
		}
		body := frame[wire.HeaderLen:]
		if !wire.ValidateChecksum(frame[:wire.HeaderLen], body) {
			h, _ := wire.DecodeHeader(frame[:wire.HeaderLen])
			conn.Enqueue(wire.Encode(wire.FlagIsResponse, h.Opcode, wire.StatusChecksumFail, h.RequestID, nil))
			conn.Consume(len(frame))
			l.armWrite(conn)
			continue
		}
		h, _ := wire.DecodeHeader(frame[:wire.HeaderLen])
		ctx := &handler.Context{Shared: l.shared, Audit: l.audit, Conn: conn}
		wasAuthed := conn.Authed
		resp := ctx.Dispatch(h, body)
		if !wasAuthed && conn.Authed {
			l.userToConn[conn.UserID] = conn
		}
		conn.Enqueue(resp)
		conn.Consume(len(frame))
		l.armWrite(conn)

		if h.Opcode == wire.OpChatSend {
			l.drainChatRing()
			NotifyChat(l.siblingWakeupFDs)
		}
	}
}

func (l *Loop) armWrite(conn *connstate.Conn) {
	if conn.HasPendingWrites() {
		l.flushConn(conn)
	}
}

func (l *Loop) flushConn(conn *connstate.Conn) {
	for conn.HasPendingWrites() {
		b := conn.NextWrite()
		n, err := unix.Write(conn.FD, b)
		if n > 0 {
			conn.Advance(n)
		}
		if err != nil {
			if err == unix.EAGAIN {
				l.epollMod(conn.FD, unix.EPOLLIN|unix.EPOLLOUT)
				return
			}
			l.closeConn(conn)
			return
		}
		if n < len(b) {
			l.epollMod(conn.FD, unix.EPOLLIN|unix.EPOLLOUT)
			return
		}
	}
	l.epollMod(conn.FD, unix.EPOLLIN)
}

func (l *Loop) closeConn(conn *connstate.Conn) {
	unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, conn.FD, nil)
	unix.Close(conn.FD)
	delete(l.conns, conn.FD)
	if conn.Authed {
		delete(l.userToConn, conn.UserID)
	}
}

// drainWakeup consumes the eventfd counter so the level-triggered epoll
// registration stops reporting it readable; the counter value itself
// carries no information, it is a pure nudge.
func (l *Loop) drainWakeup() {
	var buf [8]byte
	for {
		n, err := unix.Read(l.wakeupFD, buf[:])
		if err != nil || n != 8 {
			return
		}
	}
}

// drainChatRing fans CHAT_BROADCAST frames out to every locally-connected,
// authenticated member of a room that received a new message since the
// last drain. A worker only ever writes to sockets it itself accepted.
func (l *Loop) drainChatRing() {
	events := make([]shmstate.ChatEvent, chatDrainBudget)
	for {
		n := l.shared.ChatReadFrom(&l.chatCursor, events)
		if n == 0 {
			return
		}
		for i := 0; i < n; i++ {
			ev := events[i]
			lock, err := l.shared.RoomLock(uint16(ev.RoomID))
			if err != nil {
				continue
			}
			lock.Lock()
			members := l.shared.RoomMembers(uint16(ev.RoomID))
			lock.Unlock()

			bcast := wire.EncodeChatBroadcast(wire.ChatBroadcast{
				Room: uint16(ev.RoomID), From: ev.FromUserID, Msg: ev.Msg[:ev.MsgLen],
			})
			// Unsolicited server push, not a response to any one request, so
			// it carries no FlagIsResponse and no correlating request id.
			frame := wire.Encode(0, wire.OpChatBcast, wire.StatusOK, 0, bcast)
			for _, uid := range members {
				conn, ok := l.userToConn[uid]
				if !ok || !conn.Authed {
					continue
				}
				conn.Enqueue(frame)
				l.armWrite(conn)
			}
		}
		if n < chatDrainBudget {
			return
		}
	}
}

// drainTxnRing mirrors fresh transaction events into the audit index. Each
// worker keeps its own in-memory index and cursor. Events this worker's
// handler already mirrored are written again under the same key (same
// user, ts_ms and seq), and buntdb Set on an existing key overwrites it, so
// the repeat does not add an entry.
func (l *Loop) drainTxnRing() {
	if l.audit == nil {
		return
	}
	events := make([]shmstate.TxnEvent, txnDrainBudget)
	for {
		n := l.shared.TxnReadFrom(&l.txnCursor, events)
		if n == 0 {
			return
		}
		for i := 0; i < n; i++ {
			l.audit.Mirror(events[i])
		}
		if n < txnDrainBudget {
			return
		}
	}
}

// NotifyChat writes to every sibling worker's wakeup eventfd so a CHAT_SEND
// handled on this worker nudges the others into draining the chat ring
// immediately rather than waiting for their own next event.
func NotifyChat(wakeupFDs []int) {
	one := make([]byte, 8)
	binary.LittleEndian.PutUint64(one, 1)
	for _, fd := range wakeupFDs {
		if _, err := unix.Write(fd, one); err != nil {
			nslog.Warningf("worker: notify wakeup fd=%d: %v", fd, err)
		}
	}
}
