// Package handler implements the per-opcode request dispatch: precondition
// checks shared by every opcode, then one pure function per opcode that
// mutates shmstate and returns a response frame. Handlers never touch the
// socket directly; the worker event loop owns reading requests in and
// writing responses out.
/*
 * Copyright (c) 2024, ns-tradechat. All rights reserved.
 */
package handler

import (
	"github.com/nstrading/ns-tradechat/auditindex"
	"github.com/nstrading/ns-tradechat/connstate"
	"github.com/nstrading/ns-tradechat/shmstate"
	"github.com/nstrading/ns-tradechat/wire"
)

// Context bundles the shared state a dispatch needs. Audit is optional; a
// nil Audit simply skips mirroring (used by tests that don't care about it).
type Context struct {
	Shared *shmstate.Shared
	Audit  *auditindex.Index
	Conn   *connstate.Conn
}

// requiresAuth reports whether opcode demands a prior successful LOGIN.
// HELLO, LOGIN and HEARTBEAT are the only opcodes an unauthenticated
// connection may send.
func requiresAuth(op wire.Opcode) bool {
	return op != wire.OpHello && op != wire.OpLogin && op != wire.OpHeartbeat
}

// isMutatingLedgerOp reports whether opcode applies a side effect that must
// never double-apply on a retransmit.
func isMutatingLedgerOp(op wire.Opcode) bool {
	return op == wire.OpDeposit || op == wire.OpWithdraw || op == wire.OpTransfer
}

// Dispatch runs every precondition check and then the opcode-specific
// handler, always returning a complete response frame ready to enqueue.
func (c *Context) Dispatch(h wire.Header, body []byte) []byte {
	c.Shared.IncrRequests()
	c.Shared.IncrOpCount(h.Opcode)

	if h.Flags&(wire.FlagEncrypted|wire.FlagCompressed) != 0 {
		return c.reject(h, wire.StatusBadPacket)
	}
	if requiresAuth(h.Opcode) && !c.Conn.Authed {
		return c.reject(h, wire.StatusUnauthorized)
	}

	if isMutatingLedgerOp(h.Opcode) && c.Conn.SeenRequest(h.Opcode, h.RequestID) {
		// Probable repeat of an already-applied request: acknowledge without
		// re-running the handler, so a retransmitted DEPOSIT/WITHDRAW/
		// TRANSFER never double-applies.
		return c.respond(h, wire.StatusOK, nil)
	}

	switch h.Opcode {
	case wire.OpHello:
		return c.handleHello(h)
	case wire.OpLogin:
		return c.handleLogin(h, body)
	case wire.OpLogout:
		return c.handleLogout(h)
	case wire.OpHeartbeat:
		return c.respond(h, wire.StatusOK, nil)
	case wire.OpJoinRoom:
		return c.handleRoomMembership(h, body, true)
	case wire.OpLeaveRoom:
		return c.handleRoomMembership(h, body, false)
	case wire.OpChatSend:
		return c.handleChatSend(h, body)
	case wire.OpDeposit:
		return c.handleDeposit(h, body)
	case wire.OpWithdraw:
		return c.handleWithdraw(h, body)
	case wire.OpTransfer:
		return c.handleTransfer(h, body)
	case wire.OpBalance:
		return c.handleBalance(h)
	default:
		return c.reject(h, wire.StatusBadPacket)
	}
}

func (c *Context) handleHello(h wire.Header) []byte {
	body := wire.EncodeHelloResponse(wire.HelloResponse{ServerNonce: c.Shared.ServerNonce()})
	return c.respond(h, wire.StatusOK, body)
}

func (c *Context) handleLogin(h wire.Header, body []byte) []byte {
	req, err := wire.DecodeLoginRequest(body)
	if err != nil {
		return c.reject(h, wire.StatusBadPacket)
	}

	lock := c.Shared.UserLock()
	lock.Lock()
	userID, err := c.Shared.UserFindOrCreate(req.Name)
	lock.Unlock()
	if err != nil {
		return c.reject(h, wire.StatusInternal)
	}

	c.Conn.Authed = true
	c.Conn.UserID = userID

	acctLock, err := c.Shared.AccountLock(userID)
	if err != nil {
		return c.reject(h, wire.StatusInternal)
	}
	acctLock.Lock()
	balance := c.Shared.Balance(userID)
	acctLock.Unlock()

	resp := wire.EncodeLoginResponse(wire.LoginResponse{UserID: userID, Balance: balance})
	return c.respond(h, wire.StatusOK, resp)
}

func (c *Context) handleLogout(h wire.Header) []byte {
	lock := c.Shared.UserLock()
	lock.Lock()
	c.Shared.UserSetOffline(c.Conn.UserID)
	lock.Unlock()
	c.Conn.Authed = false
	return c.respond(h, wire.StatusOK, nil)
}

func (c *Context) handleRoomMembership(h wire.Header, body []byte, join bool) []byte {
	req, err := wire.DecodeRoomRequest(body)
	if err != nil {
		return c.reject(h, wire.StatusBadPacket)
	}
	lock, err := c.Shared.RoomLock(req.Room)
	if err != nil {
		return c.reject(h, wire.StatusBadPacket)
	}
	lock.Lock()
	c.Shared.RoomSetMember(req.Room, c.Conn.UserID, join)
	lock.Unlock()
	return c.respond(h, wire.StatusOK, nil)
}

func (c *Context) handleChatSend(h wire.Header, body []byte) []byte {
	req, err := wire.DecodeChatSendRequest(body)
	if err != nil {
		return c.reject(h, wire.StatusBadPacket)
	}
	lock, err := c.Shared.RoomLock(req.Room)
	if err != nil {
		return c.reject(h, wire.StatusBadPacket)
	}
	lock.Lock()
	isMember := c.Shared.RoomIsMember(req.Room, c.Conn.UserID)
	lock.Unlock()
	if !isMember {
		return c.reject(h, wire.StatusUnauthorized)
	}

	c.Shared.ChatAppend(req.Room, c.Conn.UserID, req.Msg)
	// Fan-out to other room members happens in the worker's ring-drain loop,
	// not here; handlers never write to another connection's socket.
	return c.respond(h, wire.StatusOK, nil)
}

func (c *Context) handleDeposit(h wire.Header, body []byte) []byte {
	req, err := wire.DecodeAmountRequest(body)
	if err != nil || req.Amount <= 0 {
		return c.reject(h, wire.StatusBadPacket)
	}
	lock, err := c.Shared.AccountLock(c.Conn.UserID)
	if err != nil {
		return c.reject(h, wire.StatusInternal)
	}
	lock.Lock()
	newBalance := c.Shared.Deposit(c.Conn.UserID, req.Amount)
	lock.Unlock()

	c.mirrorTxn(wire.OpDeposit, wire.StatusOK, c.Conn.UserID, c.Conn.UserID, req.Amount)
	return c.respond(h, wire.StatusOK, wire.EncodeBalanceResponse(wire.BalanceResponse{Balance: newBalance}))
}

func (c *Context) handleWithdraw(h wire.Header, body []byte) []byte {
	req, err := wire.DecodeAmountRequest(body)
	if err != nil || req.Amount <= 0 {
		return c.reject(h, wire.StatusBadPacket)
	}
	lock, err := c.Shared.AccountLock(c.Conn.UserID)
	if err != nil {
		return c.reject(h, wire.StatusInternal)
	}
	lock.Lock()
	newBalance, ok := c.Shared.Withdraw(c.Conn.UserID, req.Amount)
	lock.Unlock()

	if !ok {
		c.mirrorTxn(wire.OpWithdraw, wire.StatusInsufficientFunds, c.Conn.UserID, c.Conn.UserID, req.Amount)
		c.Shared.IncrErrors()
		return c.respond(h, wire.StatusInsufficientFunds, wire.EncodeBalanceResponse(wire.BalanceResponse{Balance: newBalance}))
	}
	c.mirrorTxn(wire.OpWithdraw, wire.StatusOK, c.Conn.UserID, c.Conn.UserID, req.Amount)
	return c.respond(h, wire.StatusOK, wire.EncodeBalanceResponse(wire.BalanceResponse{Balance: newBalance}))
}

func (c *Context) handleTransfer(h wire.Header, body []byte) []byte {
	req, err := wire.DecodeTransferRequest(body)
	if err != nil || req.Amount <= 0 {
		return c.reject(h, wire.StatusBadPacket)
	}
	if _, err := c.Shared.AccountLock(req.ToUserID); err != nil {
		return c.reject(h, wire.StatusBadPacket)
	}

	unlock, err := c.Shared.LockAccountsAscending(c.Conn.UserID, req.ToUserID)
	if err != nil {
		return c.reject(h, wire.StatusInternal)
	}
	newBalance, ok := c.Shared.Transfer(c.Conn.UserID, req.ToUserID, req.Amount)
	unlock()

	if !ok {
		c.mirrorTxn(wire.OpTransfer, wire.StatusInsufficientFunds, c.Conn.UserID, req.ToUserID, req.Amount)
		c.Shared.IncrErrors()
		return c.respond(h, wire.StatusInsufficientFunds, wire.EncodeBalanceResponse(wire.BalanceResponse{Balance: newBalance}))
	}
	c.mirrorTxn(wire.OpTransfer, wire.StatusOK, c.Conn.UserID, req.ToUserID, req.Amount)
	return c.respond(h, wire.StatusOK, wire.EncodeBalanceResponse(wire.BalanceResponse{Balance: newBalance}))
}

func (c *Context) handleBalance(h wire.Header) []byte {
	lock, err := c.Shared.AccountLock(c.Conn.UserID)
	if err != nil {
		return c.reject(h, wire.StatusInternal)
	}
	lock.Lock()
	balance := c.Shared.Balance(c.Conn.UserID)
	lock.Unlock()
	return c.respond(h, wire.StatusOK, wire.EncodeBalanceResponse(wire.BalanceResponse{Balance: balance}))
}

// mirrorTxn appends to the transaction ring and, if an audit index is
// wired, mirrors the event immediately so a query sees it without waiting
// for the worker's next wakeup-triggered drain. The event is read back from
// the ring so it carries the same ts_ms, and hence the same index key, as
// the copy the worker's drain mirrors later.
func (c *Context) mirrorTxn(op wire.Opcode, status wire.Status, from, to uint32, amount int64) {
	seq := c.Shared.TxnAppend(op, status, from, to, amount)
	if c.Audit != nil {
		cursor := seq - 1
		var ev [1]shmstate.TxnEvent
		if c.Shared.TxnReadFrom(&cursor, ev[:]) == 1 && ev[0].Seq == seq {
			c.Audit.Mirror(ev[0])
		}
	}
}

func (c *Context) respond(h wire.Header, status wire.Status, body []byte) []byte {
	return wire.Encode(wire.FlagIsResponse, h.Opcode, status, h.RequestID, body)
}

func (c *Context) reject(h wire.Header, status wire.Status) []byte {
	c.Shared.IncrErrors()
	return wire.Encode(wire.FlagIsResponse, h.Opcode, status, h.RequestID, nil)
}
