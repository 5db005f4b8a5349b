// Package wire implements the fixed 32-byte header framing used by every
// ns-tradechat connection: build, basic validation and checksum validation.
/*
 * Copyright (c) 2024, ns-tradechat. All rights reserved.
 */
package wire

// Opcode identifies what a frame's body means.
type Opcode uint16

const (
	OpHello      Opcode = 0x0001
	OpLogin      Opcode = 0x0002
	OpLogout     Opcode = 0x0003 // implemented symmetrically with OpLogin
	OpHeartbeat  Opcode = 0x0004
	OpJoinRoom   Opcode = 0x0101
	OpLeaveRoom  Opcode = 0x0102
	OpChatSend   Opcode = 0x0103
	OpChatBcast  Opcode = 0x0104
	OpDeposit    Opcode = 0x0201
	OpWithdraw   Opcode = 0x0202
	OpTransfer   Opcode = 0x0203
	OpBalance    Opcode = 0x0204
)

// Status is the outcome of a request, carried in the response header.
type Status uint16

const (
	StatusOK                 Status = 0x0000
	StatusBadPacket          Status = 0x0001
	StatusChecksumFail       Status = 0x0002
	StatusUnauthorized       Status = 0x0003
	StatusNotFound           Status = 0x0004 // reserved, never emitted
	StatusInsufficientFunds  Status = 0x0005
	StatusServerBusy         Status = 0x0006
	StatusTimeout            Status = 0x0007 // reserved, never emitted
	StatusInternal           Status = 0x00FF
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusBadPacket:
		return "BAD_PACKET"
	case StatusChecksumFail:
		return "CHECKSUM_FAIL"
	case StatusUnauthorized:
		return "UNAUTHORIZED"
	case StatusNotFound:
		return "NOT_FOUND"
	case StatusInsufficientFunds:
		return "INSUFFICIENT_FUNDS"
	case StatusServerBusy:
		return "SERVER_BUSY"
	case StatusTimeout:
		return "TIMEOUT"
	case StatusInternal:
		return "INTERNAL"
	default:
		return "UNKNOWN"
	}
}
