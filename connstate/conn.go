// Package connstate holds per-connection state: socket, authentication,
// user id, read accumulator and write queue, plus a correlation id for
// logging and an idempotency cache for retransmitted mutating requests.
/*
 * Copyright (c) 2024, ns-tradechat. All rights reserved.
 */
package connstate

import (
	cuckoo "github.com/seiflotfy/cuckoofilter"
	"github.com/teris-io/shortid"

	"github.com/nstrading/ns-tradechat/wire"
)

const (
	idempotencyFilterCapacity = 256
	readBufCapacity           = wire.HeaderLen + wire.DefaultMaxBodyLen
)

// Conn is the per-connection state the worker event loop and the handler
// share. It is allocated on accept and freed on close/error; never shared
// across connections or workers.
type Conn struct {
	FD   int
	Addr string

	Authed bool
	UserID uint32

	// readBuf accumulates bytes from the socket until complete frames can
	// be parsed off the front; readLen is the number of valid bytes.
	readBuf []byte
	readLen int

	// writeQueue is a growable queue of pending outbound bytes; writeHead
	// is how much of writeQueue[0] has already been flushed to the wire.
	writeQueue [][]byte
	writeHead  int

	// CorrelationID is a short id stamped at accept time, carried into
	// every log line for this connection (not part of the wire protocol).
	CorrelationID string

	idemp *cuckoo.Filter
}

// New allocates connection state for a freshly accepted fd.
func New(fd int, addr string) *Conn {
	cid, err := shortid.Generate()
	if err != nil {
		cid = "" // correlation id is best-effort logging sugar, never fatal
	}
	return &Conn{
		FD:            fd,
		Addr:          addr,
		Authed:        false,
		readBuf:       make([]byte, readBufCapacity),
		CorrelationID: cid,
		idemp:         cuckoo.NewFilter(idempotencyFilterCapacity),
	}
}

// AppendRead appends newly read bytes to the accumulator, growing it if the
// peer is sending faster than we parse (bounded by the caller closing the
// connection on a malformed/oversize frame).
func (c *Conn) AppendRead(b []byte) {
	need := c.readLen + len(b)
	if need > len(c.readBuf) {
		grown := make([]byte, need)
		copy(grown, c.readBuf[:c.readLen])
		c.readBuf = grown
	}
	copy(c.readBuf[c.readLen:], b)
	c.readLen += len(b)
}

// PeekFrame returns the next complete frame's header+body bytes if one is
// fully buffered, without consuming it. Consume must be called after
// dispatch to compact the buffer.
func (c *Conn) PeekFrame(maxBodyLen uint32) (frame []byte, ok bool) {
	if c.readLen < wire.HeaderLen {
		return nil, false
	}
	h, err := wire.DecodeHeader(c.readBuf[:wire.HeaderLen])
	if err != nil {
		return nil, false
	}
	total := wire.HeaderLen + int(h.BodyLen)
	if h.BodyLen > maxBodyLen || c.readLen < total {
		return nil, false
	}
	return c.readBuf[:total], true
}

// Consume drops the first n bytes of the read accumulator, compacting the
// remainder to the front.
func (c *Conn) Consume(n int) {
	copy(c.readBuf, c.readBuf[n:c.readLen])
	c.readLen -= n
}

// Enqueue appends a response/broadcast frame to the write queue. Order of
// Enqueue calls is the order frames hit the wire.
func (c *Conn) Enqueue(frame []byte) {
	c.writeQueue = append(c.writeQueue, frame)
}

// HasPendingWrites reports whether the write queue still has unflushed
// bytes, used by the event loop to decide whether to keep write-interest
// armed on this fd.
func (c *Conn) HasPendingWrites() bool {
	return len(c.writeQueue) > 0
}

// NextWrite returns the unflushed tail of the head-of-queue frame.
func (c *Conn) NextWrite() []byte {
	if len(c.writeQueue) == 0 {
		return nil
	}
	return c.writeQueue[0][c.writeHead:]
}

// Advance records that n bytes of the head-of-queue frame were written,
// popping it once fully flushed.
func (c *Conn) Advance(n int) {
	c.writeHead += n
	if c.writeHead >= len(c.writeQueue[0]) {
		c.writeQueue = c.writeQueue[1:]
		c.writeHead = 0
	}
}

// SeenRequest checks-and-records (opcode, req_id) in the idempotency cache,
// reporting whether it was a probable repeat. A false positive makes a
// fresh request look like a repeat (the handler then acknowledges it
// without applying it); a real repeat is never missed.
func (c *Conn) SeenRequest(opcode wire.Opcode, reqID uint64) (repeat bool) {
	key := idempotencyKey(opcode, reqID)
	if c.idemp.Lookup(key) {
		return true
	}
	c.idemp.InsertUnique(key)
	return false
}

func idempotencyKey(opcode wire.Opcode, reqID uint64) []byte {
	b := make([]byte, 10)
	b[0] = byte(opcode >> 8)
	b[1] = byte(opcode)
	for i := 0; i < 8; i++ {
		b[2+i] = byte(reqID >> (56 - 8*i))
	}
	return b
}
