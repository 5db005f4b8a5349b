package handler

import (
	"path/filepath"
	"testing"

	"github.com/nstrading/ns-tradechat/connstate"
	"github.com/nstrading/ns-tradechat/shmstate"
	"github.com/nstrading/ns-tradechat/wire"
)

func newTestContext(t *testing.T) *Context {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ns_tradechat_test")
	shared, err := shmstate.OpenPath(path)
	if err != nil {
		t.Fatalf("OpenPath: %v", err)
	}
	t.Cleanup(func() { shared.Close() })
	return &Context{Shared: shared, Conn: connstate.New(-1, "test")}
}

func decodeResponse(t *testing.T, frame []byte) (wire.Header, []byte) {
	t.Helper()
	h, err := wire.DecodeHeader(frame[:wire.HeaderLen])
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	return h, frame[wire.HeaderLen:]
}

func req(opcode wire.Opcode, reqID uint64, body []byte) wire.Header {
	return wire.Header{Opcode: opcode, RequestID: reqID, BodyLen: uint32(len(body))}
}

func TestHelloEchoesServerNonce(t *testing.T) {
	c := newTestContext(t)
	frame := c.Dispatch(req(wire.OpHello, 1, nil), nil)
	h, body := decodeResponse(t, frame)
	if h.Status != wire.StatusOK {
		t.Fatalf("status = %v, want OK", h.Status)
	}
	resp, err := wire.DecodeHelloResponse(body)
	if err != nil {
		t.Fatalf("DecodeHelloResponse: %v", err)
	}
	if resp.ServerNonce != c.Shared.ServerNonce() {
		t.Fatalf("nonce mismatch: got %d want %d", resp.ServerNonce, c.Shared.ServerNonce())
	}
}

func TestUnauthenticatedOpcodeRejected(t *testing.T) {
	c := newTestContext(t)
	body := wire.EncodeAmountRequest(wire.AmountRequest{Amount: 100})
	frame := c.Dispatch(req(wire.OpDeposit, 1, body), body)
	h, _ := decodeResponse(t, frame)
	if h.Status != wire.StatusUnauthorized {
		t.Fatalf("status = %v, want UNAUTHORIZED", h.Status)
	}
}

func TestLoginSuccessAssignsUserAndBalance(t *testing.T) {
	c := newTestContext(t)
	body := wire.EncodeLoginRequest(wire.LoginRequest{Name: "alice"})
	frame := c.Dispatch(req(wire.OpLogin, 1, body), body)
	h, respBody := decodeResponse(t, frame)
	if h.Status != wire.StatusOK {
		t.Fatalf("status = %v, want OK", h.Status)
	}
	resp, err := wire.DecodeLoginResponse(respBody)
	if err != nil {
		t.Fatalf("DecodeLoginResponse: %v", err)
	}
	if resp.Balance != shmstate.InitialBalance {
		t.Fatalf("balance = %d, want %d", resp.Balance, shmstate.InitialBalance)
	}
	if !c.Conn.Authed || c.Conn.UserID != resp.UserID {
		t.Fatalf("conn not authenticated against returned user id")
	}
}

func TestEncryptedFlagRefused(t *testing.T) {
	c := newTestContext(t)
	h := req(wire.OpHello, 1, nil)
	h.Flags = wire.FlagEncrypted
	frame := c.Dispatch(h, nil)
	gotH, _ := decodeResponse(t, frame)
	if gotH.Status != wire.StatusBadPacket {
		t.Fatalf("status = %v, want BAD_PACKET", gotH.Status)
	}
}

func loginAs(t *testing.T, c *Context, name string) uint32 {
	t.Helper()
	body := wire.EncodeLoginRequest(wire.LoginRequest{Name: name})
	frame := c.Dispatch(req(wire.OpLogin, 1, body), body)
	_, respBody := decodeResponse(t, frame)
	resp, err := wire.DecodeLoginResponse(respBody)
	if err != nil {
		t.Fatalf("DecodeLoginResponse: %v", err)
	}
	return resp.UserID
}

func TestWithdrawInsufficientFunds(t *testing.T) {
	c := newTestContext(t)
	loginAs(t, c, "bob")

	body := wire.EncodeAmountRequest(wire.AmountRequest{Amount: shmstate.InitialBalance + 1})
	frame := c.Dispatch(req(wire.OpWithdraw, 2, body), body)
	h, respBody := decodeResponse(t, frame)
	if h.Status != wire.StatusInsufficientFunds {
		t.Fatalf("status = %v, want INSUFFICIENT_FUNDS", h.Status)
	}
	resp, _ := wire.DecodeBalanceResponse(respBody)
	if resp.Balance != shmstate.InitialBalance {
		t.Fatalf("balance should be unchanged, got %d", resp.Balance)
	}
}

func TestTransferSuccessPreservesAssetConservation(t *testing.T) {
	c1 := newTestContext(t)
	fromID := loginAs(t, c1, "carol")

	c2 := &Context{Shared: c1.Shared, Conn: connstate.New(-1, "test2")}
	toID := loginAs(t, c2, "dave")

	body := wire.EncodeTransferRequest(wire.TransferRequest{ToUserID: toID, Amount: 1500})
	frame := c1.Dispatch(req(wire.OpTransfer, 3, body), body)
	h, respBody := decodeResponse(t, frame)
	if h.Status != wire.StatusOK {
		t.Fatalf("status = %v, want OK", h.Status)
	}
	resp, _ := wire.DecodeBalanceResponse(respBody)
	if resp.Balance != shmstate.InitialBalance-1500 {
		t.Fatalf("from balance = %d, want %d", resp.Balance, shmstate.InitialBalance-1500)
	}

	lock, _ := c1.Shared.AccountLock(toID)
	lock.Lock()
	toBal := c1.Shared.Balance(toID)
	lock.Unlock()
	if toBal != shmstate.InitialBalance+1500 {
		t.Fatalf("to balance = %d, want %d", toBal, shmstate.InitialBalance+1500)
	}

	current, expected, ok := c1.Shared.CheckAssetConservation()
	if !ok || current != expected {
		t.Fatalf("asset conservation broken: current=%d expected=%d", current, expected)
	}
	_ = fromID
}

func TestRepeatRequestIDIsIdempotent(t *testing.T) {
	c := newTestContext(t)
	loginAs(t, c, "erin")

	body := wire.EncodeAmountRequest(wire.AmountRequest{Amount: 500})
	first := c.Dispatch(req(wire.OpDeposit, 42, body), body)
	h1, resp1 := decodeResponse(t, first)
	if h1.Status != wire.StatusOK {
		t.Fatalf("first deposit status = %v, want OK", h1.Status)
	}
	bal1, _ := wire.DecodeBalanceResponse(resp1)

	second := c.Dispatch(req(wire.OpDeposit, 42, body), body)
	h2, _ := decodeResponse(t, second)
	if h2.Status != wire.StatusOK {
		t.Fatalf("repeat deposit status = %v, want OK", h2.Status)
	}

	lock, _ := c.Shared.AccountLock(c.Conn.UserID)
	lock.Lock()
	finalBal := c.Shared.Balance(c.Conn.UserID)
	lock.Unlock()
	if finalBal != bal1.Balance {
		t.Fatalf("deposit applied twice: final=%d, want %d", finalBal, bal1.Balance)
	}
}

func TestChatSendRejectsNonMember(t *testing.T) {
	c := newTestContext(t)
	loginAs(t, c, "frank")

	body := wire.EncodeChatSendRequest(wire.ChatSendRequest{Room: 1, Msg: []byte("hi")})
	frame := c.Dispatch(req(wire.OpChatSend, 5, body), body)
	h, _ := decodeResponse(t, frame)
	if h.Status != wire.StatusUnauthorized {
		t.Fatalf("status = %v, want UNAUTHORIZED", h.Status)
	}
}

func TestChatSendSucceedsForRoomMember(t *testing.T) {
	c := newTestContext(t)
	loginAs(t, c, "grace")

	joinBody := wire.EncodeRoomRequest(wire.RoomRequest{Room: 2})
	c.Dispatch(req(wire.OpJoinRoom, 6, joinBody), joinBody)

	before := c.Shared.ChatLatestSeq()
	msgBody := wire.EncodeChatSendRequest(wire.ChatSendRequest{Room: 2, Msg: []byte("hello room")})
	frame := c.Dispatch(req(wire.OpChatSend, 7, msgBody), msgBody)
	h, _ := decodeResponse(t, frame)
	if h.Status != wire.StatusOK {
		t.Fatalf("status = %v, want OK", h.Status)
	}
	if after := c.Shared.ChatLatestSeq(); after != before+1 {
		t.Fatalf("chat seq did not advance: before=%d after=%d", before, after)
	}
}
