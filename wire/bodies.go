package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ErrMalformedBody is returned by body decoders when the slice is too short
// or an internal length field disagrees with the actual payload.
var ErrMalformedBody = errors.New("wire: malformed body")

// HelloResponse is the HELLO reply: 8 bytes, the server nonce.
type HelloResponse struct {
	ServerNonce uint64
}

func EncodeHelloResponse(r HelloResponse) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, r.ServerNonce)
	return b
}

func DecodeHelloResponse(b []byte) (HelloResponse, error) {
	if len(b) != 8 {
		return HelloResponse{}, ErrMalformedBody
	}
	return HelloResponse{ServerNonce: binary.BigEndian.Uint64(b)}, nil
}

// LoginRequest is the LOGIN body: u16 name-length, name bytes, u32 token.
type LoginRequest struct {
	Name  string
	Token uint32
}

func EncodeLoginRequest(r LoginRequest) []byte {
	name := []byte(r.Name)
	b := make([]byte, 2+len(name)+4)
	binary.BigEndian.PutUint16(b[0:2], uint16(len(name)))
	copy(b[2:2+len(name)], name)
	binary.BigEndian.PutUint32(b[2+len(name):], r.Token)
	return b
}

func DecodeLoginRequest(b []byte) (LoginRequest, error) {
	if len(b) < 2 {
		return LoginRequest{}, ErrMalformedBody
	}
	l := int(binary.BigEndian.Uint16(b[0:2]))
	if l < 1 || l >= 32 {
		return LoginRequest{}, ErrMalformedBody
	}
	if len(b) != 2+l+4 {
		return LoginRequest{}, ErrMalformedBody
	}
	name := string(b[2 : 2+l])
	token := binary.BigEndian.Uint32(b[2+l:])
	return LoginRequest{Name: name, Token: token}, nil
}

// LoginResponse is the LOGIN reply: u32 user_id, i64 balance.
type LoginResponse struct {
	UserID  uint32
	Balance int64
}

func EncodeLoginResponse(r LoginResponse) []byte {
	b := make([]byte, 12)
	binary.BigEndian.PutUint32(b[0:4], r.UserID)
	binary.BigEndian.PutUint64(b[4:12], uint64(r.Balance))
	return b
}

func DecodeLoginResponse(b []byte) (LoginResponse, error) {
	if len(b) != 12 {
		return LoginResponse{}, ErrMalformedBody
	}
	return LoginResponse{
		UserID:  binary.BigEndian.Uint32(b[0:4]),
		Balance: int64(binary.BigEndian.Uint64(b[4:12])),
	}, nil
}

// RoomRequest is the JOIN_ROOM/LEAVE_ROOM body: u16 room.
type RoomRequest struct {
	Room uint16
}

func EncodeRoomRequest(r RoomRequest) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, r.Room)
	return b
}

func DecodeRoomRequest(b []byte) (RoomRequest, error) {
	if len(b) != 2 {
		return RoomRequest{}, ErrMalformedBody
	}
	return RoomRequest{Room: binary.BigEndian.Uint16(b)}, nil
}

// ChatSendRequest is the CHAT_SEND body: u16 room, u16 msg_len, msg bytes.
type ChatSendRequest struct {
	Room Uint16Room
	Msg  []byte
}

// Uint16Room is a distinct type only to keep field intent obvious at call sites.
type Uint16Room = uint16

func EncodeChatSendRequest(r ChatSendRequest) []byte {
	b := make([]byte, 4+len(r.Msg))
	binary.BigEndian.PutUint16(b[0:2], r.Room)
	binary.BigEndian.PutUint16(b[2:4], uint16(len(r.Msg)))
	copy(b[4:], r.Msg)
	return b
}

func DecodeChatSendRequest(b []byte) (ChatSendRequest, error) {
	if len(b) < 4 {
		return ChatSendRequest{}, ErrMalformedBody
	}
	room := binary.BigEndian.Uint16(b[0:2])
	msgLen := int(binary.BigEndian.Uint16(b[2:4]))
	if msgLen > 256 || len(b) != 4+msgLen {
		return ChatSendRequest{}, ErrMalformedBody
	}
	msg := make([]byte, msgLen)
	copy(msg, b[4:])
	return ChatSendRequest{Room: room, Msg: msg}, nil
}

// ChatBroadcast is the server-pushed CHAT_BROADCAST body:
// u16 room, u32 from, u16 msg_len, msg bytes.
type ChatBroadcast struct {
	Room uint16
	From uint32
	Msg  []byte
}

func EncodeChatBroadcast(c ChatBroadcast) []byte {
	b := make([]byte, 8+len(c.Msg))
	binary.BigEndian.PutUint16(b[0:2], c.Room)
	binary.BigEndian.PutUint32(b[2:6], c.From)
	binary.BigEndian.PutUint16(b[6:8], uint16(len(c.Msg)))
	copy(b[8:], c.Msg)
	return b
}

func DecodeChatBroadcast(b []byte) (ChatBroadcast, error) {
	if len(b) < 8 {
		return ChatBroadcast{}, ErrMalformedBody
	}
	room := binary.BigEndian.Uint16(b[0:2])
	from := binary.BigEndian.Uint32(b[2:6])
	msgLen := int(binary.BigEndian.Uint16(b[6:8]))
	if len(b) != 8+msgLen {
		return ChatBroadcast{}, ErrMalformedBody
	}
	msg := make([]byte, msgLen)
	copy(msg, b[8:])
	return ChatBroadcast{Room: room, From: from, Msg: msg}, nil
}

// AmountRequest is the DEPOSIT/WITHDRAW body: i64 amount.
type AmountRequest struct {
	Amount int64
}

func EncodeAmountRequest(r AmountRequest) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(r.Amount))
	return b
}

func DecodeAmountRequest(b []byte) (AmountRequest, error) {
	if len(b) != 8 {
		return AmountRequest{}, ErrMalformedBody
	}
	return AmountRequest{Amount: int64(binary.BigEndian.Uint64(b))}, nil
}

// BalanceResponse carries an i64 balance, shared by DEPOSIT/WITHDRAW/
// TRANSFER/BALANCE responses.
type BalanceResponse struct {
	Balance int64
}

func EncodeBalanceResponse(r BalanceResponse) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(r.Balance))
	return b
}

func DecodeBalanceResponse(b []byte) (BalanceResponse, error) {
	if len(b) != 8 {
		return BalanceResponse{}, ErrMalformedBody
	}
	return BalanceResponse{Balance: int64(binary.BigEndian.Uint64(b))}, nil
}

// TransferRequest is the TRANSFER body: u32 to_user_id, i64 amount.
type TransferRequest struct {
	ToUserID uint32
	Amount   int64
}

func EncodeTransferRequest(r TransferRequest) []byte {
	b := make([]byte, 12)
	binary.BigEndian.PutUint32(b[0:4], r.ToUserID)
	binary.BigEndian.PutUint64(b[4:12], uint64(r.Amount))
	return b
}

func DecodeTransferRequest(b []byte) (TransferRequest, error) {
	if len(b) != 12 {
		return TransferRequest{}, ErrMalformedBody
	}
	return TransferRequest{
		ToUserID: binary.BigEndian.Uint32(b[0:4]),
		Amount:   int64(binary.BigEndian.Uint64(b[4:12])),
	}, nil
}
