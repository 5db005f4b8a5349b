package wire

import (
	"testing"
)

func TestBuildRoundTrip(t *testing.T) {
	body := []byte("hello")
	h := Build(0, OpHello, StatusOK, 42, body)
	if len(h) != HeaderLen {
		t.Fatalf("header length = %d, want %d", len(h), HeaderLen)
	}
	if err := ValidateBasic(h, DefaultMaxBodyLen); err != nil {
		t.Fatalf("ValidateBasic: %v", err)
	}
	if !ValidateChecksum(h, body) {
		t.Fatalf("ValidateChecksum: expected true")
	}
	dec, err := DecodeHeader(h)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if dec.Opcode != OpHello || dec.Status != StatusOK || dec.RequestID != 42 {
		t.Fatalf("decoded header mismatch: %+v", dec)
	}
	if dec.BodyLen != uint32(len(body)) {
		t.Fatalf("BodyLen = %d, want %d", dec.BodyLen, len(body))
	}
}

func TestValidateBasicRejectsBadMagic(t *testing.T) {
	h := Build(0, OpHeartbeat, StatusOK, 1, nil)
	h[0] = 0xFF
	if err := ValidateBasic(h, DefaultMaxBodyLen); err != ErrBadMagic {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func TestValidateBasicRejectsOversizeBody(t *testing.T) {
	body := make([]byte, 100)
	h := Build(0, OpChatSend, StatusOK, 1, body)
	if err := ValidateBasic(h, 50); err != ErrBodyTooLarge {
		t.Fatalf("expected ErrBodyTooLarge, got %v", err)
	}
}

func TestSingleBitFlipBreaksChecksum(t *testing.T) {
	body := []byte("deposit 100")
	h := Build(0, OpDeposit, StatusOK, 7, body)

	for byteIdx := 0; byteIdx < len(h); byteIdx++ {
		for bit := 0; bit < 8; bit++ {
			flipped := append([]byte(nil), h...)
			flipped[byteIdx] ^= 1 << bit
			if ValidateChecksum(flipped, body) {
				t.Fatalf("single-bit flip at header byte %d bit %d went undetected", byteIdx, bit)
			}
		}
	}
	for byteIdx := 0; byteIdx < len(body); byteIdx++ {
		for bit := 0; bit < 8; bit++ {
			flippedBody := append([]byte(nil), body...)
			flippedBody[byteIdx] ^= 1 << bit
			if ValidateChecksum(h, flippedBody) {
				t.Fatalf("single-bit flip at body byte %d bit %d went undetected", byteIdx, bit)
			}
		}
	}
}

func TestEncodeDecodeAllOpcodes(t *testing.T) {
	opcodes := []Opcode{
		OpHello, OpLogin, OpLogout, OpHeartbeat, OpJoinRoom, OpLeaveRoom,
		OpChatSend, OpChatBcast, OpDeposit, OpWithdraw, OpTransfer, OpBalance,
	}
	for _, op := range opcodes {
		frame := Encode(FlagIsResponse, op, StatusOK, 99, []byte{1, 2, 3})
		h, err := DecodeHeader(frame[:HeaderLen])
		if err != nil {
			t.Fatalf("opcode %v: DecodeHeader: %v", op, err)
		}
		if h.Opcode != op {
			t.Fatalf("opcode round-trip mismatch: got %v want %v", h.Opcode, op)
		}
		if !ValidateChecksum(frame[:HeaderLen], frame[HeaderLen:]) {
			t.Fatalf("opcode %v: checksum invalid after encode", op)
		}
	}
}
