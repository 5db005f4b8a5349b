package auditindex

import (
	"testing"

	"github.com/nstrading/ns-tradechat/shmstate"
)

func TestMirrorAndQueryBothSides(t *testing.T) {
	idx, err := Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer idx.Close()

	idx.Mirror(shmstate.TxnEvent{Seq: 1, TsMs: 1000, FromUserID: 5, ToUserID: 7, Amount: 40000})
	idx.Mirror(shmstate.TxnEvent{Seq: 2, TsMs: 2000, FromUserID: 5, ToUserID: 0, Amount: 100})

	from, err := idx.QueryUser(5)
	if err != nil {
		t.Fatalf("QueryUser(5): %v", err)
	}
	if len(from) != 2 {
		t.Fatalf("expected 2 entries for user 5, got %d", len(from))
	}

	to, err := idx.QueryUser(7)
	if err != nil {
		t.Fatalf("QueryUser(7): %v", err)
	}
	if len(to) != 1 {
		t.Fatalf("expected 1 entry for user 7, got %d", len(to))
	}
}

func TestQueryUserWithNoEntriesReturnsEmpty(t *testing.T) {
	idx, err := Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer idx.Close()

	got, err := idx.QueryUser(99)
	if err != nil {
		t.Fatalf("QueryUser: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no entries, got %d", len(got))
	}
}
