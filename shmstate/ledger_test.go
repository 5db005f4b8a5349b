package shmstate

import (
	"path/filepath"
	"testing"

	"github.com/nstrading/ns-tradechat/wire"
)

func newTestRegion(t *testing.T) *Shared {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ns_tradechat_test")
	s, err := openAt(path)
	if err != nil {
		t.Fatalf("openAt: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDepositWithdrawTransferInvariants(t *testing.T) {
	s := newTestRegion(t)

	lock, _ := s.AccountLock(1)
	lock.Lock()
	bal := s.Deposit(1, 500)
	lock.Unlock()
	if bal != InitialBalance+500 {
		t.Fatalf("balance after deposit = %d, want %d", bal, InitialBalance+500)
	}

	lock.Lock()
	bal, ok := s.Withdraw(1, InitialBalance+500+1)
	lock.Unlock()
	if ok {
		t.Fatalf("withdraw of more than balance should fail")
	}
	if bal != InitialBalance+500 {
		t.Fatalf("balance changed on failed withdraw: %d", bal)
	}

	unlock, err := s.LockAccountsAscending(1, 2)
	if err != nil {
		t.Fatalf("LockAccountsAscending: %v", err)
	}
	fromBal, ok := s.Transfer(1, 2, 200)
	unlock()
	if !ok {
		t.Fatalf("transfer should have succeeded")
	}
	if fromBal != InitialBalance+500-200 {
		t.Fatalf("from balance = %d, want %d", fromBal, InitialBalance+500-200)
	}
	l2, _ := s.AccountLock(2)
	l2.Lock()
	toBal := s.Balance(2)
	l2.Unlock()
	if toBal != InitialBalance+200 {
		t.Fatalf("to balance = %d, want %d", toBal, InitialBalance+200)
	}
}

func TestAssetConservationAfterDepositsAndTransfers(t *testing.T) {
	s := newTestRegion(t)

	lock, _ := s.AccountLock(3)
	lock.Lock()
	s.Deposit(3, 1000)
	lock.Unlock()
	s.TxnAppend(wire.OpDeposit, wire.StatusOK, 3, 0, 1000)

	unlock, _ := s.LockAccountsAscending(3, 4)
	s.Transfer(3, 4, 300)
	unlock()
	s.TxnAppend(wire.OpTransfer, wire.StatusOK, 3, 4, 300)

	lock5, _ := s.AccountLock(5)
	lock5.Lock()
	_, ok := s.Withdraw(5, 200)
	lock5.Unlock()
	if !ok {
		t.Fatalf("withdraw should have succeeded")
	}
	s.TxnAppend(wire.OpWithdraw, wire.StatusOK, 5, 0, 200)

	current, expected, ok := s.CheckAssetConservation()
	if !ok || current != expected {
		t.Fatalf("asset conservation broken: current=%d expected=%d", current, expected)
	}
	wantExpected := int64(MaxUsers)*InitialBalance + 1000 - 200
	if expected != wantExpected {
		t.Fatalf("expected sum = %d, want %d", expected, wantExpected)
	}
}

func TestSelfTransferIsNoopOrRejected(t *testing.T) {
	s := newTestRegion(t)
	unlock, err := s.LockAccountsAscending(9, 9)
	if err != nil {
		t.Fatalf("LockAccountsAscending: %v", err)
	}
	before := s.Balance(9)
	_, ok := s.Transfer(9, 9, 100)
	unlock()
	if ok && s.Balance(9) != before {
		t.Fatalf("self-transfer changed balance: before=%d after=%d", before, s.Balance(9))
	}
}
