package shmstate

import (
	"github.com/pkg/errors"

	"github.com/nstrading/ns-tradechat/wire"
)

// ErrInvalidUser is returned for any user id outside [0, MaxUsers).
var ErrInvalidUser = errors.New("shmstate: invalid user id")

// AccountLock returns the per-account lock for userID. TRANSFER must
// acquire two of these in ascending user-id order to avoid deadlock; every
// other op acquires only its own.
func (s *Shared) AccountLock(userID uint32) (Locker, error) {
	if int(userID) >= MaxUsers {
		return nil, ErrInvalidUser
	}
	return s.accountLock[userID], nil
}

// Balance reads the current balance. Caller must hold AccountLock(userID).
func (s *Shared) Balance(userID uint32) int64 {
	return s.Region.Balance[userID]
}

// Deposit adds amount (already validated > 0 by the caller) to userID's
// balance. Caller must hold AccountLock(userID).
func (s *Shared) Deposit(userID uint32, amount int64) int64 {
	s.Region.Balance[userID] += amount
	return s.Region.Balance[userID]
}

// Withdraw subtracts amount from userID's balance if sufficient, reporting
// whether the withdrawal applied. Caller must hold AccountLock(userID).
func (s *Shared) Withdraw(userID uint32, amount int64) (newBalance int64, ok bool) {
	if s.Region.Balance[userID] < amount {
		return s.Region.Balance[userID], false
	}
	s.Region.Balance[userID] -= amount
	return s.Region.Balance[userID], true
}

// LockAccountsAscending acquires the two account locks for a transfer in
// ascending user-id order regardless of transfer direction, returning an
// unlock function that releases both in the reverse order. This is the
// server's only multi-lock acquisition path, and the reason deadlock
// between concurrent opposite-direction transfers can't happen.
func (s *Shared) LockAccountsAscending(a, b uint32) (unlock func(), err error) {
	la, err := s.AccountLock(a)
	if err != nil {
		return nil, err
	}
	lb, err := s.AccountLock(b)
	if err != nil {
		return nil, err
	}
	if a == b {
		la.Lock()
		return la.Unlock, nil
	}
	first, second := la, lb
	if a > b {
		first, second = lb, la
	}
	first.Lock()
	second.Lock()
	return func() {
		second.Unlock()
		first.Unlock()
	}, nil
}

// Transfer moves amount from `from` to `to`, both locks already held in
// ascending order by the caller (via LockAccountsAscending). Reports
// whether the transfer applied and the source's resulting balance.
func (s *Shared) Transfer(from, to uint32, amount int64) (fromBalance int64, ok bool) {
	if s.Region.Balance[from] < amount {
		return s.Region.Balance[from], false
	}
	s.Region.Balance[from] -= amount
	s.Region.Balance[to] += amount
	return s.Region.Balance[from], true
}

// CheckAssetConservation computes the current sum of all balances (locking
// each account in ascending order) and the expected sum derived from the
// txn ring's successful deposit/withdraw entries. Transfers contribute zero
// to the delta since they only move balance between existing accounts.
func (s *Shared) CheckAssetConservation() (current, expected int64, ok bool) {
	for i := 0; i < MaxUsers; i++ {
		s.accountLock[i].Lock()
		current += s.Region.Balance[i]
		s.accountLock[i].Unlock()
	}

	expected = int64(MaxUsers) * InitialBalance
	s.txnLock.Lock()
	latest := s.Region.TxnWriteSeq
	lo := uint64(0)
	if latest > TxnRingSize {
		lo = latest - TxnRingSize
	}
	for seq := lo + 1; seq <= latest; seq++ {
		slot := &s.Region.TxnRing[seq%TxnRingSize]
		if slot.Seq != seq || wire.Status(slot.Status) != wire.StatusOK {
			continue
		}
		switch wire.Opcode(slot.Opcode) {
		case wire.OpDeposit:
			expected += slot.Amount
		case wire.OpWithdraw:
			expected -= slot.Amount
		}
	}
	s.txnLock.Unlock()

	return current, expected, current == expected
}
