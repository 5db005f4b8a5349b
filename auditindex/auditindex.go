// Package auditindex mirrors the transaction ring into a queryable,
// in-memory (buntdb ":memory:", non-persistent) index keyed by user id and
// timestamp, backing the read surface an external CSV/stdout reporting tool
// would page through.
/*
 * Copyright (c) 2024, ns-tradechat. All rights reserved.
 */
package auditindex

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/tidwall/buntdb"

	"github.com/nstrading/ns-tradechat/nslog"
	"github.com/nstrading/ns-tradechat/shmstate"
)

// Index is the buntdb-backed mirror. It is best-effort: a failed mirror
// write is logged and never fails the request that produced the event.
type Index struct {
	db *buntdb.DB
}

// Open creates a fresh, process-local in-memory index. Never touches disk,
// preserving the no-durable-persistence non-goal.
func Open() (*Index, error) {
	db, err := buntdb.Open(":memory:")
	if err != nil {
		return nil, errors.Wrap(err, "auditindex: open")
	}
	return &Index{db: db}, nil
}

func (idx *Index) Close() error {
	return idx.db.Close()
}

// Mirror records a transaction event under both its from- and to-user keys
// (a deposit/withdraw, whose ToUserID equals its FromUserID, is recorded
// once).
func (idx *Index) Mirror(ev shmstate.TxnEvent) {
	val := fmt.Sprintf("%d,%d,%d,%d,%d,%d", ev.Seq, ev.TsMs, ev.Opcode, ev.Status, ev.FromUserID, ev.Amount)
	err := idx.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key(ev.FromUserID, ev.TsMs, ev.Seq), val, nil)
		if err != nil {
			return err
		}
		if ev.ToUserID != ev.FromUserID {
			_, _, err = tx.Set(key(ev.ToUserID, ev.TsMs, ev.Seq), val, nil)
		}
		return err
	})
	if err != nil {
		nslog.Warningf("auditindex: mirror seq=%d: %v", ev.Seq, err)
	}
}

// QueryUser returns the raw mirrored values for userID in key order
// (ascending timestamp, then seq).
func (idx *Index) QueryUser(userID uint32) ([]string, error) {
	prefix := fmt.Sprintf("txn:%010d:", userID)
	var out []string
	err := idx.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendGreaterOrEqual("", prefix, func(k, v string) bool {
			if len(k) < len(prefix) || k[:len(prefix)] != prefix {
				return false
			}
			out = append(out, v)
			return true
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "auditindex: query")
	}
	return out, nil
}

func key(userID uint32, tsMs uint64, seq uint64) string {
	return fmt.Sprintf("txn:%010d:%020d:%020d", userID, tsMs, seq)
}
