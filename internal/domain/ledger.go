package domain

import "time"

// LedgerSignature は受取人アドレスに関係するトランザクションの参照を表す。
type LedgerSignature struct {
	Signature string
	Slot      uint64
	Failed    bool
	BlockTime *time.Time
}

// LedgerTransaction は支払い検証に必要なトランザクションの内容を表す。
// AccountKeys と PreBalances / PostBalances は同じ順序で対応する。
type LedgerTransaction struct {
	Signature    string
	Slot         uint64
	BlockTime    *time.Time
	Failed       bool
	Memos        []string
	AccountKeys  []string
	PreBalances  []uint64
	PostBalances []uint64
}

// BalanceDelta は address の送金前後の残高差を返す。アドレスが含まれない場合 ok は false。
func (t *LedgerTransaction) BalanceDelta(address string) (delta int64, ok bool) {
	for i, k := range t.AccountKeys {
		if k != address {
			continue
		}
		if i >= len(t.PreBalances) || i >= len(t.PostBalances) {
			return 0, false
		}
		return int64(t.PostBalances[i]) - int64(t.PreBalances[i]), true
	}
	return 0, false
}

// HasMemo は memo と完全一致するメモ命令を含むかを返す。
func (t *LedgerTransaction) HasMemo(memo string) bool {
	for _, m := range t.Memos {
		if m == memo {
			return true
		}
	}
	return false
}
