// Package ledger provides an append-only, balance-reconciling journal of
// orders, trades and adjustments.
package ledger

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// EntryType categorizes a ledger entry.
type EntryType string

const (
	EntryOrderPlaced EntryType = "order_placed"
	EntryTradeFilled EntryType = "trade_filled"
	EntryAdjustment  EntryType = "adjustment"
	EntryDividend    EntryType = "dividend"
	EntryFee         EntryType = "fee"
)

// ErrLedgerCorrupt refuses writes after Verify has found a broken chain.
var ErrLedgerCorrupt = errors.New("ledger chain is corrupt; writes refused")

// Entry is one immutable journal line. BalanceBefore of every entry after
// the first must equal the previous entry's BalanceAfter.
type Entry struct {
	ID            string          `json:"id"`
	Type          EntryType       `json:"type"`
	RefID         string          `json:"refId,omitempty"` // order/trade id
	Description   string          `json:"description"`
	Amount        decimal.Decimal `json:"amount"` // signed cash delta
	BalanceBefore decimal.Decimal `json:"balanceBefore"`
	BalanceAfter  decimal.Decimal `json:"balanceAfter"`
	RecordedAt    time.Time       `json:"recordedAt"`
}

// Ledger is an append-only journal for one account. Appends are strictly
// ordered by the mutex, keeping the balance chain FIFO per account.
type Ledger struct {
	logger *zap.Logger

	mu      sync.Mutex
	account string
	balance decimal.Decimal
	entries []Entry
	corrupt bool
}

// New creates a ledger seeded with the opening balance.
func New(logger *zap.Logger, account string, openingBalance decimal.Decimal) *Ledger {
	return &Ledger{
		logger:  logger.Named("ledger"),
		account: account,
		balance: openingBalance,
	}
}

// Append records an entry, advancing the balance by amount. Appends fail
// once the ledger is marked corrupt.
func (l *Ledger) Append(entryType EntryType, refID, description string, amount decimal.Decimal) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.corrupt {
		return Entry{}, ErrLedgerCorrupt
	}

	entry := Entry{
		ID:            uuid.New().String(),
		Type:          entryType,
		RefID:         refID,
		Description:   description,
		Amount:        amount,
		BalanceBefore: l.balance,
		BalanceAfter:  l.balance.Add(amount),
		RecordedAt:    time.Now(),
	}
	l.entries = append(l.entries, entry)
	l.balance = entry.BalanceAfter
	return entry, nil
}

// Verify walks the chain and reports whether every entry's BalanceBefore
// matches its predecessor's BalanceAfter. The first inconsistency marks the
// ledger corrupt and halts further writes.
func (l *Ledger) Verify() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.entries {
		e := &l.entries[i]
		if !e.BalanceBefore.Add(e.Amount).Equal(e.BalanceAfter) {
			l.markCorruptLocked(i)
			return false
		}
		if i > 0 && !l.entries[i-1].BalanceAfter.Equal(e.BalanceBefore) {
			l.markCorruptLocked(i)
			return false
		}
	}
	return true
}

func (l *Ledger) markCorruptLocked(index int) {
	l.corrupt = true
	l.logger.Error("Ledger chain broken",
		zap.String("account", l.account),
		zap.Int("entryIndex", index))
}

// Balance returns the running balance.
func (l *Ledger) Balance() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance
}

// Entries returns a copy of the journal.
func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Corrupt reports whether verification has failed.
func (l *Ledger) Corrupt() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.corrupt
}

// CorruptEntry deliberately breaks one entry's BalanceAfter. Exposed for
// integrity tests only.
func (l *Ledger) CorruptEntry(index int, balanceAfter decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index >= 0 && index < len(l.entries) {
		l.entries[index].BalanceAfter = balanceAfter
	}
}
