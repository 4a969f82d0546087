package engine

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"exchange-sim/pkg/types"
)

// Account holds per-session balances and positions. Access is serialized by
// the engine lock; Account itself carries no locking.
type Account struct {
	SessionID string
	Balances  map[string]decimal.Decimal
	Positions map[string]*types.Position
}

// GetBalance returns the balance for an asset, zero if never touched.
func (a *Account) GetBalance(asset string) decimal.Decimal {
	return a.Balances[asset]
}

// SetBalance overwrites the balance for an asset.
func (a *Account) SetBalance(asset string, amount decimal.Decimal) {
	a.Balances[asset] = amount
}

// AdjustBalance applies a signed delta and returns the new balance.
func (a *Account) AdjustBalance(asset string, delta decimal.Decimal) decimal.Decimal {
	next := a.GetBalance(asset).Add(delta)
	a.Balances[asset] = next
	return next
}

// HasSufficientBalance reports whether the asset balance covers amount.
func (a *Account) HasSufficientBalance(asset string, amount decimal.Decimal) bool {
	return a.GetBalance(asset).GreaterThanOrEqual(amount)
}

// GetPosition returns the position for a symbol, creating a flat one on
// first use.
func (a *Account) GetPosition(symbol string) *types.Position {
	p, ok := a.Positions[symbol]
	if !ok {
		p = &types.Position{Symbol: symbol}
		a.Positions[symbol] = p
	}
	return p
}

// UpdatePositionOnFill folds a fill into the symbol position and refreshes
// unrealized PnL at the fill price.
func (a *Account) UpdatePositionOnFill(fill *types.Fill, markPrice decimal.Decimal) {
	pos := a.GetPosition(fill.Symbol)
	pos.UpdateOnFill(fill)
	pos.CalculateUnrealizedPnL(markPrice)
}

// TotalEquity sums cash balances plus realized and unrealized PnL marked at
// the given prices.
func (a *Account) TotalEquity(marketPrices map[string]decimal.Decimal) decimal.Decimal {
	equity := decimal.Zero
	for _, bal := range a.Balances {
		equity = equity.Add(bal)
	}
	for symbol, pos := range a.Positions {
		if price, ok := marketPrices[symbol]; ok {
			equity = equity.Add(pos.CalculateUnrealizedPnL(price))
		}
		equity = equity.Add(pos.RealizedPnL)
	}
	return equity
}

// AccountManager owns every session account. Safe for concurrent use.
type AccountManager struct {
	mu             sync.RWMutex
	accounts       map[string]*Account
	defaultBalance map[string]decimal.Decimal
}

// NewAccountManager creates a manager that seeds new accounts with the given
// balances. Nil defaults to 100000 USD.
func NewAccountManager(defaultBalance map[string]decimal.Decimal) *AccountManager {
	if defaultBalance == nil {
		defaultBalance = map[string]decimal.Decimal{"USD": decimal.NewFromInt(100000)}
	}
	return &AccountManager{
		accounts:       make(map[string]*Account),
		defaultBalance: defaultBalance,
	}
}

// CreateAccount creates an account for a session. It is an error if one
// already exists.
func (m *AccountManager) CreateAccount(sessionID string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.accounts[sessionID]; exists {
		return nil, fmt.Errorf("account already exists for session %s", sessionID)
	}
	return m.createLocked(sessionID), nil
}

func (m *AccountManager) createLocked(sessionID string) *Account {
	balances := make(map[string]decimal.Decimal, len(m.defaultBalance))
	for asset, amount := range m.defaultBalance {
		balances[asset] = amount
	}
	acct := &Account{
		SessionID: sessionID,
		Balances:  balances,
		Positions: make(map[string]*types.Position),
	}
	m.accounts[sessionID] = acct
	return acct
}

// GetAccount returns the account for a session, or nil.
func (m *AccountManager) GetAccount(sessionID string) *Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accounts[sessionID]
}

// GetOrCreateAccount returns the session account, creating it with default
// balances on first sight.
func (m *AccountManager) GetOrCreateAccount(sessionID string) *Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acct, ok := m.accounts[sessionID]; ok {
		return acct
	}
	return m.createLocked(sessionID)
}

// RemoveAccount drops a session account. Returns false if absent.
func (m *AccountManager) RemoveAccount(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[sessionID]; !ok {
		return false
	}
	delete(m.accounts, sessionID)
	return true
}

// AccountCount returns the number of live accounts.
func (m *AccountManager) AccountCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.accounts)
}
