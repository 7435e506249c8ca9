package types

import "math/big"

// Account is the ledger-side record for a single identity. Balances are kept
// per token symbol so the custody layer can hold any fungible asset the
// protocol escrows. The completion counters feed the lightweight reputation
// surface: they only ever move forward, and only on a normal escrow
// completion.
type Account struct {
	Nonce               uint64              `json:"nonce"`
	Balances            map[string]*big.Int `json:"balances"`
	CompletedAsClient   uint64              `json:"completedAsClient"`
	CompletedAsProvider uint64              `json:"completedAsProvider"`
}

// NewAccount returns an empty account with an initialised balance map.
func NewAccount() *Account {
	return &Account{Balances: make(map[string]*big.Int)}
}

// Balance returns the balance held for the supplied token symbol. Missing
// entries read as zero; the returned value is a copy.
func (a *Account) Balance(token string) *big.Int {
	if a == nil || a.Balances == nil {
		return big.NewInt(0)
	}
	if bal, ok := a.Balances[token]; ok && bal != nil {
		return new(big.Int).Set(bal)
	}
	return big.NewInt(0)
}

// SetBalance stores the supplied balance for the token symbol, copying the
// amount so the caller cannot alias internal state.
func (a *Account) SetBalance(token string, amount *big.Int) {
	if a == nil {
		return
	}
	if a.Balances == nil {
		a.Balances = make(map[string]*big.Int)
	}
	if amount == nil {
		amount = big.NewInt(0)
	}
	a.Balances[token] = new(big.Int).Set(amount)
}

// Clone returns a deep copy of the account so callers can safely mutate the
// copy without affecting the stored instance.
func (a *Account) Clone() *Account {
	if a == nil {
		return NewAccount()
	}
	clone := &Account{
		Nonce:               a.Nonce,
		Balances:            make(map[string]*big.Int, len(a.Balances)),
		CompletedAsClient:   a.CompletedAsClient,
		CompletedAsProvider: a.CompletedAsProvider,
	}
	for token, bal := range a.Balances {
		if bal == nil {
			bal = big.NewInt(0)
		}
		clone.Balances[token] = new(big.Int).Set(bal)
	}
	return clone
}
