// Package state implements the ledger host consumed by the escrow engine:
// keyed persistence for accounts, escrow records and the protocol config,
// plus the custody module that holds per-escrow vault balances. Each
// operation against the manager runs inside an overlay transaction so the
// engine's mutations commit all-or-nothing.
package state

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/cruellacodes/escrowagent/core/types"
	"github.com/cruellacodes/escrowagent/native/escrow"
	"github.com/cruellacodes/escrowagent/storage"
)

var (
	// ErrInsufficientBalance marks a debit larger than the available funds.
	ErrInsufficientBalance = errors.New("state: insufficient balance")
	// ErrVaultNotFound marks operations against a vault that was never funded.
	ErrVaultNotFound = errors.New("state: vault not found")
	// ErrVaultClosed marks operations against a closed vault.
	ErrVaultClosed = errors.New("state: vault closed")
	// ErrVaultAuthority marks a vault operation authorised with anything other
	// than the escrow's own derived authority.
	ErrVaultAuthority = errors.New("state: invalid vault authority")
	// ErrVaultNotEmpty marks an attempt to close a vault that still holds funds.
	ErrVaultNotEmpty = errors.New("state: vault not empty")
	// ErrNoTransaction marks a commit or rollback without an open transaction.
	ErrNoTransaction = errors.New("state: no open transaction")
)

const (
	accountPrefix = "account/"
	escrowPrefix  = "escrow/record/"
	vaultPrefix   = "escrow/vault/"
	configKey     = "escrow/config"
)

func accountKey(addr [20]byte) []byte {
	return []byte(accountPrefix + hex.EncodeToString(addr[:]))
}

func escrowKey(id [32]byte) []byte {
	return []byte(escrowPrefix + hex.EncodeToString(id[:]))
}

func vaultKey(id [32]byte) []byte {
	return []byte(vaultPrefix + hex.EncodeToString(id[:]))
}

// vaultRecord is the stored custody state for one escrow.
type vaultRecord struct {
	Balances map[string]*big.Int `json:"balances"`
	Closed   bool                `json:"closed"`
}

// Manager provides the keyed storage and custody operations the engine needs,
// backed by any storage.Database. Writes inside a transaction accumulate in
// an overlay and reach the backend only on Commit; Rollback discards them.
// The transaction mutex also serialises conflicting operations, so two
// operations targeting the same record cannot interleave.
type Manager struct {
	db storage.Database

	txMu    sync.Mutex
	inTx    bool
	overlay map[string][]byte
	deleted map[string]bool
}

// NewManager constructs a state manager over the supplied backend.
func NewManager(db storage.Database) *Manager {
	return &Manager{
		db:      db,
		overlay: make(map[string][]byte),
		deleted: make(map[string]bool),
	}
}

// Begin opens a transaction and takes the serialisation lock. Every Begin
// must be paired with Commit or Rollback.
func (m *Manager) Begin() {
	m.txMu.Lock()
	m.inTx = true
	m.overlay = make(map[string][]byte)
	m.deleted = make(map[string]bool)
}

// Commit flushes the overlay to the backend in a single batched write and
// releases the lock. A failed flush persists nothing: the batch lands
// all-or-nothing, the transaction is closed, and the error is returned.
func (m *Manager) Commit() error {
	if !m.inTx {
		return ErrNoTransaction
	}
	batch := &storage.Batch{}
	for key, value := range m.overlay {
		batch.Put([]byte(key), value)
	}
	for key := range m.deleted {
		batch.Delete([]byte(key))
	}
	err := m.db.Write(batch)
	m.overlay = make(map[string][]byte)
	m.deleted = make(map[string]bool)
	m.inTx = false
	m.txMu.Unlock()
	if err != nil {
		return fmt.Errorf("state: commit: %w", err)
	}
	return nil
}

// Rollback discards the overlay and releases the lock.
func (m *Manager) Rollback() {
	if !m.inTx {
		return
	}
	m.overlay = make(map[string][]byte)
	m.deleted = make(map[string]bool)
	m.inTx = false
	m.txMu.Unlock()
}

// WithAtomic runs fn inside a transaction: if fn returns an error every
// mutation it performed is discarded and the error is returned verbatim.
func (m *Manager) WithAtomic(fn func() error) error {
	m.Begin()
	if err := fn(); err != nil {
		m.Rollback()
		return err
	}
	return m.Commit()
}

func (m *Manager) kvGet(key []byte, out interface{}) (bool, error) {
	if m.inTx {
		if m.deleted[string(key)] {
			return false, nil
		}
		if raw, ok := m.overlay[string(key)]; ok {
			return true, json.Unmarshal(raw, out)
		}
	}
	ok, err := m.db.Has(key)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	raw, err := m.db.Get(key)
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(raw, out)
}

func (m *Manager) kvPut(key []byte, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("state: encode %s: %w", key, err)
	}
	if m.inTx {
		delete(m.deleted, string(key))
		m.overlay[string(key)] = raw
		return nil
	}
	return m.db.Put(key, raw)
}

// GetAccount loads the account for the supplied address. Unknown addresses
// read as empty accounts.
func (m *Manager) GetAccount(addr [20]byte) (*types.Account, error) {
	account := types.NewAccount()
	ok, err := m.kvGet(accountKey(addr), account)
	if err != nil {
		return nil, err
	}
	if !ok {
		return types.NewAccount(), nil
	}
	if account.Balances == nil {
		account.Balances = make(map[string]*big.Int)
	}
	return account, nil
}

// PutAccount persists the supplied account.
func (m *Manager) PutAccount(addr [20]byte, account *types.Account) error {
	if account == nil {
		account = types.NewAccount()
	}
	return m.kvPut(accountKey(addr), account.Clone())
}

// Credit adds amount to the account's balance for the token.
func (m *Manager) Credit(addr [20]byte, token string, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("state: negative credit")
	}
	account, err := m.GetAccount(addr)
	if err != nil {
		return err
	}
	account.SetBalance(token, new(big.Int).Add(account.Balance(token), amount))
	return m.PutAccount(addr, account)
}

// Debit removes amount from the account's balance for the token, failing if
// the balance is insufficient.
func (m *Manager) Debit(addr [20]byte, token string, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("state: negative debit")
	}
	account, err := m.GetAccount(addr)
	if err != nil {
		return err
	}
	balance := account.Balance(token)
	if balance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	account.SetBalance(token, balance.Sub(balance, amount))
	return m.PutAccount(addr, account)
}

// EscrowPut persists the escrow record after sanitising it.
func (m *Manager) EscrowPut(e *escrow.Escrow) error {
	sanitized, err := escrow.SanitizeEscrow(e)
	if err != nil {
		return err
	}
	return m.kvPut(escrowKey(sanitized.ID), sanitized)
}

// EscrowGet loads the escrow record for the supplied identifier.
func (m *Manager) EscrowGet(id [32]byte) (*escrow.Escrow, bool) {
	record := &escrow.Escrow{}
	ok, err := m.kvGet(escrowKey(id), record)
	if err != nil || !ok {
		return nil, false
	}
	return record, true
}

// ConfigPut persists the protocol config singleton.
func (m *Manager) ConfigPut(cfg *escrow.ProtocolConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return m.kvPut([]byte(configKey), cfg.Clone())
}

// ConfigGet loads the protocol config if it has been initialised.
func (m *Manager) ConfigGet() (*escrow.ProtocolConfig, bool, error) {
	cfg := &escrow.ProtocolConfig{}
	ok, err := m.kvGet([]byte(configKey), cfg)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return cfg, true, nil
}

func (m *Manager) loadVault(id [32]byte) (*vaultRecord, bool, error) {
	vault := &vaultRecord{}
	ok, err := m.kvGet(vaultKey(id), vault)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	if vault.Balances == nil {
		vault.Balances = make(map[string]*big.Int)
	}
	return vault, true, nil
}

// VaultDeposit moves amount from the account into the escrow's vault,
// creating the vault on first use. Anyone holding a balance can deposit; only
// the derived authority can ever move funds out again.
func (m *Manager) VaultDeposit(id [32]byte, from [20]byte, token string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("state: deposit amount must be positive")
	}
	vault, ok, err := m.loadVault(id)
	if err != nil {
		return err
	}
	if !ok {
		vault = &vaultRecord{Balances: make(map[string]*big.Int)}
	}
	if vault.Closed {
		return ErrVaultClosed
	}
	if err := m.Debit(from, token, amount); err != nil {
		return err
	}
	current := big.NewInt(0)
	if existing, exists := vault.Balances[token]; exists && existing != nil {
		current = new(big.Int).Set(existing)
	}
	vault.Balances[token] = current.Add(current, amount)
	return m.kvPut(vaultKey(id), vault)
}

// VaultWithdraw moves amount from the escrow's vault into the destination
// account. The supplied authority must equal the authority derived from the
// escrow's own identity; no other key can move vault funds.
func (m *Manager) VaultWithdraw(id [32]byte, authority [20]byte, to [20]byte, token string, amount *big.Int) error {
	if authority != escrow.VaultAuthority(id) {
		return ErrVaultAuthority
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("state: withdraw amount must be positive")
	}
	vault, ok, err := m.loadVault(id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrVaultNotFound
	}
	if vault.Closed {
		return ErrVaultClosed
	}
	current := big.NewInt(0)
	if existing, exists := vault.Balances[token]; exists && existing != nil {
		current = new(big.Int).Set(existing)
	}
	if current.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	vault.Balances[token] = current.Sub(current, amount)
	if err := m.Credit(to, token, amount); err != nil {
		return err
	}
	return m.kvPut(vaultKey(id), vault)
}

// VaultBalance returns the vault's balance for the token. Missing vaults read
// as zero so settlement sweeps can treat "never funded extra" uniformly.
func (m *Manager) VaultBalance(id [32]byte, token string) (*big.Int, error) {
	vault, ok, err := m.loadVault(id)
	if err != nil {
		return nil, err
	}
	if !ok || vault.Closed {
		return big.NewInt(0), nil
	}
	if existing, exists := vault.Balances[token]; exists && existing != nil {
		return new(big.Int).Set(existing), nil
	}
	return big.NewInt(0), nil
}

// VaultClose marks the vault closed. All balances must have been withdrawn
// first; a closed vault accepts no further deposits or withdrawals.
func (m *Manager) VaultClose(id [32]byte, authority [20]byte) error {
	if authority != escrow.VaultAuthority(id) {
		return ErrVaultAuthority
	}
	vault, ok, err := m.loadVault(id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrVaultNotFound
	}
	if vault.Closed {
		return ErrVaultClosed
	}
	for _, balance := range vault.Balances {
		if balance != nil && balance.Sign() != 0 {
			return ErrVaultNotEmpty
		}
	}
	vault.Closed = true
	vault.Balances = make(map[string]*big.Int)
	return m.kvPut(vaultKey(id), vault)
}
