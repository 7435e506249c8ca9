package escrow

import (
	"errors"
	"math/big"
	"testing"

	"github.com/cruellacodes/escrowagent/core/types"
)

var errMockInsufficient = errors.New("mock: insufficient balance")

type mockState struct {
	escrows  map[[32]byte]*Escrow
	config   *ProtocolConfig
	accounts map[[20]byte]*types.Account
	balances map[[20]byte]map[string]*big.Int
	vaults   map[[32]byte]map[string]*big.Int
	closed   map[[32]byte]bool
}

func newMockState() *mockState {
	return &mockState{
		escrows:  make(map[[32]byte]*Escrow),
		accounts: make(map[[20]byte]*types.Account),
		balances: make(map[[20]byte]map[string]*big.Int),
		vaults:   make(map[[32]byte]map[string]*big.Int),
		closed:   make(map[[32]byte]bool),
	}
}

func (m *mockState) EscrowPut(e *Escrow) error {
	m.escrows[e.ID] = e.Clone()
	return nil
}

func (m *mockState) EscrowGet(id [32]byte) (*Escrow, bool) {
	e, ok := m.escrows[id]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

func (m *mockState) ConfigPut(cfg *ProtocolConfig) error {
	m.config = cfg.Clone()
	return nil
}

func (m *mockState) ConfigGet() (*ProtocolConfig, bool, error) {
	if m.config == nil {
		return nil, false, nil
	}
	return m.config.Clone(), true, nil
}

func (m *mockState) GetAccount(addr [20]byte) (*types.Account, error) {
	if acc, ok := m.accounts[addr]; ok {
		return acc.Clone(), nil
	}
	return types.NewAccount(), nil
}

func (m *mockState) PutAccount(addr [20]byte, account *types.Account) error {
	m.accounts[addr] = account.Clone()
	return nil
}

func (m *mockState) balance(addr [20]byte, token string) *big.Int {
	if tokens, ok := m.balances[addr]; ok {
		if bal, ok := tokens[token]; ok {
			return new(big.Int).Set(bal)
		}
	}
	return big.NewInt(0)
}

func (m *mockState) credit(addr [20]byte, token string, amount *big.Int) {
	tokens, ok := m.balances[addr]
	if !ok {
		tokens = make(map[string]*big.Int)
		m.balances[addr] = tokens
	}
	current, ok := tokens[token]
	if !ok {
		current = big.NewInt(0)
	}
	tokens[token] = new(big.Int).Add(current, amount)
}

func (m *mockState) VaultDeposit(id [32]byte, from [20]byte, token string, amount *big.Int) error {
	if m.closed[id] {
		return errors.New("mock: vault closed")
	}
	bal := m.balance(from, token)
	if bal.Cmp(amount) < 0 {
		return errMockInsufficient
	}
	m.balances[from][token] = bal.Sub(bal, amount)
	vault, ok := m.vaults[id]
	if !ok {
		vault = make(map[string]*big.Int)
		m.vaults[id] = vault
	}
	current, ok := vault[token]
	if !ok {
		current = big.NewInt(0)
	}
	vault[token] = new(big.Int).Add(current, amount)
	return nil
}

func (m *mockState) VaultWithdraw(id [32]byte, authority [20]byte, to [20]byte, token string, amount *big.Int) error {
	if authority != VaultAuthority(id) {
		return errors.New("mock: bad vault authority")
	}
	if m.closed[id] {
		return errors.New("mock: vault closed")
	}
	vault, ok := m.vaults[id]
	if !ok {
		return errMockInsufficient
	}
	current, ok := vault[token]
	if !ok || current.Cmp(amount) < 0 {
		return errMockInsufficient
	}
	vault[token] = new(big.Int).Sub(current, amount)
	m.credit(to, token, amount)
	return nil
}

func (m *mockState) VaultBalance(id [32]byte, token string) (*big.Int, error) {
	if vault, ok := m.vaults[id]; ok && !m.closed[id] {
		if bal, ok := vault[token]; ok {
			return new(big.Int).Set(bal), nil
		}
	}
	return big.NewInt(0), nil
}

func (m *mockState) VaultClose(id [32]byte, authority [20]byte) error {
	if authority != VaultAuthority(id) {
		return errors.New("mock: bad vault authority")
	}
	if vault, ok := m.vaults[id]; ok {
		for token, bal := range vault {
			if bal.Sign() != 0 {
				return errors.New("mock: vault not empty: " + token)
			}
		}
	}
	m.closed[id] = true
	return nil
}

func addr(b byte) [20]byte {
	var a [20]byte
	a[19] = b
	return a
}

func hash(b byte) [32]byte {
	var h [32]byte
	h[31] = b
	return h
}

const (
	baseNow      = int64(1_000_000)
	testDeadline = baseNow + 1_000
	testGrace    = int64(500)
)

var (
	clientAddr       = addr(0x01)
	providerAddr     = addr(0x02)
	arbitratorAddr   = addr(0x03)
	feeAuthorityAddr = addr(0x04)
	adminAddr        = addr(0x05)
	strangerAddr     = addr(0x06)
)

func newTestEngine(t *testing.T) (*Engine, *mockState, *int64) {
	t.Helper()
	mock := newMockState()
	engine := NewEngine()
	engine.SetState(mock)
	now := baseNow
	engine.SetNowFunc(func() int64 { return now })
	if _, err := engine.InitializeProtocol(adminAddr, feeAuthorityAddr, 100, 100, big.NewInt(1), big.NewInt(0), 1, 10_000_000); err != nil {
		t.Fatalf("InitializeProtocol: %v", err)
	}
	return engine, mock, &now
}

func createFunded(t *testing.T, engine *Engine, mock *mockState, arbitrator *[20]byte) *Escrow {
	t.Helper()
	mock.credit(clientAddr, "USDC", big.NewInt(10_000))
	esc, err := engine.Create(clientAddr, providerAddr, arbitrator, "USDC", big.NewInt(10_000), testDeadline, testGrace, hash(0xAA), VerifyMultiSigConfirm, 1)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return esc
}

func TestInitializeProtocolOnce(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	_, err := engine.InitializeProtocol(adminAddr, feeAuthorityAddr, 100, 100, big.NewInt(1), big.NewInt(0), 1, 10_000_000)
	if !errors.Is(err, ErrConfigInitialized) {
		t.Fatalf("got %v, want ErrConfigInitialized", err)
	}
}

func TestCreateHappyPath(t *testing.T) {
	engine, mock, _ := newTestEngine(t)
	esc := createFunded(t, engine, mock, &arbitratorAddr)

	if esc.Status != StatusAwaitingProvider {
		t.Fatalf("status = %v, want AwaitingProvider", esc.Status)
	}
	if esc.ID != EscrowID(clientAddr, providerAddr, hash(0xAA)) {
		t.Fatalf("unexpected escrow id")
	}
	if esc.Vault != VaultAuthority(esc.ID) {
		t.Fatalf("vault address not derived from id")
	}
	if esc.ProtocolFeeBps != 100 || esc.ArbitratorFeeBps != 100 {
		t.Fatalf("fee snapshot = %d/%d, want 100/100", esc.ProtocolFeeBps, esc.ArbitratorFeeBps)
	}
	if esc.CreatedAt != baseNow {
		t.Fatalf("createdAt = %d, want %d", esc.CreatedAt, baseNow)
	}
	if got := mock.balance(clientAddr, "USDC"); got.Sign() != 0 {
		t.Fatalf("client balance = %s, want 0 after funding the vault", got)
	}
	vaultBal, _ := mock.VaultBalance(esc.ID, "USDC")
	if vaultBal.Int64() != 10_000 {
		t.Fatalf("vault balance = %s, want 10000", vaultBal)
	}
}

func TestCreateValidation(t *testing.T) {
	engine, mock, _ := newTestEngine(t)
	mock.credit(clientAddr, "USDC", big.NewInt(1_000_000))

	// Raise the minimum and set a maximum so both bounds are exercised.
	if _, err := engine.UpdateConfig(adminAddr, ConfigUpdate{
		MinEscrowAmount: big.NewInt(100),
		MaxEscrowAmount: big.NewInt(50_000),
	}); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}

	valid := func() ([20]byte, [20]byte, *[20]byte, string, *big.Int, int64, int64, [32]byte, VerificationType) {
		return clientAddr, providerAddr, &arbitratorAddr, "USDC", big.NewInt(10_000), testDeadline, testGrace, hash(0xAA), VerifyMultiSigConfirm
	}

	cases := []struct {
		name string
		run  func() error
		want error
	}{
		{"zero amount", func() error {
			c, p, a, tok, _, d, g, h, v := valid()
			_, err := engine.Create(c, p, a, tok, big.NewInt(0), d, g, h, v, 1)
			return err
		}, ErrAmountZero},
		{"below minimum", func() error {
			c, p, a, tok, _, d, g, h, v := valid()
			_, err := engine.Create(c, p, a, tok, big.NewInt(99), d, g, h, v, 1)
			return err
		}, ErrBelowMinimumAmount},
		{"above maximum", func() error {
			c, p, a, tok, _, d, g, h, v := valid()
			_, err := engine.Create(c, p, a, tok, big.NewInt(50_001), d, g, h, v, 1)
			return err
		}, ErrAboveMaximumAmount},
		{"deadline at now", func() error {
			c, p, a, tok, amt, _, g, h, v := valid()
			_, err := engine.Create(c, p, a, tok, amt, baseNow, g, h, v, 1)
			return err
		}, ErrDeadlineInPast},
		{"deadline too far", func() error {
			c, p, a, tok, amt, _, g, h, v := valid()
			_, err := engine.Create(c, p, a, tok, amt, baseNow+10_000_001, g, h, v, 1)
			return err
		}, ErrDeadlineTooFar},
		{"negative grace", func() error {
			c, p, a, tok, amt, d, _, h, v := valid()
			_, err := engine.Create(c, p, a, tok, amt, d, -1, h, v, 1)
			return err
		}, ErrInvalidGracePeriod},
		{"grace below minimum", func() error {
			c, p, a, tok, amt, d, _, h, v := valid()
			_, err := engine.Create(c, p, a, tok, amt, d, 0, h, v, 1)
			return err
		}, ErrGracePeriodTooShort},
		{"self escrow", func() error {
			c, _, a, tok, amt, d, g, h, v := valid()
			_, err := engine.Create(c, c, a, tok, amt, d, g, h, v, 1)
			return err
		}, ErrSelfEscrow},
		{"arbitrator is client", func() error {
			c, p, _, tok, amt, d, g, h, v := valid()
			_, err := engine.Create(c, p, &c, tok, amt, d, g, h, v, 1)
			return err
		}, ErrArbitratorConflict},
		{"arbitrator is provider", func() error {
			c, p, _, tok, amt, d, g, h, v := valid()
			_, err := engine.Create(c, p, &p, tok, amt, d, g, h, v, 1)
			return err
		}, ErrArbitratorConflict},
		{"bad token", func() error {
			c, p, a, _, amt, d, g, h, v := valid()
			_, err := engine.Create(c, p, a, "usd-coin!", amt, d, g, h, v, 1)
			return err
		}, ErrInvalidToken},
	}
	for _, tc := range cases {
		if err := tc.run(); !errors.Is(err, tc.want) {
			t.Fatalf("%s: got %v, want %v", tc.name, err, tc.want)
		}
	}
}

func TestCreateDuplicate(t *testing.T) {
	engine, mock, _ := newTestEngine(t)
	createFunded(t, engine, mock, nil)
	mock.credit(clientAddr, "USDC", big.NewInt(10_000))
	_, err := engine.Create(clientAddr, providerAddr, nil, "USDC", big.NewInt(10_000), testDeadline, testGrace, hash(0xAA), VerifyMultiSigConfirm, 1)
	if !errors.Is(err, ErrEscrowExists) {
		t.Fatalf("got %v, want ErrEscrowExists", err)
	}
}

func TestCreateInsufficientFunds(t *testing.T) {
	engine, mock, _ := newTestEngine(t)
	mock.credit(clientAddr, "USDC", big.NewInt(9_999))
	_, err := engine.Create(clientAddr, providerAddr, nil, "USDC", big.NewInt(10_000), testDeadline, testGrace, hash(0xAA), VerifyMultiSigConfirm, 1)
	if !errors.Is(err, errMockInsufficient) {
		t.Fatalf("got %v, want insufficient balance", err)
	}
}

func TestAccept(t *testing.T) {
	engine, mock, now := newTestEngine(t)
	esc := createFunded(t, engine, mock, nil)

	if err := engine.Accept(esc.ID, strangerAddr); !errors.Is(err, ErrUnauthorizedProvider) {
		t.Fatalf("stranger accept: got %v, want ErrUnauthorizedProvider", err)
	}
	if err := engine.Accept(esc.ID, providerAddr); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	stored, _ := engine.Get(esc.ID)
	if stored.Status != StatusActive {
		t.Fatalf("status = %v, want Active", stored.Status)
	}
	if err := engine.Accept(esc.ID, providerAddr); !errors.Is(err, ErrNotAwaitingProvider) {
		t.Fatalf("double accept: got %v, want ErrNotAwaitingProvider", err)
	}

	// A second escrow whose deadline arrives before acceptance.
	mock.credit(clientAddr, "USDC", big.NewInt(10_000))
	late, err := engine.Create(clientAddr, providerAddr, nil, "USDC", big.NewInt(10_000), testDeadline, testGrace, hash(0xBB), VerifyMultiSigConfirm, 1)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	*now = testDeadline
	if err := engine.Accept(late.ID, providerAddr); !errors.Is(err, ErrDeadlinePassed) {
		t.Fatalf("accept at deadline: got %v, want ErrDeadlinePassed", err)
	}
}

func TestSubmitProof(t *testing.T) {
	engine, mock, now := newTestEngine(t)
	esc := createFunded(t, engine, mock, nil)

	var proof [ProofDataSize]byte
	copy(proof[:], "signature-bytes")

	if err := engine.SubmitProof(esc.ID, providerAddr, ProofTransactionSignature, proof); !errors.Is(err, ErrNotActive) {
		t.Fatalf("proof before accept: got %v, want ErrNotActive", err)
	}
	if err := engine.Accept(esc.ID, providerAddr); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if err := engine.SubmitProof(esc.ID, clientAddr, ProofTransactionSignature, proof); !errors.Is(err, ErrUnauthorizedProvider) {
		t.Fatalf("client proof: got %v, want ErrUnauthorizedProvider", err)
	}
	if err := engine.SubmitProof(esc.ID, providerAddr, ProofNone, proof); !errors.Is(err, ErrInvalidProofType) {
		t.Fatalf("proof type none: got %v, want ErrInvalidProofType", err)
	}
	if err := engine.SubmitProof(esc.ID, providerAddr, ProofTransactionSignature, proof); err != nil {
		t.Fatalf("SubmitProof: %v", err)
	}
	stored, _ := engine.Get(esc.ID)
	if stored.Status != StatusProofSubmitted {
		t.Fatalf("status = %v, want ProofSubmitted", stored.Status)
	}
	if stored.ProofSubmittedAt != baseNow {
		t.Fatalf("proofSubmittedAt = %d, want %d", stored.ProofSubmittedAt, baseNow)
	}
	if stored.ProofData != proof {
		t.Fatalf("proof data not stored")
	}

	// Proof submission stages the record; no funds move yet.
	vaultBal, _ := mock.VaultBalance(esc.ID, "USDC")
	if vaultBal.Int64() != 10_000 {
		t.Fatalf("vault balance = %s, want 10000 untouched", vaultBal)
	}

	// Past the deadline the provider can no longer submit.
	mock.credit(clientAddr, "USDC", big.NewInt(10_000))
	late, err := engine.Create(clientAddr, providerAddr, nil, "USDC", big.NewInt(10_000), testDeadline, testGrace, hash(0xBB), VerifyMultiSigConfirm, 1)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := engine.Accept(late.ID, providerAddr); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	*now = testDeadline + 1
	if err := engine.SubmitProof(late.ID, providerAddr, ProofTransactionSignature, proof); !errors.Is(err, ErrDeadlinePassed) {
		t.Fatalf("late proof: got %v, want ErrDeadlinePassed", err)
	}
}

func TestConfirmCompletionSettles(t *testing.T) {
	engine, mock, _ := newTestEngine(t)
	esc := createFunded(t, engine, mock, nil)
	advanceToProofSubmitted(t, engine, esc.ID)

	if err := engine.ConfirmCompletion(esc.ID, providerAddr); !errors.Is(err, ErrUnauthorizedClient) {
		t.Fatalf("provider confirm: got %v, want ErrUnauthorizedClient", err)
	}
	if err := engine.ConfirmCompletion(esc.ID, clientAddr); err != nil {
		t.Fatalf("ConfirmCompletion: %v", err)
	}

	stored, _ := engine.Get(esc.ID)
	if stored.Status != StatusCompleted {
		t.Fatalf("status = %v, want Completed", stored.Status)
	}
	if got := mock.balance(providerAddr, "USDC"); got.Int64() != 9_900 {
		t.Fatalf("provider balance = %s, want 9900", got)
	}
	if got := mock.balance(feeAuthorityAddr, "USDC"); got.Int64() != 100 {
		t.Fatalf("fee authority balance = %s, want 100", got)
	}
	if !mock.closed[esc.ID] {
		t.Fatalf("vault not closed after settlement")
	}

	clientAcc, _ := mock.GetAccount(clientAddr)
	providerAcc, _ := mock.GetAccount(providerAddr)
	if clientAcc.CompletedAsClient != 1 || providerAcc.CompletedAsProvider != 1 {
		t.Fatalf("completion counters = %d/%d, want 1/1", clientAcc.CompletedAsClient, providerAcc.CompletedAsProvider)
	}
}

func TestConfirmCompletionVerificationGate(t *testing.T) {
	engine, mock, _ := newTestEngine(t)
	mock.credit(clientAddr, "USDC", big.NewInt(10_000))
	esc, err := engine.Create(clientAddr, providerAddr, nil, "USDC", big.NewInt(10_000), testDeadline, testGrace, hash(0xAA), VerifyAutoRelease, 1)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	advanceToProofSubmitted(t, engine, esc.ID)
	if err := engine.ConfirmCompletion(esc.ID, clientAddr); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("confirm on auto_release: got %v, want ErrInvalidStatus", err)
	}
}

func TestProviderReleaseTiming(t *testing.T) {
	engine, mock, now := newTestEngine(t)
	esc := createFunded(t, engine, mock, nil)
	advanceToProofSubmitted(t, engine, esc.ID)

	stored, _ := engine.Get(esc.ID)
	releaseTime := stored.ReleaseTime()
	// Proof went in at baseNow, well before the deadline, so the release
	// window is anchored to deadline + grace.
	if releaseTime != testDeadline+testGrace {
		t.Fatalf("releaseTime = %d, want %d", releaseTime, testDeadline+testGrace)
	}

	if err := engine.ProviderRelease(esc.ID, clientAddr); !errors.Is(err, ErrUnauthorizedProvider) {
		t.Fatalf("client release: got %v, want ErrUnauthorizedProvider", err)
	}
	*now = releaseTime
	if err := engine.ProviderRelease(esc.ID, providerAddr); !errors.Is(err, ErrReleaseNotReady) {
		t.Fatalf("release at boundary: got %v, want ErrReleaseNotReady", err)
	}
	*now = releaseTime + 1
	if err := engine.ProviderRelease(esc.ID, providerAddr); err != nil {
		t.Fatalf("ProviderRelease: %v", err)
	}
	if got := mock.balance(providerAddr, "USDC"); got.Int64() != 9_900 {
		t.Fatalf("provider balance = %s, want 9900", got)
	}
}

func TestProviderReleaseLateProofExtendsWindow(t *testing.T) {
	engine, mock, now := newTestEngine(t)
	esc := createFunded(t, engine, mock, nil)
	if err := engine.Accept(esc.ID, providerAddr); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	// Proof lands just before the deadline: the provider's window runs a
	// full grace period past submission, not past the deadline.
	*now = testDeadline - 1
	var proof [ProofDataSize]byte
	if err := engine.SubmitProof(esc.ID, providerAddr, ProofSignedConfirmation, proof); err != nil {
		t.Fatalf("SubmitProof: %v", err)
	}
	stored, _ := engine.Get(esc.ID)
	if stored.ReleaseTime() != testDeadline+testGrace {
		t.Fatalf("releaseTime = %d, want %d", stored.ReleaseTime(), testDeadline+testGrace)
	}
	if got := mock.balance(providerAddr, "USDC"); got.Sign() != 0 {
		t.Fatalf("provider balance = %s, want 0 before release", got)
	}
}

func TestCancel(t *testing.T) {
	engine, mock, _ := newTestEngine(t)
	esc := createFunded(t, engine, mock, nil)

	if err := engine.Cancel(esc.ID, providerAddr); !errors.Is(err, ErrUnauthorizedClient) {
		t.Fatalf("provider cancel: got %v, want ErrUnauthorizedClient", err)
	}
	if err := engine.Cancel(esc.ID, clientAddr); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	stored, _ := engine.Get(esc.ID)
	if stored.Status != StatusCancelled {
		t.Fatalf("status = %v, want Cancelled", stored.Status)
	}
	// Full refund, no fee.
	if got := mock.balance(clientAddr, "USDC"); got.Int64() != 10_000 {
		t.Fatalf("client balance = %s, want 10000", got)
	}
	if got := mock.balance(feeAuthorityAddr, "USDC"); got.Sign() != 0 {
		t.Fatalf("fee authority balance = %s, want 0", got)
	}
}

func TestCancelOnlyAwaitingProvider(t *testing.T) {
	engine, mock, _ := newTestEngine(t)
	esc := createFunded(t, engine, mock, nil)
	if err := engine.Accept(esc.ID, providerAddr); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if err := engine.Cancel(esc.ID, clientAddr); !errors.Is(err, ErrNotAwaitingProvider) {
		t.Fatalf("cancel active: got %v, want ErrNotAwaitingProvider", err)
	}
}

func TestExpireTiming(t *testing.T) {
	engine, mock, now := newTestEngine(t)
	esc := createFunded(t, engine, mock, nil)
	if err := engine.Accept(esc.ID, providerAddr); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	*now = testDeadline + testGrace
	if err := engine.Expire(esc.ID); !errors.Is(err, ErrNotYetExpired) {
		t.Fatalf("expire at boundary: got %v, want ErrNotYetExpired", err)
	}
	*now = testDeadline + testGrace + 1
	if err := engine.Expire(esc.ID); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	stored, _ := engine.Get(esc.ID)
	if stored.Status != StatusExpired {
		t.Fatalf("status = %v, want Expired", stored.Status)
	}
	if got := mock.balance(clientAddr, "USDC"); got.Int64() != 10_000 {
		t.Fatalf("client balance = %s, want full refund of 10000", got)
	}
}

func TestExpireProtectsSubmittedProof(t *testing.T) {
	engine, mock, now := newTestEngine(t)
	esc := createFunded(t, engine, mock, nil)
	advanceToProofSubmitted(t, engine, esc.ID)
	*now = testDeadline + testGrace + 1
	if err := engine.Expire(esc.ID); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expire with proof in flight: got %v, want ErrInvalidStatus", err)
	}
}

func TestPauseMatrix(t *testing.T) {
	engine, mock, now := newTestEngine(t)
	funded := createFunded(t, engine, mock, &arbitratorAddr)
	advanceToProofSubmitted(t, engine, funded.ID)

	mock.credit(clientAddr, "USDC", big.NewInt(10_000))
	awaiting, err := engine.Create(clientAddr, providerAddr, nil, "USDC", big.NewInt(10_000), testDeadline, testGrace, hash(0xBB), VerifyMultiSigConfirm, 1)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	paused := true
	if _, err := engine.UpdateConfig(adminAddr, ConfigUpdate{Paused: &paused}); err != nil {
		t.Fatalf("UpdateConfig pause: %v", err)
	}

	var proof [ProofDataSize]byte
	blocked := []struct {
		name string
		run  func() error
	}{
		{"create", func() error {
			mock.credit(clientAddr, "USDC", big.NewInt(10_000))
			_, err := engine.Create(clientAddr, providerAddr, nil, "USDC", big.NewInt(10_000), testDeadline, testGrace, hash(0xCC), VerifyMultiSigConfirm, 1)
			return err
		}},
		{"accept", func() error { return engine.Accept(awaiting.ID, providerAddr) }},
		{"submit proof", func() error { return engine.SubmitProof(funded.ID, providerAddr, ProofSignedConfirmation, proof) }},
		{"confirm", func() error { return engine.ConfirmCompletion(funded.ID, clientAddr) }},
		{"provider release", func() error { return engine.ProviderRelease(funded.ID, providerAddr) }},
		{"raise dispute", func() error { return engine.RaiseDispute(funded.ID, clientAddr) }},
		{"resolve", func() error {
			return engine.ResolveDispute(funded.ID, arbitratorAddr, DisputeRuling{Kind: RulingPayClient})
		}},
	}
	for _, tc := range blocked {
		if err := tc.run(); !errors.Is(err, ErrProtocolPaused) {
			t.Fatalf("%s while paused: got %v, want ErrProtocolPaused", tc.name, err)
		}
	}

	// Refund paths stay open during an emergency stop.
	if err := engine.Cancel(awaiting.ID, clientAddr); err != nil {
		t.Fatalf("cancel while paused: %v", err)
	}

	mock.credit(clientAddr, "USDC", big.NewInt(10_000))
	unpaused := false
	if _, err := engine.UpdateConfig(adminAddr, ConfigUpdate{Paused: &unpaused}); err != nil {
		t.Fatalf("UpdateConfig unpause: %v", err)
	}
	expirable, err := engine.Create(clientAddr, providerAddr, nil, "USDC", big.NewInt(10_000), testDeadline, testGrace, hash(0xDD), VerifyMultiSigConfirm, 1)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := engine.UpdateConfig(adminAddr, ConfigUpdate{Paused: &paused}); err != nil {
		t.Fatalf("UpdateConfig re-pause: %v", err)
	}
	*now = testDeadline + testGrace + 1
	if err := engine.Expire(expirable.ID); err != nil {
		t.Fatalf("expire while paused: %v", err)
	}
}

func TestRaiseDispute(t *testing.T) {
	engine, mock, now := newTestEngine(t)
	esc := createFunded(t, engine, mock, &arbitratorAddr)
	if err := engine.RaiseDispute(esc.ID, clientAddr); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("dispute before accept: got %v, want ErrInvalidStatus", err)
	}
	if err := engine.Accept(esc.ID, providerAddr); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if err := engine.RaiseDispute(esc.ID, strangerAddr); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("stranger dispute: got %v, want ErrNotParticipant", err)
	}
	if err := engine.RaiseDispute(esc.ID, providerAddr); err != nil {
		t.Fatalf("RaiseDispute: %v", err)
	}
	stored, _ := engine.Get(esc.ID)
	if stored.Status != StatusDisputed {
		t.Fatalf("status = %v, want Disputed", stored.Status)
	}
	if stored.DisputeRaisedBy != providerAddr {
		t.Fatalf("disputeRaisedBy not recorded")
	}

	// Window boundary on a fresh record.
	mock.credit(clientAddr, "USDC", big.NewInt(10_000))
	second, err := engine.Create(clientAddr, providerAddr, &arbitratorAddr, "USDC", big.NewInt(10_000), testDeadline, testGrace, hash(0xBB), VerifyMultiSigConfirm, 1)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := engine.Accept(second.ID, providerAddr); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	*now = testDeadline + testGrace
	if err := engine.RaiseDispute(second.ID, clientAddr); err != nil {
		t.Fatalf("dispute inside window: %v", err)
	}
}

func TestRaiseDisputeWindowClosed(t *testing.T) {
	engine, mock, now := newTestEngine(t)
	esc := createFunded(t, engine, mock, &arbitratorAddr)
	if err := engine.Accept(esc.ID, providerAddr); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	*now = testDeadline + testGrace + 1
	if err := engine.RaiseDispute(esc.ID, clientAddr); !errors.Is(err, ErrGracePeriodExpired) {
		t.Fatalf("dispute past window: got %v, want ErrGracePeriodExpired", err)
	}
}

func TestRaiseDisputeNeedsArbitrator(t *testing.T) {
	engine, mock, _ := newTestEngine(t)
	esc := createFunded(t, engine, mock, nil)
	if err := engine.Accept(esc.ID, providerAddr); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if err := engine.RaiseDispute(esc.ID, clientAddr); !errors.Is(err, ErrNoArbitrator) {
		t.Fatalf("dispute without arbitrator: got %v, want ErrNoArbitrator", err)
	}
}

func TestGriefingSweepGoesToClient(t *testing.T) {
	engine, mock, _ := newTestEngine(t)
	esc := createFunded(t, engine, mock, nil)
	advanceToProofSubmitted(t, engine, esc.ID)

	// A third party stuffs extra funds into the vault out of band.
	mock.credit(strangerAddr, "USDC", big.NewInt(777))
	if err := mock.VaultDeposit(esc.ID, strangerAddr, "USDC", big.NewInt(777)); err != nil {
		t.Fatalf("grief deposit: %v", err)
	}

	if err := engine.ConfirmCompletion(esc.ID, clientAddr); err != nil {
		t.Fatalf("ConfirmCompletion: %v", err)
	}
	if got := mock.balance(providerAddr, "USDC"); got.Int64() != 9_900 {
		t.Fatalf("provider balance = %s, want exactly 9900", got)
	}
	if got := mock.balance(clientAddr, "USDC"); got.Int64() != 777 {
		t.Fatalf("client balance = %s, want swept 777", got)
	}
	if !mock.closed[esc.ID] {
		t.Fatalf("vault not closed after sweep")
	}
}

func TestFeeSnapshotSurvivesConfigChange(t *testing.T) {
	engine, mock, _ := newTestEngine(t)
	esc := createFunded(t, engine, mock, nil)
	advanceToProofSubmitted(t, engine, esc.ID)

	// Crank the rate to the cap after creation; settlement still charges
	// the snapshotted 100 bps.
	newRate := uint32(500)
	if _, err := engine.UpdateConfig(adminAddr, ConfigUpdate{ProtocolFeeBps: &newRate}); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	if err := engine.ConfirmCompletion(esc.ID, clientAddr); err != nil {
		t.Fatalf("ConfirmCompletion: %v", err)
	}
	if got := mock.balance(providerAddr, "USDC"); got.Int64() != 9_900 {
		t.Fatalf("provider balance = %s, want 9900 at snapshotted rate", got)
	}
	if got := mock.balance(feeAuthorityAddr, "USDC"); got.Int64() != 100 {
		t.Fatalf("fee authority balance = %s, want 100 at snapshotted rate", got)
	}
}

func TestFeeAuthorityReadAtSettlement(t *testing.T) {
	engine, mock, _ := newTestEngine(t)
	esc := createFunded(t, engine, mock, nil)
	advanceToProofSubmitted(t, engine, esc.ID)

	// Fee destination is the current authority, not a snapshot.
	newAuthority := addr(0x44)
	if _, err := engine.UpdateConfig(adminAddr, ConfigUpdate{FeeAuthority: &newAuthority}); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	if err := engine.ConfirmCompletion(esc.ID, clientAddr); err != nil {
		t.Fatalf("ConfirmCompletion: %v", err)
	}
	if got := mock.balance(newAuthority, "USDC"); got.Int64() != 100 {
		t.Fatalf("new authority balance = %s, want 100", got)
	}
	if got := mock.balance(feeAuthorityAddr, "USDC"); got.Sign() != 0 {
		t.Fatalf("old authority balance = %s, want 0", got)
	}
}

// TestStatusOperationMatrix drives every operation against every status.
// Cells outside an operation's legal source status must reject; legal cells
// are covered by the lifecycle tests above and skipped here (several are
// additionally time-gated).
func TestStatusOperationMatrix(t *testing.T) {
	var proof [ProofDataSize]byte
	ops := []struct {
		name    string
		allowed map[EscrowStatus]bool
		run     func(engine *Engine, id [32]byte) error
	}{
		{"accept", map[EscrowStatus]bool{StatusAwaitingProvider: true},
			func(engine *Engine, id [32]byte) error { return engine.Accept(id, providerAddr) }},
		{"submit proof", map[EscrowStatus]bool{StatusActive: true},
			func(engine *Engine, id [32]byte) error {
				return engine.SubmitProof(id, providerAddr, ProofSignedConfirmation, proof)
			}},
		{"confirm", map[EscrowStatus]bool{StatusProofSubmitted: true},
			func(engine *Engine, id [32]byte) error { return engine.ConfirmCompletion(id, clientAddr) }},
		{"provider release", map[EscrowStatus]bool{StatusProofSubmitted: true},
			func(engine *Engine, id [32]byte) error { return engine.ProviderRelease(id, providerAddr) }},
		{"cancel", map[EscrowStatus]bool{StatusAwaitingProvider: true},
			func(engine *Engine, id [32]byte) error { return engine.Cancel(id, clientAddr) }},
		{"expire", map[EscrowStatus]bool{StatusAwaitingProvider: true, StatusActive: true},
			func(engine *Engine, id [32]byte) error { return engine.Expire(id) }},
		{"dispute", map[EscrowStatus]bool{StatusActive: true, StatusProofSubmitted: true},
			func(engine *Engine, id [32]byte) error { return engine.RaiseDispute(id, clientAddr) }},
		{"resolve", map[EscrowStatus]bool{StatusDisputed: true},
			func(engine *Engine, id [32]byte) error {
				return engine.ResolveDispute(id, arbitratorAddr, DisputeRuling{Kind: RulingPayClient})
			}},
	}
	statuses := []EscrowStatus{
		StatusAwaitingProvider,
		StatusActive,
		StatusProofSubmitted,
		StatusCompleted,
		StatusDisputed,
		StatusResolved,
		StatusExpired,
		StatusCancelled,
	}
	for _, status := range statuses {
		for _, op := range ops {
			if op.allowed[status] {
				continue
			}
			engine, mock, _ := newTestEngine(t)
			esc := createFunded(t, engine, mock, &arbitratorAddr)
			mock.escrows[esc.ID].Status = status
			if err := op.run(engine, esc.ID); err == nil {
				t.Fatalf("%s from %v succeeded, want rejection", op.name, status)
			}
		}
	}
}

func TestOperationsOnUnknownEscrow(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	missing := hash(0xEE)
	if err := engine.Accept(missing, providerAddr); !errors.Is(err, ErrEscrowNotFound) {
		t.Fatalf("got %v, want ErrEscrowNotFound", err)
	}
	if _, err := engine.Get(missing); !errors.Is(err, ErrEscrowNotFound) {
		t.Fatalf("got %v, want ErrEscrowNotFound", err)
	}
}

func TestUpdateConfigAuthorization(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	paused := true
	if _, err := engine.UpdateConfig(strangerAddr, ConfigUpdate{Paused: &paused}); !errors.Is(err, ErrUnauthorizedAdmin) {
		t.Fatalf("got %v, want ErrUnauthorizedAdmin", err)
	}

	// Admin handover: the old admin loses control.
	newAdmin := addr(0x55)
	if _, err := engine.UpdateConfig(adminAddr, ConfigUpdate{NewAdmin: &newAdmin}); err != nil {
		t.Fatalf("UpdateConfig handover: %v", err)
	}
	if _, err := engine.UpdateConfig(adminAddr, ConfigUpdate{Paused: &paused}); !errors.Is(err, ErrUnauthorizedAdmin) {
		t.Fatalf("old admin after handover: got %v, want ErrUnauthorizedAdmin", err)
	}
	if _, err := engine.UpdateConfig(newAdmin, ConfigUpdate{Paused: &paused}); err != nil {
		t.Fatalf("new admin update: %v", err)
	}
}

func advanceToProofSubmitted(t *testing.T, engine *Engine, id [32]byte) {
	t.Helper()
	if err := engine.Accept(id, providerAddr); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	var proof [ProofDataSize]byte
	copy(proof[:], "confirmation")
	if err := engine.SubmitProof(id, providerAddr, ProofSignedConfirmation, proof); err != nil {
		t.Fatalf("SubmitProof: %v", err)
	}
}
