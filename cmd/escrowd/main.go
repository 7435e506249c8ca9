package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cruellacodes/escrowagent/config"
	"github.com/cruellacodes/escrowagent/core/events"
	"github.com/cruellacodes/escrowagent/core/state"
	"github.com/cruellacodes/escrowagent/core/types"
	"github.com/cruellacodes/escrowagent/native/escrow"
	"github.com/cruellacodes/escrowagent/observability/logging"
	"github.com/cruellacodes/escrowagent/rpc"
	"github.com/cruellacodes/escrowagent/storage"
)

var genesisAppliedKey = []byte("genesis/applied")

// logEmitter forwards engine events to the structured logger.
type logEmitter struct {
	logger *slog.Logger
}

func (l logEmitter) Emit(evt events.Event) {
	if l.logger == nil || evt == nil {
		return
	}
	attrs := []any{slog.String("event", evt.EventType())}
	if carrier, ok := evt.(interface{ Event() *types.Event }); ok {
		if inner := carrier.Event(); inner != nil {
			for key, value := range inner.Attributes {
				attrs = append(attrs, slog.String(key, value))
			}
		}
	}
	l.logger.Info("escrow event", attrs...)
}

func main() {
	configPath := flag.String("config", "./config.toml", "path to the daemon configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup("escrowd", cfg.Environment)

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		logger.Error("open database", "path", cfg.DataDir, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	manager := state.NewManager(db)
	if err := applyGenesis(db, manager, cfg.GenesisAccounts, logger); err != nil {
		logger.Error("apply genesis accounts", "error", err)
		os.Exit(1)
	}

	engine := escrow.NewEngine()
	engine.SetState(manager)
	engine.SetEmitter(logEmitter{logger: logger})

	server := rpc.NewServer(engine, manager, cfg.RPCToken)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("rpc listening", "address", cfg.ListenAddress)
		errCh <- httpServer.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("rpc server", "error", err)
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
}

// applyGenesis seeds configured balances exactly once per data directory.
func applyGenesis(db storage.Database, manager *state.Manager, accounts []config.GenesisAccount, logger *slog.Logger) error {
	applied, err := db.Has(genesisAppliedKey)
	if err != nil {
		return err
	}
	if applied || len(accounts) == 0 {
		if !applied && len(accounts) == 0 {
			return db.Put(genesisAppliedKey, []byte{1})
		}
		return nil
	}

	err = manager.WithAtomic(func() error {
		for _, account := range accounts {
			addr, err := parseGenesisAddress(account.Address)
			if err != nil {
				return err
			}
			token, err := escrow.NormalizeToken(account.Token)
			if err != nil {
				return fmt.Errorf("genesis account %s: %w", account.Address, err)
			}
			amount, ok := new(big.Int).SetString(strings.TrimSpace(account.Amount), 10)
			if !ok || amount.Sign() <= 0 {
				return fmt.Errorf("genesis account %s: invalid amount %q", account.Address, account.Amount)
			}
			if err := manager.Credit(addr, token, amount); err != nil {
				return err
			}
			logger.Info("seeded genesis balance", "address", account.Address, "token", token, "amount", amount.String())
		}
		return nil
	})
	if err != nil {
		return err
	}
	return db.Put(genesisAppliedKey, []byte{1})
}

func parseGenesisAddress(raw string) ([20]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	var addr [20]byte
	decoded, err := hex.DecodeString(trimmed)
	if err != nil || len(decoded) != 20 {
		return addr, fmt.Errorf("genesis account: invalid address %q", raw)
	}
	copy(addr[:], decoded)
	return addr, nil
}
