// Package gateway provides the oracle's read/write access to external ground
// truth: the escrow ledger and the annotation platform. Both are polled by
// reconciliation jobs and must distinguish "not found" from transient
// failures, since the two outcomes drive different transitions.
package gateway

import (
	"context"
	"errors"
	"math/big"

	"github.com/exchange-oracle/internal/types"
)

// ErrEscrowNotFound indicates the escrow does not exist on the queried chain.
// It is not transient: retrying the same lookup will not make the escrow
// appear.
var ErrEscrowNotFound = errors.New("escrow not found")

// Escrow is the ledger's view of one escrow contract.
type Escrow struct {
	Address          string
	ChainID          types.ChainID
	Status           types.EscrowStatus
	Balance          *big.Int
	ManifestURL      string
	ManifestHash     string
	Launcher         string
	ExchangeOracle   string
	RecordingOracle  string
	ReputationOracle string
}

// HasFunds reports whether the escrow balance is positive.
func (e *Escrow) HasFunds() bool {
	return e.Balance != nil && e.Balance.Sign() > 0
}

// PartyRoles returns the registered oracle addresses keyed by role.
func (e *Escrow) PartyRoles() map[types.OracleKind]string {
	return map[types.OracleKind]string{
		types.OracleJobLauncher: e.Launcher,
		types.OracleExchange:    e.ExchangeOracle,
		types.OracleRecording:   e.RecordingOracle,
		types.OracleReputation:  e.ReputationOracle,
	}
}

// LedgerGateway is the read-mostly escrow ledger access used by
// reconciliation. GetEscrow returns ErrEscrowNotFound for a missing escrow
// and a transient error for RPC failures.
type LedgerGateway interface {
	GetEscrow(ctx context.Context, chainID types.ChainID, escrowAddress string) (*Escrow, error)
	StoreResults(ctx context.Context, chainID types.ChainID, escrowAddress, url, hash string) error
}
