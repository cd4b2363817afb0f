package gateway

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/exchange-oracle/internal/circuitbreaker"
	oracleerrors "github.com/exchange-oracle/internal/errors"
	"github.com/exchange-oracle/internal/logging"
	"github.com/exchange-oracle/internal/retry"
	"github.com/exchange-oracle/internal/types"
)

// escrowABI covers the escrow contract surface this oracle reads, plus the
// storeResults write path.
const escrowABI = `[
	{"constant":true,"inputs":[],"name":"status","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"getBalance","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"manifestUrl","outputs":[{"name":"","type":"string"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"manifestHash","outputs":[{"name":"","type":"string"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"launcher","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"exchangeOracle","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"recordingOracle","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"reputationOracle","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"},
	{"constant":false,"inputs":[{"name":"_url","type":"string"},{"name":"_hash","type":"string"}],"name":"storeResults","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

// escrowStatusByCode maps the contract's status enum to EscrowStatus.
var escrowStatusByCode = map[uint8]types.EscrowStatus{
	0: types.EscrowStatusLaunched,
	1: types.EscrowStatusPending,
	2: types.EscrowStatusPartial,
	3: types.EscrowStatusPaid,
	4: types.EscrowStatusComplete,
	5: types.EscrowStatusCancelled,
}

// rpcRetryConfig retries flaky RPC round trips inside one gateway call. The
// delays are tightened from the defaults so the budget stays well under the
// gateway timeout.
var rpcRetryConfig = func() *retry.Config {
	cfg := retry.DefaultConfig()
	cfg.InitialDelay = 250 * time.Millisecond
	cfg.MaxDelay = 2 * time.Second
	return cfg
}()

// EthereumLedger implements LedgerGateway over JSON-RPC clients, one per
// configured chain. Each chain gets its own circuit breaker so a dead RPC
// endpoint on one chain cannot slow reconciliation of the others.
type EthereumLedger struct {
	clients    map[types.ChainID]*ethclient.Client
	breakers   map[types.ChainID]*circuitbreaker.Breaker
	abi        abi.ABI
	privateKey *ecdsa.PrivateKey
	timeout    time.Duration
}

// EthereumLedgerConfig holds ledger gateway construction parameters
type EthereumLedgerConfig struct {
	RPCURLs map[types.ChainID]string
	// PrivateKeyHex signs storeResults transactions. Optional for read-only use.
	PrivateKeyHex string
	Timeout       time.Duration
}

// NewEthereumLedger creates a ledger gateway with one RPC client per chain
func NewEthereumLedger(cfg *EthereumLedgerConfig, logger *logging.Logger) (*EthereumLedger, error) {
	if len(cfg.RPCURLs) == 0 {
		return nil, fmt.Errorf("at least one chain RPC URL is required")
	}

	parsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse escrow ABI: %w", err)
	}

	clients := make(map[types.ChainID]*ethclient.Client, len(cfg.RPCURLs))
	breakers := make(map[types.ChainID]*circuitbreaker.Breaker, len(cfg.RPCURLs))
	for chainID, url := range cfg.RPCURLs {
		client, err := ethclient.Dial(url)
		if err != nil {
			return nil, fmt.Errorf("failed to dial chain %d: %w", chainID, err)
		}
		clients[chainID] = client
		breakers[chainID] = circuitbreaker.New(circuitbreaker.Config{
			Name: fmt.Sprintf("ledger-chain-%d", chainID),
		}, logger)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	ledger := &EthereumLedger{
		clients:  clients,
		breakers: breakers,
		abi:      parsed,
		timeout:  timeout,
	}

	if cfg.PrivateKeyHex != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKeyHex, "0x"))
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		ledger.privateKey = key
	}

	return ledger, nil
}

// Close releases all RPC clients
func (l *EthereumLedger) Close() {
	for _, client := range l.clients {
		client.Close()
	}
}

func (l *EthereumLedger) chain(chainID types.ChainID) (*ethclient.Client, *circuitbreaker.Breaker, error) {
	client, ok := l.clients[chainID]
	if !ok {
		return nil, nil, fmt.Errorf("no RPC client configured for chain %d", chainID)
	}
	return client, l.breakers[chainID], nil
}

// call executes a read-only contract call and unpacks the single result into
// out. The RPC round trip is retried in-call and guarded by the chain's
// circuit breaker; every breaker or RPC failure surfaces as transient so the
// calling job leaves its entity untouched for the next tick.
func (l *EthereumLedger) call(ctx context.Context, client *ethclient.Client, breaker *circuitbreaker.Breaker, escrow common.Address, method string, out interface{}) error {
	data, err := l.abi.Pack(method)
	if err != nil {
		return fmt.Errorf("failed to pack %s call: %w", method, err)
	}

	var raw []byte
	err = breaker.Do(ctx, func() error {
		return retry.WithExponentialBackoff(ctx, rpcRetryConfig, func(ctx context.Context, attempt int) error {
			var callErr error
			raw, callErr = client.CallContract(ctx, ethereum.CallMsg{To: &escrow, Data: data}, nil)
			return callErr
		})
	})
	if err != nil {
		return oracleerrors.NewTransientError("escrow "+method+" call", err)
	}
	if len(raw) == 0 {
		// An empty return from a plain call means no contract code at the address.
		return ErrEscrowNotFound
	}

	results, err := l.abi.Unpack(method, raw)
	if err != nil || len(results) == 0 {
		return fmt.Errorf("failed to unpack %s result: %w", method, err)
	}

	switch v := out.(type) {
	case *uint8:
		value, ok := results[0].(uint8)
		if !ok {
			return fmt.Errorf("unexpected %s result type %T", method, results[0])
		}
		*v = value
	case **big.Int:
		value, ok := results[0].(*big.Int)
		if !ok {
			return fmt.Errorf("unexpected %s result type %T", method, results[0])
		}
		*v = value
	case *string:
		value, ok := results[0].(string)
		if !ok {
			return fmt.Errorf("unexpected %s result type %T", method, results[0])
		}
		*v = value
	case *common.Address:
		value, ok := results[0].(common.Address)
		if !ok {
			return fmt.Errorf("unexpected %s result type %T", method, results[0])
		}
		*v = value
	default:
		return fmt.Errorf("unsupported output type %T", out)
	}
	return nil
}

// GetEscrow reads the full escrow view needed by reconciliation
func (l *EthereumLedger) GetEscrow(ctx context.Context, chainID types.ChainID, escrowAddress string) (*Escrow, error) {
	client, breaker, err := l.chain(chainID)
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(escrowAddress) {
		return nil, fmt.Errorf("invalid escrow address: %s", escrowAddress)
	}
	address := common.HexToAddress(escrowAddress)

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	var statusCode uint8
	if err := l.call(ctx, client, breaker, address, "status", &statusCode); err != nil {
		return nil, err
	}
	status, ok := escrowStatusByCode[statusCode]
	if !ok {
		return nil, fmt.Errorf("unknown escrow status code %d", statusCode)
	}

	escrow := &Escrow{
		Address: escrowAddress,
		ChainID: chainID,
		Status:  status,
	}

	if err := l.call(ctx, client, breaker, address, "getBalance", &escrow.Balance); err != nil {
		return nil, err
	}
	if err := l.call(ctx, client, breaker, address, "manifestUrl", &escrow.ManifestURL); err != nil {
		return nil, err
	}
	if err := l.call(ctx, client, breaker, address, "manifestHash", &escrow.ManifestHash); err != nil {
		return nil, err
	}

	var launcher, exchange, recording, reputation common.Address
	if err := l.call(ctx, client, breaker, address, "launcher", &launcher); err != nil {
		return nil, err
	}
	if err := l.call(ctx, client, breaker, address, "exchangeOracle", &exchange); err != nil {
		return nil, err
	}
	if err := l.call(ctx, client, breaker, address, "recordingOracle", &recording); err != nil {
		return nil, err
	}
	if err := l.call(ctx, client, breaker, address, "reputationOracle", &reputation); err != nil {
		return nil, err
	}
	escrow.Launcher = launcher.Hex()
	escrow.ExchangeOracle = exchange.Hex()
	escrow.RecordingOracle = recording.Hex()
	escrow.ReputationOracle = reputation.Hex()

	return escrow, nil
}

// StoreResults submits the annotation results URL and hash to the escrow
// contract. Transaction preparation reads retry in-call; the send itself runs
// once per invocation and its outcome feeds the chain's breaker.
func (l *EthereumLedger) StoreResults(ctx context.Context, chainID types.ChainID, escrowAddress, url, hash string) error {
	if l.privateKey == nil {
		return fmt.Errorf("ledger gateway has no signing key configured")
	}
	client, breaker, err := l.chain(chainID)
	if err != nil {
		return err
	}
	if !common.IsHexAddress(escrowAddress) {
		return fmt.Errorf("invalid escrow address: %s", escrowAddress)
	}
	to := common.HexToAddress(escrowAddress)
	from := crypto.PubkeyToAddress(l.privateKey.PublicKey)

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	data, err := l.abi.Pack("storeResults", url, hash)
	if err != nil {
		return fmt.Errorf("failed to pack storeResults call: %w", err)
	}

	err = breaker.Do(ctx, func() error {
		var nonce uint64
		if err := retry.WithExponentialBackoff(ctx, rpcRetryConfig, func(ctx context.Context, attempt int) error {
			var rpcErr error
			nonce, rpcErr = client.PendingNonceAt(ctx, from)
			return rpcErr
		}); err != nil {
			return fmt.Errorf("fetch nonce: %w", err)
		}

		var gasPrice *big.Int
		if err := retry.WithExponentialBackoff(ctx, rpcRetryConfig, func(ctx context.Context, attempt int) error {
			var rpcErr error
			gasPrice, rpcErr = client.SuggestGasPrice(ctx)
			return rpcErr
		}); err != nil {
			return fmt.Errorf("fetch gas price: %w", err)
		}

		gasLimit, err := client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
		if err != nil {
			return fmt.Errorf("estimate gas: %w", err)
		}

		tx := ethtypes.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, data)
		signedTx, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(big.NewInt(int64(chainID))), l.privateKey)
		if err != nil {
			return fmt.Errorf("failed to sign storeResults transaction: %w", err)
		}
		return client.SendTransaction(ctx, signedTx)
	})
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return oracleerrors.NewTransientError("ledger circuit open", err)
		}
		return oracleerrors.NewTransientError("send storeResults transaction", err)
	}
	return nil
}
