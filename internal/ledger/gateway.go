package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/alanyoungcy/greenledger/internal/crypto"
	"github.com/alanyoungcy/greenledger/internal/domain"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// Backend is the slice of ethclient.Client the gateway needs.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// RPCCaller issues raw JSON-RPC calls. It is used for eth_sendTransaction
// from node-unlocked accounts (development chains such as Ganache).
type RPCCaller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// Options configures a Gateway.
type Options struct {
	ContractAddress     common.Address
	ChainID             *big.Int // nil asks the node
	GasLimitBuy         uint64
	GasLimitRegister    uint64
	GasLimitTransfer    uint64
	GasLimitPayment     uint64
	ReceiptTimeout      time.Duration
	ReceiptPollInterval time.Duration
	SenderLockTTL       time.Duration
}

// Gateway signs and broadcasts GreenLedger transactions and reads contract
// state. It is safe for concurrent use; writes from the same sender are
// serialized.
type Gateway struct {
	backend Backend
	rpc     RPCCaller
	abi     abi.ABI
	opts    Options
	chainID *big.Int
	locks   *senderLocks
	logger  *slog.Logger
}

// Dial connects to a node over JSON-RPC and returns both the typed client and
// the raw RPC client it wraps.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, *rpc.Client, error) {
	rc, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("ledger: dial %s: %w", rpcURL, err)
	}
	return ethclient.NewClient(rc), rc, nil
}

// NewGateway builds a Gateway. caller may be nil, in which case keyless
// company registration is unavailable. locks may be nil for in-process
// locking only.
func NewGateway(ctx context.Context, backend Backend, caller RPCCaller, parsed abi.ABI, opts Options, locks domain.LockManager, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	chainID := opts.ChainID
	if chainID == nil || chainID.Sign() == 0 {
		id, err := backend.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("ledger: chain id: %w", err)
		}
		chainID = id
	}
	if opts.ReceiptPollInterval <= 0 {
		opts.ReceiptPollInterval = time.Second
	}
	return &Gateway{
		backend: backend,
		rpc:     caller,
		abi:     parsed,
		opts:    opts,
		chainID: chainID,
		locks:   newSenderLocks(locks, opts.SenderLockTTL),
		logger:  logger.With(slog.String("component", "ledger")),
	}, nil
}

// ContractAddress returns the GreenLedger contract the gateway talks to.
func (g *Gateway) ContractAddress() common.Address {
	return g.opts.ContractAddress
}

// ChainID returns the chain the gateway signs for.
func (g *Gateway) ChainID() *big.Int {
	return new(big.Int).Set(g.chainID)
}

// ReadCompany calls getCompany(address). A record the contract reports as
// unregistered is returned as domain.ErrNotFound.
func (g *Gateway) ReadCompany(ctx context.Context, wallet common.Address) (domain.CompanyInfo, error) {
	data, err := g.abi.Pack("getCompany", wallet)
	if err != nil {
		return domain.CompanyInfo{}, fmt.Errorf("ledger: pack getCompany: %w: %w", domain.ErrContractRead, err)
	}

	to := g.opts.ContractAddress
	out, err := g.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return domain.CompanyInfo{}, fmt.Errorf("ledger: call getCompany: %w: %w", domain.ErrContractRead, err)
	}

	vals, err := g.abi.Unpack("getCompany", out)
	if err != nil {
		return domain.CompanyInfo{}, fmt.Errorf("ledger: unpack getCompany: %w: %w", domain.ErrContractRead, err)
	}
	if len(vals) != 5 {
		return domain.CompanyInfo{}, fmt.Errorf("ledger: unpack getCompany: %w: got %d values", domain.ErrContractRead, len(vals))
	}

	name, ok1 := vals[0].(string)
	addr, ok2 := vals[1].(common.Address)
	ctype, ok3 := vals[2].(uint8)
	threshold, ok4 := vals[3].(*big.Int)
	registered, ok5 := vals[4].(bool)
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
		return domain.CompanyInfo{}, fmt.Errorf("ledger: unpack getCompany: %w: unexpected types", domain.ErrContractRead)
	}
	if !registered {
		return domain.CompanyInfo{}, domain.ErrNotFound
	}

	return domain.CompanyInfo{
		Name:       name,
		Wallet:     addr.Hex(),
		Type:       int(ctype),
		Threshold:  threshold.String(),
		Registered: registered,
	}, nil
}

// RegisterCompany sends registerCompany(name, type). With a signer the
// transaction is signed locally; with a nil signer it is sent through
// eth_sendTransaction and must come from an account the node has unlocked.
func (g *Gateway) RegisterCompany(ctx context.Context, from common.Address, signer *crypto.Signer, name string, ctype domain.CompanyType) (common.Hash, error) {
	data, err := g.abi.Pack("registerCompany", name, uint8(ctype))
	if err != nil {
		return common.Hash{}, fmt.Errorf("ledger: pack registerCompany: %w: %w", domain.ErrTransaction, err)
	}
	if signer != nil {
		return g.send(ctx, "registerCompany", signer, g.opts.ContractAddress, nil, g.opts.GasLimitRegister, data)
	}
	if g.rpc == nil {
		return common.Hash{}, fmt.Errorf("ledger: registerCompany: %w: no signer and no raw rpc client", domain.ErrTransaction)
	}

	release, err := g.locks.acquire(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("ledger: registerCompany: %w: %w", domain.ErrTransaction, err)
	}
	defer release()

	to := g.opts.ContractAddress
	args := map[string]interface{}{
		"from": from,
		"to":   &to,
		"gas":  hexutil.Uint64(g.opts.GasLimitRegister),
		"data": hexutil.Bytes(data),
	}
	var hash common.Hash
	if err := g.rpc.CallContext(ctx, &hash, "eth_sendTransaction", args); err != nil {
		return common.Hash{}, fmt.Errorf("ledger: eth_sendTransaction registerCompany: %w: %w", domain.ErrTransaction, err)
	}
	g.logger.InfoContext(ctx, "transaction sent",
		slog.String("op", "registerCompany"),
		slog.String("from", from.Hex()),
		slog.String("tx", hash.Hex()),
	)
	return hash, nil
}

// SubmitBuy sends buyCredit(region, amount, tokenURI) carrying value wei.
func (g *Gateway) SubmitBuy(ctx context.Context, signer *crypto.Signer, region string, amount int64, tokenURI string, value *big.Int) (common.Hash, error) {
	data, err := g.abi.Pack("buyCredit", region, big.NewInt(amount), tokenURI)
	if err != nil {
		return common.Hash{}, fmt.Errorf("ledger: pack buyCredit: %w: %w", domain.ErrTransaction, err)
	}
	return g.send(ctx, "buyCredit", signer, g.opts.ContractAddress, value, g.opts.GasLimitBuy, data)
}

// SubmitTransfer sends transferFrom(signer, to, tokenID).
func (g *Gateway) SubmitTransfer(ctx context.Context, signer *crypto.Signer, to common.Address, tokenID *big.Int) (common.Hash, error) {
	data, err := g.abi.Pack("transferFrom", signer.Address(), to, tokenID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("ledger: pack transferFrom: %w: %w", domain.ErrTransaction, err)
	}
	return g.send(ctx, "transferFrom", signer, g.opts.ContractAddress, nil, g.opts.GasLimitTransfer, data)
}

// SubmitPayment sends a plain value transfer of value wei.
func (g *Gateway) SubmitPayment(ctx context.Context, signer *crypto.Signer, to common.Address, value *big.Int) (common.Hash, error) {
	return g.send(ctx, "payment", signer, to, value, g.opts.GasLimitPayment, nil)
}

// send computes nonce and gas price, signs and broadcasts while holding the
// sender's lock.
func (g *Gateway) send(ctx context.Context, op string, signer *crypto.Signer, to common.Address, value *big.Int, gas uint64, data []byte) (common.Hash, error) {
	if signer == nil {
		return common.Hash{}, fmt.Errorf("ledger: %s: %w: no signer", op, domain.ErrTransaction)
	}
	from := signer.Address()
	if value == nil {
		value = new(big.Int)
	}

	release, err := g.locks.acquire(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("ledger: %s: %w: %w", op, domain.ErrTransaction, err)
	}
	defer release()

	nonce, err := g.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("ledger: %s: nonce: %w: %w", op, domain.ErrTransaction, err)
	}
	gasPrice, err := g.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("ledger: %s: gas price: %w: %w", op, domain.ErrTransaction, err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := signer.SignTx(tx, g.chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("ledger: %s: %w: %w", op, domain.ErrTransaction, err)
	}
	if err := g.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("ledger: %s: broadcast: %w: %w", op, domain.ErrTransaction, err)
	}

	g.logger.InfoContext(ctx, "transaction sent",
		slog.String("op", op),
		slog.String("from", from.Hex()),
		slog.String("to", to.Hex()),
		slog.Uint64("nonce", nonce),
		slog.String("tx", signed.Hash().Hex()),
	)
	return signed.Hash(), nil
}
