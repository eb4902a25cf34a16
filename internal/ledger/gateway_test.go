package ledger

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/greenledger/internal/crypto"
	"github.com/alanyoungcy/greenledger/internal/domain"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testContract = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

// fakeBackend is an in-memory chain: every sent tx is mined on the next
// receipt poll unless pending is set.
type fakeBackend struct {
	mu        sync.Mutex
	chainID   *big.Int
	sent      []*types.Transaction
	nonces    map[common.Address]uint64
	receipts  map[common.Hash]*types.Receipt
	pending   bool
	sendErr   error
	callOut   []byte
	callErr   error
	polls     int
	nonceWait time.Duration
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		chainID:  big.NewInt(1337),
		nonces:   make(map[common.Address]uint64),
		receipts: make(map[common.Hash]*types.Receipt),
	}
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return f.chainID, nil }

func (f *fakeBackend) PendingNonceAt(_ context.Context, a common.Address) (uint64, error) {
	f.mu.Lock()
	n := f.nonces[a]
	wait := f.nonceWait
	f.mu.Unlock()
	if wait > 0 {
		time.Sleep(wait)
	}
	return n, nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(2_000_000_000), nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	from, err := types.Sender(types.LatestSignerForChainID(f.chainID), tx)
	if err != nil {
		return err
	}
	if tx.Nonce() != f.nonces[from] {
		return errors.New("nonce too low")
	}
	f.nonces[from]++
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.pending {
		return nil, ethereum.NotFound
	}
	if r, ok := f.receipts[h]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (f *fakeBackend) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return f.callOut, f.callErr
}

func newTestSigner(t *testing.T) *crypto.Signer {
	t.Helper()
	pk, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	s, err := crypto.NewSignerFromHex(hex.EncodeToString(ethcrypto.FromECDSA(pk)))
	require.NoError(t, err)
	return s
}

func newTestGateway(t *testing.T, b *fakeBackend) *Gateway {
	t.Helper()
	parsed, err := LoadABI("")
	require.NoError(t, err)
	g, err := NewGateway(context.Background(), b, nil, parsed, Options{
		ContractAddress:     testContract,
		GasLimitBuy:         3_000_000,
		GasLimitRegister:    3_000_000,
		GasLimitTransfer:    300_000,
		GasLimitPayment:     21_000,
		ReceiptTimeout:      50 * time.Millisecond,
		ReceiptPollInterval: 5 * time.Millisecond,
	}, nil, nil)
	require.NoError(t, err)
	return g
}

func TestNewGateway_ResolvesChainID(t *testing.T) {
	g := newTestGateway(t, newFakeBackend())
	assert.Equal(t, int64(1337), g.ChainID().Int64())
}

func TestSubmitBuy_BuildsPayableContractCall(t *testing.T) {
	b := newFakeBackend()
	g := newTestGateway(t, b)
	signer := newTestSigner(t)
	value, err := ToWei("0.5")
	require.NoError(t, err)

	hash, err := g.SubmitBuy(context.Background(), signer, "European Union", 5, "ipfs://x", value)
	require.NoError(t, err)
	require.Len(t, b.sent, 1)

	tx := b.sent[0]
	assert.Equal(t, hash, tx.Hash())
	assert.Equal(t, testContract, *tx.To())
	assert.Equal(t, value, tx.Value())
	assert.Equal(t, uint64(3_000_000), tx.Gas())

	method, err := g.abi.MethodById(tx.Data()[:4])
	require.NoError(t, err)
	assert.Equal(t, "buyCredit", method.Name)
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, "European Union", args[0])
	assert.Equal(t, big.NewInt(5), args[1])
}

func TestSubmitTransfer_EncodesTransferFrom(t *testing.T) {
	b := newFakeBackend()
	g := newTestGateway(t, b)
	signer := newTestSigner(t)
	custodian := common.HexToAddress("0x90F8bf6A479f320ead074411a4B0e7944Ea8c9C1")

	_, err := g.SubmitTransfer(context.Background(), signer, custodian, big.NewInt(42))
	require.NoError(t, err)
	require.Len(t, b.sent, 1)

	tx := b.sent[0]
	assert.Equal(t, uint64(300_000), tx.Gas())
	assert.Zero(t, tx.Value().Sign())
	args, err := g.abi.Methods["transferFrom"].Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), args[0])
	assert.Equal(t, custodian, args[1])
	assert.Equal(t, big.NewInt(42), args[2])
}

func TestSubmitPayment_PlainValueTransfer(t *testing.T) {
	b := newFakeBackend()
	g := newTestGateway(t, b)
	signer := newTestSigner(t)
	seller := common.HexToAddress("0x00000000000000000000000000000000000000bb")

	_, err := g.SubmitPayment(context.Background(), signer, seller, big.NewInt(1000))
	require.NoError(t, err)

	tx := b.sent[0]
	assert.Equal(t, seller, *tx.To())
	assert.Equal(t, uint64(21_000), tx.Gas())
	assert.Empty(t, tx.Data())
}

func TestSend_BroadcastFailureIsTransactionError(t *testing.T) {
	b := newFakeBackend()
	b.sendErr = errors.New("insufficient funds for gas * price + value")
	g := newTestGateway(t, b)

	_, err := g.SubmitPayment(context.Background(), newTestSigner(t), common.Address{1}, big.NewInt(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransaction)
	assert.Contains(t, err.Error(), "insufficient funds")
}

func TestSend_SameSenderIsSerialized(t *testing.T) {
	b := newFakeBackend()
	b.nonceWait = 5 * time.Millisecond // widen the nonce/broadcast race window
	g := newTestGateway(t, b)
	signer := newTestSigner(t)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = g.SubmitPayment(context.Background(), signer, common.Address{2}, big.NewInt(1))
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Len(t, b.sent, n)
	assert.Equal(t, uint64(n), b.nonces[signer.Address()])
}

func TestReadCompany(t *testing.T) {
	b := newFakeBackend()
	g := newTestGateway(t, b)
	wallet := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	outputs := g.abi.Methods["getCompany"].Outputs

	t.Run("registered", func(t *testing.T) {
		out, err := outputs.Pack("Acme", wallet, uint8(2), big.NewInt(1000), true)
		require.NoError(t, err)
		b.callOut, b.callErr = out, nil

		info, err := g.ReadCompany(context.Background(), wallet)
		require.NoError(t, err)
		assert.Equal(t, domain.CompanyInfo{
			Name: "Acme", Wallet: wallet.Hex(), Type: 2, Threshold: "1000", Registered: true,
		}, info)
	})

	t.Run("not registered", func(t *testing.T) {
		out, err := outputs.Pack("", common.Address{}, uint8(0), big.NewInt(0), false)
		require.NoError(t, err)
		b.callOut, b.callErr = out, nil

		_, err = g.ReadCompany(context.Background(), wallet)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("node down", func(t *testing.T) {
		b.callOut, b.callErr = nil, errors.New("connection refused")
		_, err := g.ReadCompany(context.Background(), wallet)
		assert.ErrorIs(t, err, domain.ErrContractRead)
	})

	t.Run("garbage result", func(t *testing.T) {
		b.callOut, b.callErr = []byte{0x01}, nil
		_, err := g.ReadCompany(context.Background(), wallet)
		assert.ErrorIs(t, err, domain.ErrContractRead)
	})
}

type fakeRPC struct {
	method string
	args   []interface{}
	hash   common.Hash
}

func (f *fakeRPC) CallContext(_ context.Context, result interface{}, method string, args ...interface{}) error {
	f.method = method
	f.args = args
	*(result.(*common.Hash)) = f.hash
	return nil
}

func TestRegisterCompany_UnlockedAccount(t *testing.T) {
	b := newFakeBackend()
	parsed, err := LoadABI("")
	require.NoError(t, err)
	rc := &fakeRPC{hash: common.HexToHash("0xabc")}
	g, err := NewGateway(context.Background(), b, rc, parsed, Options{
		ContractAddress: testContract, GasLimitRegister: 3_000_000,
	}, nil, nil)
	require.NoError(t, err)

	from := common.HexToAddress("0x00000000000000000000000000000000000000dd")
	hash, err := g.RegisterCompany(context.Background(), from, nil, "Acme", domain.CompanyEnergy)
	require.NoError(t, err)
	assert.Equal(t, rc.hash, hash)
	assert.Equal(t, "eth_sendTransaction", rc.method)
	require.Len(t, rc.args, 1)
	assert.Equal(t, from, rc.args[0].(map[string]interface{})["from"])
	assert.Empty(t, b.sent)
}

func TestRegisterCompany_SignedWhenKeyGiven(t *testing.T) {
	b := newFakeBackend()
	g := newTestGateway(t, b)
	signer := newTestSigner(t)

	_, err := g.RegisterCompany(context.Background(), signer.Address(), signer, "Acme", domain.CompanyTechnology)
	require.NoError(t, err)
	require.Len(t, b.sent, 1)
	args, err := g.abi.Methods["registerCompany"].Inputs.Unpack(b.sent[0].Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, "Acme", args[0])
	assert.Equal(t, uint8(domain.CompanyTechnology), args[1])
}

func TestRegisterCompany_NoSignerNoRPC(t *testing.T) {
	g := newTestGateway(t, newFakeBackend())
	_, err := g.RegisterCompany(context.Background(), common.Address{3}, nil, "Acme", domain.CompanyEnergy)
	assert.ErrorIs(t, err, domain.ErrTransaction)
}
