package adapter

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eigensurance/internal/config"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPool = "0x00000000000000000000000000000000000000aa"

// fakeChain is an in-memory ChainClient
type fakeChain struct {
	mu       sync.Mutex
	chainID  *big.Int
	head     uint64
	logs     []ethtypes.Log
	queries  []ethereum.FilterQuery
	call     func(msg ethereum.CallMsg) ([]byte, error)
	txs      map[common.Hash]*ethtypes.Transaction
	receipts map[common.Hash]*ethtypes.Receipt
	sent     []*ethtypes.Transaction
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		chainID:  big.NewInt(17000),
		txs:      make(map[common.Hash]*ethtypes.Transaction),
		receipts: make(map[common.Hash]*ethtypes.Receipt),
	}
}

func (f *fakeChain) ChainID(ctx context.Context) (*big.Int, error) { return f.chainID, nil }
func (f *fakeChain) BlockNumber(ctx context.Context) (uint64, error) { return f.head, nil }

func (f *fakeChain) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	return f.call(msg)
}

func (f *fakeChain) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	var out []ethtypes.Log
	for _, l := range f.logs {
		if l.BlockNumber < q.FromBlock.Uint64() || l.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if len(q.Topics) > 1 && l.Topics[1] != q.Topics[1][0] {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (f *fakeChain) TransactionByHash(ctx context.Context, h common.Hash) (*ethtypes.Transaction, bool, error) {
	tx, ok := f.txs[h]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	_, mined := f.receipts[h]
	return tx, !mined, nil
}

func (f *fakeChain) TransactionReceipt(ctx context.Context, h common.Hash) (*ethtypes.Receipt, error) {
	r, ok := f.receipts[h]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeChain) PendingNonceAt(ctx context.Context, a common.Address) (uint64, error) {
	return uint64(len(f.sent)), nil
}
func (f *fakeChain) SuggestGasPrice(ctx context.Context) (*big.Int, error) { return big.NewInt(1e9), nil }
func (f *fakeChain) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 50000, nil
}

func (f *fakeChain) SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error {
	f.sent = append(f.sent, tx)
	return nil
}

func newTestContract(t *testing.T, chain *fakeChain, signer *Signer) *InsuranceContract {
	t.Helper()
	c, err := NewInsuranceContract(chain, &config.ChainConfig{
		InsurancePool:   testPool,
		DeploymentBlock: 1000,
		LogBatchSize:    5000,
	}, signer)
	require.NoError(t, err)
	return c
}

func createdLog(c *InsuranceContract, holder common.Address, id int64, block uint64) ethtypes.Log {
	return ethtypes.Log{
		Address:     c.Address(),
		BlockNumber: block,
		Topics: []common.Hash{
			c.abi.Events["InsuranceCreated"].ID,
			common.BytesToHash(holder.Bytes()),
			common.BigToHash(big.NewInt(id)),
		},
	}
}

func TestInsuranceContract_InsuranceIDsScansInBatches(t *testing.T) {
	chain := newFakeChain()
	chain.head = 13000
	contract := newTestContract(t, chain, nil)

	holder := common.HexToAddress("0x1111111111111111111111111111111111111111")
	other := common.HexToAddress("0x2222222222222222222222222222222222222222")
	chain.logs = []ethtypes.Log{
		createdLog(contract, holder, 7, 12999),
		createdLog(contract, holder, 3, 1000),
		createdLog(contract, other, 9, 5000),
		createdLog(contract, holder, 5, 7000),
		createdLog(contract, holder, 5, 7000),
	}

	ids, err := contract.InsuranceIDs(context.Background(), holder)
	require.NoError(t, err)
	require.Len(t, ids, 3)
	assert.Equal(t, []string{"3", "5", "7"}, []string{ids[0].String(), ids[1].String(), ids[2].String()})

	// 13000..8001, 8000..3001, 3000..1000
	require.Len(t, chain.queries, 3)
	assert.Equal(t, uint64(8001), chain.queries[0].FromBlock.Uint64())
	assert.Equal(t, uint64(13000), chain.queries[0].ToBlock.Uint64())
	assert.Equal(t, uint64(1000), chain.queries[2].FromBlock.Uint64())
	assert.Equal(t, uint64(3000), chain.queries[2].ToBlock.Uint64())
	for _, q := range chain.queries {
		assert.LessOrEqual(t, q.ToBlock.Uint64()-q.FromBlock.Uint64()+1, uint64(5000))
	}
}

func TestInsuranceContract_Insurance(t *testing.T) {
	chain := newFakeChain()
	contract := newTestContract(t, chain, nil)
	holder := common.HexToAddress("0x1111111111111111111111111111111111111111")
	activation := time.Date(2024, 11, 2, 12, 0, 0, 0, time.UTC)

	chain.call = func(msg ethereum.CallMsg) ([]byte, error) {
		assert.Equal(t, contract.Address(), *msg.To)
		args, err := contract.abi.Methods["insurances"].Inputs.Unpack(msg.Data[4:])
		require.NoError(t, err)
		assert.Equal(t, holder, args[0].(common.Address))
		return contract.abi.Methods["insurances"].Outputs.Pack(
			big.NewInt(3e17), big.NewInt(6e17), big.NewInt(activation.Unix()), true,
		)
	}

	rec, err := contract.Insurance(context.Background(), holder, big.NewInt(4))
	require.NoError(t, err)
	assert.True(t, rec.Exists)
	assert.Equal(t, "300000000000000000", rec.DepositWei.String())
	assert.Equal(t, "600000000000000000", rec.SecuredWei.String())
	assert.True(t, activation.Equal(rec.ActivationTime))
	assert.Equal(t, strings.ToLower(holder.Hex()), rec.Holder)
}

func TestInsuranceContract_BuyInsuranceCalldata(t *testing.T) {
	contract := newTestContract(t, newFakeChain(), nil)
	data, err := contract.BuyInsuranceCalldata("QmPurchase")
	require.NoError(t, err)

	method, err := contract.abi.MethodById(data[:4])
	require.NoError(t, err)
	assert.Equal(t, "buyInsurance", method.Name)
	args, err := method.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	assert.Equal(t, "QmPurchase", args[0])
}

func signedTx(t *testing.T, key *ecdsa.PrivateKey, to common.Address, chainID *big.Int, value *big.Int, data []byte) *ethtypes.Transaction {
	t.Helper()
	tx, err := ethtypes.SignTx(ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce: 1, GasPrice: big.NewInt(1), Gas: 21000, To: &to, Value: value, Data: data,
	}), ethtypes.LatestSignerForChainID(chainID), key)
	require.NoError(t, err)
	return tx
}

func buyTx(t *testing.T, key *ecdsa.PrivateKey, contract *InsuranceContract, chainID *big.Int, ipfsHash string, value int64) *ethtypes.Transaction {
	t.Helper()
	data, err := contract.BuyInsuranceCalldata(ipfsHash)
	require.NoError(t, err)
	return signedTx(t, key, contract.Address(), chainID, big.NewInt(value), data)
}

func TestInsuranceContract_PurchaseReceipt(t *testing.T) {
	chain := newFakeChain()
	contract := newTestContract(t, chain, nil)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	holder := crypto.PubkeyToAddress(key.PublicKey)
	expect := PurchaseExpectation{Holder: holder, IPFSHash: "QmPurchase", DepositWei: big.NewInt(1e15)}

	tx := buyTx(t, key, contract, chain.chainID, "QmPurchase", 1e15)
	chain.txs[tx.Hash()] = tx

	_, err = contract.PurchaseReceipt(context.Background(), tx.Hash(), expect)
	assert.ErrorIs(t, err, ErrReceiptPending)

	chain.receipts[tx.Hash()] = &ethtypes.Receipt{
		Status:      ethtypes.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(4242),
		Logs:        []*ethtypes.Log{ptr(createdLog(contract, holder, 12, 4242))},
	}
	outcome, err := contract.PurchaseReceipt(context.Background(), tx.Hash(), expect)
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Equal(t, "12", outcome.InsuranceID.String())

	// someone else's transaction cannot activate this holder's purchase
	stranger := common.HexToAddress("0x3333333333333333333333333333333333333333")
	otherHolder := expect
	otherHolder.Holder = stranger
	outcome, err = contract.PurchaseReceipt(context.Background(), tx.Hash(), otherHolder)
	require.NoError(t, err)
	assert.False(t, outcome.Success)

	chain.receipts[tx.Hash()].Status = ethtypes.ReceiptStatusFailed
	outcome, err = contract.PurchaseReceipt(context.Background(), tx.Hash(), expect)
	require.NoError(t, err)
	assert.False(t, outcome.Success)
	assert.Equal(t, "transaction reverted", outcome.Reason)

	wrongTarget := signedTx(t, key, stranger, chain.chainID, big.NewInt(1e15), nil)
	chain.txs[wrongTarget.Hash()] = wrongTarget
	chain.receipts[wrongTarget.Hash()] = &ethtypes.Receipt{Status: ethtypes.ReceiptStatusSuccessful, BlockNumber: big.NewInt(1)}
	outcome, err = contract.PurchaseReceipt(context.Background(), wrongTarget.Hash(), expect)
	require.NoError(t, err)
	assert.False(t, outcome.Success)
}

func TestInsuranceContract_PurchaseReceiptMustMatchPurchase(t *testing.T) {
	chain := newFakeChain()
	contract := newTestContract(t, chain, nil)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	holder := crypto.PubkeyToAddress(key.PublicKey)
	expect := PurchaseExpectation{Holder: holder, IPFSHash: "QmPurchaseB", DepositWei: big.NewInt(1e15)}

	tests := []struct {
		name   string
		tx     *ethtypes.Transaction
		reason string
	}{
		{"other purchase's hash", buyTx(t, key, contract, chain.chainID, "QmPurchaseA", 1e15), "transaction does not buy this purchase"},
		{"underpaid deposit", buyTx(t, key, contract, chain.chainID, "QmPurchaseB", 1), "transaction value does not match the deposit"},
		{"plain transfer", signedTx(t, key, contract.Address(), chain.chainID, big.NewInt(1e15), nil), "transaction does not buy this purchase"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain.txs[tt.tx.Hash()] = tt.tx
			chain.receipts[tt.tx.Hash()] = &ethtypes.Receipt{
				Status:      ethtypes.ReceiptStatusSuccessful,
				BlockNumber: big.NewInt(10),
				Logs:        []*ethtypes.Log{ptr(createdLog(contract, holder, 3, 10))},
			}
			outcome, err := contract.PurchaseReceipt(context.Background(), tt.tx.Hash(), expect)
			require.NoError(t, err)
			assert.False(t, outcome.Success)
			assert.Equal(t, tt.reason, outcome.Reason)
		})
	}
}

func TestInsuranceContract_Reimburse(t *testing.T) {
	chain := newFakeChain()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer, err := NewSigner("0x"+common.Bytes2Hex(crypto.FromECDSA(key)), chain)
	require.NoError(t, err)
	contract := newTestContract(t, chain, signer)
	holder := common.HexToAddress("0x1111111111111111111111111111111111111111")

	hash, err := contract.Reimburse(context.Background(), holder, big.NewInt(5e17))
	require.NoError(t, err)
	require.Len(t, chain.sent, 1)
	sent := chain.sent[0]
	assert.Equal(t, hash, sent.Hash())
	assert.Equal(t, contract.Address(), *sent.To())
	assert.Equal(t, uint64(60000), sent.Gas())

	from, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(chain.chainID), sent)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), from)

	method, err := contract.abi.MethodById(sent.Data()[:4])
	require.NoError(t, err)
	assert.Equal(t, "reimburse", method.Name)
	args, err := method.Inputs.Unpack(sent.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, holder, args[0])
	assert.Equal(t, "500000000000000000", args[1].(*big.Int).String())
}

func TestInsuranceContract_ReimburseWithoutSigner(t *testing.T) {
	contract := newTestContract(t, newFakeChain(), nil)
	_, err := contract.Reimburse(context.Background(), common.Address{}, big.NewInt(1))
	assert.ErrorIs(t, err, ErrSignerNotConfigured)
}

func TestNewSigner_RejectsBadKey(t *testing.T) {
	_, err := NewSigner("not-hex", newFakeChain())
	assert.Error(t, err)
}

func ptr[T any](v T) *T { return &v }
