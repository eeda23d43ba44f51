package adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/eigensurance/internal/config"
	apperrors "github.com/eigensurance/internal/errors"
	"github.com/eigensurance/internal/logging"
	"github.com/eigensurance/internal/models"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

// InsurancePoolABI is the part of the insurance pool contract the backend uses
const InsurancePoolABI = `[
	{"type":"function","name":"buyInsurance","stateMutability":"payable",
	 "inputs":[{"name":"ipfsHash","type":"string"}],
	 "outputs":[{"name":"insuranceId","type":"uint256"}]},
	{"type":"function","name":"reimburse","stateMutability":"nonpayable",
	 "inputs":[{"name":"holder","type":"address"},{"name":"amount","type":"uint256"}],
	 "outputs":[]},
	{"type":"function","name":"insurances","stateMutability":"view",
	 "inputs":[{"name":"holder","type":"address"},{"name":"insuranceId","type":"uint256"}],
	 "outputs":[
		{"name":"depositAmount","type":"uint256"},
		{"name":"securedAmount","type":"uint256"},
		{"name":"activationTime","type":"uint256"},
		{"name":"exists","type":"bool"}]},
	{"type":"event","name":"InsuranceCreated","anonymous":false,
	 "inputs":[
		{"name":"holder","type":"address","indexed":true},
		{"name":"insuranceId","type":"uint256","indexed":true},
		{"name":"depositAmount","type":"uint256","indexed":false}]}
]`

// ErrReceiptPending is returned while a transaction has not been mined
var ErrReceiptPending = errors.New("transaction receipt not available yet")

// ErrSignerNotConfigured is returned by write calls when no signer key is set
var ErrSignerNotConfigured = errors.New("reimbursement signer not configured")

// PurchaseOutcome is what a mined buyInsurance transaction tells us
type PurchaseOutcome struct {
	Success     bool
	InsuranceID *big.Int
	BlockNumber uint64
	Reason      string
}

// PurchaseExpectation is what a purchase's transaction must carry
type PurchaseExpectation struct {
	Holder     common.Address
	IPFSHash   string
	DepositWei *big.Int
}

// InsuranceContract reads from and writes to the insurance pool contract
type InsuranceContract struct {
	client          ChainClient
	address         common.Address
	abi             abi.ABI
	deploymentBlock uint64
	batchSize       uint64
	signer          *Signer
}

// NewInsuranceContract binds the pool at cfg.InsurancePool. signer may be nil
// when reimbursement is disabled.
func NewInsuranceContract(client ChainClient, cfg *config.ChainConfig, signer *Signer) (*InsuranceContract, error) {
	if !common.IsHexAddress(cfg.InsurancePool) {
		return nil, fmt.Errorf("invalid insurance pool address %q", cfg.InsurancePool)
	}
	parsed, err := abi.JSON(strings.NewReader(InsurancePoolABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse insurance pool ABI: %w", err)
	}
	batch := cfg.LogBatchSize
	if batch == 0 {
		batch = 5000
	}
	return &InsuranceContract{
		client:          client,
		address:         common.HexToAddress(cfg.InsurancePool),
		abi:             parsed,
		deploymentBlock: cfg.DeploymentBlock,
		batchSize:       batch,
		signer:          signer,
	}, nil
}

// Address returns the pool contract address
func (c *InsuranceContract) Address() common.Address {
	return c.address
}

// InsuranceIDs returns the ids of every policy created for holder, ascending.
// Logs are scanned backwards from the chain head in batches so no single
// eth_getLogs call exceeds the node's block range limit.
func (c *InsuranceContract) InsuranceIDs(ctx context.Context, holder common.Address) ([]*big.Int, error) {
	head, err := c.client.BlockNumber(ctx)
	if err != nil {
		return nil, apperrors.NewProviderError("chain", fmt.Errorf("failed to get block number: %w", err))
	}

	eventID := c.abi.Events["InsuranceCreated"].ID
	holderTopic := common.BytesToHash(holder.Bytes())
	seen := make(map[string]bool)
	var ids []*big.Int

	for to := head; to >= c.deploymentBlock; {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		from := c.deploymentBlock
		if to-c.deploymentBlock >= c.batchSize {
			from = to - c.batchSize + 1
		}

		logs, err := c.client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{c.address},
			Topics:    [][]common.Hash{{eventID}, {holderTopic}},
		})
		if err != nil {
			return nil, apperrors.NewProviderError("chain", fmt.Errorf("failed to fetch logs %d-%d: %w", from, to, err))
		}
		for _, l := range logs {
			if len(l.Topics) < 3 || l.Removed {
				continue
			}
			id := new(big.Int).SetBytes(l.Topics[2].Bytes())
			if !seen[id.String()] {
				seen[id.String()] = true
				ids = append(ids, id)
			}
		}

		if from == c.deploymentBlock {
			break
		}
		to = from - 1
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i].Cmp(ids[j]) < 0 })
	return ids, nil
}

// Insurance reads one policy record
func (c *InsuranceContract) Insurance(ctx context.Context, holder common.Address, id *big.Int) (*models.InsuranceRecord, error) {
	data, err := c.abi.Pack("insurances", holder, id)
	if err != nil {
		return nil, fmt.Errorf("failed to pack insurances call: %w", err)
	}
	out, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &c.address, Data: data}, nil)
	if err != nil {
		return nil, apperrors.NewProviderError("chain", fmt.Errorf("insurances(%s, %s): %w", holder.Hex(), id, err))
	}

	values, err := c.abi.Unpack("insurances", out)
	if err != nil || len(values) != 4 {
		return nil, apperrors.NewProviderError("chain", fmt.Errorf("failed to decode insurances result: %v", err))
	}
	deposit, _ := values[0].(*big.Int)
	secured, _ := values[1].(*big.Int)
	activation, _ := values[2].(*big.Int)
	exists, _ := values[3].(bool)
	if deposit == nil || secured == nil || activation == nil {
		return nil, apperrors.NewProviderError("chain", fmt.Errorf("unexpected insurances result types"))
	}

	return &models.InsuranceRecord{
		ID:             id,
		Holder:         strings.ToLower(holder.Hex()),
		DepositWei:     deposit,
		SecuredWei:     secured,
		ActivationTime: time.Unix(activation.Int64(), 0).UTC(),
		Exists:         exists,
	}, nil
}

// Insurances returns every existing policy of holder
func (c *InsuranceContract) Insurances(ctx context.Context, holder common.Address) ([]*models.InsuranceRecord, error) {
	ids, err := c.InsuranceIDs(ctx, holder)
	if err != nil {
		return nil, err
	}
	records := make([]*models.InsuranceRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := c.Insurance(ctx, holder, id)
		if err != nil {
			return nil, err
		}
		if !rec.Exists {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// BuyInsuranceCalldata ABI-encodes buyInsurance(ipfsHash) for the wallet to send
func (c *InsuranceContract) BuyInsuranceCalldata(ipfsHash string) ([]byte, error) {
	data, err := c.abi.Pack("buyInsurance", ipfsHash)
	if err != nil {
		return nil, fmt.Errorf("failed to pack buyInsurance call: %w", err)
	}
	return data, nil
}

// PurchaseReceipt inspects a buyInsurance transaction against the purchase it
// should activate. It returns ErrReceiptPending while the transaction is
// unknown or not mined.
func (c *InsuranceContract) PurchaseReceipt(ctx context.Context, txHash common.Hash, expect PurchaseExpectation) (*PurchaseOutcome, error) {
	holder := expect.Holder
	tx, pending, err := c.client.TransactionByHash(ctx, txHash)
	if err != nil {
		// not yet propagated to this node
		if errors.Is(err, ethereum.NotFound) {
			return nil, ErrReceiptPending
		}
		return nil, apperrors.NewProviderError("chain", err)
	}
	if pending {
		return nil, ErrReceiptPending
	}
	if tx.To() == nil || *tx.To() != c.address {
		return &PurchaseOutcome{Reason: "transaction was not sent to the insurance pool"}, nil
	}
	sender, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil || sender != holder {
		return &PurchaseOutcome{Reason: "transaction was not sent by the policy holder"}, nil
	}
	if hash, ok := c.buyInsuranceHash(tx.Data()); !ok || hash != expect.IPFSHash {
		return &PurchaseOutcome{Reason: "transaction does not buy this purchase"}, nil
	}
	if expect.DepositWei == nil || tx.Value().Cmp(expect.DepositWei) != 0 {
		return &PurchaseOutcome{Reason: "transaction value does not match the deposit"}, nil
	}

	receipt, err := c.client.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, ErrReceiptPending
		}
		return nil, apperrors.NewProviderError("chain", err)
	}

	outcome := &PurchaseOutcome{BlockNumber: receipt.BlockNumber.Uint64()}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		outcome.Reason = "transaction reverted"
		return outcome, nil
	}

	eventID := c.abi.Events["InsuranceCreated"].ID
	holderTopic := common.BytesToHash(holder.Bytes())
	for _, l := range receipt.Logs {
		if l.Address != c.address || len(l.Topics) < 3 {
			continue
		}
		if l.Topics[0] == eventID && l.Topics[1] == holderTopic {
			outcome.Success = true
			outcome.InsuranceID = new(big.Int).SetBytes(l.Topics[2].Bytes())
			return outcome, nil
		}
	}
	outcome.Reason = "no InsuranceCreated event for holder"
	return outcome, nil
}

// buyInsuranceHash decodes the ipfsHash argument of buyInsurance calldata
func (c *InsuranceContract) buyInsuranceHash(data []byte) (string, bool) {
	method := c.abi.Methods["buyInsurance"]
	if len(data) < 4 || !bytes.Equal(data[:4], method.ID) {
		return "", false
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil || len(args) != 1 {
		return "", false
	}
	hash, ok := args[0].(string)
	return hash, ok
}

// Reimburse pays amountWei out of the pool to holder, signed by the server-held key
func (c *InsuranceContract) Reimburse(ctx context.Context, holder common.Address, amountWei *big.Int) (common.Hash, error) {
	if c.signer == nil {
		return common.Hash{}, ErrSignerNotConfigured
	}
	data, err := c.abi.Pack("reimburse", holder, amountWei)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to pack reimburse call: %w", err)
	}

	hash, err := c.signer.Send(ctx, c.address, nil, data)
	if err != nil {
		return common.Hash{}, apperrors.NewProviderError("chain", err)
	}
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"holder": holder.Hex(),
		"amount": amountWei.String(),
		"tx":     hash.Hex(),
	}).Info("Reimbursement sent")
	return hash, nil
}
