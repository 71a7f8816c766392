// Package anchor submits Merkle roots to the on-chain registry contract
// described in spec.md §6, and answers whether a batch is already anchored
// so the submission path survives a restart after a submitted-but-not-
// recorded transaction.
package anchor

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// SepoliaChainID is the chain id spec.md §6 pins anchoring transactions to.
const SepoliaChainID = 11155111

// priorityFeeWei is the fixed EIP-1559 tip spec.md §6 mandates (2 gwei).
var priorityFeeWei = big.NewInt(2_000_000_000)

// Receipt describes a successfully anchored batch.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
}

// Client submits anchorMerkleRoot transactions and answers on-chain reads
// against the registry contract. Client has no disabled mode of its own:
// anchoring is turned off by giving NewWorker a nil Client, whose Enqueue
// then drops every job.
type Client struct {
	eth        *ethclient.Client
	contract   common.Address
	privateKey *ecdsa.PrivateKey
	signer     common.Address
	chainID    *big.Int
	abi        abi.ABI
	logger     *slog.Logger
}

// Dial connects to the RPC endpoint and parses the registry ABI. privateKey
// is the hex-encoded (no 0x prefix required) signing key for anchorMerkleRoot
// submissions.
func Dial(ctx context.Context, rpcURL, privateKeyHex, contractAddr string, logger *slog.Logger) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dialing blockchain RPC: %w", err)
	}

	key, err := crypto.HexToECDSA(stripHexPrefix(privateKeyHex))
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("parsing blockchain private key: %w", err)
	}

	parsedABI, err := parseRegistryABI()
	if err != nil {
		eth.Close()
		return nil, err
	}

	return &Client{
		eth:        eth,
		contract:   common.HexToAddress(contractAddr),
		privateKey: key,
		signer:     crypto.PubkeyToAddress(key.PublicKey),
		chainID:    big.NewInt(SepoliaChainID),
		abi:        parsedABI,
		logger:     logger,
	}, nil
}

func stripHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	if c != nil && c.eth != nil {
		c.eth.Close()
	}
}

// IsBatchAnchored calls the contract's isBatchAnchored view.
func (c *Client) IsBatchAnchored(ctx context.Context, batchID int64) (bool, error) {
	data, err := c.abi.Pack("isBatchAnchored", big.NewInt(batchID))
	if err != nil {
		return false, fmt.Errorf("packing isBatchAnchored call: %w", err)
	}

	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return false, fmt.Errorf("calling isBatchAnchored: %w", err)
	}

	values, err := c.abi.Unpack("isBatchAnchored", out)
	if err != nil {
		return false, fmt.Errorf("unpacking isBatchAnchored result: %w", err)
	}
	if len(values) != 1 {
		return false, errors.New("isBatchAnchored: unexpected return arity")
	}
	anchored, ok := values[0].(bool)
	if !ok {
		return false, errors.New("isBatchAnchored: unexpected return type")
	}
	return anchored, nil
}

// GetTotalAnchors calls the contract's getTotalAnchors view.
func (c *Client) GetTotalAnchors(ctx context.Context) (uint64, error) {
	data, err := c.abi.Pack("getTotalAnchors")
	if err != nil {
		return 0, fmt.Errorf("packing getTotalAnchors call: %w", err)
	}
	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("calling getTotalAnchors: %w", err)
	}
	values, err := c.abi.Unpack("getTotalAnchors", out)
	if err != nil {
		return 0, fmt.Errorf("unpacking getTotalAnchors result: %w", err)
	}
	total, ok := values[0].(*big.Int)
	if !ok {
		return 0, errors.New("getTotalAnchors: unexpected return type")
	}
	return total.Uint64(), nil
}

// receiptWaitBudget bounds how long Submit waits for a mined receipt, per
// spec.md §4.5's 120s synchronous ceiling.
const receiptWaitBudget = 120 * time.Second

// Submit builds, signs, and sends the anchorMerkleRoot transaction for a
// closed batch, then waits (bounded) for it to be mined. It first checks
// IsBatchAnchored so a restart after a submitted-but-unrecorded transaction
// never double-submits.
func (c *Client) Submit(ctx context.Context, batchID int64, root [32]byte, requestCount int) (Receipt, error) {
	already, err := c.IsBatchAnchored(ctx, batchID)
	if err != nil {
		return Receipt{}, fmt.Errorf("checking prior anchor state: %w", err)
	}
	if already {
		return Receipt{}, ErrAlreadyAnchored
	}

	data, err := c.abi.Pack("anchorMerkleRoot", root, big.NewInt(batchID), big.NewInt(int64(requestCount)))
	if err != nil {
		return Receipt{}, fmt.Errorf("packing anchorMerkleRoot call: %w", err)
	}

	nonce, err := c.eth.PendingNonceAt(ctx, c.signer)
	if err != nil {
		return Receipt{}, fmt.Errorf("fetching nonce: %w", err)
	}

	head, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return Receipt{}, fmt.Errorf("fetching latest header: %w", err)
	}
	if head.BaseFee == nil {
		return Receipt{}, errors.New("chain does not report a base fee; EIP-1559 unsupported")
	}

	// maxFeePerGas = 2*baseFee + maxPriorityFeePerGas, per spec.md §6.
	maxFeePerGas := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), priorityFeeWei)

	estimatedGas, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{
		From: c.signer,
		To:   &c.contract,
		Data: data,
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("estimating gas: %w", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: priorityFeeWei,
		GasFeeCap: maxFeePerGas,
		Gas:       estimatedGas + estimatedGas/5, // 20% headroom
		To:        &c.contract,
		Data:      data,
	})

	signed, err := types.SignTx(tx, types.NewLondonSigner(c.chainID), c.privateKey)
	if err != nil {
		return Receipt{}, fmt.Errorf("signing anchor transaction: %w", err)
	}

	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return Receipt{}, fmt.Errorf("submitting anchor transaction: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, receiptWaitBudget)
	defer cancel()

	receipt, err := waitMined(waitCtx, c.eth, signed.Hash())
	if err != nil {
		return Receipt{}, fmt.Errorf("waiting for anchor receipt: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return Receipt{}, fmt.Errorf("anchor transaction reverted: %s", signed.Hash().Hex())
	}

	return Receipt{TxHash: signed.Hash().Hex(), BlockNumber: receipt.BlockNumber.Uint64()}, nil
}

// ErrAlreadyAnchored means the batch was anchored by a prior attempt before
// this one could record it locally — the caller should treat this as success.
var ErrAlreadyAnchored = errors.New("anchor: batch already anchored")

func waitMined(ctx context.Context, eth *ethclient.Client, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		receipt, err := eth.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
