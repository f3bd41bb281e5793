package wallet

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/ethereum/go-ethereum/rlp"
	"golang.org/x/crypto/sha3"
)

// overdraftRetries bounds how long a send waits for pending transactions to
// clear before giving up.
const overdraftRetries = 15

// SendResult reports a submitted transfer with balance snapshots captured
// around it for history enrichment.
type SendResult struct {
	Hash          string `json:"hash"`
	Status        string `json:"status"`
	BalanceBefore string `json:"balanceBefore"`
	BalanceAfter  string `json:"balanceAfter"`
}

// legacyTx is the nine-field EIP-155 transaction body. For signing, V
// carries the chain ID and R/S are zero; for submission they carry the
// signature.
type legacyTx struct {
	Nonce    uint64
	GasPrice *big.Int
	Gas      uint64
	To       []byte
	Value    *big.Int
	Data     []byte
	V        *big.Int
	R        *big.Int
	S        *big.Int
}

func keccak256(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}

// buildSignedTx RLP-encodes, hashes and signs a plain transfer, returning
// the raw signed transaction bytes.
func buildSignedTx(nonce uint64, gasPrice *big.Int, to []byte, value *big.Int, chainID uint64, priv *secp256k1.PrivateKey) ([]byte, error) {
	unsigned, err := rlp.EncodeToBytes(&legacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      transferGasLimit,
		To:       to,
		Value:    value,
		Data:     []byte{},
		V:        new(big.Int).SetUint64(chainID),
		R:        new(big.Int),
		S:        new(big.Int),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode unsigned tx: %w", err)
	}

	sigHash := keccak256(unsigned)

	// SignCompact yields [recovery+27 || R || S]; big.Int re-encoding in
	// RLP strips the leading zeros the wire format forbids.
	compact := secpecdsa.SignCompact(priv, sigHash, false)
	recoveryID := uint64(compact[0] - 27)
	r := new(big.Int).SetBytes(compact[1:33])
	s := new(big.Int).SetBytes(compact[33:65])
	v := new(big.Int).SetUint64(chainID*2 + 35 + recoveryID)

	signed, err := rlp.EncodeToBytes(&legacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      transferGasLimit,
		To:       to,
		Value:    value,
		Data:     []byte{},
		V:        v,
		R:        r,
		S:        s,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode signed tx: %w", err)
	}
	return signed, nil
}

func parsePrivateKey(privateKeyHex string) (*secp256k1.PrivateKey, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(raw))
	}
	return secp256k1.PrivKeyFromBytes(raw), nil
}

func parseAddress(address string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(address, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", address, err)
	}
	if len(raw) != 20 {
		return nil, fmt.Errorf("address must be 20 bytes, got %d", len(raw))
	}
	return raw, nil
}

// SendTransaction signs and submits a plain transfer of amountCHI from
// fromAddress. It verifies the pending balance covers amount plus gas,
// treats "already known" as success (computing the hash locally) and
// retries "overdraft" while pending transactions may still clear. Any other
// RPC error is fatal.
func (c *Client) SendTransaction(ctx context.Context, fromAddress, toAddress, amountCHI, privateKeyHex string) (*SendResult, error) {
	priv, err := parsePrivateKey(privateKeyHex)
	if err != nil {
		return nil, err
	}
	to, err := parseAddress(toAddress)
	if err != nil {
		return nil, err
	}
	amountWei, err := ParseCHIToWei(amountCHI)
	if err != nil {
		return nil, err
	}

	nonce, err := c.Nonce(ctx, fromAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce: %w", err)
	}
	balance, err := c.Balance(ctx, fromAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	gasPrice, err := c.GasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}

	gasCost := new(big.Int).Mul(gasPrice, big.NewInt(transferGasLimit))
	totalCost := new(big.Int).Add(amountWei, gasCost)
	if balance.Cmp(totalCost) < 0 {
		return nil, fmt.Errorf("%w: have %s CHI, need %s CHI (amount) + %s CHI (gas)",
			ErrInsufficientBalance,
			FormatWeiAsCHI(balance), FormatWeiAsCHI(amountWei), FormatWeiAsCHI(gasCost))
	}

	balanceBefore := FormatWeiAsCHI(balance)
	balanceAfter := FormatWeiAsCHI(new(big.Int).Sub(balance, totalCost))

	signed, err := buildSignedTx(nonce, gasPrice, to, amountWei, c.chainID, priv)
	if err != nil {
		return nil, err
	}
	signedHex := "0x" + hex.EncodeToString(signed)
	localHash := "0x" + hex.EncodeToString(keccak256(signed))

	c.log.WithFields(map[string]interface{}{
		"from":  fromAddress,
		"to":    toAddress,
		"wei":   amountWei.String(),
		"nonce": nonce,
	}).Info("submitting transaction")

	hash, err := c.submitWithRetry(ctx, signedHex, localHash)
	if err != nil {
		return nil, err
	}

	return &SendResult{
		Hash:          hash,
		Status:        "pending",
		BalanceBefore: balanceBefore,
		BalanceAfter:  balanceAfter,
	}, nil
}

// submitWithRetry implements the network's transient-error policy around
// eth_sendRawTransaction.
func (c *Client) submitWithRetry(ctx context.Context, signedHex, localHash string) (string, error) {
	hash, err := c.callString(ctx, "eth_sendRawTransaction", signedHex)
	if err == nil {
		return hash, nil
	}

	rpcErr, ok := err.(*RPCError)
	if !ok {
		return "", err
	}

	switch {
	case rpcErr.Message == "already known":
		// The transaction is in the mempool; its hash is ours to compute.
		return localHash, nil

	case strings.Contains(rpcErr.Message, "overdraft"):
		for attempt := 1; attempt <= overdraftRetries; attempt++ {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(c.retrySleep):
			}
			c.log.WithField("attempt", attempt).Debug("retrying after overdraft")

			hash, err := c.callString(ctx, "eth_sendRawTransaction", signedHex)
			if err == nil {
				return hash, nil
			}
			retryErr, ok := err.(*RPCError)
			if !ok {
				return "", err
			}
			if retryErr.Message == "already known" {
				return localHash, nil
			}
			if !strings.Contains(retryErr.Message, "overdraft") {
				return "", retryErr
			}
		}
		return "", fmt.Errorf("transaction still overdrawn after %d retries", overdraftRetries)

	default:
		return "", rpcErr
	}
}
