package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Default gas parameters for plain transfers.
const (
	transferGasLimit    = 21000
	fallbackGasPriceWei = 1_000_000_000 // 1 gwei when the node reports zero
)

// BurnAddress receives speed-tier payments; funds sent there are
// unrecoverable.
const BurnAddress = "0x000000000000000000000000000000000000dEaD"

// FaucetAddress is the dev faucet account with a pre-allocated balance.
const FaucetAddress = "0x0000000000000000000000000000000000001337"

// ErrInsufficientBalance indicates the sender cannot cover amount plus gas.
var ErrInsufficientBalance = errors.New("insufficient balance")

// RPCError is a JSON-RPC level error from the node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Client talks JSON-RPC 2.0 to the chain node. The underlying HTTP client
// pools connections; Client needs no additional locking.
type Client struct {
	endpoint string
	chainID  uint64
	http     *http.Client
	log      *logrus.Entry

	// retrySleep is swapped out by tests.
	retrySleep time.Duration
}

// NewClient creates a wallet client for the given RPC endpoint and chain.
func NewClient(endpoint string, chainID uint64) *Client {
	return &Client{
		endpoint:   endpoint,
		chainID:    chainID,
		http:       &http.Client{Timeout: 30 * time.Second},
		log:        logrus.WithField("component", "wallet"),
		retrySleep: 2 * time.Second,
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	if params == nil {
		params = []interface{}{}
	}
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1})
	if err != nil {
		return nil, fmt.Errorf("failed to encode rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach chain node at %s: %w", c.endpoint, err)
	}
	defer resp.Body.Close()

	var parsed rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to parse rpc response: %w", err)
	}
	if parsed.Error != nil {
		return nil, parsed.Error
	}
	return parsed.Result, nil
}

func (c *Client) callString(ctx context.Context, method string, params ...interface{}) (string, error) {
	raw, err := c.call(ctx, method, params...)
	if err != nil {
		return "", err
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("unexpected rpc result %s: %w", raw, err)
	}
	return s, nil
}

func parseHexBig(hexStr string) (*big.Int, error) {
	hexStr = strings.TrimPrefix(hexStr, "0x")
	if hexStr == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(hexStr, 16)
	if !ok {
		return nil, fmt.Errorf("malformed hex quantity %q", hexStr)
	}
	return v, nil
}

// BlockNumber returns the chain head height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	s, err := c.callString(ctx, "eth_blockNumber")
	if err != nil {
		return 0, err
	}
	v, err := parseHexBig(s)
	if err != nil {
		return 0, err
	}
	return v.Uint64(), nil
}

// BlockByNumber fetches a block (with transaction bodies when fullTx is
// set) for history enrichment.
func (c *Client) BlockByNumber(ctx context.Context, number uint64, fullTx bool) (map[string]interface{}, error) {
	raw, err := c.call(ctx, "eth_getBlockByNumber", fmt.Sprintf("0x%x", number), fullTx)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var block map[string]interface{}
	if err := json.Unmarshal(raw, &block); err != nil {
		return nil, fmt.Errorf("failed to parse block: %w", err)
	}
	return block, nil
}

// Balance queries the pending balance of address in wei. The pending tag
// accounts for in-flight transactions consuming funds.
func (c *Client) Balance(ctx context.Context, address string) (*big.Int, error) {
	s, err := c.callString(ctx, "eth_getBalance", address, "pending")
	if err != nil {
		return nil, err
	}
	return parseHexBig(s)
}

// BalanceCHI returns the pending balance as wei and as a CHI string.
func (c *Client) BalanceCHI(ctx context.Context, address string) (*big.Int, string, error) {
	wei, err := c.Balance(ctx, address)
	if err != nil {
		return nil, "", err
	}
	return wei, FormatWeiAsCHI(wei), nil
}

// Nonce returns the pending transaction count for address.
func (c *Client) Nonce(ctx context.Context, address string) (uint64, error) {
	s, err := c.callString(ctx, "eth_getTransactionCount", address, "pending")
	if err != nil {
		return 0, err
	}
	v, err := parseHexBig(s)
	if err != nil {
		return 0, err
	}
	return v.Uint64(), nil
}

// GasPrice returns the node's suggested gas price, substituting 1 gwei when
// the node reports zero.
func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	s, err := c.callString(ctx, "eth_gasPrice")
	if err != nil {
		return nil, err
	}
	v, err := parseHexBig(s)
	if err != nil {
		return nil, err
	}
	if v.Sign() == 0 {
		v = big.NewInt(fallbackGasPriceWei)
	}
	return v, nil
}

// TransactionReceipt returns the receipt for txHash, or nil when the
// transaction has not been mined yet.
func (c *Client) TransactionReceipt(ctx context.Context, txHash string) (map[string]interface{}, error) {
	raw, err := c.call(ctx, "eth_getTransactionReceipt", txHash)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var receipt map[string]interface{}
	if err := json.Unmarshal(raw, &receipt); err != nil {
		return nil, fmt.Errorf("failed to parse receipt: %w", err)
	}
	return receipt, nil
}

// WaitMined polls for the receipt of txHash until it appears or ctx ends.
func (c *Client) WaitMined(ctx context.Context, txHash string, poll time.Duration) (map[string]interface{}, error) {
	if poll <= 0 {
		poll = time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		receipt, err := c.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// RequestFaucet asks the faucet account to send 1 CHI to address. The
// faucet account is node-managed, so this goes through eth_sendTransaction
// after a best-effort unlock.
func (c *Client) RequestFaucet(ctx context.Context, address string) (string, error) {
	nonceHex, err := c.callString(ctx, "eth_getTransactionCount", FaucetAddress, "latest")
	if err != nil {
		return "", fmt.Errorf("failed to get faucet nonce: %w", err)
	}

	// Dev-mode faucet accounts unlock with an empty password; failure is
	// non-fatal because some nodes keep the account permanently unlocked.
	if _, err := c.call(ctx, "personal_unlockAccount", FaucetAddress, "", 60); err != nil {
		c.log.WithError(err).Debug("faucet unlock refused")
	}

	tx := map[string]string{
		"from":     FaucetAddress,
		"to":       address,
		"value":    "0xde0b6b3a7640000", // 1 CHI
		"gas":      "0x5208",
		"gasPrice": "0x0",
		"nonce":    nonceHex,
	}
	return c.callString(ctx, "eth_sendTransaction", tx)
}
