package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/templewallet/walletd/tezos"
)

const rpcTimeout = 30 * time.Second

// TezosClient talks to a Tezos node over its HTTP RPC.
type TezosClient struct {
	baseURL string
	http    *http.Client

	mu      sync.Mutex
	chainID string
}

func NewTezosClient(baseURL string) *TezosClient {
	return &TezosClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: rpcTimeout},
	}
}

func (c *TezosClient) ChainID(ctx context.Context) (string, error) {
	c.mu.Lock()
	cached := c.chainID
	c.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	var chainID string
	if err := c.get(ctx, "/chains/main/chain_id", &chainID); err != nil {
		return "", err
	}

	c.mu.Lock()
	c.chainID = chainID
	c.mu.Unlock()
	return chainID, nil
}

// Simulate dry-runs the batch and annotates each op with the node's gas and
// storage estimates.
func (c *TezosClient) Simulate(ctx context.Context, sourcePkh string, ops []tezos.OpParam) ([]tezos.OpParam, error) {
	chainID, err := c.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	branch, err := c.headHash(ctx)
	if err != nil {
		return nil, err
	}

	body := map[string]interface{}{
		"operation": map[string]interface{}{
			"branch":   branch,
			"contents": ops,
			// run_operation ignores the signature but requires one.
			"signature": "edsigtkpiSSschcaCt9pUVrpNPf7TTcgvgDEDD6NCEHMy8NNQJCGnMfLZzYoQj74yLjo9wx6MPVV29CvVzgi7qEcEUok3k7AuMg",
		},
		"chain_id": chainID,
	}

	var result struct {
		Contents []struct {
			Metadata struct {
				OperationResult struct {
					Status              string            `json:"status"`
					ConsumedMilligas    string            `json:"consumed_milligas"`
					PaidStorageSizeDiff string            `json:"paid_storage_size_diff"`
					Errors              []json.RawMessage `json:"errors"`
				} `json:"operation_result"`
			} `json:"metadata"`
		} `json:"contents"`
	}
	if err := c.post(ctx, "/chains/main/blocks/head/helpers/scripts/run_operation", body, &result); err != nil {
		return nil, err
	}

	annotated := make([]tezos.OpParam, len(ops))
	for i, op := range ops {
		annotated[i] = op.Clone()
		if i >= len(result.Contents) {
			continue
		}
		opResult := result.Contents[i].Metadata.OperationResult
		if opResult.Status != "" && opResult.Status != "applied" {
			return nil, operationError(fmt.Sprintf("operation %d %s", i, opResult.Status), opResult.Errors)
		}
		if milligas, err := strconv.ParseInt(opResult.ConsumedMilligas, 10, 64); err == nil {
			// Ceil to gas units plus a safety margin for state drift
			// between simulation and inclusion.
			annotated[i]["gas_limit"] = strconv.FormatInt((milligas+999)/1000+100, 10)
		}
		if opResult.PaidStorageSizeDiff != "" {
			annotated[i]["storage_limit"] = opResult.PaidStorageSizeDiff
		}
	}
	return annotated, nil
}

func (c *TezosClient) Forge(ctx context.Context, sourcePkh string, ops []tezos.OpParam) ([]byte, error) {
	branch, err := c.headHash(ctx)
	if err != nil {
		return nil, err
	}

	body := map[string]interface{}{
		"branch":   branch,
		"contents": ops,
	}
	var forgedHex string
	if err := c.post(ctx, "/chains/main/blocks/head/helpers/forge/operations", body, &forgedHex); err != nil {
		return nil, err
	}

	forged, err := hex.DecodeString(forgedHex)
	if err != nil {
		return nil, fmt.Errorf("node returned malformed forged bytes: %w", err)
	}
	return forged, nil
}

func (c *TezosClient) Inject(ctx context.Context, signedBytes []byte) (string, error) {
	var opHash string
	if err := c.post(ctx, "/injection/operation", hex.EncodeToString(signedBytes), &opHash); err != nil {
		return "", err
	}
	return opHash, nil
}

func (c *TezosClient) headHash(ctx context.Context) (string, error) {
	var hash string
	if err := c.get(ctx, "/chains/main/blocks/head/hash", &hash); err != nil {
		return "", err
	}
	return hash, nil
}

func (c *TezosClient) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *TezosClient) post(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *TezosClient) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("tezos rpc request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read tezos rpc response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		// Nodes report operation failures as a JSON errors array.
		var nodeErrors []json.RawMessage
		if json.Unmarshal(data, &nodeErrors) == nil && len(nodeErrors) > 0 {
			return operationError(fmt.Sprintf("node rejected request (%d)", resp.StatusCode), nodeErrors)
		}
		return fmt.Errorf("tezos rpc status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode tezos rpc response: %w", err)
	}
	return nil
}

func operationError(message string, rawErrors []json.RawMessage) error {
	opErr := &tezos.OperationError{Message: message}
	for _, raw := range rawErrors {
		var rpcErr tezos.RPCError
		if err := json.Unmarshal(raw, &rpcErr); err != nil {
			continue
		}
		rpcErr.Raw = raw
		opErr.Errors = append(opErr.Errors, rpcErr)
	}
	return opErr
}

// EvmClient talks to an EVM node over JSON-RPC.
type EvmClient struct {
	url  string
	http *http.Client

	mu     sync.Mutex
	nextID int
}

func NewEvmClient(url string) *EvmClient {
	return &EvmClient{
		url:  url,
		http: &http.Client{Timeout: rpcTimeout},
	}
}

func (c *EvmClient) LatestBaseFee(ctx context.Context) (string, bool, error) {
	var block struct {
		BaseFeePerGas string `json:"baseFeePerGas"`
	}
	if err := c.call(ctx, "eth_getBlockByNumber", []interface{}{"latest", false}, &block); err != nil {
		return "", false, err
	}
	if block.BaseFeePerGas == "" {
		return "", false, nil
	}
	return block.BaseFeePerGas, true, nil
}

func (c *EvmClient) PendingNonce(ctx context.Context, address string) (string, error) {
	var nonce string
	if err := c.call(ctx, "eth_getTransactionCount", []interface{}{address, "pending"}, &nonce); err != nil {
		return "", err
	}
	return nonce, nil
}

func (c *EvmClient) SendRawTransaction(ctx context.Context, rawHex string) (string, error) {
	var txHash string
	if err := c.call(ctx, "eth_sendRawTransaction", []interface{}{rawHex}, &txHash); err != nil {
		return "", err
	}
	return txHash, nil
}

func (c *EvmClient) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.mu.Unlock()

	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("evm rpc request failed: %w", err)
	}
	defer resp.Body.Close()

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("failed to decode evm rpc response: %w", err)
	}
	if envelope.Error != nil {
		return fmt.Errorf("evm rpc error %d: %s", envelope.Error.Code, envelope.Error.Message)
	}
	if out == nil || len(envelope.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("failed to decode evm rpc result: %w", err)
	}
	return nil
}
