package infra

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"key-delivery-service/internal/domain"
)

const (
	memoProgram          = "spl-memo"
	maxRPCResponseSize   = 4 << 20
	defaultRPCMaxRetries = 4
)

// SolanaClient はSolanaのJSON-RPCで台帳を参照するクライアント。
// 読み取り専用で、失敗時は指数バックオフで再試行する。
type SolanaClient struct {
	endpoint   string
	httpClient *http.Client
	metrics    *Metrics
	maxTries   uint
	newBackOff func() backoff.BackOff
	nextID     atomic.Uint64
}

// NewSolanaClient は新しいSolanaClientを生成する。metrics は nil でもよい。
func NewSolanaClient(endpoint string, metrics *Metrics) *SolanaClient {
	return &SolanaClient{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout:   15 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		metrics:  metrics,
		maxTries: defaultRPCMaxRetries,
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type signatureInfo struct {
	Signature string          `json:"signature"`
	Slot      uint64          `json:"slot"`
	Err       json.RawMessage `json:"err"`
	BlockTime *int64          `json:"blockTime"`
}

type parsedInstruction struct {
	Program string          `json:"program"`
	Parsed  json.RawMessage `json:"parsed"`
}

type parsedTransaction struct {
	Slot      uint64 `json:"slot"`
	BlockTime *int64 `json:"blockTime"`
	Meta      *struct {
		Err          json.RawMessage `json:"err"`
		PreBalances  []uint64        `json:"preBalances"`
		PostBalances []uint64        `json:"postBalances"`
	} `json:"meta"`
	Transaction struct {
		Message struct {
			AccountKeys  []json.RawMessage  `json:"accountKeys"`
			Instructions []parsedInstruction `json:"instructions"`
		} `json:"message"`
	} `json:"transaction"`
}

// RecentSignatures は address に関係する直近のトランザクション参照を新しい順に返す。
func (c *SolanaClient) RecentSignatures(ctx context.Context, address string, limit int) ([]domain.LedgerSignature, error) {
	var infos []signatureInfo
	params := []any{address, map[string]any{"limit": limit, "commitment": "confirmed"}}
	if err := c.call(ctx, "getSignaturesForAddress", params, &infos); err != nil {
		return nil, err
	}

	sigs := make([]domain.LedgerSignature, len(infos))
	for i, info := range infos {
		sigs[i] = domain.LedgerSignature{
			Signature: info.Signature,
			Slot:      info.Slot,
			Failed:    !isNullJSON(info.Err),
			BlockTime: unixPtr(info.BlockTime),
		}
	}
	return sigs, nil
}

// Transaction は signature のトランザクションを返す。存在しない場合は nil を返す。
func (c *SolanaClient) Transaction(ctx context.Context, signature string) (*domain.LedgerTransaction, error) {
	var raw json.RawMessage
	params := []any{signature, map[string]any{
		"encoding":                       "jsonParsed",
		"maxSupportedTransactionVersion": 0,
		"commitment":                     "confirmed",
	}}
	if err := c.call(ctx, "getTransaction", params, &raw); err != nil {
		return nil, err
	}
	if isNullJSON(raw) {
		return nil, nil
	}

	var tx parsedTransaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, fmt.Errorf("decoding transaction %s: %w", signature, err)
	}
	if tx.Meta == nil {
		return nil, nil
	}

	out := &domain.LedgerTransaction{
		Signature:    signature,
		Slot:         tx.Slot,
		BlockTime:    unixPtr(tx.BlockTime),
		Failed:       !isNullJSON(tx.Meta.Err),
		PreBalances:  tx.Meta.PreBalances,
		PostBalances: tx.Meta.PostBalances,
	}
	for _, k := range tx.Transaction.Message.AccountKeys {
		out.AccountKeys = append(out.AccountKeys, parseAccountKey(k))
	}
	for _, ix := range tx.Transaction.Message.Instructions {
		if ix.Program != memoProgram {
			continue
		}
		if memo, ok := parseMemo(ix.Parsed); ok {
			out.Memos = append(out.Memos, memo)
		}
	}
	return out, nil
}

func (c *SolanaClient) call(ctx context.Context, method string, params []any, out any) error {
	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.LedgerRequests.WithLabelValues(method).Observe(time.Since(start).Seconds())
		}
	}()

	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", method, err)
	}

	operation := func() (json.RawMessage, error) {
		return c.do(ctx, body)
	}
	result, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(c.maxTries),
	)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("decoding %s result: %w", method, err)
	}
	return nil
}

func (c *SolanaClient) do(ctx context.Context, body []byte) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		if secs, convErr := strconv.Atoi(resp.Header.Get("Retry-After")); convErr == nil && secs > 0 {
			return nil, backoff.RetryAfter(secs)
		}
		return nil, errors.New("rate limited by ledger RPC")
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("ledger RPC returned status %s", resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		// 4xxは再試行しない
		return nil, backoff.Permanent(fmt.Errorf("ledger RPC returned status %s", resp.Status))
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxRPCResponseSize)).Decode(&rpcResp); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("decoding RPC response: %w", err))
	}
	if rpcResp.Error != nil {
		if isRetryableRPCError(rpcResp.Error.Code) {
			return nil, rpcResp.Error
		}
		return nil, backoff.Permanent(rpcResp.Error)
	}
	return rpcResp.Result, nil
}

// isRetryableRPCError はノードの遅延など一時的なエラーコードかを返す。
func isRetryableRPCError(code int) bool {
	switch code {
	case -32004, -32005, -32007, -32014:
		return true
	default:
		return false
	}
}

// parseAccountKey は jsonParsed の {pubkey: ...} 形式と文字列形式の両方を受け付ける。
func parseAccountKey(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Pubkey string `json:"pubkey"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Pubkey
	}
	return ""
}

// parseMemo はメモ命令の parsed が文字列か {memo: ...} のどちらでも取り出す。
func parseMemo(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var obj struct {
		Memo *string `json:"memo"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Memo != nil {
		return *obj.Memo, true
	}
	return "", false
}

func isNullJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func unixPtr(sec *int64) *time.Time {
	if sec == nil {
		return nil
	}
	t := time.Unix(*sec, 0).UTC()
	return &t
}
