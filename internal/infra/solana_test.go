package infra

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
)

func newTestSolanaClient(url string) *SolanaClient {
	c := NewSolanaClient(url, nil)
	c.newBackOff = func() backoff.BackOff {
		return backoff.NewConstantBackOff(time.Millisecond)
	}
	return c
}

// rpcServer はメソッドごとの result を返すJSON-RPCサーバー。
func rpcServer(t *testing.T, results map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req rpcRequest
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("invalid request body: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		result, ok := results[req.Method]
		if !ok {
			t.Errorf("unexpected method %s", req.Method)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"jsonrpc":"2.0","id":1,"result":`+result+`}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSolanaClient_RecentSignatures(t *testing.T) {
	srv := rpcServer(t, map[string]string{
		"getSignaturesForAddress": `[
			{"signature":"sig-ok","slot":10,"err":null,"blockTime":1790000000},
			{"signature":"sig-failed","slot":9,"err":{"InstructionError":[0,"Custom"]},"blockTime":null}
		]`,
	})

	sigs, err := newTestSolanaClient(srv.URL).RecentSignatures(t.Context(), "seller", 25)
	if err != nil {
		t.Fatalf("RecentSignatures failed: %v", err)
	}
	if len(sigs) != 2 {
		t.Fatalf("want 2 signatures, got %d", len(sigs))
	}
	if sigs[0].Signature != "sig-ok" || sigs[0].Failed || sigs[0].BlockTime == nil {
		t.Errorf("unexpected first signature: %+v", sigs[0])
	}
	if !sigs[1].Failed || sigs[1].BlockTime != nil {
		t.Errorf("unexpected second signature: %+v", sigs[1])
	}
}

func TestSolanaClient_Transaction(t *testing.T) {
	srv := rpcServer(t, map[string]string{
		"getTransaction": `{
			"slot": 42,
			"blockTime": 1790000000,
			"meta": {"err": null, "preBalances": [5000, 100], "postBalances": [3000, 2100]},
			"transaction": {"message": {
				"accountKeys": [{"pubkey":"buyer","signer":true}, "seller"],
				"instructions": [
					{"program":"system","parsed":{"type":"transfer"}},
					{"program":"spl-memo","parsed":"ORDER-MEMO"},
					{"program":"spl-memo","parsed":{"memo":"second"}}
				]
			}}
		}`,
	})

	tx, err := newTestSolanaClient(srv.URL).Transaction(t.Context(), "sig-1")
	if err != nil {
		t.Fatalf("Transaction failed: %v", err)
	}
	if tx == nil {
		t.Fatal("expected transaction")
	}
	if tx.Signature != "sig-1" || tx.Slot != 42 || tx.Failed {
		t.Errorf("unexpected transaction: %+v", tx)
	}
	if len(tx.AccountKeys) != 2 || tx.AccountKeys[0] != "buyer" || tx.AccountKeys[1] != "seller" {
		t.Errorf("unexpected account keys: %v", tx.AccountKeys)
	}
	if len(tx.Memos) != 2 || tx.Memos[0] != "ORDER-MEMO" || tx.Memos[1] != "second" {
		t.Errorf("unexpected memos: %v", tx.Memos)
	}
	if tx.BlockTime == nil || !tx.BlockTime.Equal(time.Unix(1790000000, 0)) {
		t.Errorf("unexpected block time: %v", tx.BlockTime)
	}
}

func TestSolanaClient_TransactionNotFound(t *testing.T) {
	srv := rpcServer(t, map[string]string{"getTransaction": `null`})

	tx, err := newTestSolanaClient(srv.URL).Transaction(t.Context(), "missing")
	if err != nil {
		t.Fatalf("Transaction failed: %v", err)
	}
	if tx != nil {
		t.Errorf("want nil transaction, got %+v", tx)
	}
}

func TestSolanaClient_RetriesTransientFailures(t *testing.T) {
	tests := []struct {
		name    string
		failure func(w http.ResponseWriter)
	}{
		{"rate limited", func(w http.ResponseWriter) { w.WriteHeader(http.StatusTooManyRequests) }},
		{"server error", func(w http.ResponseWriter) { w.WriteHeader(http.StatusBadGateway) }},
		{"node behind", func(w http.ResponseWriter) {
			io.WriteString(w, `{"jsonrpc":"2.0","id":1,"error":{"code":-32005,"message":"node is behind"}}`)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if calls.Add(1) <= 2 {
					tt.failure(w)
					return
				}
				io.WriteString(w, `{"jsonrpc":"2.0","id":1,"result":[]}`)
			}))
			defer srv.Close()

			sigs, err := newTestSolanaClient(srv.URL).RecentSignatures(t.Context(), "seller", 10)
			if err != nil {
				t.Fatalf("expected success after retries, got %v", err)
			}
			if len(sigs) != 0 {
				t.Errorf("want 0 signatures, got %d", len(sigs))
			}
			if got := calls.Load(); got != 3 {
				t.Errorf("want 3 calls, got %d", got)
			}
		})
	}
}

func TestSolanaClient_GivesUpAfterMaxTries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestSolanaClient(srv.URL).RecentSignatures(t.Context(), "seller", 10)
	if err == nil {
		t.Fatal("expected error")
	}
	if got := calls.Load(); got != defaultRPCMaxRetries {
		t.Errorf("want %d calls, got %d", defaultRPCMaxRetries, got)
	}
}

func TestSolanaClient_DoesNotRetryPermanentErrors(t *testing.T) {
	tests := []struct {
		name    string
		respond func(w http.ResponseWriter)
	}{
		{"bad request", func(w http.ResponseWriter) { w.WriteHeader(http.StatusBadRequest) }},
		{"invalid params", func(w http.ResponseWriter) {
			io.WriteString(w, `{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"invalid params"}}`)
		}},
		{"malformed body", func(w http.ResponseWriter) { io.WriteString(w, `{not json`) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				tt.respond(w)
			}))
			defer srv.Close()

			if _, err := newTestSolanaClient(srv.URL).RecentSignatures(t.Context(), "seller", 10); err == nil {
				t.Fatal("expected error")
			}
			if got := calls.Load(); got != 1 {
				t.Errorf("want 1 call, got %d", got)
			}
		})
	}
}

func TestParseMemo(t *testing.T) {
	tests := []struct {
		raw    string
		want   string
		wantOK bool
	}{
		{`"plain"`, "plain", true},
		{`{"memo":"wrapped"}`, "wrapped", true},
		{`{"other":1}`, "", false},
		{`123`, "", false},
	}
	for _, tt := range tests {
		got, ok := parseMemo(json.RawMessage(tt.raw))
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("parseMemo(%s) = %q, %v; want %q, %v", tt.raw, got, ok, tt.want, tt.wantOK)
		}
	}
}
