// Package main はCLIツールのエントリポイント。
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const version = "1.0.0"

var (
	apiURL     string
	adminToken string
	identity   string
	output     string
	timeout    time.Duration
)

// HTTPクライアント
var httpClient *http.Client

func main() {
	rootCmd := &cobra.Command{
		Use:   "deliveryctl",
		Short: "Key Delivery Service CLI",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if apiURL == "" {
				apiURL = os.Getenv("DELIVERYCTL_API_URL")
			}
			if adminToken == "" {
				adminToken = os.Getenv("DELIVERYCTL_ADMIN_TOKEN")
			}
			httpClient = &http.Client{Timeout: timeout}
		},
	}

	// グローバルフラグ
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "API endpoint URL (or set DELIVERYCTL_API_URL)")
	rootCmd.PersistentFlags().StringVar(&adminToken, "admin-token", "", "Admin token for key operations (or set DELIVERYCTL_ADMIN_TOKEN)")
	rootCmd.PersistentFlags().StringVar(&identity, "identity", "", "Caller identity (wallet address) sent as X-Caller-Identity")
	rootCmd.PersistentFlags().StringVar(&output, "output", "text", "Output format: text, json")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")

	// サブコマンド登録
	rootCmd.AddCommand(orderCmd())
	rootCmd.AddCommand(deliverCmd())
	rootCmd.AddCommand(revokeCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(openCmd())
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// versionCmd はバージョン情報を表示する。
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("deliveryctl version %s\n", version)
		},
	}
}

// orderCmd は注文の参照コマンド。
func orderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Inspect orders",
	}

	var orderID string
	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Get an order",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := callAPI(http.MethodGet, "/v1/orders/"+orderID, nil, false, http.StatusOK)
			if err != nil {
				return err
			}

			if output == "json" {
				fmt.Println(string(body))
				return nil
			}
			var result struct {
				OrderID       string `json:"order_id"`
				AssetID       string `json:"asset_id"`
				State         string `json:"state"`
				Lamports      uint64 `json:"expected_lamports"`
				Memo          string `json:"memo"`
				TxRef         string `json:"tx_ref"`
				AccessRevoked bool   `json:"access_revoked"`
			}
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			fmt.Printf("Order %s (asset %s): %s\n", result.OrderID, result.AssetID, result.State)
			fmt.Printf("  expected: %d lamports, memo: %s\n", result.Lamports, result.Memo)
			if result.TxRef != "" {
				fmt.Printf("  tx: %s\n", result.TxRef)
			}
			if result.AccessRevoked {
				fmt.Println("  access: revoked")
			}
			return nil
		},
	}
	getCmd.Flags().StringVar(&orderID, "order", "", "Order ID (required)")
	getCmd.MarkFlagRequired("order")

	cmd.AddCommand(getCmd)
	return cmd
}

// deliverCmd は支払い確認と鍵配信のコマンド。
func deliverCmd() *cobra.Command {
	var orderID string
	cmd := &cobra.Command{
		Use:   "deliver",
		Short: "Verify payment and receive the sealed content key",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, body, err := doRequest(http.MethodPost, "/v1/deliveries", map[string]string{"order_id": orderID}, false)
			if err != nil {
				return err
			}

			switch status {
			case http.StatusOK:
			case http.StatusAccepted:
				if output == "json" {
					fmt.Println(string(body))
				} else {
					fmt.Printf("Payment for order %q not confirmed yet. Retry later.\n", orderID)
				}
				return nil
			default:
				return handleErrorResponse(status, body)
			}

			if output == "json" {
				fmt.Println(string(body))
				return nil
			}
			var result struct {
				SealedKey       string `json:"sealed_key_b64"`
				EphemeralPublic string `json:"ephemeral_public_key_b64"`
				AssetRef        string `json:"asset_ref"`
				Filename        string `json:"filename"`
			}
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			fmt.Printf("sealed_key:       %s\n", result.SealedKey)
			fmt.Printf("ephemeral_public: %s\n", result.EphemeralPublic)
			fmt.Printf("asset_ref:        %s\n", result.AssetRef)
			fmt.Printf("filename:         %s\n", result.Filename)
			return nil
		},
	}
	cmd.Flags().StringVar(&orderID, "order", "", "Order ID (required)")
	cmd.MarkFlagRequired("order")
	return cmd
}

// revokeCmd は購入者のアクセス取り消しコマンド。出品者の identity が必要。
func revokeCmd() *cobra.Command {
	var orderID, reason string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a buyer's access to an order",
		RunE: func(cmd *cobra.Command, args []string) error {
			if identity == "" {
				return fmt.Errorf("--identity is required")
			}
			req := map[string]string{"order_id": orderID}
			if reason != "" {
				req["reason"] = reason
			}
			body, err := callAPI(http.MethodPost, "/v1/deliveries/revoke", req, false, http.StatusOK)
			if err != nil {
				return err
			}

			if output == "json" {
				fmt.Println(string(body))
			} else {
				var result struct {
					RevokedAt string `json:"revoked_at"`
				}
				if err := json.Unmarshal(body, &result); err != nil {
					return fmt.Errorf("parsing response: %w", err)
				}
				fmt.Printf("Revoked access for order %q at %s\n", orderID, result.RevokedAt)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&orderID, "order", "", "Order ID (required)")
	cmd.Flags().StringVar(&reason, "reason", "", "Revocation reason")
	cmd.MarkFlagRequired("order")
	return cmd
}

// keysCmd はラップ鍵バージョンの管理コマンド。
func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage wrapping key versions",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List wrapping key versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := callAPI(http.MethodGet, "/v1/keys/versions", nil, true, http.StatusOK)
			if err != nil {
				return err
			}

			if output == "json" {
				fmt.Println(string(body))
				return nil
			}
			var result struct {
				Versions []struct {
					Version    uint   `json:"version"`
					KMSKeyName string `json:"kms_key_name"`
					Status     string `json:"status"`
					CreatedAt  string `json:"created_at"`
				} `json:"versions"`
			}
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			fmt.Printf("%-8s %-8s %-25s %s\n", "VERSION", "STATUS", "CREATED_AT", "KMS_KEY")
			for _, v := range result.Versions {
				fmt.Printf("%-8d %-8s %-25s %s\n", v.Version, v.Status, v.CreatedAt, v.KMSKeyName)
			}
			return nil
		},
	}

	var kmsKeyName string
	rotateCmd := &cobra.Command{
		Use:   "rotate",
		Short: "Register a new active wrapping key version",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := callAPI(http.MethodPost, "/v1/keys/rotate", map[string]string{"kms_key_name": kmsKeyName}, true, http.StatusCreated)
			if err != nil {
				return err
			}

			if output == "json" {
				fmt.Println(string(body))
			} else {
				var result struct {
					Version uint `json:"version"`
				}
				if err := json.Unmarshal(body, &result); err != nil {
					return fmt.Errorf("parsing response: %w", err)
				}
				fmt.Printf("Rotated wrapping key (new version: %d)\n", result.Version)
			}
			return nil
		},
	}
	rotateCmd.Flags().StringVar(&kmsKeyName, "kms-key-name", "", "KMS key resource name or ARN (required)")
	rotateCmd.MarkFlagRequired("kms-key-name")

	cmd.AddCommand(listCmd, rotateCmd)
	return cmd
}

// callAPI はAPIを呼び出し、期待したステータス以外ならエラーを返す。
func callAPI(method, path string, payload any, admin bool, want int) ([]byte, error) {
	status, body, err := doRequest(method, path, payload, admin)
	if err != nil {
		return nil, err
	}
	if status != want {
		return nil, handleErrorResponse(status, body)
	}
	return body, nil
}

func doRequest(method, path string, payload any, admin bool) (int, []byte, error) {
	if apiURL == "" {
		return 0, nil, fmt.Errorf("--api-url is required (or set DELIVERYCTL_API_URL)")
	}

	var reqBody io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, apiURL+path, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if identity != "" {
		req.Header.Set("X-Caller-Identity", identity)
	}
	if admin {
		if adminToken == "" {
			return 0, nil, fmt.Errorf("--admin-token is required (or set DELIVERYCTL_ADMIN_TOKEN)")
		}
		req.Header.Set("X-Admin-Token", adminToken)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func handleErrorResponse(statusCode int, body []byte) error {
	var errResp struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&errResp); err == nil && errResp.Message != "" {
		return fmt.Errorf("Error: %s (%s)", errResp.Message, errResp.Code)
	}
	return fmt.Errorf("Error: server returned status %d", statusCode)
}
