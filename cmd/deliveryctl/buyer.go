package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"key-delivery-service/pkg/cryptox"
)

type keyPairOutput struct {
	PublicKey string `json:"public_key"`
	SecretKey string `json:"secret_key"`
}

// keygenCmd は購入者の X25519 鍵ペアを生成する。
func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a buyer X25519 key pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			public, secret, err := cryptox.GenerateBuyerKeyPair()
			if err != nil {
				return fmt.Errorf("generating key pair: %w", err)
			}
			defer cryptox.Zero(secret[:])

			pub := base64.StdEncoding.EncodeToString(public[:])
			sec := base64.StdEncoding.EncodeToString(secret[:])
			if output == "json" {
				return json.NewEncoder(os.Stdout).Encode(keyPairOutput{PublicKey: pub, SecretKey: sec})
			}
			fmt.Printf("public_key: %s\n", pub)
			fmt.Printf("secret_key: %s\n", sec)
			return nil
		},
	}
}

// openCmd は配信された封緘鍵を開き、暗号化コンテンツを復号する。
func openCmd() *cobra.Command {
	var sealedB64, ephemeralB64, secretB64, payloadPath, outPath string
	cmd := &cobra.Command{
		Use:   "open",
		Short: "Open a sealed key and decrypt a content payload file",
		RunE: func(cmd *cobra.Command, args []string) error {
			sealed, err := base64.StdEncoding.DecodeString(sealedB64)
			if err != nil {
				return fmt.Errorf("decoding sealed key: %w", err)
			}
			ephemeral, err := cryptox.ParsePublicKeyB64(ephemeralB64)
			if err != nil {
				return fmt.Errorf("ephemeral public key: %w", err)
			}
			secret, err := cryptox.ParseSecretKeyB64(secretB64)
			if err != nil {
				return fmt.Errorf("secret key: %w", err)
			}
			defer cryptox.Zero(secret[:])

			contentKey, err := cryptox.OpenSealedKey(sealed, ephemeral, secret)
			if err != nil {
				return err
			}
			defer cryptox.Zero(contentKey)

			payload, err := os.ReadFile(payloadPath)
			if err != nil {
				return fmt.Errorf("reading payload: %w", err)
			}
			iv, tag, ciphertext, err := cryptox.ParsePayload(payload)
			if err != nil {
				return err
			}
			plaintext, err := cryptox.DecryptContent(contentKey, iv, tag, ciphertext)
			if err != nil {
				return fmt.Errorf("decrypting content: %w", err)
			}

			if outPath == "" || outPath == "-" {
				_, err = os.Stdout.Write(plaintext)
				return err
			}
			if err := os.WriteFile(outPath, plaintext, 0o600); err != nil {
				return fmt.Errorf("writing output: %w", err)
			}
			fmt.Fprintf(os.Stderr, "Decrypted %d bytes to %s\n", len(plaintext), outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&sealedB64, "sealed-key", "", "Sealed key (base64, required)")
	cmd.Flags().StringVar(&ephemeralB64, "ephemeral-public", "", "Ephemeral public key (base64, required)")
	cmd.Flags().StringVar(&secretB64, "secret-key", "", "Buyer secret key (base64, required)")
	cmd.Flags().StringVar(&payloadPath, "payload", "", "Encrypted content payload file (required)")
	cmd.Flags().StringVar(&outPath, "out", "-", "Output file (- for stdout)")
	cmd.MarkFlagRequired("sealed-key")
	cmd.MarkFlagRequired("ephemeral-public")
	cmd.MarkFlagRequired("secret-key")
	cmd.MarkFlagRequired("payload")
	return cmd
}
