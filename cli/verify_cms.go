package cli

import (
	"context"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/georgepadayatti/sigident/sign/results"
)

func newVerifyCMSCommand(a *app) *cobra.Command {
	var (
		contentPath string
		signingTime string
		jsonOutput  bool
	)

	cmd := &cobra.Command{
		Use:   "verify-cms [flags] <signature.p7s>",
		Short: "Verify a detached CMS signature over a content file",
		Example: `  sigident verify-cms --content contract.bin contract.p7s
  sigident verify-cms --content contract.bin --signing-time 2024-05-06T07:08:09Z contract.p7s`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			block, err := readCMSBlock(args[0], contentPath, signingTime)
			if err != nil {
				return err
			}
			processor, err := a.config.NewProcessor(a.logger, nil)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			report := processor.Process(ctx, []results.RawSignatureBlock{block})
			return writeOutput(a, newVerifyOutput(args[0], report), jsonOutput)
		},
	}
	cmd.Flags().StringVar(&contentPath, "content", "", "File holding the signed content (required)")
	cmd.Flags().StringVar(&signingTime, "signing-time", "", "Claimed signing time (RFC 3339)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output results in JSON format")
	_ = cmd.MarkFlagRequired("content")
	return cmd
}

// readCMSBlock reads a DER or PEM encoded signature and its content.
func readCMSBlock(sigPath, contentPath, signingTime string) (results.RawSignatureBlock, error) {
	var block results.RawSignatureBlock

	sig, err := os.ReadFile(sigPath)
	if err != nil {
		return block, fmt.Errorf("failed to read signature: %w", err)
	}
	if p, _ := pem.Decode(sig); p != nil {
		sig = p.Bytes
	}
	content, err := os.ReadFile(contentPath)
	if err != nil {
		return block, fmt.Errorf("failed to read content: %w", err)
	}

	block.CMS = sig
	block.SignedContent = content
	if signingTime != "" {
		t, err := time.Parse(time.RFC3339, signingTime)
		if err != nil {
			return block, fmt.Errorf("invalid --signing-time: %w", err)
		}
		block.ClaimedSigningTime = t
	}
	return block, nil
}
