package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/georgepadayatti/sigident/sign/results"
)

// VerifyOutput is the complete verification output of one document.
type VerifyOutput struct {
	File           string          `json:"file"`
	Loaded         bool            `json:"loaded"`
	Error          string          `json:"error,omitempty"`
	SignatureCount int             `json:"signature_count"`
	Signatures     []*VerifyResult `json:"signatures"`
	Skipped        []*SkippedBlock `json:"skipped,omitempty"`
}

// VerifyResult is a JSON-serializable verification result for a single
// signature.
type VerifyResult struct {
	SignatureIndex     int    `json:"signature_index"`
	Status             string `json:"status"`
	FullName           string `json:"full_name"`
	IDNumber           string `json:"id_number"`
	IssuerOrganization string `json:"issuer_organization"`
	SigningTime        string `json:"signing_time,omitempty"`
	IsValid            bool   `json:"is_valid"`
	Reason             string `json:"reason"`
}

// SkippedBlock describes a signature that produced no result.
type SkippedBlock struct {
	SignatureIndex int    `json:"signature_index"`
	Error          string `json:"error"`
}

// Valid reports whether the document loaded, every signature could be
// processed and every reported signature is valid.
func (o *VerifyOutput) Valid() bool {
	if !o.Loaded || len(o.Skipped) > 0 {
		return false
	}
	for _, s := range o.Signatures {
		if !s.IsValid {
			return false
		}
	}
	return true
}

func newVerifyOutput(file string, report *results.Report) *VerifyOutput {
	out := &VerifyOutput{
		File:           file,
		Loaded:         true,
		SignatureCount: report.SignatureCount,
		Signatures:     make([]*VerifyResult, 0, len(report.Results)),
	}
	for _, res := range report.Results {
		r := &VerifyResult{
			SignatureIndex:     res.Index,
			Status:             "INVALID",
			FullName:           res.FullName,
			IDNumber:           res.IDNumber,
			IssuerOrganization: res.IssuerOrganization,
			IsValid:            res.IsValid,
			Reason:             res.Reason.String(),
		}
		if res.IsValid {
			r.Status = "VALID"
		}
		if !res.SigningTime.IsZero() {
			r.SigningTime = res.SigningTime.UTC().Format(time.RFC3339)
		}
		out.Signatures = append(out.Signatures, r)
	}
	for _, f := range report.Skipped {
		out.Skipped = append(out.Skipped, &SkippedBlock{SignatureIndex: f.Index, Error: f.Err.Error()})
	}
	return out
}

func newVerifyCommand(a *app) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "verify [flags] <input.pdf>",
		Short: "Verify the digital signature(s) of a PDF file",
		Example: `  sigident verify document.pdf
  sigident verify --json document.pdf`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output, err := verifyPDF(cmd.Context(), a, args[0])
			if err != nil {
				return err
			}
			return writeOutput(a, output, jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output results in JSON format")
	return cmd
}

// verifyPDF returns an output for any readable file; only I/O and
// configuration problems are errors.
func verifyPDF(ctx context.Context, a *app, inputPath string) (*VerifyOutput, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	processor, err := a.config.NewProcessor(a.logger, nil)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(inputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", err)
	}
	defer f.Close()

	report, err := processor.ProcessReader(ctx, f)
	if err != nil {
		if errors.Is(err, results.ErrDocumentLoad) {
			return &VerifyOutput{File: inputPath, Error: err.Error(), Signatures: []*VerifyResult{}}, nil
		}
		return nil, err
	}
	return newVerifyOutput(inputPath, report), nil
}

func writeOutput(a *app, output *VerifyOutput, jsonOutput bool) error {
	if jsonOutput {
		if err := outputJSON(a.stdout, output); err != nil {
			return err
		}
	} else {
		outputText(a.stdout, output)
	}

	// Exit with non-zero code if any signature is invalid
	if !output.Valid() {
		return errInvalidSignatures
	}
	return nil
}

func outputJSON(w io.Writer, output *VerifyOutput) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(output); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

func outputText(w io.Writer, output *VerifyOutput) {
	colorHeader.Fprintf(w, "Signature Verification Results\n")
	fmt.Fprintf(w, "==============================\n\n")
	fmt.Fprintf(w, "File: %s\n", output.File)

	if !output.Loaded {
		colorInvalid.Fprintf(w, "The document could not be loaded\n")
		fmt.Fprintf(w, "  %s\n", output.Error)
		return
	}

	if len(output.Signatures) == 0 {
		colorWarning.Fprintf(w, "No digital signatures were found in the document\n")
	} else {
		fmt.Fprintf(w, "Found %d signature(s)\n", len(output.Signatures))
	}

	for _, result := range output.Signatures {
		fmt.Fprintf(w, "\nSignature #%d\n", result.SignatureIndex)
		fmt.Fprintf(w, "------------\n")
		fmt.Fprintf(w, "  Status: %s (%s)\n", statusText(result.IsValid), result.Reason)
		fmt.Fprintf(w, "  Signer: %s\n", result.FullName)
		fmt.Fprintf(w, "  ID Number: %s\n", result.IDNumber)
		fmt.Fprintf(w, "  Issuer: %s\n", result.IssuerOrganization)
		if result.SigningTime != "" {
			fmt.Fprintf(w, "  Signing Time: %s\n", result.SigningTime)
		}
	}

	if len(output.Skipped) > 0 {
		fmt.Fprintln(w)
		colorWarning.Fprintf(w, "%d signature(s) could not be processed:\n", len(output.Skipped))
		for _, s := range output.Skipped {
			fmt.Fprintf(w, "  - #%d: %s\n", s.SignatureIndex, s.Error)
		}
	}
}

func statusText(valid bool) string {
	if valid {
		return colorValid.Sprint("VALID")
	}
	return colorInvalid.Sprint("INVALID")
}
