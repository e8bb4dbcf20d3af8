// Package results drives signer extraction, identity resolution and
// verification over every signature block of a document and assembles the
// ordered result list.
package results

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/georgepadayatti/sigident/observability"
	"github.com/georgepadayatti/sigident/pdf/reader"
	"github.com/georgepadayatti/sigident/sign/cms"
	"github.com/georgepadayatti/sigident/sign/der"
	"github.com/georgepadayatti/sigident/sign/identity"
	"github.com/georgepadayatti/sigident/sign/validation"
)

// ErrDocumentLoad is returned when the input cannot be read as a document.
// A loaded document without signatures is not an error.
var ErrDocumentLoad = errors.New("document could not be loaded")

// RawSignatureBlock is one signature as found in the container.
type RawSignatureBlock struct {
	Index int

	// CMS is the DER SignedData blob, possibly followed by zero padding.
	CMS []byte

	// SignedContent is the exact byte range the signature covers.
	SignedContent []byte

	// ClaimedSigningTime is the time asserted by the signature dictionary;
	// zero when absent.
	ClaimedSigningTime time.Time

	SubFilter string

	// Err is a container-level problem that makes the block unusable.
	Err error
}

// SignatureResult is the reported outcome for one signature.
type SignatureResult struct {
	Index              int               `json:"index"`
	FullName           string            `json:"full_name"`
	IDNumber           string            `json:"id_number"`
	IssuerOrganization string            `json:"issuer_organization"`
	SigningTime        time.Time         `json:"signing_time,omitzero"`
	IsValid            bool              `json:"is_valid"`
	Reason             validation.Reason `json:"reason"`
}

// BlockFailure records a block that produced no result.
type BlockFailure struct {
	Index int
	Err   error
}

func (f BlockFailure) Error() string {
	return fmt.Sprintf("signature %d: %v", f.Index, f.Err)
}

func (f BlockFailure) Unwrap() error {
	return f.Err
}

// Report is the outcome of processing a set of blocks. Results and Skipped
// are ordered by block index.
type Report struct {
	Results        []SignatureResult
	Skipped        []BlockFailure
	SignatureCount int
}

// AllValid reports whether at least one result exists and every result is
// valid.
func (r *Report) AllValid() bool {
	if r == nil || len(r.Results) == 0 {
		return false
	}
	for _, res := range r.Results {
		if !res.IsValid {
			return false
		}
	}
	return true
}

// Options configures a Processor.
type Options struct {
	Limits der.Limits

	// Concurrency bounds parallel block processing; values below 2 process
	// blocks sequentially.
	Concurrency int

	// MaxDocumentBytes bounds ProcessReader input; zero means unbounded.
	MaxDocumentBytes int64

	Logger  observability.Logger
	Metrics *observability.Metrics
}

// Processor runs the per-block pipeline. It holds no per-call state and is
// safe for concurrent use.
type Processor struct {
	resolver *identity.Resolver
	verifier *validation.Verifier
	opts     Options
	logger   observability.Logger
	metrics  *observability.Metrics
}

// NewProcessor creates a processor.
func NewProcessor(resolver *identity.Resolver, verifier *validation.Verifier, opts Options) *Processor {
	if resolver == nil {
		resolver = identity.NewResolver(identity.DefaultProfile())
	}
	if verifier == nil {
		verifier = validation.NewVerifier(validation.DefaultSettings())
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewNullLogger()
	}
	return &Processor{
		resolver: resolver,
		verifier: verifier,
		opts:     opts,
		logger:   logger,
		metrics:  opts.Metrics,
	}
}

// Process runs every block and returns the results in block order. A block
// that fails for any reason, including a panic, is logged, recorded in
// Report.Skipped and left out of Results.
func (p *Processor) Process(ctx context.Context, blocks []RawSignatureBlock) *Report {
	ctx, span := observability.StartSpan(ctx, "results.Process",
		attribute.Int("signature.count", len(blocks)))
	defer span.End()

	type outcome struct {
		result *SignatureResult
		err    error
	}
	outcomes := make([]outcome, len(blocks))

	if p.opts.Concurrency > 1 && len(blocks) > 1 {
		var g errgroup.Group
		g.SetLimit(p.opts.Concurrency)
		for i := range blocks {
			g.Go(func() error {
				res, err := p.processBlock(ctx, blocks[i])
				outcomes[i] = outcome{res, err}
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i := range blocks {
			res, err := p.processBlock(ctx, blocks[i])
			outcomes[i] = outcome{res, err}
		}
	}

	report := &Report{SignatureCount: len(blocks), Results: []SignatureResult{}}
	for i, o := range outcomes {
		if o.err != nil {
			report.Skipped = append(report.Skipped, BlockFailure{Index: blocks[i].Index, Err: o.err})
			continue
		}
		report.Results = append(report.Results, *o.result)
	}
	span.SetAttributes(
		attribute.Int("result.count", len(report.Results)),
		attribute.Int("skipped.count", len(report.Skipped)),
	)
	return report
}

// processBlock never panics; a recovered panic becomes the returned error.
func (p *Processor) processBlock(ctx context.Context, block RawSignatureBlock) (result *SignatureResult, err error) {
	ctx, span := observability.StartSpan(ctx, "results.processBlock",
		attribute.Int("signature.index", block.Index))
	log := p.logger.ForContext("SignatureIndex", block.Index)

	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("panic while processing signature: %v", r)
		}
		switch {
		case errors.Is(err, cms.ErrNoMatchingCertificate):
			log.DebugContext(ctx, "Signature {Index} has no signer certificate", block.Index)
			p.metrics.IncrementBlock(observability.OutcomeNoSigner)
		case err != nil:
			log.WarnContext(ctx, "Skipping signature {Index}: {Error}", block.Index, err)
			p.metrics.IncrementBlock(observability.OutcomeSkipped)
		default:
			p.metrics.IncrementBlock(observability.OutcomeVerified)
		}
		observability.EndSpan(span, err)
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if block.Err != nil {
		return nil, fmt.Errorf("%w: %w", cms.ErrMalformedCMS, block.Err)
	}

	candidates, err := cms.ExtractSigners(block.CMS, p.opts.Limits)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, cms.ErrNoMatchingCertificate
	}
	candidate := candidates[0]

	record := p.resolver.Resolve(candidate.Certificate)
	observability.AddEvent(ctx, "identity.resolved",
		attribute.String("id_number.tier", record.IDSource.String()),
		attribute.String("given_name.tier", record.GivenNameSource.String()),
		attribute.String("surname.tier", record.SurnameSource.String()))
	for _, diag := range record.Diagnostics {
		log.WarnContext(ctx, "Identity extension of signature {Index} could not be decoded: {Error}", block.Index, diag)
	}
	p.metrics.IncrementIdentity("id_number", record.IDSource.String())
	p.metrics.IncrementIdentity("given_name", record.GivenNameSource.String())
	p.metrics.IncrementIdentity("surname", record.SurnameSource.String())

	verdict := p.verifier.Verify(candidate, block.SignedContent, block.ClaimedSigningTime)
	p.metrics.IncrementVerdict(verdict.Reason.String())
	if verdict.Err != nil {
		log.InfoContext(ctx, "Signature {Index} is {Reason}: {Detail}", block.Index, verdict.Reason.String(), verdict.Err)
	} else {
		log.DebugContext(ctx, "Signature {Index} is {Reason}", block.Index, verdict.Reason.String())
	}

	signingTime := block.ClaimedSigningTime
	if signingTime.IsZero() {
		if t, ok := candidate.SignerInfo.SigningTime(); ok {
			signingTime = t
		}
	}

	return &SignatureResult{
		Index:              block.Index,
		FullName:           record.FullName(),
		IDNumber:           record.IdentificationNumber,
		IssuerOrganization: identity.IssuerOrganization(candidate.Certificate),
		SigningTime:        signingTime,
		IsValid:            verdict.IsValid,
		Reason:             verdict.Reason,
	}, nil
}

// ProcessDocument locates the signatures of a PDF and processes them. It
// returns ErrDocumentLoad when data is not a PDF; a PDF without signatures
// yields an empty report.
func (p *Processor) ProcessDocument(ctx context.Context, data []byte) (*Report, error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "results.ProcessDocument",
		attribute.Int("document.size", len(data)))

	if p.opts.MaxDocumentBytes > 0 && int64(len(data)) > p.opts.MaxDocumentBytes {
		err := fmt.Errorf("%w: %w: more than %d bytes", ErrDocumentLoad, reader.ErrDocumentTooLarge, p.opts.MaxDocumentBytes)
		return nil, p.loadFailed(ctx, span, start, err)
	}
	r, err := reader.NewPdfFileReaderFromBytes(data)
	if err != nil {
		return nil, p.loadFailed(ctx, span, start, fmt.Errorf("%w: %w", ErrDocumentLoad, err))
	}
	return p.processLoaded(ctx, span, start, r)
}

// ProcessReader reads a PDF from r, honouring Options.MaxDocumentBytes.
func (p *Processor) ProcessReader(ctx context.Context, rd io.Reader) (*Report, error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "results.ProcessReader")

	r, err := reader.NewPdfFileReader(rd, p.opts.MaxDocumentBytes)
	if err != nil {
		return nil, p.loadFailed(ctx, span, start, fmt.Errorf("%w: %w", ErrDocumentLoad, err))
	}
	span.SetAttributes(attribute.Int("document.size", r.Len()))
	return p.processLoaded(ctx, span, start, r)
}

func (p *Processor) processLoaded(ctx context.Context, span trace.Span, start time.Time, r *reader.PdfFileReader) (*Report, error) {
	blocks, err := scanBlocks(r)
	if err != nil {
		return nil, p.loadFailed(ctx, span, start, fmt.Errorf("%w: %w", ErrDocumentLoad, err))
	}
	p.logger.DebugContext(ctx, "Found {Count} signature blocks in PDF {Version}", len(blocks), r.Version)

	report := p.Process(ctx, blocks)
	p.metrics.ObserveDocument(observability.DocumentLoaded, time.Since(start))
	observability.EndSpan(span, nil)
	return report, nil
}

// scanBlocks runs BlocksFromPDF, turning a panic in the container scan into
// an error so that it fails the document instead of the process.
func scanBlocks(r *reader.PdfFileReader) (blocks []RawSignatureBlock, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			blocks, err = nil, fmt.Errorf("panic while scanning signatures: %v", rec)
		}
	}()
	return BlocksFromPDF(r), nil
}

func (p *Processor) loadFailed(ctx context.Context, span trace.Span, start time.Time, err error) error {
	p.logger.WarnContext(ctx, "Document load failed: {Error}", err)
	p.metrics.ObserveDocument(observability.DocumentLoadError, time.Since(start))
	observability.EndSpan(span, err)
	return err
}

// BlocksFromPDF converts the embedded signatures of r into blocks.
func BlocksFromPDF(r *reader.PdfFileReader) []RawSignatureBlock {
	sigs := r.GetEmbeddedSignatures()
	blocks := make([]RawSignatureBlock, 0, len(sigs))
	for _, sig := range sigs {
		block := RawSignatureBlock{
			Index:     sig.Index,
			SubFilter: sig.SubFilter,
			Err:       sig.Err,
		}
		if sig.Err == nil {
			block.CMS = sig.Contents
			block.SignedContent = sig.GetSignedData()
		}
		if t, ok := sig.SigningTime(); ok {
			block.ClaimedSigningTime = t
		}
		blocks = append(blocks, block)
	}
	return blocks
}
