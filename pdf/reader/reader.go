// Package reader locates embedded signatures in PDF files.
//
// Signature dictionaries are never stored in compressed object streams
// because their ByteRange addresses raw file offsets, so they can be found by
// scanning the file for ByteRange arrays without building the object graph.
package reader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"time"
)

// Common errors
var (
	ErrInvalidPDF       = errors.New("invalid PDF file")
	ErrDocumentTooLarge = errors.New("PDF file exceeds size limit")
	ErrInvalidByteRange = errors.New("invalid signature byte range")
	ErrInvalidContents  = errors.New("invalid signature contents")
)

const headerSearchWindow = 1024

var (
	headerRegex    = regexp.MustCompile(`%PDF-(\d+\.\d+)`)
	byteRangeRegex = regexp.MustCompile(`/ByteRange\s*\[\s*(\d+)\s+(\d+)\s+(\d+)\s+(\d+)\s*\]`)
	subFilterRegex = regexp.MustCompile(`/SubFilter\s*/([^\s/<>\[\]()]+)`)
	filterRegex    = regexp.MustCompile(`/Filter\s*/([^\s/<>\[\]()]+)`)
	eofMarker      = []byte("%%EOF")
)

// PdfFileReader holds a PDF file in memory.
type PdfFileReader struct {
	data    []byte
	Version string
}

// NewPdfFileReader reads a PDF from r. A positive maxBytes bounds the size.
func NewPdfFileReader(r io.Reader, maxBytes int64) (*PdfFileReader, error) {
	if maxBytes > 0 {
		r = io.LimitReader(r, maxBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read PDF: %w", err)
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrDocumentTooLarge, maxBytes)
	}
	return NewPdfFileReaderFromBytes(data)
}

// NewPdfFileReaderFromBytes creates a reader over data.
func NewPdfFileReaderFromBytes(data []byte) (*PdfFileReader, error) {
	r := &PdfFileReader{data: data}
	if err := r.parseHeader(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *PdfFileReader) parseHeader() error {
	if len(r.data) == 0 {
		return fmt.Errorf("%w: empty file", ErrInvalidPDF)
	}
	window := r.data
	if len(window) > headerSearchWindow {
		window = window[:headerSearchWindow]
	}
	m := headerRegex.FindSubmatch(window)
	if m == nil {
		return fmt.Errorf("%w: missing PDF header", ErrInvalidPDF)
	}
	r.Version = string(m[1])
	if !bytes.Contains(r.data, eofMarker) {
		return fmt.Errorf("%w: missing end-of-file marker", ErrInvalidPDF)
	}
	return nil
}

// Len returns the file size.
func (r *PdfFileReader) Len() int {
	return len(r.data)
}

// EmbeddedSignature is one signature dictionary found in the file.
type EmbeddedSignature struct {
	// Index is the position of the signature in file order.
	Index int

	// Offset is the file offset of the ByteRange entry.
	Offset int

	ByteRange [4]int64

	// Contents is the decoded /Contents value, zero padding included.
	Contents []byte

	// Err is set when the byte range or contents are unusable; Contents
	// is nil in that case.
	Err error

	Filter         string
	SubFilter      string
	Name           string
	Reason         string
	Location       string
	ContactInfo    string
	RawSigningTime string

	reader *PdfFileReader
}

// GetEmbeddedSignatures returns the signature dictionaries in file order.
// Dictionaries sharing a byte range are reported once.
func (r *PdfFileReader) GetEmbeddedSignatures() []*EmbeddedSignature {
	matches := byteRangeRegex.FindAllSubmatchIndex(r.data, -1)

	seen := make(map[[4]int64]bool, len(matches))
	var sigs []*EmbeddedSignature
	for _, m := range matches {
		sig := &EmbeddedSignature{Offset: m[0], reader: r}

		var parseErr error
		for i := 0; i < 4; i++ {
			v, err := strconv.ParseInt(string(r.data[m[2+2*i]:m[3+2*i]]), 10, 64)
			if err != nil {
				parseErr = err
				break
			}
			sig.ByteRange[i] = v
		}
		if parseErr != nil {
			sig.Err = fmt.Errorf("%w: %v", ErrInvalidByteRange, parseErr)
		} else {
			if seen[sig.ByteRange] {
				continue
			}
			seen[sig.ByteRange] = true
			sig.Contents, sig.Err = r.readContents(sig.ByteRange)
		}

		r.readDictionary(sig)
		sigs = append(sigs, sig)
	}

	sort.SliceStable(sigs, func(i, j int) bool { return sigs[i].Offset < sigs[j].Offset })
	for i, sig := range sigs {
		sig.Index = i
	}
	return sigs
}

// checkByteRange verifies that the two covered ranges lie within the file
// and do not overlap. Each bound is compared against the remaining file size
// before any addition so that hostile values cannot overflow.
func (r *PdfFileReader) checkByteRange(br [4]int64) error {
	size := int64(len(r.data))
	start1, len1, start2, len2 := br[0], br[1], br[2], br[3]
	switch {
	case start1 < 0 || len1 < 0 || start2 < 0 || len2 < 0:
		return fmt.Errorf("%w: negative value", ErrInvalidByteRange)
	case start1 > size || len1 > size-start1:
		return fmt.Errorf("%w: first range exceeds file size %d", ErrInvalidByteRange, size)
	case start2 > size || len2 > size-start2:
		return fmt.Errorf("%w: second range exceeds file size %d", ErrInvalidByteRange, size)
	case start1+len1 > start2:
		return fmt.Errorf("%w: ranges overlap", ErrInvalidByteRange)
	}
	return nil
}

// readContents decodes the hex string filling the gap between the ranges.
func (r *PdfFileReader) readContents(br [4]int64) ([]byte, error) {
	if err := r.checkByteRange(br); err != nil {
		return nil, err
	}
	gap := bytes.TrimSpace(r.data[br[0]+br[1] : br[2]])
	if len(gap) < 2 || gap[0] != '<' || gap[len(gap)-1] != '>' {
		return nil, fmt.Errorf("%w: gap is not a hex string", ErrInvalidContents)
	}
	contents, err := decodeHexString(gap[1 : len(gap)-1])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidContents, err)
	}
	if len(bytes.Trim(contents, "\x00")) == 0 {
		return nil, fmt.Errorf("%w: empty signature", ErrInvalidContents)
	}
	return contents, nil
}

// readDictionary fills the informational entries from the object that
// encloses the ByteRange.
func (r *PdfFileReader) readDictionary(sig *EmbeddedSignature) {
	start := bytes.LastIndex(r.data[:sig.Offset], []byte("obj"))
	if start < 0 {
		start = 0
	}
	end := len(r.data)
	if idx := bytes.Index(r.data[sig.Offset:], []byte("endobj")); idx >= 0 {
		end = sig.Offset + idx
	}
	dict := r.data[start:end]

	if m := subFilterRegex.FindSubmatch(dict); m != nil {
		sig.SubFilter = string(m[1])
	}
	if m := filterRegex.FindSubmatch(dict); m != nil {
		sig.Filter = string(m[1])
	}
	sig.Name = textEntry(dict, "Name")
	sig.Reason = textEntry(dict, "Reason")
	sig.Location = textEntry(dict, "Location")
	sig.ContactInfo = textEntry(dict, "ContactInfo")
	sig.RawSigningTime = textEntry(dict, "M")
}

// GetSignedData returns the bytes covered by the signature, or nil when the
// byte range is unusable.
func (e *EmbeddedSignature) GetSignedData() []byte {
	if e.Err != nil || e.reader == nil || e.reader.checkByteRange(e.ByteRange) != nil {
		return nil
	}
	data := e.reader.data
	start1, len1, start2, len2 := e.ByteRange[0], e.ByteRange[1], e.ByteRange[2], e.ByteRange[3]

	result := make([]byte, len1+len2)
	copy(result[:len1], data[start1:start1+len1])
	copy(result[len1:], data[start2:start2+len2])
	return result
}

// SigningTime returns the claimed signing time from the /M entry.
func (e *EmbeddedSignature) SigningTime() (time.Time, bool) {
	if e.RawSigningTime == "" {
		return time.Time{}, false
	}
	t, err := ParsePDFDate(e.RawSigningTime)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// CoversWholeFile reports whether the second range reaches the end of file.
func (e *EmbeddedSignature) CoversWholeFile() bool {
	return e.Err == nil && e.ByteRange[2]+e.ByteRange[3] == int64(e.reader.Len())
}
