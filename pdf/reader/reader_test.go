package reader

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/georgepadayatti/sigident/internal/testpki"
)

func TestNewPdfFileReaderFromBytes(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr bool
		version string
	}{
		{"valid", "%PDF-1.7\n1 0 obj\n<<>>\nendobj\n%%EOF\n", false, "1.7"},
		{"header after junk", "\x00\x00%PDF-2.0\n%%EOF", false, "2.0"},
		{"empty", "", true, ""},
		{"no header", "hello world %%EOF", true, ""},
		{"truncated", "%PDF-1.4\n1 0 obj\n<<", true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewPdfFileReaderFromBytes([]byte(tt.data))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPDF)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.version, r.Version)
		})
	}
}

func TestNewPdfFileReaderSizeLimit(t *testing.T) {
	data := "%PDF-1.7\n" + strings.Repeat("x", 100) + "\n%%EOF\n"

	_, err := NewPdfFileReader(strings.NewReader(data), 50)
	assert.ErrorIs(t, err, ErrDocumentTooLarge)

	r, err := NewPdfFileReader(strings.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, len(data), r.Len())
}

func TestGetEmbeddedSignatures(t *testing.T) {
	ca := testpki.NewCA(t, "Test CA")
	first := ca.Issue(t, testpki.CertOptions{CommonName: "First"})
	second := ca.Issue(t, testpki.CertOptions{CommonName: "Second"})
	signedAt := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)

	pdf := testpki.BuildSignedPDF(t,
		testpki.PDFSignature{Signer: first, SigningTime: signedAt, Name: "First Signer", Reason: "Approval (final)"},
		testpki.PDFSignature{Signer: second},
	)

	r, err := NewPdfFileReaderFromBytes(pdf)
	require.NoError(t, err)

	sigs := r.GetEmbeddedSignatures()
	require.Len(t, sigs, 2)

	s0 := sigs[0]
	require.NoError(t, s0.Err)
	assert.Equal(t, 0, s0.Index)
	assert.Equal(t, "adbe.pkcs7.detached", s0.SubFilter)
	assert.Equal(t, "Adobe.PPKLite", s0.Filter)
	assert.Equal(t, "First Signer", s0.Name)
	assert.Equal(t, "Approval (final)", s0.Reason)
	got, ok := s0.SigningTime()
	require.True(t, ok)
	assert.True(t, got.Equal(signedAt))
	assert.Equal(t, byte(0x30), s0.Contents[0])
	assert.False(t, s0.CoversWholeFile())

	s1 := sigs[1]
	require.NoError(t, s1.Err)
	assert.Equal(t, 1, s1.Index)
	_, ok = s1.SigningTime()
	assert.False(t, ok)
	assert.True(t, s1.CoversWholeFile())
	assert.Greater(t, s1.Offset, s0.Offset)

	signed := s1.GetSignedData()
	assert.Equal(t, int(s1.ByteRange[1]+s1.ByteRange[3]), len(signed))
	assert.True(t, bytes.HasPrefix(signed, []byte("%PDF-1.7")))
}

func TestGetEmbeddedSignaturesNone(t *testing.T) {
	r, err := NewPdfFileReaderFromBytes([]byte("%PDF-1.7\n1 0 obj\n<< /Type /Catalog >>\nendobj\n%%EOF\n"))
	require.NoError(t, err)
	assert.Empty(t, r.GetEmbeddedSignatures())
}

func TestGetEmbeddedSignaturesInvalidRanges(t *testing.T) {
	doc := "%PDF-1.7\n" +
		"3 0 obj\n<< /Type /Sig /ByteRange [0 10 99999 5] /Contents <3000> >>\nendobj\n" +
		"4 0 obj\n<< /Type /Sig /ByteRange [0 50 40 5] /Contents <3000> >>\nendobj\n" +
		"%%EOF\n"
	r, err := NewPdfFileReaderFromBytes([]byte(doc))
	require.NoError(t, err)

	sigs := r.GetEmbeddedSignatures()
	require.Len(t, sigs, 2)
	for _, sig := range sigs {
		assert.ErrorIs(t, sig.Err, ErrInvalidByteRange)
		assert.Nil(t, sig.Contents)
		assert.Nil(t, sig.GetSignedData())
	}
}

func TestGetEmbeddedSignaturesOverflowingRanges(t *testing.T) {
	ranges := []string{
		"[1 9223372036854775807 0 0]",
		"[0 0 1 9223372036854775807]",
		"[9223372036854775807 1 0 0]",
		"[9223372036854775807 9223372036854775807 9223372036854775807 9223372036854775807]",
	}
	for _, br := range ranges {
		t.Run(br, func(t *testing.T) {
			doc := "%PDF-1.7\n3 0 obj\n<< /Type /Sig /ByteRange " + br + " /Contents <00> >>\nendobj\n%%EOF\n"
			r, err := NewPdfFileReaderFromBytes([]byte(doc))
			require.NoError(t, err)

			var sigs []*EmbeddedSignature
			require.NotPanics(t, func() { sigs = r.GetEmbeddedSignatures() })
			require.Len(t, sigs, 1)
			assert.ErrorIs(t, sigs[0].Err, ErrInvalidByteRange)
			assert.Nil(t, sigs[0].Contents)
			assert.Nil(t, sigs[0].GetSignedData())
			assert.False(t, sigs[0].CoversWholeFile())
		})
	}
}

// sigDocument builds a one-signature file whose byte range brackets contents.
func sigDocument(contents, trailer string) (string, [4]int64) {
	const head = "%%PDF-1.7\n3 0 obj\n<< /Type /Sig /ByteRange [0 %010d %010d %010d] /Contents "
	tail := " >>\nendobj\n%%EOF\n" + trailer
	prefixLen := len(fmt.Sprintf(head, 0, 0, 0))
	second := prefixLen + len(contents)
	br := [4]int64{0, int64(prefixLen), int64(second), int64(len(tail))}
	return fmt.Sprintf(head, br[1], br[2], br[3]) + contents + tail, br
}

func TestGetEmbeddedSignaturesDeduplicates(t *testing.T) {
	doc, br := sigDocument("<3000>", "")
	// A second dictionary repeating the same range, appended without
	// moving the covered bytes.
	dup := fmt.Sprintf("/ByteRange [%d %d %d %d]\n", br[0], br[1], br[2], br[3])
	doc += dup

	r, err := NewPdfFileReaderFromBytes([]byte(doc))
	require.NoError(t, err)

	sigs := r.GetEmbeddedSignatures()
	require.Len(t, sigs, 1)
	require.NoError(t, sigs[0].Err)
	assert.Equal(t, br, sigs[0].ByteRange)
	assert.Equal(t, []byte{0x30, 0x00}, sigs[0].Contents)
}

func TestReadContentsRejectsPlaceholder(t *testing.T) {
	doc, _ := sigDocument("<0000>", "")

	r, err := NewPdfFileReaderFromBytes([]byte(doc))
	require.NoError(t, err)
	sigs := r.GetEmbeddedSignatures()
	require.Len(t, sigs, 1)
	assert.ErrorIs(t, sigs[0].Err, ErrInvalidContents)
}

func TestReadContentsRejectsNonHexGap(t *testing.T) {
	doc, _ := sigDocument("(30)", "")

	r, err := NewPdfFileReaderFromBytes([]byte(doc))
	require.NoError(t, err)
	sigs := r.GetEmbeddedSignatures()
	require.Len(t, sigs, 1)
	assert.ErrorIs(t, sigs[0].Err, ErrInvalidContents)
	assert.Nil(t, sigs[0].Contents)
}

func TestParsePDFDate(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"D:20240102030405Z", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)},
		{"D:20240102030405Z00'00'", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)},
		{"D:20240102030405-05'00'", time.Date(2024, 1, 2, 8, 4, 5, 0, time.UTC)},
		{"D:20240102030405+01'30", time.Date(2024, 1, 2, 1, 34, 5, 0, time.UTC)},
		{"D:20240102030405-05'", time.Date(2024, 1, 2, 8, 4, 5, 0, time.UTC)},
		{"20240102030405", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)},
		{"D:20240102", time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)},
		{"D:2024", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePDFDate(tt.in)
			require.NoError(t, err)
			assert.True(t, got.Equal(tt.want), "got %s", got)
		})
	}

	for _, bad := range []string{"", "D:", "D:yesterday", "D:2024130101"} {
		_, err := ParsePDFDate(bad)
		assert.Error(t, err, bad)
	}
}

func TestTextStrings(t *testing.T) {
	dict := []byte(`<< /Name <FEFF004A0055004100D1> /Reason (Line\nbreak \(x\) \101) /Location (Quito\351) /Prop_Build << /Filter << /Name /Adobe >> >> >>`)
	assert.Equal(t, "JUAÑ", textEntry(dict, "Name"))
	assert.Equal(t, "Line\nbreak (x) A", textEntry(dict, "Reason"))
	assert.Equal(t, "Quitoé", textEntry(dict, "Location"))
	assert.Equal(t, "", textEntry(dict, "ContactInfo"))
}
