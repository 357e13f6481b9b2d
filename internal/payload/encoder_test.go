package payload

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcfax/faxpipe/internal/worker/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func testJob() *domain.JobRecord {
	return &domain.JobRecord{
		JobID:                "a3f1c200-1111-4222-8333-944445555666",
		DocumentPath:         "/spool/invoice.pdf",
		SenderName:           "Suzy Sneder",
		RecipientName:        "Records Dept",
		RecipientFaxNumber:   "5551234567",
		Priority:             domain.PriorityMedium,
		MaxAttempts:          3,
		RetryIntervalSeconds: 5,
		CreatedAt:            time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC),
	}
}

// fakePDF builds a synthetic PDF body of roughly n bytes with the given
// number of page objects
func fakePDF(pages, n int) []byte {
	var b bytes.Buffer
	b.WriteString("%PDF-1.4\n")
	b.WriteString("1 0 obj << /Type /Pages /Count 2 >> endobj\n")
	for i := 0; i < pages; i++ {
		b.WriteString("2 0 obj << /Type /Page /Parent 1 0 R >> endobj\n")
	}
	for b.Len() < n {
		b.WriteByte(byte(b.Len() % 251))
	}
	return b.Bytes()
}

func TestEncodeRoundTrip(t *testing.T) {
	enc := NewEncoder(testLogger())
	document := fakePDF(2, 500000)

	artifact, err := enc.Encode(testJob(), document)
	require.NoError(t, err)

	var tx struct {
		Attachment struct {
			Location                string `xml:"location"`
			Name                    string `xml:"name"`
			ContentType             string `xml:"content_type"`
			ContentTransferEncoding string `xml:"content_transfer_encoding"`
			Content                 string `xml:"content"`
		} `xml:"attachment"`
	}
	require.NoError(t, xml.Unmarshal(artifact.TransmissionXML, &tx))

	assert.Equal(t, "inline", tx.Attachment.Location)
	assert.Equal(t, "invoice.pdf", tx.Attachment.Name)
	assert.Equal(t, "application/pdf", tx.Attachment.ContentType)
	assert.Equal(t, "base64", tx.Attachment.ContentTransferEncoding)

	// base64 expansion is exactly ceil(n/3)*4 characters
	wantLen := ((len(document) + 2) / 3) * 4
	assert.Equal(t, wantLen, len(tx.Attachment.Content))

	decoded, err := base64.StdEncoding.DecodeString(tx.Attachment.Content)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(document, decoded), "decoded content must be byte-identical to the source document")
}

func TestEncodeMetadata(t *testing.T) {
	enc := NewEncoder(testLogger())
	document := fakePDF(2, 500000)

	artifact, err := enc.Encode(testJob(), document)
	require.NoError(t, err)

	assert.Equal(t, 2, artifact.PageCount)
	assert.Equal(t, int64(len(document)), artifact.SizeBytes)

	xmlStr := string(artifact.TransmissionXML)
	assert.Contains(t, xmlStr, "<schedule_fax>")
	assert.Contains(t, xmlStr, "<fax_number>5551234567</fax_number>")
	assert.Contains(t, xmlStr, "<priority>3</priority>")
	assert.Contains(t, xmlStr, "<max_tries>3</max_tries>")
	assert.Contains(t, xmlStr, "<try_interval>5</try_interval>")
}

func TestEncodeArchivalHasNoContent(t *testing.T) {
	enc := NewEncoder(testLogger())

	artifact, err := enc.Encode(testJob(), fakePDF(3, 100000))
	require.NoError(t, err)

	archival := string(artifact.ArchivalXML)
	assert.Contains(t, archival, "<fax_job>")
	assert.Contains(t, archival, "<job_id>a3f1c200-1111-4222-8333-944445555666</job_id>")
	assert.Contains(t, archival, "<file_name>invoice.pdf</file_name>")
	assert.NotContains(t, archival, "<content>")
	assert.NotContains(t, archival, "<attachment>")

	// archival stays small regardless of document size
	assert.Less(t, len(artifact.ArchivalXML), 2048)
}

func TestEncodeRejectsBadDocuments(t *testing.T) {
	enc := NewEncoderWithLimit(1024, testLogger())

	tests := []struct {
		name     string
		document []byte
		errPart  string
	}{
		{"empty document", nil, "document is empty"},
		{"not a pdf", []byte("hello world, definitely not a pdf"), "not a valid PDF"},
		{"oversized", fakePDF(1, 4096), "exceeds limit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := enc.Encode(testJob(), tt.document)
			require.Error(t, err)

			var encErr *domain.EncodingError
			require.True(t, errors.As(err, &encErr), "expected EncodingError, got %T", err)
			assert.Contains(t, err.Error(), tt.errPart)
		})
	}
}

func TestGatewayPriorityMapping(t *testing.T) {
	assert.Equal(t, "1", gatewayPriority(domain.PriorityLow))
	assert.Equal(t, "3", gatewayPriority(domain.PriorityMedium))
	assert.Equal(t, "5", gatewayPriority(domain.PriorityHigh))
	assert.Equal(t, "3", gatewayPriority("whatever"))
}

func TestTransmissionRegeneratedPerCall(t *testing.T) {
	enc := NewEncoder(testLogger())
	job := testJob()

	first, err := enc.Encode(job, fakePDF(1, 1000))
	require.NoError(t, err)
	second, err := enc.Encode(job, fakePDF(1, 2000))
	require.NoError(t, err)

	// a changed snapshot shows up in the next attempt's payload
	assert.NotEqual(t, strings.TrimSpace(string(first.TransmissionXML)),
		strings.TrimSpace(string(second.TransmissionXML)))
}
