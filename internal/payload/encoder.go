// Package payload builds the two serialized representations of a fax job:
// the archival XML kept locally for audit (no document content) and the
// transmission XML submitted to the gateway with the document embedded as
// base64. The transmission form follows the FaxFinder FF240.R1 schedule_fax
// schema.
package payload

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/mcfax/faxpipe/internal/worker/domain"
)

const xmlHeader = `<?xml version="1.0" encoding="UTF-8"?>` + "\n"

// Artifact holds the ephemeral encode products for one attempt. The archival
// XML is written to disk once; the transmission XML lives only long enough to
// submit and is regenerated on every attempt.
type Artifact struct {
	ArchivalXML     []byte
	TransmissionXML []byte
	PageCount       int
	SizeBytes       int64
}

// Encoder turns a job plus document bytes into payload artifacts
type Encoder struct {
	maxDocumentBytes int64
	logger           *slog.Logger
}

// NewEncoder creates an encoder with the default 36 MB document cap
func NewEncoder(logger *slog.Logger) *Encoder {
	return &Encoder{
		maxDocumentBytes: domain.MaxDocumentBytes,
		logger:           logger,
	}
}

// NewEncoderWithLimit creates an encoder with a custom document size cap
func NewEncoderWithLimit(maxDocumentBytes int64, logger *slog.Logger) *Encoder {
	return &Encoder{
		maxDocumentBytes: maxDocumentBytes,
		logger:           logger,
	}
}

// Encode validates the document and produces both payload representations.
// Failures are EncodingError: fatal for the job, never retried.
func (e *Encoder) Encode(job *domain.JobRecord, document []byte) (*Artifact, error) {
	if len(document) == 0 {
		return nil, domain.NewEncodingError(fmt.Errorf("document is empty"))
	}

	if int64(len(document)) > e.maxDocumentBytes {
		return nil, domain.NewEncodingError(fmt.Errorf(
			"document size %d bytes exceeds limit of %d bytes", len(document), e.maxDocumentBytes))
	}

	if !bytes.HasPrefix(document, []byte("%PDF-")) {
		return nil, domain.NewEncodingError(fmt.Errorf("document is not a valid PDF"))
	}

	pageCount := countPDFPages(document)
	sizeBytes := int64(len(document))

	transmission, err := e.buildTransmissionXML(job, document)
	if err != nil {
		return nil, domain.NewEncodingError(fmt.Errorf("build transmission xml: %w", err))
	}

	archival, err := e.buildArchivalXML(job, pageCount, sizeBytes)
	if err != nil {
		return nil, domain.NewEncodingError(fmt.Errorf("build archival xml: %w", err))
	}

	e.logger.Info("Encoded fax payload",
		slog.String("job_id", job.JobID),
		slog.Int64("document_bytes", sizeBytes),
		slog.Int("page_count", pageCount),
		slog.Int("transmission_bytes", len(transmission)),
	)

	return &Artifact{
		ArchivalXML:     archival,
		TransmissionXML: transmission,
		PageCount:       pageCount,
		SizeBytes:       sizeBytes,
	}, nil
}

// scheduleFax is the FaxFinder FF240.R1 submission document
type scheduleFax struct {
	XMLName     xml.Name      `xml:"schedule_fax"`
	JobID       string        `xml:"job_id"`
	Sender      faxSender     `xml:"sender"`
	Recipient   faxRecipient  `xml:"recipient"`
	Priority    string        `xml:"priority"`
	MaxTries    int           `xml:"max_tries"`
	TryInterval int           `xml:"try_interval"`
	Attachment  faxAttachment `xml:"attachment"`
}

type faxSender struct {
	Name         string `xml:"name"`
	Organization string `xml:"organization,omitempty"`
}

type faxRecipient struct {
	Name         string `xml:"name"`
	FaxNumber    string `xml:"fax_number"`
	Organization string `xml:"organization,omitempty"`
}

type faxAttachment struct {
	Location                string `xml:"location"`
	Name                    string `xml:"name"`
	ContentType             string `xml:"content_type"`
	ContentTransferEncoding string `xml:"content_transfer_encoding"`
	Content                 string `xml:"content"`
}

func (e *Encoder) buildTransmissionXML(job *domain.JobRecord, document []byte) ([]byte, error) {
	doc := scheduleFax{
		JobID: job.JobID,
		Sender: faxSender{
			Name: job.SenderName,
		},
		Recipient: faxRecipient{
			Name:         job.RecipientName,
			FaxNumber:    job.RecipientFaxNumber,
			Organization: job.RecipientOrganization,
		},
		Priority:    gatewayPriority(job.Priority),
		MaxTries:    job.MaxAttempts,
		TryInterval: job.RetryIntervalSeconds,
		Attachment: faxAttachment{
			Location:                "inline",
			Name:                    filepath.Base(job.DocumentPath),
			ContentType:             "application/pdf",
			ContentTransferEncoding: "base64",
			Content:                 base64.StdEncoding.EncodeToString(document),
		},
	}

	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xmlHeader), body...), nil
}

// faxJobArchive is the locally retained audit record. It carries the same
// metadata as the transmission but no document element.
type faxJobArchive struct {
	XMLName        xml.Name     `xml:"fax_job"`
	JobID          string       `xml:"job_id"`
	SubmissionTime string       `xml:"submission_time"`
	Sender         faxSender    `xml:"sender"`
	Recipient      faxRecipient `xml:"recipient"`
	Priority       string       `xml:"priority"`
	MaxAttempts    int          `xml:"max_attempts"`
	RetryInterval  int          `xml:"retry_interval"`
	FileName       string       `xml:"file_name"`
	FileSizeBytes  int64        `xml:"file_size_bytes"`
	PageCount      int          `xml:"page_count"`
	CreatedAt      string       `xml:"created_at"`
}

func (e *Encoder) buildArchivalXML(job *domain.JobRecord, pageCount int, sizeBytes int64) ([]byte, error) {
	doc := faxJobArchive{
		JobID:          job.JobID,
		SubmissionTime: time.Now().UTC().Format(time.RFC3339),
		Sender: faxSender{
			Name: job.SenderName,
		},
		Recipient: faxRecipient{
			Name:         job.RecipientName,
			FaxNumber:    job.RecipientFaxNumber,
			Organization: job.RecipientOrganization,
		},
		Priority:      job.Priority,
		MaxAttempts:   job.MaxAttempts,
		RetryInterval: job.RetryIntervalSeconds,
		FileName:      filepath.Base(job.DocumentPath),
		FileSizeBytes: sizeBytes,
		PageCount:     pageCount,
		CreatedAt:     job.CreatedAt.UTC().Format(time.RFC3339),
	}

	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xmlHeader), body...), nil
}

// gatewayPriority maps pipeline priorities onto the 1-5 numeric scale the
// gateway expects
func gatewayPriority(priority string) string {
	switch priority {
	case domain.PriorityLow:
		return "1"
	case domain.PriorityHigh:
		return "5"
	default:
		return "3"
	}
}

// countPDFPages counts page objects in the raw PDF. Display metadata only;
// no pipeline decision depends on it.
func countPDFPages(document []byte) int {
	count := bytes.Count(document, []byte("/Type /Page")) +
		bytes.Count(document, []byte("/Type/Page"))
	// the page-tree node matches the page-object prefix, back it out
	count -= bytes.Count(document, []byte("/Type /Pages")) +
		bytes.Count(document, []byte("/Type/Pages"))
	if count < 1 {
		count = 1
	}
	return count
}
