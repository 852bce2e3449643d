package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/wolfman30/city-services/pkg/logging"
)

// S3API is the subset of the S3 client used by Store.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Store writes queue ledgers to S3. With no bucket every call is a no-op.
type Store struct {
	bucket   string
	s3Client S3API
	logger   *logging.Logger
}

func NewStore(s3Client S3API, bucket string, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Default()
	}
	return &Store{bucket: bucket, s3Client: s3Client, logger: logger}
}

func (s *Store) Enabled() bool {
	return s != nil && s.bucket != "" && s.s3Client != nil
}

// LedgerKey is the object key for a clinic/day ledger.
func LedgerKey(clinicID string, date time.Time) string {
	return fmt.Sprintf("queues/v1/by-date/%d/%02d/%02d/%s.json", date.Year(), date.Month(), date.Day(), clinicID)
}

func manifestKey(date time.Time) string {
	return fmt.Sprintf("queues/v1/manifests/%d-%02d.jsonl", date.Year(), date.Month())
}

// PutLedger stores the ledger and records it in the manifest. The ledger
// object is authoritative; a manifest failure is logged and not returned.
func (s *Store) PutLedger(ctx context.Context, ledger *Ledger, date time.Time) (*ManifestEntry, error) {
	if !s.Enabled() {
		return nil, nil
	}
	data, err := json.Marshal(ledger)
	if err != nil {
		return nil, fmt.Errorf("archive: marshal ledger: %w", err)
	}

	key := LedgerKey(ledger.ClinicID, date)
	_, err = s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return nil, fmt.Errorf("archive: s3 put %s: %w", key, err)
	}

	entry := ManifestEntry{
		ClinicID:   ledger.ClinicID,
		QueueDate:  ledger.QueueDate,
		S3Key:      key,
		Tickets:    len(ledger.Entries),
		ExportedAt: ledger.ExportedAt.UTC().Format(time.RFC3339),
	}
	for _, e := range ledger.Entries {
		switch e.Status {
		case "completed":
			entry.Completed++
		case "cancelled":
			entry.Cancelled++
		}
	}
	s.logger.Info("archived queue ledger", "clinic_id", ledger.ClinicID, "queue_date", ledger.QueueDate, "s3_key", key, "tickets", entry.Tickets)

	if err := s.AppendManifest(ctx, entry, date); err != nil {
		s.logger.Warn("failed to append manifest", "error", err, "clinic_id", ledger.ClinicID)
	}
	return &entry, nil
}

// AppendManifest appends a JSONL line to the monthly manifest. S3 has no
// append, so this is read-modify-write; run exports from a single process.
// A ledger already listed under the same key is not appended again.
func (s *Store) AppendManifest(ctx context.Context, entry ManifestEntry, date time.Time) error {
	if !s.Enabled() {
		return nil
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("archive: marshal manifest entry: %w", err)
	}

	key := manifestKey(date)
	var existing []byte
	resp, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	switch {
	case err == nil:
		existing, err = io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("archive: read manifest: %w", err)
		}
	case isNoSuchKey(err):
		s.logger.Debug("manifest not found, creating new", "key", key)
	default:
		return fmt.Errorf("archive: s3 get manifest: %w", err)
	}

	if manifestHas(existing, entry.S3Key) {
		s.logger.Debug("ledger already in manifest", "key", key, "s3_key", entry.S3Key)
		return nil
	}

	var buf bytes.Buffer
	if len(existing) > 0 {
		buf.Write(existing)
		if existing[len(existing)-1] != '\n' {
			buf.WriteByte('\n')
		}
	}
	buf.Write(line)
	buf.WriteByte('\n')

	_, err = s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("archive: s3 put manifest: %w", err)
	}
	return nil
}

func manifestHas(manifest []byte, s3Key string) bool {
	for _, line := range bytes.Split(manifest, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var e struct {
			S3Key string `json:"s3_key"`
		}
		if json.Unmarshal(line, &e) == nil && e.S3Key == s3Key {
			return true
		}
	}
	return false
}

func isNoSuchKey(err error) bool {
	var nsk *s3types.NoSuchKey
	return errors.As(err, &nsk)
}
