package audit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// ErrInvalidUnitID is returned when a unit ID has no usable key characters.
var ErrInvalidUnitID = errors.New("unit ID cannot be used in an object key")

// ObjectPutter is the part of the S3 client the archiver uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ArchiveConfig holds configuration for the evidence archive.
type ArchiveConfig struct {
	BucketName      string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
	// Region defaults to "auto" for S3-compatible stores.
	Region string
}

// ArchiveResult describes a stored export.
type ArchiveResult struct {
	Bucket     string    `json:"bucket"`
	Key        string    `json:"key"`
	SHA256     string    `json:"sha256"`
	SizeBytes  int64     `json:"sizeBytes"`
	ArchivedAt time.Time `json:"archivedAt"`
}

// Archiver writes trace exports to S3-compatible object storage. Objects
// are never overwritten: each archive gets a fresh key.
type Archiver struct {
	client     ObjectPutter
	bucketName string
	timeNow    func() time.Time
}

// NewArchiver creates an archiver with a path-style S3 client.
func NewArchiver(cfg ArchiveConfig) (*Archiver, error) {
	if cfg.BucketName == "" {
		return nil, errors.New("bucket name is required")
	}
	if cfg.AccessKeyID == "" {
		return nil, errors.New("access key ID is required")
	}
	if cfg.SecretAccessKey == "" {
		return nil, errors.New("secret access key is required")
	}
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	if cfg.Region == "" {
		cfg.Region = "auto"
	}

	client := s3.New(s3.Options{
		Region: cfg.Region,
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		BaseEndpoint: aws.String(cfg.Endpoint),
		UsePathStyle: true,
	})
	return NewArchiverWithClient(client, cfg.BucketName), nil
}

// NewArchiverWithClient creates an archiver over an existing client.
func NewArchiverWithClient(client ObjectPutter, bucketName string) *Archiver {
	return &Archiver{client: client, bucketName: bucketName, timeNow: time.Now}
}

// ObjectKey builds the key for an export of unitID.
// Pattern: traces/{unitID}/{yyyymmddThhmmssZ}-{uuid}.{ext}
func ObjectKey(unitID string, format ExportFormat, at time.Time) (string, error) {
	sanitized := sanitizePathComponent(unitID)
	if sanitized == "" {
		return "", ErrInvalidUnitID
	}
	return fmt.Sprintf("traces/%s/%s-%s%s",
		sanitized, at.UTC().Format("20060102T150405Z"), uuid.New().String(), format.Extension()), nil
}

// sanitizePathComponent keeps alphanumerics, hyphens and underscores and
// maps every other character to an underscore. It returns "" when no
// alphanumeric survives.
func sanitizePathComponent(s string) string {
	var result strings.Builder
	kept := false
	for _, r := range s {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			result.WriteRune(r)
			kept = true
		case r == '-' || r == '_':
			result.WriteRune(r)
		default:
			result.WriteByte('_')
		}
	}
	if !kept {
		return ""
	}
	return result.String()
}

// Archive stores data under a new key and returns where it went together
// with its SHA-256, so the archived copy can later be checked.
func (a *Archiver) Archive(ctx context.Context, unitID string, format ExportFormat, data []byte) (*ArchiveResult, error) {
	now := a.timeNow().UTC()
	key, err := ObjectKey(unitID, format, now)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucketName),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(format.ContentType()),
		ContentLength: aws.Int64(int64(len(data))),
		Metadata: map[string]string{
			"unit-id": unitID,
			"sha256":  checksum,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to archive export: %w", err)
	}

	return &ArchiveResult{
		Bucket:     a.bucketName,
		Key:        key,
		SHA256:     checksum,
		SizeBytes:  int64(len(data)),
		ArchivedAt: now,
	}, nil
}
