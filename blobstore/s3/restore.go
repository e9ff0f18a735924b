package s3

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/hupe1980/blobmgr/blobstore"
)

// restoreDateLayout is the format of expiry-date in the Restore header.
const restoreDateLayout = time.RFC1123

func isArchived(class types.StorageClass) bool {
	return class == types.StorageClassGlacier || class == types.StorageClassDeepArchive
}

// Restore implements blobstore.Restorer. The restored copy is kept for d,
// rounded up to whole days. A restore already in progress is not an error.
func (s *Store) Restore(ctx context.Context, name string, d time.Duration) error {
	if d <= 0 {
		return errors.New("s3: restore duration must be positive")
	}
	days := int32((d + 24*time.Hour - 1) / (24 * time.Hour))

	_, err := s.client.RestoreObject(ctx, &s3.RestoreObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
		RestoreRequest: &types.RestoreRequest{
			Days: aws.Int32(days),
			GlacierJobParameters: &types.GlacierJobParameters{
				Tier: s.opts.restoreTier,
			},
		},
	})
	if err != nil {
		if apiCode(err) == "RestoreAlreadyInProgress" {
			return nil
		}
		return mapError(err)
	}
	return nil
}

// RestoreStatus implements blobstore.Restorer from the HeadObject storage
// class and Restore header.
func (s *Store) RestoreStatus(ctx context.Context, name string) (blobstore.RestoreStatus, error) {
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		return blobstore.RestoreStatus{}, mapError(err)
	}
	if !isArchived(head.StorageClass) {
		return blobstore.RestoreStatus{}, nil
	}
	st := parseRestore(aws.ToString(head.Restore))
	st.Archived = true
	return st, nil
}

// parseRestore parses a Restore header such as
//
//	ongoing-request="false", expiry-date="Fri, 21 Dec 2012 00:00:00 GMT"
func parseRestore(header string) blobstore.RestoreStatus {
	var st blobstore.RestoreStatus
	if header == "" {
		return st
	}
	for _, field := range splitRestoreFields(header) {
		k, v, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		v = strings.Trim(v, `"`)
		switch strings.TrimSpace(k) {
		case "ongoing-request":
			st.Ongoing = v == "true"
		case "expiry-date":
			if t, err := time.Parse(restoreDateLayout, v); err == nil {
				st.Expiry = t
			}
		}
	}
	st.Restored = !st.Ongoing
	return st
}

// splitRestoreFields splits on commas outside of quotes, since the expiry
// date itself contains a comma.
func splitRestoreFields(s string) []string {
	var (
		fields []string
		quoted bool
		start  int
	)
	for i, c := range s {
		switch c {
		case '"':
			quoted = !quoted
		case ',':
			if !quoted {
				fields = append(fields, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	return append(fields, strings.TrimSpace(s[start:]))
}

// SetRetention implements blobstore.Retainer with object lock retention.
func (s *Store) SetRetention(ctx context.Context, name string, until time.Time) error {
	_, err := s.client.PutObjectRetention(ctx, &s3.PutObjectRetentionInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
		Retention: &types.ObjectLockRetention{
			Mode:            s.opts.retentionMode,
			RetainUntilDate: aws.Time(until),
		},
	})
	return mapError(err)
}

// SetLegalHold implements blobstore.Retainer.
func (s *Store) SetLegalHold(ctx context.Context, name string, hold bool) error {
	status := types.ObjectLockLegalHoldStatusOff
	if hold {
		status = types.ObjectLockLegalHoldStatusOn
	}
	_, err := s.client.PutObjectLegalHold(ctx, &s3.PutObjectLegalHoldInput{
		Bucket:    aws.String(s.bucket),
		Key:       aws.String(s.key(name)),
		LegalHold: &types.ObjectLockLegalHold{Status: status},
	})
	return mapError(err)
}
