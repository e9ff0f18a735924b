package s3

import (
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Option configures a Store.
type Option func(*options)

type options struct {
	prefix        string
	region        string
	endpoint      string
	usePathStyle  bool
	upload        UploadConfig
	presigner     Presigner
	storageClass  types.StorageClass
	restoreTier   types.Tier
	retentionMode types.ObjectLockRetentionMode
}

func defaultOptions() options {
	return options{
		upload:        DefaultUploadConfig(),
		restoreTier:   types.TierStandard,
		retentionMode: types.ObjectLockRetentionModeCompliance,
	}
}

// WithPrefix sets the root prefix prepended to all keys.
func WithPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

// WithRegion sets the AWS region used by New.
func WithRegion(region string) Option {
	return func(o *options) { o.region = region }
}

// WithEndpoint overrides the S3 endpoint used by New, e.g. for LocalStack.
func WithEndpoint(endpoint string, usePathStyle bool) Option {
	return func(o *options) {
		o.endpoint = endpoint
		o.usePathStyle = usePathStyle
	}
}

// WithUploadConfig sets the multipart upload configuration.
func WithUploadConfig(cfg UploadConfig) Option {
	return func(o *options) { o.upload = cfg }
}

// WithPresigner sets the client used for presigned download URLs.
// New installs an s3.PresignClient automatically.
func WithPresigner(p Presigner) Option {
	return func(o *options) { o.presigner = p }
}

// WithStorageClass sets the storage class of written objects,
// e.g. types.StorageClassGlacier for a cold tier.
func WithStorageClass(class types.StorageClass) Option {
	return func(o *options) { o.storageClass = class }
}

// WithRestoreTier sets the retrieval tier used for restore requests.
func WithRestoreTier(tier types.Tier) Option {
	return func(o *options) { o.restoreTier = tier }
}

// WithRetentionMode sets the object lock mode used by SetRetention.
func WithRetentionMode(mode types.ObjectLockRetentionMode) Option {
	return func(o *options) { o.retentionMode = mode }
}
