// Package s3 provides an S3 implementation of the blobstore.BlobStore interface.
//
// # Usage
//
//	store, err := s3.New(ctx, "my-bucket",
//	    s3.WithPrefix("blobs/"),
//	    s3.WithRegion("us-east-1"),
//	)
//
// # Features
//
//   - Range reads for efficient partial fetches
//   - Multipart uploads with CRC32C integrity checks
//   - Parallel ranged downloads for digest computation
//   - Glacier restore requests and restore status from the Restore header
//   - Object lock retention and legal hold
//   - Presigned download URLs
//   - Configurable prefix for multi-tenant isolation
package s3
