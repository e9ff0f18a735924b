// Package blobstore provides the byte storage backends behind blob providers.
//
// BlobStore is a key-addressed store of immutable blobs (get, put, delete,
// list, in-store copy or move). Implementations must be safe for
// concurrent use.
//
// # Built-in Implementations
//
//   - MemoryStore: in-memory, with a simulated archival tier for tests
//   - LocalStore: local filesystem, keys sharded into sub directories
//   - CachingStore: block cache decorator (see Unwrap)
//   - s3.Store: Amazon S3 with multipart transfers, Glacier restore and object lock
//   - minio.Store: MinIO and other S3-compatible storage
//
// # Optional Capabilities
//
// Stores advertise extra capabilities through small interfaces:
//
//	Downloader // parallel download into a file
//	Restorer   // archival tier restore requests and status
//	URLSigner  // presigned download URLs
//	Retainer   // object lock retention and legal hold
//
// Decorators implement Unwrapper so callers can reach the physical store:
//
//	raw := blobstore.Unwrap(store)
package blobstore
