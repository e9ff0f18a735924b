// Package minio stores blobs in a bucket of MinIO or another S3-compatible
// server through the minio-go client.
//
//	client, err := miniogo.New("localhost:9000", &miniogo.Options{
//	    Creds: credentials.NewStaticV4("minioadmin", "minioadmin", ""),
//	})
//	if err != nil {
//	    return err
//	}
//	store := minio.NewStore(client, "blobs", "docs/")
//
// Copies and moves run server side. Digest keys are written with an
// If-None-Match condition, so concurrent writers of the same content do not
// upload twice. Transitioned objects report their restore state, and object
// lock retention and legal hold map onto the store's retention calls.
package minio
