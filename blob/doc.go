// Package blob defines the blob values exchanged between documents and
// blob providers, and the persisted key format.
//
// A key is stored in document storage as
//
//	[<providerId>:]<rawKey>
//
// The first ':' separates the routing prefix from the raw store key. Keys
// without a prefix are resolved through the repository's dispatcher.
package blob
