// Package keystrategy defines how the keys of a blob store are derived.
//
// An Opaque strategy generates random identifiers. A Digest strategy uses
// the hex content digest as the key, which enables de-duplication; a
// digest store holding a blob under a key that is not its digest is a
// migratable defect, repaired by the digest package.
package keystrategy
