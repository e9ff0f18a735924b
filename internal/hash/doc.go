// Package hash computes the CRC32-Castagnoli checksums that object stores
// verify on upload.
package hash
