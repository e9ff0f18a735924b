package blobmgr

import (
	"context"
	"fmt"

	"github.com/hupe1980/blobmgr/blob"
	"github.com/hupe1980/blobmgr/keyreplace"
)

type keyReplacements struct {
	t keyreplace.Table
}

func (r keyReplacements) lookup(ctx context.Context, providerID, raw string) (string, error) {
	newKey, ok, err := r.t.Get(ctx, providerID, raw)
	if err != nil {
		return "", fmt.Errorf("key replacement %s:%s: %w", providerID, raw, err)
	}
	if !ok {
		return raw, nil
	}
	return newKey, nil
}

// apply returns the current key of mb, keeping its prefix if it had one.
func (r keyReplacements) apply(ctx context.Context, mb *blob.Managed) (string, error) {
	prefix, raw, prefixed := blob.SplitKey(mb.Key)
	key, err := r.lookup(ctx, mb.ProviderID, raw)
	if err != nil {
		return "", err
	}
	if prefixed {
		return blob.JoinKey(prefix, key), nil
	}
	return key, nil
}
