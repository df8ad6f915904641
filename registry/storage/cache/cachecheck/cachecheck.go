// Package cachecheck provides a conformance suite shared by every
// BlobDescriptorCacheProvider implementation (inmemory, redis).
package cachecheck

import (
	"context"
	"testing"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/trow-registry/trow/registry/storage/cache"
)

// CheckBlobDescriptorCache runs a standard set of checks against a
// BlobDescriptorCacheProvider implementation.
func CheckBlobDescriptorCache(t *testing.T, provider cache.BlobDescriptorCacheProvider) {
	ctx := context.Background()

	checkBlobDescriptorCacheEmptyRepository(ctx, t, provider)
	checkBlobDescriptorCacheSetAndRead(ctx, t, provider)
	checkBlobDescriptorCacheClear(ctx, t, provider)
}

func checkBlobDescriptorCacheEmptyRepository(ctx context.Context, t *testing.T, provider cache.BlobDescriptorCacheProvider) {
	if _, err := provider.RepositoryScoped(""); err == nil {
		t.Fatal("expected error for empty repository name")
	}
}

func checkBlobDescriptorCacheSetAndRead(ctx context.Context, t *testing.T, provider cache.BlobDescriptorCacheProvider) {
	dgst := digest.FromString("cachecheck-sample-content")
	desc := v1.Descriptor{
		Digest:    dgst,
		Size:      1024,
		MediaType: "application/octet-stream",
	}

	if err := provider.SetDescriptor(ctx, dgst, desc); err != nil {
		t.Fatalf("SetDescriptor: %v", err)
	}

	got, err := provider.Stat(ctx, dgst)
	if err != nil {
		t.Fatalf("Stat after SetDescriptor: %v", err)
	}
	if got.Digest != desc.Digest || got.Size != desc.Size {
		t.Fatalf("got %+v, want %+v", got, desc)
	}

	repoCache, err := provider.RepositoryScoped("library/check")
	if err != nil {
		t.Fatalf("RepositoryScoped: %v", err)
	}
	if _, err := repoCache.Stat(ctx, dgst); err != cache.ErrBlobUnknown {
		t.Fatalf("expected ErrBlobUnknown for unseen repo-scoped digest, got %v", err)
	}
	if err := repoCache.SetDescriptor(ctx, dgst, desc); err != nil {
		t.Fatalf("repo SetDescriptor: %v", err)
	}
	if got, err := repoCache.Stat(ctx, dgst); err != nil || got.Digest != dgst {
		t.Fatalf("repo Stat after SetDescriptor: got=%+v err=%v", got, err)
	}
}

func checkBlobDescriptorCacheClear(ctx context.Context, t *testing.T, provider cache.BlobDescriptorCacheProvider) {
	dgst := digest.FromString("cachecheck-clear-content")
	desc := v1.Descriptor{Digest: dgst, Size: 10, MediaType: "application/octet-stream"}

	if err := provider.SetDescriptor(ctx, dgst, desc); err != nil {
		t.Fatalf("SetDescriptor: %v", err)
	}
	if err := provider.Clear(ctx, dgst); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := provider.Stat(ctx, dgst); err != cache.ErrBlobUnknown {
		t.Fatalf("expected ErrBlobUnknown after Clear, got %v", err)
	}
}
