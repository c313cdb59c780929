package core

import (
	"context"

	"github.com/mirkobrombin/go-warden/v1/cache"
)

// InvalidateEntry invalidates key in family.
func InvalidateEntry[T any](family *cache.Family[T], key string) Invalidation {
	return Invalidation{
		Target: family.Name() + "/" + key,
		Run:    func(ctx context.Context) error { return family.Invalidate(ctx, key) },
	}
}

// InvalidateFamily invalidates every entry of family.
func InvalidateFamily[T any](family *cache.Family[T]) Invalidation {
	return Invalidation{
		Target: family.Name(),
		Run:    family.InvalidateAll,
	}
}
