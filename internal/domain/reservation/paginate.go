package reservation

import (
	"context"
	"iter"
)

const defaultPageSize = 100

type fetchPage[T any] func(ctx context.Context, after *Cursor, limit int) ([]T, error)

// paginate walks a keyset-paged query lazily. Each range over the returned
// sequence starts again from the first page, and a short page ends it.
func paginate[T any](ctx context.Context, pageSize int, fetch fetchPage[T], cursorOf func(T) Cursor) iter.Seq2[T, error] {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return func(yield func(T, error) bool) {
		var after *Cursor
		for {
			if err := ctx.Err(); err != nil {
				var zero T
				yield(zero, err)
				return
			}
			page, err := fetch(ctx, after, pageSize)
			if err != nil {
				var zero T
				yield(zero, err)
				return
			}
			for _, item := range page {
				if !yield(item, nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
			c := cursorOf(page[len(page)-1])
			after = &c
		}
	}
}
