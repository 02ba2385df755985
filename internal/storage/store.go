package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Store is the object-storage contract the pipeline depends on. Put returns
// a URL that downstream model providers can fetch; Get and Delete accept the
// URLs that Put produced.
type Store interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
	Get(ctx context.Context, url string) ([]byte, error)
	Delete(ctx context.Context, url string) error
}

// UniqueKey builds a globally unique storage key so concurrent jobs never
// collide on writes.
func UniqueKey(jobID, category, ext string) string {
	return fmt.Sprintf("jobs/%s/%s/%s%s", jobID, category, uuid.NewString(), ext)
}
