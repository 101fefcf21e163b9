package client

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/climateandtech/pdf/internal/objectstore"
)

// Named-resource storage: documents kept under a caller-chosen identifier
// instead of the per-request raw/ namespace. These objects are not swept by
// error-path cleanup; their lifecycle belongs to the caller.

// DocumentKey derives the object key of a named resource.
func DocumentKey(resourceID string) string {
	return fmt.Sprintf("documents/%s.pdf", strings.ToLower(resourceID))
}

// StoreDocument uploads content under a named resource key and returns the
// key.
func (c *Client) StoreDocument(ctx context.Context, content []byte, resourceID string) (string, error) {
	key := DocumentKey(resourceID)
	if err := c.store.Put(ctx, key, objectstore.FromBytes(content)); err != nil {
		return "", err
	}
	c.log.Info("document stored", zap.String("key", key), zap.Int("size", len(content)))
	return key, nil
}

// GetDocument downloads a stored document by key.
func (c *Client) GetDocument(ctx context.Context, key string) ([]byte, error) {
	return c.store.Get(ctx, key)
}

// DeleteDocument removes a stored document by key.
func (c *Client) DeleteDocument(ctx context.Context, key string) error {
	if err := c.store.Delete(ctx, key); err != nil {
		return err
	}
	c.log.Info("document deleted", zap.String("key", key))
	return nil
}
