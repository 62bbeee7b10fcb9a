package nats

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/conversation-bridge/internal/store"
)

// DefaultBucket holds the thread collection and cached auth tokens.
const DefaultBucket = "conversation_bridge"

// KV implements store.KV on a JetStream key-value bucket, so several bridge processes
// can share one thread collection.
type KV struct {
	kv jetstream.KeyValue
}

// OpenKV binds to bucket, creating it on first use.
func OpenKV(ctx context.Context, client *Client, bucket string) (*KV, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}
	js := client.JetStream()
	kv, err := js.KeyValue(ctx, bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      bucket,
			Description: "Conversation bridge threads and tokens",
			History:     1,
			Storage:     jetstream.FileStorage,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open KV bucket %s: %w", bucket, err)
	}
	return &KV{kv: kv}, nil
}

var _ store.KV = (*KV)(nil)

// encodeKey maps arbitrary keys onto the bucket's key alphabet.
func encodeKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func (k *KV) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := k.kv.Get(ctx, encodeKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("nats kv get: %w", err)
	}
	return entry.Value(), nil
}

func (k *KV) Put(ctx context.Context, key string, value []byte) error {
	if _, err := k.kv.Put(ctx, encodeKey(key), value); err != nil {
		return fmt.Errorf("nats kv put: %w", err)
	}
	return nil
}

func (k *KV) Delete(ctx context.Context, key string) error {
	err := k.kv.Delete(ctx, encodeKey(key))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("nats kv delete: %w", err)
	}
	return nil
}

// Close is a no-op; the connection is owned by Client.
func (k *KV) Close() error { return nil }
