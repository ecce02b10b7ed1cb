package artifact

import (
	"context"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// PutMsgpack msgpack-encodes v and stores it under name.
func PutMsgpack(ctx context.Context, s Store, name string, v any) error {
	blob, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("artifact: encode %q: %w", name, err)
	}
	return s.Put(ctx, name, blob)
}

// GetMsgpack retrieves the artifact name and msgpack-decodes it into out.
func GetMsgpack(ctx context.Context, s Store, name string, out any) error {
	blob, err := s.Get(ctx, name)
	if err != nil {
		return err
	}
	if err := msgpack.Unmarshal(blob, out); err != nil {
		return fmt.Errorf("artifact: decode %q: %w", name, err)
	}
	return nil
}

// EncodeMsgpack is a helper for building a PutAll batch.
func EncodeMsgpack(name string, v any) ([]byte, error) {
	blob, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("artifact: encode %q: %w", name, err)
	}
	return blob, nil
}
