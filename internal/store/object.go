// Package store implements the filesystem-backed queue store: durable,
// atomic object writes, enumeration, targeted removal, and
// permanent-queue semantics.
package store

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Object is an immutable stored payload, addressed by UUID within a queue.
type Object struct {
	ID           uuid.UUID         `json:"id"`
	ContentType  string            `json:"content_type"`
	Data         []byte            `json:"data"`
	CreatedAt    time.Time         `json:"created_at"`
	NodeID       uuid.UUID         `json:"node_id"`
	UserID       uuid.UUID         `json:"user_id"`
	UserMetadata map[string]string `json:"user_metadata,omitempty"`
	Schema       string            `json:"schema,omitempty"`
}

// Reference is the handle returned by Put: enough to locate and re-read
// the object later without holding it in memory.
type Reference struct {
	ID        uuid.UUID
	Queue     string
	URL       string
	CreatedAt time.Time
}

// objectOnDisk mirrors Object's JSON shape explicitly so that Data is
// base64-encoded on disk, independent of whatever encoding
// encoding/json's default []byte handling happens to use (it already
// base64-encodes []byte, but this type pins that behaviour explicitly so
// a future change to Object's field types can't silently change the
// on-disk format).
type objectOnDisk struct {
	ID           uuid.UUID         `json:"id"`
	ContentType  string            `json:"content_type"`
	Data         string            `json:"data"`
	CreatedAt    time.Time         `json:"created_at"`
	NodeID       uuid.UUID         `json:"node_id"`
	UserID       uuid.UUID         `json:"user_id"`
	UserMetadata map[string]string `json:"user_metadata,omitempty"`
	Schema       string            `json:"schema,omitempty"`
}

func marshalObject(o Object) ([]byte, error) {
	d := objectOnDisk{
		ID:           o.ID,
		ContentType:  o.ContentType,
		Data:         base64.StdEncoding.EncodeToString(o.Data),
		CreatedAt:    o.CreatedAt.UTC(),
		NodeID:       o.NodeID,
		UserID:       o.UserID,
		UserMetadata: o.UserMetadata,
		Schema:       o.Schema,
	}
	b, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("store: marshal object: %w", err)
	}
	return b, nil
}

func unmarshalObject(b []byte) (Object, error) {
	var d objectOnDisk
	if err := json.Unmarshal(b, &d); err != nil {
		return Object{}, fmt.Errorf("store: unmarshal object: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(d.Data)
	if err != nil {
		return Object{}, fmt.Errorf("store: unmarshal object: decode data: %w", err)
	}
	return Object{
		ID:           d.ID,
		ContentType:  d.ContentType,
		Data:         data,
		CreatedAt:    d.CreatedAt,
		NodeID:       d.NodeID,
		UserID:       d.UserID,
		UserMetadata: d.UserMetadata,
		Schema:       d.Schema,
	}, nil
}
