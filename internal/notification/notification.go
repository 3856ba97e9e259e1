// Copyright 2025 James Ross
// Package notification parses the two accepted envelope shapes for an
// object-store event (spec section 6) into a bucket/object pair.
package notification

import (
	"encoding/json"

	"github.com/flyingrobots/go-redis-work-queue/internal/ingesterr"
)

// Notification is a classified (bucket, object) pair ready for the
// coordinator. CreatedAt is resolved later by the gateway, not here.
type Notification struct {
	Bucket string
	Object string
}

// pubsubEnvelope is the Pub/Sub-style shape: attributes carry the ids.
type pubsubEnvelope struct {
	Attributes struct {
		BucketID string `json:"bucketId"`
		ObjectID string `json:"objectId"`
	} `json:"attributes"`
}

// directEnvelope is the raw storage-object-resource shape.
type directEnvelope struct {
	Kind   string `json:"kind"`
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
}

// Parse accepts either envelope shape and returns the resolved
// Notification, or an UnexpectedTrigger error if neither shape yields a
// non-empty bucket and object.
func Parse(raw []byte) (Notification, error) {
	var direct directEnvelope
	if err := json.Unmarshal(raw, &direct); err == nil {
		if direct.Bucket != "" && direct.Name != "" {
			return Notification{Bucket: direct.Bucket, Object: direct.Name}, nil
		}
	}

	var ps pubsubEnvelope
	if err := json.Unmarshal(raw, &ps); err == nil {
		if ps.Attributes.BucketID != "" && ps.Attributes.ObjectID != "" {
			return Notification{Bucket: ps.Attributes.BucketID, Object: ps.Attributes.ObjectID}, nil
		}
	}

	return Notification{}, ingesterr.New(ingesterr.KindUnexpectedTrigger, "missing bucket/object fields in notification envelope")
}
