// Package bus defines the durable work queue that connects the download
// publisher to the download workers.
//
// Messages are batches of lowercased package ids. A batch is redelivered
// until a consumer acks it, so the pipeline survives worker restarts; the
// queue's per-message TTL bounds how stale a redelivered batch can get.
package bus

import (
	"bytes"
	"context"
	"encoding/gob"

	"github.com/nuget-trends/nuget-trends/go/skerr"
)

// Publisher sends batches of package ids to the queue.
type Publisher interface {
	// Publish enqueues one batch as a single persistent message. It does not
	// retry; a failed publish is reported to the caller, and the ids will be
	// picked up again by the next publisher run since their download rows
	// were not touched.
	Publish(ctx context.Context, packageIDsLower []string) error

	// Close releases the underlying connection.
	Close() error
}

// Delivery is one batch received from the queue.
type Delivery struct {
	PackageIDsLower []string

	// Ack removes the message from the queue.
	Ack func() error

	// NackRequeue returns the message to the queue for redelivery.
	NackRequeue func() error
}

// Consumer receives batches from the queue.
type Consumer interface {
	// Receive delivers batches to fn until ctx is cancelled or the
	// subscription fails. fn must settle every delivery via Ack or
	// NackRequeue. fn is called from a single goroutine per Receive call;
	// callers wanting concurrency run multiple Receives.
	Receive(ctx context.Context, fn func(ctx context.Context, d *Delivery)) error

	// Close releases the underlying connection.
	Close() error
}

// EncodeBatch serializes a batch of package ids for the wire.
func EncodeBatch(packageIDsLower []string) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(packageIDsLower); err != nil {
		return nil, skerr.Wrap(err)
	}
	return buf.Bytes(), nil
}

// DecodeBatch deserializes a batch encoded by EncodeBatch.
func DecodeBatch(body []byte) ([]string, error) {
	var ids []string
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&ids); err != nil {
		return nil, skerr.Wrapf(err, "decoding batch of %d bytes", len(body))
	}
	return ids, nil
}
