package headerreq

import (
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightninglabs/blocksync/wire"
)

var (
	// ErrNoHeaders is returned when a header batch is constructed without
	// any header.
	ErrNoHeaders = errors.New("no headers")

	// ErrNilHeader is returned when a header batch contains a nil header.
	ErrNilHeader = errors.New("nil header")
)

// HeadersWrapper is a batch of headers received from a peer in response to a
// single request. A batch must not be modified once it has been stored.
type HeadersWrapper struct {
	// PeerID is the handle of the peer that sent the headers.
	PeerID int

	// DisplayID is the short identifier of the peer.
	DisplayID string

	// Headers is the batch in the order it was received.
	Headers []*wire.BlockHeader

	// RequestID identifies the batch among the ones stored for the peer.
	RequestID uint64

	// Received is the time the batch was stored.
	Received time.Time
}

// NewHeadersWrapper creates a batch holding a copy of the given headers.
func NewHeadersWrapper(peerID int, displayID string, requestID uint64,
	headers []*wire.BlockHeader) (*HeadersWrapper, error) {

	if len(headers) == 0 {
		return nil, ErrNoHeaders
	}
	for i, h := range headers {
		if h == nil {
			return nil, fmt.Errorf("header %d of %d: %w", i,
				len(headers), ErrNilHeader)
		}
	}

	return &HeadersWrapper{
		PeerID:    peerID,
		DisplayID: displayID,
		Headers:   append([]*wire.BlockHeader(nil), headers...),
		RequestID: requestID,
	}, nil
}

// Size returns the number of headers in the batch.
func (w *HeadersWrapper) Size() int {
	return len(w.Headers)
}

// Hashes returns the hashes of the headers in batch order.
func (w *HeadersWrapper) Hashes() []chainhash.Hash {
	hashes := make([]chainhash.Hash, len(w.Headers))
	for i, h := range w.Headers {
		hashes[i] = h.BlockHash()
	}

	return hashes
}

// String returns a compact description of the batch used in logs.
func (w *HeadersWrapper) String() string {
	first := w.Headers[0].Number
	last := w.Headers[len(w.Headers)-1].Number

	return fmt.Sprintf("%d headers (#%d..#%d) from %s, request=%d",
		len(w.Headers), first, last, w.DisplayID, w.RequestID)
}
