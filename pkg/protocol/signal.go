package protocol

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
)

// The signalling codec carries its SDP envelopes as CBOR rather than JSON:
// offers embed candidate blobs that are cheaper to ship undecoded.

// SendOffer delivers an SDP offer and waits for the answer.
func SendOffer(ctx context.Context, h host.Host, p peer.ID, offer *WebRTCOffer) (*WebRTCAnswer, error) {
	payload, err := cbor.Marshal(offer)
	if err != nil {
		return nil, fmt.Errorf("failed to encode offer: %w", err)
	}
	raw, err := RequestRaw(ctx, h, p, WebRTCSignID, payload)
	if err != nil {
		return nil, err
	}
	var answer WebRTCAnswer
	if err := cbor.Unmarshal(raw, &answer); err != nil {
		return nil, fmt.Errorf("failed to decode answer: %w", err)
	}
	return &answer, nil
}

// OfferHandler answers one inbound SDP offer.
type OfferHandler func(remote peer.ID, offer *WebRTCOffer) *WebRTCAnswer

// HandleSignaling installs the answering side of the signalling codec.
func HandleSignaling(h host.Host, handler OfferHandler) {
	HandleRaw(h, WebRTCSignID, func(remote peer.ID, raw []byte) ([]byte, error) {
		var offer WebRTCOffer
		if err := cbor.Unmarshal(raw, &offer); err != nil {
			return nil, fmt.Errorf("failed to decode offer: %w", err)
		}
		answer := handler(remote, &offer)
		if answer == nil {
			answer = &WebRTCAnswer{OfferID: offer.OfferID, Error: "signalling unavailable"}
		}
		return cbor.Marshal(answer)
	})
}
