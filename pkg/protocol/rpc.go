package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

// DefaultTimeout is the protocol-level request/response deadline.
const DefaultTimeout = 10 * time.Second

// RequestJSON opens a sub-stream for proto, writes in as one JSON frame and
// decodes the single response frame into out.
func RequestJSON(ctx context.Context, h host.Host, p peer.ID, proto string, in, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	resp, err := RequestRaw(ctx, h, p, proto, payload)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// RequestRaw performs one framed request/response exchange of opaque bytes.
func RequestRaw(ctx context.Context, h host.Host, p peer.ID, proto string, payload []byte) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	s, err := h.NewStream(ctx, p, protocol.ID(proto))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s stream to %s: %w", proto, p, err)
	}
	defer s.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(deadline)
	}

	if err := WriteFrame(s, payload); err != nil {
		s.Reset()
		return nil, err
	}
	if err := s.CloseWrite(); err != nil {
		s.Reset()
		return nil, fmt.Errorf("failed to finish request: %w", err)
	}

	resp, err := ReadFrame(s)
	if err != nil {
		s.Reset()
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp, nil
}

// RawHandler answers one framed request with one framed response.
type RawHandler func(remote peer.ID, request []byte) ([]byte, error)

// HandleRaw registers a framed request/response handler for proto on h.
// Handler errors reset the stream; the dialer sees a failed exchange rather
// than a half-written frame.
func HandleRaw(h host.Host, proto string, handler RawHandler) {
	h.SetStreamHandler(protocol.ID(proto), func(s network.Stream) {
		defer s.Close()
		_ = s.SetDeadline(time.Now().Add(DefaultTimeout))

		req, err := ReadFrame(s)
		if err != nil {
			s.Reset()
			return
		}
		resp, err := handler(s.Conn().RemotePeer(), req)
		if err != nil {
			s.Reset()
			return
		}
		if err := WriteFrame(s, resp); err != nil {
			s.Reset()
		}
	})
}

// HandleJSON registers a JSON request/response handler for proto on h.
// newReq allocates the request value; the handler returns the response
// value to encode.
func HandleJSON(h host.Host, proto string, newReq func() interface{}, handler func(remote peer.ID, req interface{}) (interface{}, error)) {
	HandleRaw(h, proto, func(remote peer.ID, raw []byte) ([]byte, error) {
		req := newReq()
		if err := json.Unmarshal(raw, req); err != nil {
			return nil, fmt.Errorf("failed to decode request: %w", err)
		}
		resp, err := handler(remote, req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(resp)
	})
}

// Echo performs the liveness/measurement exchange: the responder mirrors
// the payload back.
func Echo(ctx context.Context, h host.Host, p peer.ID, payload []byte) ([]byte, error) {
	return RequestRaw(ctx, h, p, EchoID, payload)
}

// HandleEcho installs the echo responder on h.
func HandleEcho(h host.Host) {
	HandleRaw(h, EchoID, func(_ peer.ID, req []byte) ([]byte, error) {
		return req, nil
	})
}
