package transfer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/chiral-network/chiral-network/pkg/protocol"
)

// PushFile offers a complete file to a peer over the file-transfer
// protocol and reports whether the recipient accepted it.
func PushFile(ctx context.Context, h host.Host, peerID string, path string) (*protocol.FilePushResponse, error) {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return nil, fmt.Errorf("invalid peer id %q: %w", peerID, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	req := &protocol.FilePushRequest{
		TransferID: fmt.Sprintf("push-%d", time.Now().UnixMilli()),
		FileName:   filepath.Base(path),
		FileData:   data,
	}
	var resp protocol.FilePushResponse
	if err := protocol.RequestJSON(ctx, h, pid, protocol.FilePushID, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
