package transport

import (
	"context"
	"fmt"

	"github.com/jabolina/go-remotecore/pkg/remotecore/types"
)

// doHandshake exchanges the one-message handshake appropriate for the
// given role and returns the remote's incarnation id and PeerId. The
// PeerId exchange is mandatory: it's the only way the accepting side of
// a connection learns which peer just dialed in, since Channel/Listener
// carry no identity of their own. IncarnationId may be empty if the host
// isn't tracking peer restarts.
func doHandshake(ctx context.Context, ch Channel, localIncarnation types.IncarnationId, localPeerId types.PeerId, initiator bool) (types.IncarnationId, types.PeerId, error) {
	if initiator {
		out, err := types.EncodeHandshake(types.MethodHandshake, localIncarnation, localPeerId)
		if err != nil {
			return "", "", err
		}
		if err := ch.WriteFrame(ctx, out); err != nil {
			return "", "", fmt.Errorf("remotecore: sending handshake: %w", err)
		}
		raw, err := ch.ReadFrame(ctx)
		if err != nil {
			return "", "", fmt.Errorf("remotecore: reading handshakeAck: %w", err)
		}
		h, err := types.DecodeHandshake(raw)
		if err != nil {
			return "", "", err
		}
		if h.Method != types.MethodHandshakeAck {
			return "", "", fmt.Errorf("remotecore: expected handshakeAck, got %q", h.Method)
		}
		return h.Params.IncarnationId, h.Params.PeerId, nil
	}

	raw, err := ch.ReadFrame(ctx)
	if err != nil {
		return "", "", fmt.Errorf("remotecore: reading handshake: %w", err)
	}
	h, err := types.DecodeHandshake(raw)
	if err != nil {
		return "", "", err
	}
	if h.Method != types.MethodHandshake {
		return "", "", fmt.Errorf("remotecore: expected handshake, got %q", h.Method)
	}
	out, err := types.EncodeHandshake(types.MethodHandshakeAck, localIncarnation, localPeerId)
	if err != nil {
		return "", "", err
	}
	if err := ch.WriteFrame(ctx, out); err != nil {
		return "", "", fmt.Errorf("remotecore: sending handshakeAck: %w", err)
	}
	return h.Params.IncarnationId, h.Params.PeerId, nil
}
