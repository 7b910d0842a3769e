package cdp

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/gorilla/websocket"
	"github.com/mdlayher/vsock"
)

// DialVsock connects to a DevTools endpoint listening on a vsock port, for
// browsers running inside a microVM. path is the websocket path on the guest
// endpoint, e.g. "/devtools/browser".
func DialVsock(ctx context.Context, cid, port uint32, path string, logger *slog.Logger) (*Client, error) {
	d := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		ReadBufferSize:   1 << 20,
		WriteBufferSize:  1 << 20,
		NetDialContext: func(context.Context, string, string) (net.Conn, error) {
			return vsock.Dial(cid, port, nil)
		},
	}
	// The host part is a placeholder; NetDialContext ignores it and the
	// guest does not check it.
	wsURL := fmt.Sprintf("ws://vsock.%d:%d%s", cid, port, path)
	return dial(ctx, &d, wsURL, logger)
}
