package transport

import (
	"context"
	"log/slog"
	"net"
	"time"

	"rampart/protocol"
)

// ServePing answers membership pings on addr until ctx is cancelled. Used
// by daemons that have no richer service to hang the ping verb on; the
// backup and coordinator servers answer pings themselves.
func ServePing(ctx context.Context, addr string, version func() uint64, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	logger.Info("ping service listening", "addr", listener.Addr().String())

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("accept failed", "err", err)
			continue
		}
		go func() {
			defer conn.Close()
			for {
				_ = conn.SetReadDeadline(time.Now().Add(3 * time.Minute))
				op, payload, err := ReadFrame(conn)
				if err != nil || op == protocol.OpCodeQuit {
					return
				}
				var reply []byte
				if op == protocol.OpCodePing {
					if nonce, err := protocol.DecodePing(payload); err == nil {
						reply = append([]byte{protocol.StatusOK},
							protocol.EncodePingReply(nonce, version())...)
					}
				}
				if reply == nil {
					reply = []byte{protocol.StatusFor(protocol.ErrMalformedRequest)}
				}
				_ = conn.SetWriteDeadline(time.Now().Add(protocol.DefaultWriteTimeout))
				if err := WriteFrame(conn, protocol.OpCodeReply, reply); err != nil {
					return
				}
			}
		}()
	}
}
