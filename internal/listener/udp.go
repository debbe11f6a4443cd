package listener

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"logcollector/internal/source"
)

// udpListener reads datagrams for every source sharing one UDP port. Each
// datagram is one record.
type udpListener struct {
	port    int
	allowed map[string]source.Source // peer IP → source

	conn       *net.UDPConn
	pool       *Pool
	unauthWarn *rate.Limiter
}

func (l *udpListener) bind() error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: l.port})
	if err != nil {
		return bindError("udp", l.port, err)
	}
	l.conn = conn
	return nil
}

// run reads datagrams until ctx is cancelled. Reads wake every poll
// interval so shutdown is never blocked on a quiet socket.
func (l *udpListener) run(ctx context.Context) {
	defer l.conn.Close()
	l.pool.logger.Info("udp listener started",
		"addr", l.conn.LocalAddr().String(), "sources", len(l.allowed))

	buf := make([]byte, maxPayload)
	for {
		if ctx.Err() != nil {
			l.pool.logger.Info("udp listener stopped", "port", l.port)
			return
		}

		l.conn.SetReadDeadline(time.Now().Add(pollInterval))
		n, addr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				l.pool.logger.Info("udp listener stopped", "port", l.port)
				return
			}
			l.pool.logger.Error("udp read failed", "port", l.port, "error", err)
			continue
		}

		src, ok := l.pool.admit(l.allowed, addr.IP.String(), l.port, source.UDP, l.unauthWarn)
		if !ok {
			continue
		}
		record := strings.TrimRight(decodePayload(buf[:n]), "\r\n")
		l.pool.emit(src, record)
	}
}
