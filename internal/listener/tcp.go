package listener

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/net/netutil"
	"golang.org/x/time/rate"

	"logcollector/internal/source"
)

// tcpListener accepts connections for every source sharing one TCP port.
// Streams are split on newlines; a partial line left at connection end is
// flushed as its own record.
type tcpListener struct {
	port     int
	allowed  map[string]source.Source // peer IP → source
	maxConns int

	raw     *net.TCPListener
	limited net.Listener

	pool       *Pool
	unauthWarn *rate.Limiter

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func (l *tcpListener) bind() error {
	raw, err := net.ListenTCP("tcp", &net.TCPAddr{Port: l.port})
	if err != nil {
		return bindError("tcp", l.port, err)
	}
	l.raw = raw
	l.limited = netutil.LimitListener(raw, l.maxConns)
	return nil
}

// run accepts connections until ctx is cancelled. The accept deadline is
// re-armed every poll interval so shutdown is never blocked on a quiet port.
func (l *tcpListener) run(ctx context.Context) {
	defer l.limited.Close()
	l.pool.logger.Info("tcp listener started",
		"addr", l.raw.Addr().String(), "sources", len(l.allowed), "max_conns", l.maxConns)

	var handlers sync.WaitGroup
	defer handlers.Wait()

	for {
		if ctx.Err() != nil {
			l.pool.logger.Info("tcp listener stopped", "port", l.port)
			return
		}

		l.raw.SetDeadline(time.Now().Add(pollInterval))
		conn, err := l.limited.Accept()
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				l.pool.logger.Info("tcp listener stopped", "port", l.port)
				return
			}
			l.pool.logger.Error("tcp accept failed", "port", l.port, "error", err)
			continue
		}

		ip := remoteIP(conn.RemoteAddr())
		src, ok := l.pool.admit(l.allowed, ip, l.port, source.TCP, l.unauthWarn)
		if !ok {
			conn.Close()
			continue
		}

		l.track(conn)
		handlers.Go(func() { l.handle(ctx, conn, src) })
	}
}

// handle reads one connection until it closes, goes idle, or shutdown.
func (l *tcpListener) handle(ctx context.Context, conn net.Conn, src source.Source) {
	defer func() {
		l.untrack(conn)
		conn.Close()
	}()
	l.pool.logger.Debug("connection opened",
		"source", src.Name, "remote_ip", remoteIP(conn.RemoteAddr()))

	var acc []byte
	buf := make([]byte, maxPayload)
	last := time.Now()

	for {
		if ctx.Err() != nil {
			break
		}

		conn.SetReadDeadline(time.Now().Add(pollInterval))
		n, err := conn.Read(buf)
		if n > 0 {
			last = time.Now()
			acc = append(acc, buf[:n]...)
			acc = l.drainLines(acc, src)
		}
		if err != nil {
			if isTimeout(err) {
				if time.Since(last) >= idleTimeout {
					l.pool.logger.Debug("connection idle, closing", "source", src.Name)
					break
				}
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				l.pool.logger.Debug("connection read failed",
					"source", src.Name, "error", err)
			}
			break
		}
	}

	// Flush a trailing line that never got its newline.
	l.emitLine(acc, src)
	l.pool.logger.Debug("connection closed", "source", src.Name)
}

// drainLines emits every complete line and returns the leftover partial.
func (l *tcpListener) drainLines(acc []byte, src source.Source) []byte {
	for {
		i := bytes.IndexByte(acc, '\n')
		if i < 0 {
			return acc
		}
		l.emitLine(acc[:i], src)
		acc = acc[i+1:]
	}
}

func (l *tcpListener) emitLine(line []byte, src source.Source) {
	line = bytes.TrimRight(line, "\r")
	l.pool.emit(src, decodePayload(line))
}

func (l *tcpListener) track(conn net.Conn) {
	l.mu.Lock()
	l.conns[conn] = struct{}{}
	l.mu.Unlock()
}

func (l *tcpListener) untrack(conn net.Conn) {
	l.mu.Lock()
	delete(l.conns, conn)
	l.mu.Unlock()
}

// closeConns force-closes every active connection so handlers unblock.
func (l *tcpListener) closeConns() {
	l.mu.Lock()
	for conn := range l.conns {
		conn.Close()
	}
	l.mu.Unlock()
}
