// Package listener runs the UDP and TCP intake for configured sources.
//
// One listener is bound per configured port and protocol; sources sharing a
// port share its listener. A payload is admitted only when the sender's
// address belongs to a source registered for that port, anything else is
// dropped with a rate-limited warning.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"logcollector/internal/logging"
	"logcollector/internal/source"
)

const (
	// pollInterval is how often blocked reads wake to check for shutdown.
	pollInterval = 500 * time.Millisecond

	// idleTimeout closes TCP connections that stop sending.
	idleTimeout = 30 * time.Second

	// maxPayload is the read buffer size for both protocols.
	maxPayload = 65536

	// defaultMaxConns bounds concurrent connections per TCP listener.
	defaultMaxConns = 256

	// unauthWarnInterval throttles warnings about unauthorized senders.
	unauthWarnInterval = 5 * time.Second
)

// Intake receives records admitted by a listener.
type Intake interface {
	Enqueue(src source.Source, record string)
}

// Pool owns every listener for one snapshot of sources.
type Pool struct {
	udp []*udpListener
	tcp []*tcpListener

	intake Intake
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	received atomic.Uint64
	dropped  atomic.Uint64
}

// Config holds listener pool configuration.
type Config struct {
	// Sources is the snapshot of sources to listen for.
	Sources []source.Source

	// Intake receives admitted records.
	Intake Intake

	// MaxConns bounds concurrent connections per TCP listener.
	// Defaults to 256.
	MaxConns int

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// NewPool groups sources by port and protocol and prepares one listener per
// group. Nothing is bound until Start.
func NewPool(cfg Config) *Pool {
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = defaultMaxConns
	}
	p := &Pool{
		intake: cfg.Intake,
		logger: logging.Default(cfg.Logger).With("component", "listener"),
	}

	udpPorts := make(map[int]map[string]source.Source)
	tcpPorts := make(map[int]map[string]source.Source)
	for _, src := range cfg.Sources {
		byPort := udpPorts
		if src.Protocol == source.TCP {
			byPort = tcpPorts
		}
		allowed, ok := byPort[src.Port]
		if !ok {
			allowed = make(map[string]source.Source)
			byPort[src.Port] = allowed
		}
		allowed[src.PeerIP] = src
	}

	for port, allowed := range udpPorts {
		p.udp = append(p.udp, &udpListener{
			port:       port,
			allowed:    allowed,
			pool:       p,
			unauthWarn: rate.NewLimiter(rate.Every(unauthWarnInterval), 1),
		})
	}
	for port, allowed := range tcpPorts {
		p.tcp = append(p.tcp, &tcpListener{
			port:       port,
			allowed:    allowed,
			maxConns:   cfg.MaxConns,
			pool:       p,
			unauthWarn: rate.NewLimiter(rate.Every(unauthWarnInterval), 1),
			conns:      make(map[net.Conn]struct{}),
		})
	}
	sort.Slice(p.udp, func(i, j int) bool { return p.udp[i].port < p.udp[j].port })
	sort.Slice(p.tcp, func(i, j int) bool { return p.tcp[i].port < p.tcp[j].port })
	return p
}

// Start binds every listener and runs its read loop. Listeners that fail to
// bind are reported in the joined error; the rest keep running.
func (p *Pool) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	var errs []error
	for _, l := range p.udp {
		if err := l.bind(); err != nil {
			errs = append(errs, err)
			continue
		}
		p.wg.Go(func() { l.run(ctx) })
	}
	for _, l := range p.tcp {
		if err := l.bind(); err != nil {
			errs = append(errs, err)
			continue
		}
		p.wg.Go(func() { l.run(ctx) })
	}
	return errors.Join(errs...)
}

// Stop shuts down every listener and waits for their goroutines. Active TCP
// connections are closed; partial lines buffered on them are flushed first.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	for _, l := range p.tcp {
		l.closeConns()
	}
	p.wg.Wait()
}

// Listeners reports how many listeners are bound.
func (p *Pool) Listeners() int {
	n := 0
	for _, l := range p.udp {
		if l.conn != nil {
			n++
		}
	}
	for _, l := range p.tcp {
		if l.raw != nil {
			n++
		}
	}
	return n
}

// Received reports how many records were admitted since Start.
func (p *Pool) Received() uint64 {
	return p.received.Load()
}

// Dropped reports how many payloads were rejected at admission.
func (p *Pool) Dropped() uint64 {
	return p.dropped.Load()
}

// UDPAddr returns the bound address of the UDP listener configured for the
// given port. Only valid after Start.
func (p *Pool) UDPAddr(port int) *net.UDPAddr {
	for _, l := range p.udp {
		if l.port == port && l.conn != nil {
			return l.conn.LocalAddr().(*net.UDPAddr)
		}
	}
	return nil
}

// TCPAddr returns the bound address of the TCP listener configured for the
// given port. Only valid after Start.
func (p *Pool) TCPAddr(port int) *net.TCPAddr {
	for _, l := range p.tcp {
		if l.port == port && l.raw != nil {
			return l.raw.Addr().(*net.TCPAddr)
		}
	}
	return nil
}

// admit resolves the sender address to a source, counting the drop when it
// is not registered.
func (p *Pool) admit(allowed map[string]source.Source, ip string, port int, proto source.Protocol, warn *rate.Limiter) (source.Source, bool) {
	src, ok := allowed[ip]
	if !ok {
		p.dropped.Add(1)
		if warn.Allow() {
			p.logger.Warn("payload from unauthorized address dropped",
				"remote_ip", ip, "port", port, "protocol", proto)
		}
		return source.Source{}, false
	}
	return src, true
}

// emit hands one record to the intake, skipping empty payloads.
func (p *Pool) emit(src source.Source, record string) {
	if record == "" {
		return
	}
	p.received.Add(1)
	p.intake.Enqueue(src, record)
}

// decodePayload interprets bytes as UTF-8, falling back to a byte-for-byte
// Latin-1 reading so no payload is ever rejected.
func decodePayload(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	runes := make([]rune, len(b))
	for i, c := range b {
		runes[i] = rune(c)
	}
	return string(runes)
}

// isTimeout reports whether err is a read or accept deadline expiry.
func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// remoteIP extracts the bare IP from a connection's remote address.
func remoteIP(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// bindError wraps a failed bind with its port and protocol.
func bindError(proto string, port int, err error) error {
	return fmt.Errorf("bind %s port %d: %w", proto, port, err)
}
