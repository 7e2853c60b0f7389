// Package eventloop implements the cooperative packet-dispatch event
// loop (spec §4.2): one select statement awaiting the radio, the
// send-tick, the startup grace timer, bridge ingress, and the store
// maintenance tick, with the outer connect/reconnect loop around it.
//
// Grounded on the teacher's internal/signal/bridge.go Start() select
// loop and handleMessage dispatch shape, generalized from a single
// inbound channel to the five-source select spec §4.2/§5 requires.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	meshtastic "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"

	"github.com/hollowoak/meshbot/internal/bridge"
	"github.com/hollowoak/meshbot/internal/correlator"
	"github.com/hollowoak/meshbot/internal/events"
	"github.com/hollowoak/meshbot/internal/probe"
	"github.com/hollowoak/meshbot/internal/queue"
	"github.com/hollowoak/meshbot/internal/radio"
	"github.com/hollowoak/meshbot/internal/ratelimit"
	"github.com/hollowoak/meshbot/internal/registry"
	"github.com/hollowoak/meshbot/internal/store"
)

// radioConn is the subset of *radio.Client the loop depends on,
// narrowed to an interface so tests can drive dispatch logic without a
// live TCP connection.
type radioConn interface {
	Recv(ctx context.Context) (*meshtastic.FromRadio, error)
	Send(ctx context.Context, msg *meshtastic.ToRadio) error
	NextPacketID() uint32
	Probe(ctx context.Context) error
	Close() error
}

// Dialer connects to the attached node. A Loop built by New dials with
// radio.Connect.
type Dialer func(ctx context.Context, addr string) (radioConn, error)

func dialRadio(ctx context.Context, addr string) (radioConn, error) {
	return radio.Connect(ctx, addr)
}

// Config bundles the Loop's timing knobs, sourced from
// config.ConnectionConfig/config.BotConfig.
type Config struct {
	Address         string
	ReconnectDelay  time.Duration
	SendDelay       time.Duration
	GracePeriod     time.Duration
	MaintInterval   time.Duration
	CommandPrefix   string
	WelcomeAbsence  time.Duration
}

// Loop is the single-threaded cooperative event loop owning the radio
// connection's lifecycle. It is not safe for concurrent Run calls.
type Loop struct {
	logger *slog.Logger
	cfg    Config

	store   *store.Store
	queue   *queue.Queue
	reg     *registry.Registry
	corr    *correlator.Correlator
	fabric  *bridge.Fabric
	limiter *ratelimit.Limiter
	bus     *events.Bus
	probe   *probe.Scheduler // nil if the auto-probe is disabled

	dial Dialer

	mu       sync.Mutex
	myNodeID uint32
	conn     radioConn // the live connection, nil between connect attempts

	graceMu    sync.Mutex
	graceOpen  bool
	graceQueue []registry.Event
}

// Deps bundles the collaborators a Loop dispatches through. Probe
// may be nil (spec.md §4.4's auto-probe is optional).
type Deps struct {
	Logger      *slog.Logger
	Store       *store.Store
	Queue       *queue.Queue
	Registry    *registry.Registry
	Correlator  *correlator.Correlator
	Fabric      *bridge.Fabric
	RateLimiter *ratelimit.Limiter
	Bus         *events.Bus
	Probe       *probe.Scheduler
}

// New builds a Loop ready for Run.
func New(cfg Config, deps Deps) *Loop {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SendDelay <= 0 {
		cfg.SendDelay = 1500 * time.Millisecond
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 30 * time.Second
	}
	if cfg.MaintInterval <= 0 {
		cfg.MaintInterval = time.Hour
	}
	if cfg.CommandPrefix == "" {
		cfg.CommandPrefix = "!"
	}
	return &Loop{
		logger:  logger,
		cfg:     cfg,
		store:   deps.Store,
		queue:   deps.Queue,
		reg:     deps.Registry,
		corr:    deps.Correlator,
		fabric:  deps.Fabric,
		limiter: deps.RateLimiter,
		bus:     deps.Bus,
		probe:   deps.Probe,
		dial:    dialRadio,
	}
}

// MyNodeID returns the node id learned from the most recent MyInfo
// frame. Zero until the first connection completes its handshake.
func (l *Loop) MyNodeID() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.myNodeID
}

func (l *Loop) setMyNodeID(id uint32) {
	l.mu.Lock()
	l.myNodeID = id
	l.mu.Unlock()
	if l.corr != nil {
		l.corr.SetMyNodeID(id)
	}
	if l.probe != nil {
		l.probe.SetMyNodeID(id)
	}
}

func (l *Loop) setConn(conn radioConn) {
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
}

// Probe reports the liveness of the current radio connection, for a
// connwatch.Watcher to poll as a diagnostic signal independent of the
// loop's own reconnect logic. Returns an error whenever no connection
// is currently established.
func (l *Loop) Probe(ctx context.Context) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("radio not connected")
	}
	return conn.Probe(ctx)
}

// Run dials the attached node and drives the event loop until ctx is
// cancelled. On disconnect it waits cfg.ReconnectDelay and reconnects
// indefinitely (spec §4.2, §7 radio_disconnected) — the queue and
// every other component survive a reconnect; only per-connection state
// such as my_node_id is re-learned from the next MyInfo frame.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, err := l.dial(ctx, l.cfg.Address)
		if err != nil {
			l.logger.Warn("radio connect failed", "address", l.cfg.Address, "error", err)
		} else {
			l.logger.Info("radio connected", "address", l.cfg.Address)
			err = l.runConnection(ctx, conn)
			conn.Close()
			if err != nil && ctx.Err() == nil {
				l.logger.Warn("radio disconnected", "error", err)
			}
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.cfg.ReconnectDelay):
		}
	}
}

// runConnection drives one radio connection's lifetime: a reader
// goroutine feeds decoded frames to the select loop below, which also
// owns the send-tick, grace timer, bridge ingress, and maintenance
// tick (spec §4.2 sources 1-6). It returns when the connection fails
// or ctx is cancelled.
func (l *Loop) runConnection(ctx context.Context, conn radioConn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	l.setConn(conn)
	defer l.setConn(nil)

	l.graceMu.Lock()
	l.graceOpen = false
	l.graceQueue = nil
	l.graceMu.Unlock()

	frames := make(chan *meshtastic.FromRadio)
	readErr := make(chan error, 1)

	go func() {
		for {
			msg, err := conn.Recv(connCtx)
			if err != nil {
				var fe *radio.FrameError
				if errors.As(err, &fe) {
					// Decode failures are dropped, never fatal to the
					// connection (spec §6).
					l.logger.Debug("radio decode error", "op", fe.Op, "error", fe.Err)
					continue
				}
				readErr <- err
				return
			}
			select {
			case frames <- msg:
			case <-connCtx.Done():
				return
			}
		}
	}()

	sendTicker := time.NewTicker(l.cfg.SendDelay)
	defer sendTicker.Stop()
	maintTicker := time.NewTicker(l.cfg.MaintInterval)
	defer maintTicker.Stop()
	graceTimer := time.NewTimer(l.cfg.GracePeriod)
	defer graceTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-readErr:
			return fmt.Errorf("radio recv: %w", err)

		case msg := <-frames:
			l.handleFromRadio(conn, msg)

		case <-sendTicker.C:
			l.drainOne(connCtx, conn)

		case <-graceTimer.C:
			l.openGrace()

		case in := <-l.fabric.Inbound():
			l.handleBridgeInbound(in)

		case <-maintTicker.C:
			if err := l.store.RefreshStats(); err != nil {
				l.logger.Warn("maintenance stats refresh failed", "error", err)
			}
		}
	}
}

// handleFromRadio dispatches one decoded FromRadio envelope by its
// oneof variant.
func (l *Loop) handleFromRadio(conn radioConn, msg *meshtastic.FromRadio) {
	switch v := msg.GetPayloadVariant().(type) {
	case *meshtastic.FromRadio_MyInfo:
		id := v.MyInfo.GetMyNodeNum()
		l.logger.Info("my_node_id learned", "node_id", fmt.Sprintf("%08x", id))
		l.setMyNodeID(id)

	case *meshtastic.FromRadio_NodeInfo:
		l.handleNodeInfoFrame(v.NodeInfo)

	case *meshtastic.FromRadio_Packet:
		l.handleMeshPacket(v.Packet)
	}
}
