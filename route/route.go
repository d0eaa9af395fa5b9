// Package route implements the LocalTransportRoute state machine (spec
// §4.4): one connection's handshake, liveness, and heartbeat bookkeeping.
// Grounded in the teacher's device/connection.Manager (nowFn-injectable
// liveness tracking) and transport.PacketHandler (a function-typed callback
// handed to a per-tick driver rather than an interface implemented by the
// caller).
package route

import (
	"log/slog"
	"time"

	"github.com/iacfabric/iac"
	"github.com/iacfabric/iac/conn"
	"github.com/iacfabric/iac/proto"
)

// State is one of the seven LocalTransportRoute states (spec §4.4).
type State int

const (
	Initialized State = iota
	SendConnect
	WaitConnect
	SendAck
	WaitAck
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Initialized:
		return "INITIALIZED"
	case SendConnect:
		return "SEND_CONNECT"
	case WaitConnect:
		return "WAIT_CONNECT"
	case SendAck:
		return "SEND_ACK"
	case WaitAck:
		return "WAIT_ACK"
	case Connected:
		return "CONNECTED"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// maxReadsPerTick bounds the number of framed Packages drained from a
// route's Connection on a single Tick (spec §5's K=5).
const maxReadsPerTick = 5

const (
	minHeartbeatMs     = 100
	deadAfterMultiplier = 2
)

// Config configures a LocalTransportRoute's timings. Heartbeat and
// dead-after are clamped per spec §6: heartbeat_interval_ms >= 100,
// dead_after_ms >= 2 * heartbeat.
type Config struct {
	HeartbeatMs uint16
	DeadAfterMs uint16
	Logger      *slog.Logger
	// NowFn overrides time.Now for deterministic tests.
	NowFn func() time.Time
}

func (c Config) resolve() Config {
	if c.HeartbeatMs < minHeartbeatMs {
		c.HeartbeatMs = minHeartbeatMs
	}
	if c.DeadAfterMs < deadAfterMultiplier*c.HeartbeatMs {
		c.DeadAfterMs = deadAfterMultiplier * c.HeartbeatMs
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.NowFn == nil {
		c.NowFn = time.Now
	}
	return c
}

// Dispatcher receives each Package decoded off a route during Tick's read
// drain, synchronously, so it may call SetState/Rename on r before the next
// package in the same drain is decoded (spec §4.5 handlers mutate route
// state mid-drain).
type Dispatcher func(pkg *proto.Package, r *LocalTransportRoute)

// LocalTransportRoute drives one Connection's handshake/liveness state
// machine (spec §4.4). It knows nothing of the network model; renaming its
// id and reacting to CONNECT/ACK is the caller's (node package's) job,
// performed from within a Dispatcher callback.
type LocalTransportRoute struct {
	id   iac.TrID
	conn conn.Connection
	cfg  Config
	log  *slog.Logger

	ownerNodeID iac.NodeID

	state           State
	lastIn, lastOut time.Time
	readState       proto.ReadState
}

// New creates a LocalTransportRoute in state INITIALIZED. owner is the
// NodeID of the Node that owns this route, used to fill CONNECT's
// sender_node_id.
func New(id iac.TrID, c conn.Connection, owner iac.NodeID, cfg Config) *LocalTransportRoute {
	cfg = cfg.resolve()
	return &LocalTransportRoute{
		id:          id,
		conn:        c,
		cfg:         cfg,
		log:         cfg.Logger.WithGroup("route"),
		ownerNodeID: owner,
	}
}

// ID returns this route's current TrID (mutable via Rename on collision).
func (r *LocalTransportRoute) ID() iac.TrID { return r.id }

// Rename reassigns this route's id following the CONNECT collision rule
// (spec §4.6 step 3). The caller is responsible for re-keying any map this
// route is stored under.
func (r *LocalTransportRoute) Rename(id iac.TrID) { r.id = id }

// State returns the current state.
func (r *LocalTransportRoute) State() State { return r.state }

// SetState forces a state transition, used by a Dispatcher reacting to a
// CONNECT (-> SEND_ACK) or ACK (-> CONNECTED).
func (r *LocalTransportRoute) SetState(s State) { r.state = s }

// Connection returns the underlying Connection. Sending a Package goes
// through Send, not through this.
func (r *LocalTransportRoute) Connection() conn.Connection { return r.conn }

// Send frames and writes pkg over this route's Connection, stamping
// last_out on success exactly as stepOnce does for handshake/heartbeat
// sends (spec §4.5: forwarded traffic counts toward deferring the next
// scheduled HEARTBEAT). Callers outside the state machine — forwarding,
// the NETWORK_UPDATE heartbeat reply — must go through this instead of
// Connection()+SendOver so last_out stays accurate.
func (r *LocalTransportRoute) Send(pkg *proto.Package, now time.Time) bool {
	ok := pkg.SendOver(r.conn)
	if ok {
		r.lastOut = now
	}
	return ok
}

// HeartbeatMs returns this route's (clamped) heartbeat interval.
func (r *LocalTransportRoute) HeartbeatMs() uint16 { return r.cfg.HeartbeatMs }

// DeadAfterMs returns this route's (clamped) dead-after interval.
func (r *LocalTransportRoute) DeadAfterMs() uint16 { return r.cfg.DeadAfterMs }

// AdoptPeerTimings clamps this route's timings upward to the peer's
// advertised values (spec §4.6 handle_connect step 2), so both ends agree
// on max(local, peer).
func (r *LocalTransportRoute) AdoptPeerTimings(theirHeartbeatMs, theirDeadAfterMs uint16) {
	if theirHeartbeatMs > r.cfg.HeartbeatMs {
		r.cfg.HeartbeatMs = theirHeartbeatMs
	}
	if theirDeadAfterMs > r.cfg.DeadAfterMs {
		r.cfg.DeadAfterMs = theirDeadAfterMs
	}
}

// LastIn/LastOut expose the liveness timestamps, mainly for tests and viz.
func (r *LocalTransportRoute) LastIn() time.Time  { return r.lastIn }
func (r *LocalTransportRoute) LastOut() time.Time { return r.lastOut }

func (r *LocalTransportRoute) heartbeatDur() time.Duration {
	return time.Duration(r.cfg.HeartbeatMs) * time.Millisecond
}

func (r *LocalTransportRoute) deadAfterDur() time.Duration {
	return time.Duration(r.cfg.DeadAfterMs) * time.Millisecond
}

// Close implements spec §4.4's close() steps (a)(c)(d): (a) close the
// connection, (c) clear the put-back queue, (d) reset last_in/last_out.
// Step (b), the network-level disconnect, is the node package's job since
// it touches the shared network model, not this route.
func (r *LocalTransportRoute) Close() {
	r.conn.Close()
	r.conn.Clear()
	r.lastIn = time.Time{}
	r.lastOut = time.Time{}
	r.state = Closed
}

// Tick drives one update cycle: liveness check, state-machine step (with
// fall-through semantics within the tick), then a bounded read drain that
// invokes dispatch synchronously for each decoded Package. It returns
// whether this route transitioned to CLOSED during the tick.
func (r *LocalTransportRoute) Tick(now time.Time, dispatch Dispatcher) (closedThisTick bool) {
	if r.state != Initialized && r.state != Closed {
		if !r.lastIn.IsZero() && now.Sub(r.lastIn) > r.deadAfterDur() {
			r.log.Debug("route dead, closing", "route", r.id, "since", r.lastIn)
			r.Close()
			closedThisTick = true
		}
	}

	for r.stepOnce(now) {
	}

	for i := 0; i < maxReadsPerTick; i++ {
		pkg, ok, err := proto.ReadFrom(r.conn, &r.readState, r.log)
		if err != nil {
			r.log.Warn("framing error, closing route", "route", r.id, "error", err)
			r.Close()
			closedThisTick = true
			break
		}
		if !ok {
			break
		}
		r.lastIn = now
		if dispatch != nil {
			dispatch(pkg, r)
		}
	}

	return closedThisTick
}

// stepOnce executes one state-machine body and reports whether a
// transition occurred, so Tick can re-enter immediately (spec §4.4's
// fall-through semantics).
func (r *LocalTransportRoute) stepOnce(now time.Time) bool {
	switch r.state {
	case Initialized, Closed:
		if !r.conn.Open() {
			return false
		}
		r.lastIn, r.lastOut = now, now
		r.state = SendConnect
		return true

	case SendConnect:
		if !r.sendConnect() {
			return false
		}
		r.lastOut = now
		r.state = WaitConnect
		return true

	case WaitConnect:
		if now.Sub(r.lastOut) > r.heartbeatDur() {
			r.state = SendConnect
			return true
		}
		return false

	case SendAck:
		if !r.sendAck() {
			return false
		}
		r.lastOut = now
		r.state = WaitAck
		return true

	case WaitAck:
		if now.Sub(r.lastOut) > r.heartbeatDur() {
			r.state = SendAck
			return true
		}
		return false

	case Connected:
		if now.Sub(r.lastOut) > r.heartbeatDur() {
			if r.sendHeartbeat() {
				r.lastOut = now
			}
		}
		return false
	}
	return false
}

func (r *LocalTransportRoute) sendConnect() bool {
	payload := proto.BuildConnect(proto.ConnectPayload{
		SenderNodeID:     r.ownerNodeID,
		OtherTrID:        r.id,
		TheirHeartbeatMs: r.cfg.HeartbeatMs,
		TheirDeadAfterMs: r.cfg.DeadAfterMs,
	})
	pkg, err := proto.New(iac.IAC, iac.IAC, iac.PackageConnect, payload)
	if err != nil {
		return false
	}
	return pkg.SendOver(r.conn)
}

func (r *LocalTransportRoute) sendAck() bool {
	pkg, err := proto.New(iac.IAC, iac.IAC, iac.PackageAck, nil)
	if err != nil {
		return false
	}
	return pkg.SendOver(r.conn)
}

func (r *LocalTransportRoute) sendHeartbeat() bool {
	pkg, err := proto.New(iac.IAC, iac.IAC, iac.PackageHeartbeat, nil)
	if err != nil {
		return false
	}
	return pkg.SendOver(r.conn)
}
