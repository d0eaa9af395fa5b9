// Package node implements the LocalNode orchestrator (spec §4.5): the
// per-route state machine driver, package ingress dispatch (local delivery
// versus next-hop forwarding), the CONNECT/ACK/NETWORK_UPDATE/HEARTBEAT
// handshake handlers, and tr_id minting.
//
// Grounded in the teacher's device/router.Router: the HandlePacket gate
// sequence, the PacketHandler function-typed callback, and SetPacketHandler
// registration style are carried over; the "self sentinel" DISCONNECT/send
// overload from the original implementation is split into two entry points
// per the REDESIGN guidance — receiveFromRoute (ingress) and Send (egress,
// never consulting route state).
package node

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/iacfabric/iac"
	"github.com/iacfabric/iac/conn"
	"github.com/iacfabric/iac/netmodel"
	"github.com/iacfabric/iac/proto"
	"github.com/iacfabric/iac/route"
)

// EndpointHandler receives Packages addressed to a local Endpoint.
type EndpointHandler func(pkg *proto.Package)

// FatalHandler receives fatal errors (spec §7): model inconsistency or
// resource exhaustion the caller cannot recover from without intervention.
// Setting one replaces the default of panicking with the error; the
// library never calls os.Exit itself (see DESIGN.md). The handler
// receives an *iac.FatalError carrying a text dump of the model.
type FatalHandler func(err error)

// Config configures a LocalNode.
type Config struct {
	// HeartbeatMs/DeadAfterMs are the default timings applied to every
	// LocalTransportRoute this Node registers; clamped per route.Config.
	HeartbeatMs uint16
	DeadAfterMs uint16

	// Logger for dispatch/handshake events. Falls back to slog.Default().
	Logger *slog.Logger

	// NowFn overrides time.Now for deterministic tests.
	NowFn func() time.Time

	// FatalHandler is invoked for fatal errors (spec §7) after they are
	// logged at Error level. If nil, the Node panics with the
	// *iac.FatalError instead.
	FatalHandler FatalHandler
}

func (c Config) resolve() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.NowFn == nil {
		c.NowFn = time.Now
	}
	return c
}

// LocalNode is one participant's runtime: a network model plus the routes
// and endpoint handlers attached to it (spec §2 item 6).
type LocalNode struct {
	cfg   Config
	log   *slog.Logger
	model *netmodel.Model

	handlers map[iac.EpID]EndpointHandler
}

// New creates a LocalNode with no id yet; the id is set by the first
// RegisterEndpoint call (spec §3 lifecycle).
func New(cfg Config) *LocalNode {
	cfg = cfg.resolve()
	return &LocalNode{
		cfg:      cfg,
		log:      cfg.Logger.WithGroup("node"),
		model:    netmodel.New(),
		handlers: make(map[iac.EpID]EndpointHandler),
	}
}

// Model exposes the network model, e.g. for the viz adapter.
func (n *LocalNode) Model() *netmodel.Model { return n.model }

// ID returns this Node's id, or iac.Unset if no endpoint has been
// registered yet.
func (n *LocalNode) ID() iac.NodeID { return n.model.SelfID() }

// RegisterEndpoint adds a local Endpoint with its delivery handler. The
// first call assigns this Node's id from the endpoint id (spec §3).
func (n *LocalNode) RegisterEndpoint(id iac.EpID, name string, handler EndpointHandler) error {
	if n.model.SelfID() == iac.Unset {
		n.model.BindSelf(iac.NodeID(id))
	}
	if err := n.model.AddEndpoint(netmodel.Endpoint{
		ID: id, Name: name, NodeID: n.model.SelfID(), Local: true,
	}); err != nil {
		return err
	}
	n.handlers[id] = handler
	return nil
}

// RemoveEndpoint unregisters a local Endpoint.
func (n *LocalNode) RemoveEndpoint(id iac.EpID) error {
	if err := n.model.RemoveEndpoint(id); err != nil {
		return err
	}
	delete(n.handlers, id)
	return nil
}

// AddRoute wraps c in a new LocalTransportRoute, minting its tr_id by
// scanning this Node's used local indices (spec §3 lifecycle), and
// registers it bound (the caller owns c's lifetime).
func (n *LocalNode) AddRoute(c conn.Connection) (*route.LocalTransportRoute, error) {
	if n.model.SelfID() == iac.Unset {
		return nil, iac.ErrNoRegisteredEndpoints
	}
	idx, err := n.mintLocalIndex()
	if err != nil {
		n.fatal(err)
		return nil, err
	}
	id := iac.MakeTrID(n.model.SelfID(), idx)
	lr := route.New(id, c, n.model.SelfID(), route.Config{
		HeartbeatMs: n.cfg.HeartbeatMs,
		DeadAfterMs: n.cfg.DeadAfterMs,
		Logger:      n.cfg.Logger,
		NowFn:       n.cfg.NowFn,
	})
	if err := n.model.AddLocalRoute(lr, n.model.SelfID(), iac.Unset); err != nil {
		return nil, err
	}
	return lr, nil
}

// mintLocalIndex scans the lower byte of every route this Node owns to
// find a free index (spec §3: "scanning a byte-set of used lower bytes").
func (n *LocalNode) mintLocalIndex() (uint8, error) {
	used := make(map[uint8]bool)
	for _, id := range n.model.RouteIDs() {
		if id.Owner() == n.model.SelfID() {
			used[id.LocalIndex()] = true
		}
	}
	for i := 0; i < 256; i++ {
		if !used[uint8(i)] {
			return uint8(i), nil
		}
	}
	return 0, iac.ErrOutOfTrID
}

// CloseRoute forces a route closed, triggering the same network-level
// disconnect and liveness bookkeeping a dead-peer timeout would.
func (n *LocalNode) CloseRoute(id iac.TrID) {
	lr, ok := n.model.LocalRoute(id)
	if !ok {
		return
	}
	lr.Close()
	n.onRouteClosed(id)
}

// Update drives every LocalTransportRoute's Tick once, then broadcasts a
// NETWORK_UPDATE digest on every CONNECTED route if the model was marked
// modified this tick (spec §4.6 send-side digest).
func (n *LocalNode) Update(now time.Time) error {
	if n.model.SelfID() == iac.Unset {
		return iac.ErrNoRegisteredEndpoints
	}

	for _, id := range n.model.LocalRouteIDs() {
		lr, ok := n.model.LocalRoute(id)
		if !ok {
			continue
		}
		if lr.Tick(now, n.receiveFromRoute) {
			n.onRouteClosed(id)
		}
	}

	if n.model.Modified() {
		n.broadcastNetworkUpdate()
		n.model.ClearModified()
	}
	return nil
}

func (n *LocalNode) onRouteClosed(id iac.TrID) {
	n.model.DisconnectRoute(id)
	n.model.PruneUnreachable()
}

// Send implements send_from_local (spec §9 REDESIGN: the "self sentinel"
// entry point split out from the original overloaded dispatch). It never
// consults route state; it resolves pkg.to to a local handler or the
// cheapest next-hop route.
func (n *LocalNode) Send(from, to iac.EpID, typ iac.PackageType, payload []byte) error {
	pkg, err := proto.New(from, to, typ, payload)
	if err != nil {
		return err
	}
	return n.sendFromLocal(pkg)
}

func (n *LocalNode) sendFromLocal(pkg *proto.Package) error {
	ep, ok := n.model.Endpoint(pkg.To)
	if !ok {
		return fmt.Errorf("iac: send to unregistered endpoint %v", pkg.To)
	}
	if ep.Local {
		n.deliverLocal(pkg)
		return nil
	}
	return n.forward(pkg, ep.NodeID)
}

// receiveFromRoute implements dispatch(pkg) for packages that arrived on a
// route (spec §4.5), called synchronously from within r's Tick read drain.
func (n *LocalNode) receiveFromRoute(pkg *proto.Package, r *route.LocalTransportRoute) {
	if r.State() == route.Closed || r.State() == route.Initialized {
		n.log.Warn("dropping package on non-handshaking route", "route", r.ID(), "state", r.State())
		return
	}

	if pkg.To == iac.IAC {
		n.dispatchControl(pkg, r)
		return
	}

	ep, ok := n.model.Endpoint(pkg.To)
	if !ok {
		n.log.Error("package addressed to unregistered endpoint", "to", pkg.To)
		return
	}
	if ep.Local {
		n.deliverLocal(pkg)
		return
	}
	if err := n.forward(pkg, ep.NodeID); err != nil {
		n.log.Warn("forward failed", "to", pkg.To, "error", err)
	}
}

func (n *LocalNode) dispatchControl(pkg *proto.Package, r *route.LocalTransportRoute) {
	switch pkg.Type {
	case iac.PackageConnect:
		if r.State() != route.WaitConnect {
			n.log.Warn("unexpected CONNECT", "route", r.ID(), "state", r.State())
			return
		}
		n.handleConnect(pkg, r)
		r.SetState(route.SendAck)

	case iac.PackageAck:
		if r.State() != route.WaitAck {
			n.log.Warn("unexpected ACK", "route", r.ID(), "state", r.State())
			return
		}
		r.SetState(route.Connected)
		n.model.MarkModified()

	case iac.PackageNetworkUpdate:
		if r.State() != route.Connected {
			n.log.Warn("unexpected NETWORK_UPDATE", "route", r.ID(), "state", r.State())
			return
		}
		n.handleNetworkUpdate(pkg, r)

	case iac.PackageHeartbeat:
		if r.State() != route.Connected {
			n.log.Warn("unexpected HEARTBEAT", "route", r.ID(), "state", r.State())
		}
		// last_in already stamped by Tick's read drain; nothing else to do.

	default:
		n.log.Warn("unknown control package", "type", pkg.Type)
	}
}

// handleConnect implements spec §4.6 handle_connect.
func (n *LocalNode) handleConnect(pkg *proto.Package, r *route.LocalTransportRoute) {
	cp, err := proto.ParseConnect(pkg.Payload)
	if err != nil {
		n.log.Warn("malformed CONNECT payload, dropping", "error", err)
		return
	}

	n.model.AdoptNode(cp.SenderNodeID)
	r.AdoptPeerTimings(cp.TheirHeartbeatMs, cp.TheirDeadAfterMs)

	if cp.OtherTrID < r.ID() {
		old := r.ID()
		if err := n.model.RenameLocalRoute(old, cp.OtherTrID); err != nil {
			n.log.Warn("route rename failed", "old", old, "new", cp.OtherTrID, "error", err)
		}
	}

	if err := n.model.SetRouteOtherEnd(r.ID(), cp.SenderNodeID); err != nil {
		n.log.Warn("failed to link route to sender node", "error", err)
		return
	}
	n.model.SetLocalRouteHop(cp.SenderNodeID, r.ID(), 1)
}

// handleNetworkUpdate implements spec §4.6 handle_network_update, then
// replies HEARTBEAT on r per the dispatch rule.
func (n *LocalNode) handleNetworkUpdate(pkg *proto.Package, r *route.LocalTransportRoute) {
	payload, err := proto.ParseNetworkUpdate(pkg.Payload)
	if err != nil {
		n.log.Warn("malformed NETWORK_UPDATE payload, dropping", "error", err)
		return
	}
	n.model.ApplyDigest(payload, r.ID())

	hb, _ := proto.New(iac.IAC, iac.IAC, iac.PackageHeartbeat, nil)
	r.Send(hb, n.cfg.NowFn())
}

func (n *LocalNode) broadcastNetworkUpdate() {
	for _, id := range n.model.LocalRouteIDs() {
		lr, ok := n.model.LocalRoute(id)
		if !ok || lr.State() != route.Connected {
			continue
		}
		digest, err := n.model.BuildDigest(id)
		if err != nil {
			n.fatal(err)
			return
		}
		pkg, err := proto.New(iac.IAC, iac.IAC, iac.PackageNetworkUpdate, proto.BuildNetworkUpdate(digest))
		if err != nil {
			n.fatal(err)
			return
		}
		lr.Send(pkg, n.cfg.NowFn())
	}
}

func (n *LocalNode) deliverLocal(pkg *proto.Package) {
	handler, ok := n.handlers[pkg.To]
	if !ok || handler == nil {
		return
	}
	handler(pkg)
}

// forward implements the dispatch "else forward" branch (spec §4.5): pick
// the cheapest LocalTransportRoute reaching owner and send pkg on it
// without re-framing semantics beyond encode+flush.
func (n *LocalNode) forward(pkg *proto.Package, owner iac.NodeID) error {
	peer, ok := n.model.Node(owner)
	if !ok {
		return fmt.Errorf("iac: no node %v for forwarding", owner)
	}
	trID, found := bestRoute(peer)
	if !found {
		return iac.ErrNonExisting
	}
	lr, ok := n.model.LocalRoute(trID)
	if !ok {
		return fmt.Errorf("iac: best route %v for node %v has no local state", trID, owner)
	}
	if !lr.Send(pkg, n.cfg.NowFn()) {
		return fmt.Errorf("iac: send over route %v failed", trID)
	}
	return nil
}

func bestRoute(n *netmodel.Node) (iac.TrID, bool) {
	var best iac.TrID
	var bestHops uint8
	found := false
	for tr, hops := range n.LocalRoutes {
		if !found || hops < bestHops {
			best, bestHops, found = tr, hops, true
		}
	}
	return best, found
}

// fatal wraps a fatal error (spec §7) with a text dump of the network
// model, logs it at Error level, and hands it to cfg.FatalHandler, or
// panics with it when no handler is set.
func (n *LocalNode) fatal(err error) {
	wrapped := &iac.FatalError{Err: err, Dump: n.model.Dump()}
	n.log.Error("fatal error", "error", wrapped)
	if n.cfg.FatalHandler != nil {
		n.cfg.FatalHandler(wrapped)
		return
	}
	panic(wrapped)
}
