// Package netmodel implements the per-Node network model (spec §4.7):
// three keyed tables (nodes, endpoints, routes) under the seven invariants
// I1-I7, plus a "modified" flag that forces a NETWORK_UPDATE broadcast.
//
// Grounded in the teacher's core/node.go (id-keyed entity identity) and the
// REDESIGN guidance to represent the Nodes/Routes/Endpoints cyclic graph as
// separate tables cross-referenced only by id, never by pointer, with the
// managed package supplying the adopted/bound ownership tag.
//
// Per the fabric's single-threaded-cooperative concurrency model, Model is
// not internally synchronized; callers (the node package) serialize access
// to one Model on one goroutine.
package netmodel

import (
	"fmt"
	"sort"
	"strings"

	"github.com/iacfabric/iac"
	"github.com/iacfabric/iac/managed"
	"github.com/iacfabric/iac/route"
)

// Node is a participant in the network: local (this process) or adopted
// from a CONNECT/NETWORK_UPDATE exchange.
type Node struct {
	ID          iac.NodeID
	Local       bool
	Endpoints   map[iac.EpID]struct{}
	Routes      map[iac.TrID]struct{}
	LocalRoutes map[iac.TrID]uint8
}

func newNode(id iac.NodeID, local bool) *Node {
	return &Node{
		ID:          id,
		Local:       local,
		Endpoints:   make(map[iac.EpID]struct{}),
		Routes:      make(map[iac.TrID]struct{}),
		LocalRoutes: make(map[iac.TrID]uint8),
	}
}

// BestHop returns this Node's cheapest known local-route hop count, and
// whether it has any local route at all.
func (n *Node) BestHop() (uint8, bool) {
	best := uint8(0)
	found := false
	for _, hops := range n.LocalRoutes {
		if !found || hops < best {
			best = hops
			found = true
		}
	}
	return best, found
}

// Endpoint is an addressable delivery target on one Node.
type Endpoint struct {
	ID     iac.EpID
	Name   string
	NodeID iac.NodeID
	Local  bool
}

// TransportRoute is an undirected edge between two Nodes; either end may
// be iac.Unset during discovery. Local is true for routes backed by a
// route.LocalTransportRoute on this process.
type TransportRoute struct {
	ID    iac.TrID
	Local bool
	Node1 iac.NodeID
	Node2 iac.NodeID
}

// OtherEnd returns the node at the opposite end from id, and whether id
// was actually one of the two ends.
func (t TransportRoute) OtherEnd(id iac.NodeID) (iac.NodeID, bool) {
	switch id {
	case t.Node1:
		return t.Node2, true
	case t.Node2:
		return t.Node1, true
	default:
		return iac.Unset, false
	}
}

// Model is one Node's view of the network.
type Model struct {
	selfID iac.NodeID

	nodes     map[iac.NodeID]managed.Entry[Node]
	endpoints map[iac.EpID]managed.Entry[Endpoint]
	routes    map[iac.TrID]managed.Entry[TransportRoute]

	// localRoutes holds the live handshake/liveness state machine for each
	// Local TransportRoute, bound (caller-owned) since a route.LocalTransportRoute
	// wraps an externally supplied Connection.
	localRoutes map[iac.TrID]*route.LocalTransportRoute

	modified bool
}

// New creates an empty Model with no self id yet (spec §3 lifecycle: the
// local Node's id is set by the first registered LocalEndpoint).
func New() *Model {
	return &Model{
		selfID:      iac.Unset,
		nodes:       make(map[iac.NodeID]managed.Entry[Node]),
		endpoints:   make(map[iac.EpID]managed.Entry[Endpoint]),
		routes:      make(map[iac.TrID]managed.Entry[TransportRoute]),
		localRoutes: make(map[iac.TrID]*route.LocalTransportRoute),
	}
}

// SelfID returns the local Node's id, or iac.Unset if no LocalEndpoint has
// been registered yet.
func (m *Model) SelfID() iac.NodeID { return m.selfID }

// Modified reports whether the model changed since the last ClearModified.
func (m *Model) Modified() bool { return m.modified }

// ClearModified resets the modified flag, typically after a NETWORK_UPDATE
// broadcast at the end of a tick.
func (m *Model) ClearModified() { m.modified = false }

// MarkModified is used by callers (e.g. the route dispatcher on receiving
// an ACK) to force a NETWORK_UPDATE broadcast this tick.
func (m *Model) MarkModified() { m.modified = true }

// ensureNode returns the Node for id, adopting a bare one if absent.
func (m *Model) ensureNode(id iac.NodeID) *Node {
	if id == iac.Unset {
		return nil
	}
	if e, ok := m.nodes[id]; ok {
		if n, err := e.Value(); err == nil {
			return n
		}
	}
	n := newNode(id, id == m.selfID)
	m.nodes[id] = managed.Adopt(n)
	return n
}

// Node looks up a Node by id.
func (m *Model) Node(id iac.NodeID) (*Node, bool) {
	e, ok := m.nodes[id]
	if !ok {
		return nil, false
	}
	n, err := e.Value()
	return n, err == nil
}

// Endpoint looks up an Endpoint by id.
func (m *Model) Endpoint(id iac.EpID) (*Endpoint, bool) {
	e, ok := m.endpoints[id]
	if !ok {
		return nil, false
	}
	v, err := e.Value()
	return v, err == nil
}

// Route looks up a TransportRoute by id.
func (m *Model) Route(id iac.TrID) (*TransportRoute, bool) {
	e, ok := m.routes[id]
	if !ok {
		return nil, false
	}
	v, err := e.Value()
	return v, err == nil
}

// LocalRoute looks up the handshake/liveness state machine for a Local route.
func (m *Model) LocalRoute(id iac.TrID) (*route.LocalTransportRoute, bool) {
	r, ok := m.localRoutes[id]
	return r, ok
}

// LocalRouteIDs returns every Local route's id, for the node package's
// per-tick driver loop. Order is stable (sorted) so tests are deterministic.
func (m *Model) LocalRouteIDs() []iac.TrID {
	ids := make([]iac.TrID, 0, len(m.localRoutes))
	for id := range m.localRoutes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// NodeIDs returns every known Node id, sorted.
func (m *Model) NodeIDs() []iac.NodeID {
	ids := make([]iac.NodeID, 0, len(m.nodes))
	for id := range m.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// EndpointIDs returns every known Endpoint id, sorted.
func (m *Model) EndpointIDs() []iac.EpID {
	ids := make([]iac.EpID, 0, len(m.endpoints))
	for id := range m.endpoints {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// RouteIDs returns every known TransportRoute id, sorted.
func (m *Model) RouteIDs() []iac.TrID {
	ids := make([]iac.TrID, 0, len(m.routes))
	for id := range m.routes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// AddRoute registers a remote (adopted) TransportRoute (spec §4.7
// add_route). Either non-unset end not yet in the node table is adopted as
// a bare Node.
func (m *Model) AddRoute(r TransportRoute) error {
	if _, exists := m.routes[r.ID]; exists {
		return iac.ErrAddDuplicate
	}
	m.ensureNode(r.Node1)
	m.ensureNode(r.Node2)

	cp := r
	m.routes[r.ID] = managed.Adopt(&cp)
	m.linkRouteToNodes(&cp)
	m.modified = true
	return nil
}

// AddLocalRoute registers a Local route: a bound route.LocalTransportRoute
// plus its TransportRoute metadata. The node package owns lr's lifetime.
func (m *Model) AddLocalRoute(lr *route.LocalTransportRoute, node1, node2 iac.NodeID) error {
	id := lr.ID()
	if _, exists := m.routes[id]; exists {
		return iac.ErrAddDuplicate
	}
	m.ensureNode(node1)
	m.ensureNode(node2)

	tr := &TransportRoute{ID: id, Local: true, Node1: node1, Node2: node2}
	m.routes[id] = managed.Adopt(tr)
	m.localRoutes[id] = lr
	m.linkRouteToNodes(tr)
	m.modified = true
	return nil
}

func (m *Model) linkRouteToNodes(tr *TransportRoute) {
	if tr.Node1 != iac.Unset {
		if n, ok := m.Node(tr.Node1); ok {
			n.Routes[tr.ID] = struct{}{}
		}
	}
	if tr.Node2 != iac.Unset {
		if n, ok := m.Node(tr.Node2); ok {
			n.Routes[tr.ID] = struct{}{}
		}
	}
}

func (m *Model) unlinkRouteFromNodes(tr *TransportRoute) {
	if tr.Node1 != iac.Unset {
		if n, ok := m.Node(tr.Node1); ok {
			delete(n.Routes, tr.ID)
		}
	}
	if tr.Node2 != iac.Unset {
		if n, ok := m.Node(tr.Node2); ok {
			delete(n.Routes, tr.ID)
		}
	}
}

// RemoveRoute deletes a TransportRoute (spec §4.7 remove_route): for each
// non-unset end, remove the route from that Node's routes/local_routes;
// if the Node has no routes left, remove the Node too.
func (m *Model) RemoveRoute(id iac.TrID) error {
	e, ok := m.routes[id]
	if !ok {
		return iac.ErrRemoveOfInvalid
	}
	tr, err := e.Value()
	if err != nil {
		return err
	}

	ends := []iac.NodeID{tr.Node1, tr.Node2}
	m.unlinkRouteFromNodes(tr)
	for _, end := range ends {
		if end == iac.Unset {
			continue
		}
		if n, ok := m.Node(end); ok {
			delete(n.LocalRoutes, id)
			if len(n.Routes) == 0 && !n.Local {
				m.removeNodeCascade(end)
			}
		}
	}

	delete(m.routes, id)
	delete(m.localRoutes, id)
	m.modified = true
	return nil
}

// DisconnectRoute is the non-destructive half of a route close (spec §4.7
// disconnect_route): it clears this route from any Node's local_routes
// entries without removing the TransportRoute itself.
func (m *Model) DisconnectRoute(id iac.TrID) {
	for _, nid := range m.NodeIDs() {
		if n, ok := m.Node(nid); ok {
			delete(n.LocalRoutes, id)
		}
	}
}

// RenameLocalRoute implements the CONNECT collision tie-break (spec §4.6
// step 3): re-key the route table and every Node's routes/local_routes sets
// from old to new, then re-link at both endpoints with hop count 1.
func (m *Model) RenameLocalRoute(old, new iac.TrID) error {
	e, ok := m.routes[old]
	if !ok {
		return iac.ErrRemoveOfInvalid
	}
	tr, err := e.Value()
	if err != nil {
		return err
	}

	for _, nid := range []iac.NodeID{tr.Node1, tr.Node2} {
		if nid == iac.Unset {
			continue
		}
		if n, ok := m.Node(nid); ok {
			if _, had := n.Routes[old]; had {
				delete(n.Routes, old)
				n.Routes[new] = struct{}{}
			}
			if _, had := n.LocalRoutes[old]; had {
				delete(n.LocalRoutes, old)
				n.LocalRoutes[new] = 1
			}
		}
	}

	tr.ID = new
	delete(m.routes, old)
	m.routes[new] = e
	if lr, ok := m.localRoutes[old]; ok {
		delete(m.localRoutes, old)
		m.localRoutes[new] = lr
		lr.Rename(new)
	}
	m.modified = true
	return nil
}

// AddEndpoint registers an Endpoint (spec §4.7 add_endpoint).
func (m *Model) AddEndpoint(e Endpoint) error {
	if _, exists := m.endpoints[e.ID]; exists {
		return iac.ErrAddDuplicate
	}
	if e.NodeID == iac.Unset {
		e.NodeID = m.selfID
		e.Local = true
	}
	cp := e
	var entry managed.Entry[Endpoint]
	if e.Local {
		entry = managed.Bind(&cp)
	} else {
		entry = managed.Adopt(&cp)
	}
	m.endpoints[e.ID] = entry

	m.ensureNode(cp.NodeID)
	if n, ok := m.Node(cp.NodeID); ok {
		n.Endpoints[e.ID] = struct{}{}
	}
	m.modified = true
	return nil
}

// RemoveEndpoint deletes an Endpoint (spec §4.7 remove_endpoint).
func (m *Model) RemoveEndpoint(id iac.EpID) error {
	e, ok := m.endpoints[id]
	if !ok {
		return iac.ErrRemoveOfInvalid
	}
	ep, err := e.Value()
	if err != nil {
		return err
	}
	if n, ok := m.Node(ep.NodeID); ok {
		delete(n.Endpoints, id)
	}
	delete(m.endpoints, id)
	m.modified = true
	return nil
}

// AddNode registers a Node directly (used when adopting a bare peer during
// CONNECT/NETWORK_UPDATE handling ahead of its endpoints arriving).
func (m *Model) AddNode(n Node) error {
	if _, exists := m.nodes[n.ID]; exists {
		return iac.ErrAddDuplicate
	}
	cp := newNode(n.ID, n.Local)
	m.nodes[n.ID] = managed.Adopt(cp)
	m.modified = true
	return nil
}

// RemoveNode deletes a Node (spec §4.7 add_node/remove_node): its endpoints
// are removed, and for each route touching it that end becomes Unset,
// removing the route entirely if both ends become Unset.
func (m *Model) RemoveNode(id iac.NodeID) error {
	_, ok := m.nodes[id]
	if !ok {
		return iac.ErrRemoveOfInvalid
	}
	m.removeNodeCascade(id)
	return nil
}

func (m *Model) removeNodeCascade(id iac.NodeID) {
	n, ok := m.Node(id)
	if !ok {
		return
	}
	for ep := range n.Endpoints {
		delete(m.endpoints, ep)
	}
	for trID := range n.Routes {
		e, ok := m.routes[trID]
		if !ok {
			continue
		}
		tr, err := e.Value()
		if err != nil {
			continue
		}
		if tr.Node1 == id {
			tr.Node1 = iac.Unset
		}
		if tr.Node2 == id {
			tr.Node2 = iac.Unset
		}
		if tr.Node1 == iac.Unset && tr.Node2 == iac.Unset {
			delete(m.routes, trID)
			delete(m.localRoutes, trID)
		}
	}
	delete(m.nodes, id)
	m.modified = true
}

// AdoptNode returns the Node for id, adopting a bare one if it is not yet
// known. Used by handle_connect (spec §4.6 step 1) to adopt the sender.
func (m *Model) AdoptNode(id iac.NodeID) *Node {
	return m.ensureNode(id)
}

// SetRouteOtherEnd sets a route's second endpoint (spec §4.6 step 4:
// "r.nodes.second = sender_node_id"), adopting that Node if needed and
// linking the route into its Routes set.
func (m *Model) SetRouteOtherEnd(id iac.TrID, other iac.NodeID) error {
	e, ok := m.routes[id]
	if !ok {
		return iac.ErrRemoveOfInvalid
	}
	tr, err := e.Value()
	if err != nil {
		return err
	}
	m.ensureNode(other)
	tr.Node2 = other
	m.linkRouteToNodes(tr)
	m.modified = true
	return nil
}

// PruneUnreachable removes every non-local, non-self Node whose
// local_routes is now empty (spec §3 lifecycle: "a remote Node is deleted
// when its local_routes becomes empty"). Called after a route disconnect,
// since that is the only event that can empty a previously-nonempty
// local_routes map.
func (m *Model) PruneUnreachable() {
	for _, id := range m.NodeIDs() {
		if id == m.selfID {
			continue
		}
		n, ok := m.Node(id)
		if !ok || n.Local {
			continue
		}
		if len(n.LocalRoutes) == 0 {
			m.removeNodeCascade(id)
		}
	}
}

// SetLocalRouteHop records the best known hop count for reaching node via
// tr, keeping the smaller of any existing and the new value (spec §4.6
// handle_network_update).
func (m *Model) SetLocalRouteHop(node iac.NodeID, tr iac.TrID, hops uint8) {
	n, ok := m.Node(node)
	if !ok {
		return
	}
	if existing, had := n.LocalRoutes[tr]; !had || existing > hops {
		n.LocalRoutes[tr] = hops
		m.modified = true
	}
}

// BindSelf assigns the local Node's id on registration of its first
// LocalEndpoint (spec §3 lifecycle). It is a no-op if selfID is already set.
func (m *Model) BindSelf(id iac.NodeID) {
	if m.selfID != iac.Unset {
		return
	}
	m.selfID = id
	m.ensureNode(id)
	if n, ok := m.Node(id); ok {
		n.Local = true
	}
}

// Validate walks every entity and checks invariants I1-I7 (spec §4.7
// validate(), debug-only). Returns a descriptive error (never panics) on
// the first violation found, for embedders who want it fatal; Dump
// provides the accompanying textual snapshot.
func (m *Model) Validate() error {
	for nid, ne := range m.nodes {
		n, err := ne.Value()
		if err != nil {
			return err
		}
		for ep := range n.Endpoints { // I1
			e, ok := m.Endpoint(ep)
			if !ok || e.NodeID != nid {
				return fmt.Errorf("I1 violated: node %v endpoint %v", nid, ep)
			}
		}
		for tr := range n.Routes { // I2
			r, ok := m.Route(tr)
			if !ok || (r.Node1 != nid && r.Node2 != nid) {
				return fmt.Errorf("I2 violated: node %v route %v", nid, tr)
			}
		}
		for tr, hops := range n.LocalRoutes { // I6, I7
			if _, ok := m.Route(tr); !ok {
				return fmt.Errorf("I6 violated: node %v local_route %v missing", nid, tr)
			}
			if hops < 1 {
				return fmt.Errorf("I7 violated: node %v local_route %v hops=%d", nid, tr, hops)
			}
		}
	}

	for eid, ee := range m.endpoints { // I3
		e, err := ee.Value()
		if err != nil {
			return err
		}
		if e.NodeID == iac.Unset {
			continue
		}
		n, ok := m.Node(e.NodeID)
		if !ok {
			return fmt.Errorf("I3 violated: endpoint %v node %v missing", eid, e.NodeID)
		}
		if _, has := n.Endpoints[eid]; !has {
			return fmt.Errorf("I3 violated: endpoint %v not linked from node %v", eid, e.NodeID)
		}
	}

	for trID, re := range m.routes { // I4, I5
		r, err := re.Value()
		if err != nil {
			return err
		}
		for _, end := range []iac.NodeID{r.Node1, r.Node2} {
			if end == iac.Unset {
				continue
			}
			n, ok := m.Node(end)
			if !ok {
				return fmt.Errorf("I4 violated: route %v node %v missing", trID, end)
			}
			if _, has := n.Routes[trID]; !has {
				return fmt.Errorf("I4 violated: route %v not linked from node %v", trID, end)
			}
		}
		if trID.Owner() != r.Node1 && trID.Owner() != r.Node2 && trID.Owner() != m.selfID {
			return fmt.Errorf("I5 violated: route %v owner byte %v matches neither end", trID, trID.Owner())
		}
	}

	return nil
}

// Dump renders a textual snapshot of the model, analogous to the original
// implementation's network_representation dump, used by the node package
// to fill FatalError.Dump. The viz server does not serve it.
func (m *Model) Dump() string {
	var b strings.Builder
	fmt.Fprintf(&b, "self=%v modified=%v\n", m.selfID, m.modified)

	fmt.Fprintln(&b, "nodes:")
	for _, id := range m.NodeIDs() {
		n, _ := m.Node(id)
		fmt.Fprintf(&b, "  %v local=%v endpoints=%v routes=%v local_routes=%v\n",
			n.ID, n.Local, sortedEpIDs(n.Endpoints), sortedTrIDs(n.Routes), n.LocalRoutes)
	}

	fmt.Fprintln(&b, "endpoints:")
	for _, id := range m.EndpointIDs() {
		e, _ := m.Endpoint(id)
		fmt.Fprintf(&b, "  %v name=%q node=%v local=%v\n", e.ID, e.Name, e.NodeID, e.Local)
	}

	fmt.Fprintln(&b, "routes:")
	for _, id := range m.RouteIDs() {
		r, _ := m.Route(id)
		fmt.Fprintf(&b, "  %v local=%v node1=%v node2=%v\n", r.ID, r.Local, r.Node1, r.Node2)
	}

	return b.String()
}

func sortedEpIDs(set map[iac.EpID]struct{}) []iac.EpID {
	out := make([]iac.EpID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedTrIDs(set map[iac.TrID]struct{}) []iac.TrID {
	out := make([]iac.TrID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
