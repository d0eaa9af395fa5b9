// Package viz serves a read-only snapshot of one or more network models over
// HTTP: a JSON dump for polling clients, a websocket that pushes a fresh
// snapshot whenever a model reports itself modified, and a static file
// handler for a browser-side renderer. This is out-of-core (spec §6): it
// never mutates a Model, only reads it between a caller's ticks.
//
// Grounded in original_source/src/network_visualization's Visualization
// class: node_mapping/route_mapping walked into one flat text blob served
// from a "data" route, with everything else served as a static file by
// extension. The Go rendition keeps the JSON endpoint's shape (per-network
// nodes/endpoints/routes) but serves it as structured JSON instead of the
// ad hoc "$"-delimited text format, and adds a websocket push path the
// original's single-threaded polling loop had no equivalent for.
package viz

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/iacfabric/iac"
	"github.com/iacfabric/iac/netmodel"
)

// NodeSnapshot is one Node of a model: its id, whether it is local, its
// endpoint ids (sorted), and its best hop count when it has a local route.
type NodeSnapshot struct {
	ID        iac.NodeID `json:"id"`
	Local     bool       `json:"local"`
	Endpoints []iac.EpID `json:"endpoints"`
	Hops      *uint8     `json:"hops,omitempty"`
}

// EndpointSnapshot is one addressable delivery target.
type EndpointSnapshot struct {
	ID     iac.EpID  `json:"id"`
	Name   string    `json:"name"`
	NodeID iac.NodeID `json:"node_id"`
	Local  bool      `json:"local"`
}

// RouteSnapshot is one TransportRoute edge.
type RouteSnapshot struct {
	ID    iac.TrID  `json:"id"`
	Local bool      `json:"local"`
	Node1 iac.NodeID `json:"node1"`
	Node2 iac.NodeID `json:"node2"`
}

// Snapshot is the full JSON payload served from /data, keyed by the name
// each model was registered under (spec §6 supports viewing several
// in-process Nodes at once, e.g. a multi-node test harness).
type Snapshot struct {
	Networks map[string]NetworkSnapshot `json:"networks"`
}

// NetworkSnapshot is one named model's point-in-time contents.
type NetworkSnapshot struct {
	SelfID    iac.NodeID         `json:"self_id"`
	Nodes     []NodeSnapshot     `json:"nodes"`
	Endpoints []EndpointSnapshot `json:"endpoints"`
	Routes    []RouteSnapshot    `json:"routes"`
}

func buildSnapshot(m *netmodel.Model) NetworkSnapshot {
	ns := NetworkSnapshot{SelfID: m.SelfID()}

	for _, id := range m.NodeIDs() {
		n, ok := m.Node(id)
		if !ok {
			continue
		}
		eps := make([]iac.EpID, 0, len(n.Endpoints))
		for ep := range n.Endpoints {
			eps = append(eps, ep)
		}
		sort.Slice(eps, func(i, j int) bool { return eps[i] < eps[j] })
		snap := NodeSnapshot{ID: n.ID, Local: n.Local, Endpoints: eps}
		if hops, has := n.BestHop(); has {
			snap.Hops = &hops
		}
		ns.Nodes = append(ns.Nodes, snap)
	}

	for _, id := range m.EndpointIDs() {
		e, ok := m.Endpoint(id)
		if !ok {
			continue
		}
		ns.Endpoints = append(ns.Endpoints, EndpointSnapshot{
			ID: e.ID, Name: e.Name, NodeID: e.NodeID, Local: e.Local,
		})
	}

	for _, id := range m.RouteIDs() {
		r, ok := m.Route(id)
		if !ok {
			continue
		}
		ns.Routes = append(ns.Routes, RouteSnapshot{
			ID: r.ID, Local: r.Local, Node1: r.Node1, Node2: r.Node2,
		})
	}

	return ns
}

// Server hosts the viz HTTP surface: GET / and GET /static/*filepath serve
// files out of StaticDir, GET /data returns the current Snapshot as JSON,
// and GET /ws upgrades to a websocket that receives a fresh Snapshot
// whenever PushIfModified is called and finds at least one registered
// model modified since its last read.
type Server struct {
	log       *slog.Logger
	staticDir string
	router    *httprouter.Router
	upgrader  websocket.Upgrader

	mu       sync.Mutex
	networks map[string]*netmodel.Model

	wsMu   sync.Mutex
	wsConn map[*websocket.Conn]struct{}
}

// NewServer creates a viz Server serving static assets from staticDir.
func NewServer(staticDir string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		log:       log.WithGroup("viz"),
		staticDir: staticDir,
		router:    httprouter.New(),
		networks:  make(map[string]*netmodel.Model),
		wsConn:    make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.router.GET("/data", s.handleData)
	s.router.GET("/ws", s.handleWS)
	s.router.ServeFiles("/static/*filepath", http.Dir(staticDir))
	s.router.GET("/", s.handleIndex)
	return s
}

// Handler returns the http.Handler to mount on an *http.Server.
func (s *Server) Handler() http.Handler { return s.router }

// AddNetwork registers m to be served under name. Replacing an existing
// name swaps in the new model.
func (s *Server) AddNetwork(name string, m *netmodel.Model) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.networks[name] = m
}

// RemoveNetwork unregisters a model by name.
func (s *Server) RemoveNetwork(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.networks, name)
}

func (s *Server) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{Networks: make(map[string]NetworkSnapshot, len(s.networks))}
	for name, m := range s.networks {
		snap.Networks[name] = buildSnapshot(m)
	}
	return snap
}

func (s *Server) handleData(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.snapshot()); err != nil {
		s.log.Warn("encode snapshot failed", "error", err)
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	http.ServeFile(w, r, s.staticDir+"/index.html")
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	s.wsMu.Lock()
	s.wsConn[conn] = struct{}{}
	s.wsMu.Unlock()

	if err := conn.WriteJSON(s.snapshot()); err != nil {
		s.dropConn(conn)
		return
	}

	go s.drainClient(conn)
}

// drainClient discards client frames (this is a push-only feed) until the
// connection closes, then unregisters it.
func (s *Server) drainClient(conn *websocket.Conn) {
	defer s.dropConn(conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) dropConn(conn *websocket.Conn) {
	s.wsMu.Lock()
	delete(s.wsConn, conn)
	s.wsMu.Unlock()
	conn.Close()
}

// PushIfModified sends a fresh Snapshot to every connected websocket client
// if at least one registered model's Modified flag is set. It does not
// clear Modified itself — the caller's own tick (node.LocalNode.Update)
// owns that, since a model may be modified for reasons other than "tell
// viz clients", and clearing it here would race the normal NETWORK_UPDATE
// broadcast decision.
func (s *Server) PushIfModified() {
	s.mu.Lock()
	dirty := false
	for _, m := range s.networks {
		if m.Modified() {
			dirty = true
			break
		}
	}
	s.mu.Unlock()
	if !dirty {
		return
	}

	snap := s.snapshot()
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	for conn := range s.wsConn {
		if err := conn.WriteJSON(snap); err != nil {
			s.log.Debug("websocket push failed, dropping client", "error", err)
			go s.dropConn(conn)
		}
	}
}
