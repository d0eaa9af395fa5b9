package node

import (
	"testing"
	"time"

	"github.com/iacfabric/iac"
	"github.com/iacfabric/iac/conn"
	"github.com/iacfabric/iac/proto"
	"github.com/iacfabric/iac/route"
)

func newTestNode(t *testing.T, epID iac.EpID, now *time.Time, recv *[]*proto.Package) *LocalNode {
	t.Helper()
	n := New(Config{
		HeartbeatMs: 100,
		DeadAfterMs: 200,
		NowFn:       func() time.Time { return *now },
	})
	if err := n.RegisterEndpoint(epID, "ep", func(pkg *proto.Package) {
		*recv = append(*recv, pkg)
	}); err != nil {
		t.Fatalf("RegisterEndpoint: %v", err)
	}
	return n
}

func runUntilConnected(t *testing.T, now *time.Time, nodes ...*LocalNode) {
	t.Helper()
	for i := 0; i < 50; i++ {
		*now = now.Add(150 * time.Millisecond)
		for _, n := range nodes {
			if err := n.Update(*now); err != nil {
				t.Fatalf("Update: %v", err)
			}
		}
		allConnected := true
		for _, n := range nodes {
			for _, id := range n.Model().LocalRouteIDs() {
				lr, _ := n.Model().LocalRoute(id)
				if lr.State() != route.Connected {
					allConnected = false
				}
			}
		}
		if allConnected {
			return
		}
	}
	t.Fatal("routes never reached CONNECTED")
}

// TestTwoNodeHandshake is scenario S1: two Nodes, one pipe, reach CONNECTED
// with consistent tr_id ownership on both sides.
func TestTwoNodeHandshake(t *testing.T) {
	var now time.Time
	var recvA, recvB []*proto.Package

	a := newTestNode(t, 1, &now, &recvA)
	b := newTestNode(t, 2, &now, &recvB)

	ca, cb := conn.NewPipe()
	lrA, err := a.AddRoute(ca)
	if err != nil {
		t.Fatalf("AddRoute a: %v", err)
	}
	lrB, err := b.AddRoute(cb)
	if err != nil {
		t.Fatalf("AddRoute b: %v", err)
	}

	runUntilConnected(t, &now, a, b)

	if lrA.State() != route.Connected || lrB.State() != route.Connected {
		t.Fatalf("states: a=%v b=%v", lrA.State(), lrB.State())
	}
	if lrA.ID() != lrB.ID() {
		t.Fatalf("tr_id differs: a=%v b=%v", lrA.ID(), lrB.ID())
	}

	nodeA, ok := a.Model().Node(2)
	if !ok {
		t.Fatal("a does not know node 2")
	}
	if _, has := nodeA.LocalRoutes[lrA.ID()]; !has {
		t.Fatal("a missing local_routes entry for node 2")
	}
	nodeB, ok := b.Model().Node(1)
	if !ok {
		t.Fatal("b does not know node 1")
	}
	if _, has := nodeB.LocalRoutes[lrB.ID()]; !has {
		t.Fatal("b missing local_routes entry for node 1")
	}
}

// TestSendReceiveAcrossConnectedRoute is scenario S2.
func TestSendReceiveAcrossConnectedRoute(t *testing.T) {
	var now time.Time
	var recvA, recvB []*proto.Package

	a := newTestNode(t, 1, &now, &recvA)
	b := newTestNode(t, 2, &now, &recvB)

	ca, cb := conn.NewPipe()
	if _, err := a.AddRoute(ca); err != nil {
		t.Fatal(err)
	}
	if _, err := b.AddRoute(cb); err != nil {
		t.Fatal(err)
	}
	runUntilConnected(t, &now, a, b)

	if err := a.Send(1, 2, 10, []byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	now = now.Add(150 * time.Millisecond)
	if err := b.Update(now); err != nil {
		t.Fatal(err)
	}

	if len(recvB) != 1 {
		t.Fatalf("recvB = %d packages, want 1", len(recvB))
	}
	if string(recvB[0].Payload) != "hello" {
		t.Fatalf("payload = %q", recvB[0].Payload)
	}
}

// TestThreeNodeMeshConvergence is scenario S3: A-B and B-C pipes, A and C
// have no direct route, yet converge to a 2-hop route to each other and can
// forward packages across B.
func TestThreeNodeMeshConvergence(t *testing.T) {
	var now time.Time
	var recvA, recvB, recvC []*proto.Package

	a := newTestNode(t, 1, &now, &recvA)
	b := newTestNode(t, 2, &now, &recvB)
	c := newTestNode(t, 3, &now, &recvC)

	ab1, ab2 := conn.NewPipe()
	bc1, bc2 := conn.NewPipe()
	if _, err := a.AddRoute(ab1); err != nil {
		t.Fatal(err)
	}
	if _, err := b.AddRoute(ab2); err != nil {
		t.Fatal(err)
	}
	if _, err := b.AddRoute(bc1); err != nil {
		t.Fatal(err)
	}
	if _, err := c.AddRoute(bc2); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 200; i++ {
		now = now.Add(150 * time.Millisecond)
		for _, n := range []*LocalNode{a, b, c} {
			if err := n.Update(now); err != nil {
				t.Fatalf("Update: %v", err)
			}
		}
		_, aKnowsEp3 := a.Model().Endpoint(3)
		_, cKnowsEp1 := c.Model().Endpoint(1)
		if aKnowsEp3 && cKnowsEp1 {
			break
		}
	}

	nodeC, ok := a.Model().Node(3)
	if !ok {
		t.Fatal("a never learned about node 3")
	}
	if _, has := nodeC.BestHop(); !has {
		t.Fatal("a has no route to node 3")
	}
	if _, ok := a.Model().Endpoint(3); !ok {
		t.Fatal("a never learned about endpoint 3")
	}

	if err := a.Send(1, 3, 20, []byte("ping")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	// B and C tick at the same instant: letting C sit idle for two ticks
	// (300ms) would exceed dead_after (200ms) and close its route first.
	now = now.Add(150 * time.Millisecond)
	if err := b.Update(now); err != nil {
		t.Fatal(err)
	}
	if err := c.Update(now); err != nil {
		t.Fatal(err)
	}

	if len(recvC) != 1 || string(recvC[0].Payload) != "ping" {
		t.Fatalf("recvC = %+v, want one ping package", recvC)
	}
}

// TestRouteDisconnectPrunesNode is scenario S4: a route going dead removes
// the peer node and its local_routes entry, without destroying the
// TransportRoute's id bookkeeping on the wrong side.
func TestRouteDisconnectPrunesNode(t *testing.T) {
	var now time.Time
	var recvA, recvB []*proto.Package

	a := newTestNode(t, 1, &now, &recvA)
	b := newTestNode(t, 2, &now, &recvB)

	ca, cb := conn.NewPipe()
	if _, err := a.AddRoute(ca); err != nil {
		t.Fatal(err)
	}
	if _, err := b.AddRoute(cb); err != nil {
		t.Fatal(err)
	}
	runUntilConnected(t, &now, a, b)

	if _, ok := a.Model().Node(2); !ok {
		t.Fatal("a should know node 2 before disconnect")
	}

	cb.Close()
	for i := 0; i < 5; i++ {
		now = now.Add(500 * time.Millisecond)
		if err := a.Update(now); err != nil {
			t.Fatal(err)
		}
	}

	if _, ok := a.Model().Node(2); ok {
		t.Fatal("node 2 should have been pruned after its only route died")
	}
}

// TestCollisionTieBreakRenamesHigherTrID is scenario S6: both ends mint
// tr_id local index 0, and the lower TrID (owned by the lower-numbered
// Node) wins, causing the other side to rename.
func TestCollisionTieBreakRenamesHigherTrID(t *testing.T) {
	var now time.Time
	var recvA, recvB []*proto.Package

	a := newTestNode(t, 5, &now, &recvA)
	b := newTestNode(t, 9, &now, &recvB)

	ca, cb := conn.NewPipe()
	lrA, err := a.AddRoute(ca)
	if err != nil {
		t.Fatal(err)
	}
	lrB, err := b.AddRoute(cb)
	if err != nil {
		t.Fatal(err)
	}

	wantSurvivor := lrA.ID()
	if lrB.ID() < wantSurvivor {
		wantSurvivor = lrB.ID()
	}

	runUntilConnected(t, &now, a, b)

	if lrA.ID() != wantSurvivor && lrB.ID() != wantSurvivor {
		t.Fatalf("neither side kept the lower tr_id: a=%v b=%v want=%v", lrA.ID(), lrB.ID(), wantSurvivor)
	}
	if lrA.ID() != lrB.ID() {
		t.Fatalf("both ends must converge on the same tr_id: a=%v b=%v", lrA.ID(), lrB.ID())
	}
}

func TestMintLocalIndexReusesFreedSlot(t *testing.T) {
	var now time.Time
	var recv []*proto.Package
	a := newTestNode(t, 1, &now, &recv)

	c1a, c1b := conn.NewPipe()
	lr1, err := a.AddRoute(c1a)
	if err != nil {
		t.Fatal(err)
	}
	_ = c1b
	if lr1.ID().LocalIndex() != 0 {
		t.Fatalf("first route index = %d, want 0", lr1.ID().LocalIndex())
	}

	c2a, c2b := conn.NewPipe()
	lr2, err := a.AddRoute(c2a)
	if err != nil {
		t.Fatal(err)
	}
	_ = c2b
	if lr2.ID().LocalIndex() != 1 {
		t.Fatalf("second route index = %d, want 1", lr2.ID().LocalIndex())
	}

	if err := a.Model().RemoveRoute(lr1.ID()); err != nil {
		t.Fatal(err)
	}
	c3a, _ := conn.NewPipe()
	lr3, err := a.AddRoute(c3a)
	if err != nil {
		t.Fatal(err)
	}
	if lr3.ID().LocalIndex() != 0 {
		t.Fatalf("route index after freeing slot 0 = %d, want 0", lr3.ID().LocalIndex())
	}
}

func TestSendToUnknownEndpointErrors(t *testing.T) {
	var now time.Time
	var recv []*proto.Package
	a := newTestNode(t, 1, &now, &recv)

	if err := a.Send(1, 99, 1, nil); err == nil {
		t.Fatal("expected error sending to unregistered endpoint")
	}
}

func TestFatalHandlerInvokedOnOutOfTrID(t *testing.T) {
	var now time.Time
	var recv []*proto.Package
	var fatalErr error

	a := New(Config{
		HeartbeatMs:  100,
		DeadAfterMs:  200,
		NowFn:        func() time.Time { return now },
		FatalHandler: func(err error) { fatalErr = err },
	})
	if err := a.RegisterEndpoint(1, "ep", func(pkg *proto.Package) { recv = append(recv, pkg) }); err != nil {
		t.Fatal(err)
	}

	// Exhaust all 256 local indices directly against the model so AddRoute
	// has nothing left to mint.
	for i := 0; i < 256; i++ {
		id := iac.MakeTrID(a.ID(), uint8(i))
		c1, _ := conn.NewPipe()
		lr := route.New(id, c1, a.ID(), route.Config{NowFn: func() time.Time { return now }})
		if err := a.Model().AddLocalRoute(lr, a.ID(), iac.Unset); err != nil {
			t.Fatal(err)
		}
	}

	extra, _ := conn.NewPipe()
	if _, err := a.AddRoute(extra); err == nil {
		t.Fatal("expected ErrOutOfTrID")
	}
	if fatalErr == nil {
		t.Fatal("expected FatalHandler to be invoked")
	}
}
