package networkmodel

import (
	"container/heap"
	"math"
	"sort"

	"gitlab.com/akita/akita/v3/sim"
)

// A transferUpdateEvent is scheduled when a transfer is expected to complete.
// If the estimate changes before the event fires, the event is stale and is
// ignored.
type transferUpdateEvent struct {
	time    sim.VTimeInSec
	handler sim.Handler
	msg     sim.Msg
}

func (e transferUpdateEvent) Time() sim.VTimeInSec {
	return e.time
}

func (e transferUpdateEvent) Handler() sim.Handler {
	return e.handler
}

func (e transferUpdateEvent) IsSecondary() bool {
	return false
}

// A route is the path of one in-flight message.
type route struct {
	msg       sim.Msg
	links     []*psLink
	startAt   sim.VTimeInSec
	bytesLeft float64
	bw        float64
	updatedAt sim.VTimeInSec
	finishAt  sim.VTimeInSec
}

type psLink struct {
	link   *Link
	routes map[string]*route
}

// A PacketSwitchingNetworkModel delivers messages over point-to-point links.
// Messages follow the lowest-latency path and links are shared fairly among
// the messages crossing them.
type PacketSwitchingNetworkModel struct {
	sim.HookableBase
	sim.EventScheduler
	sim.TimeTeller

	busyNodes       map[string]bool
	pendingDelivery map[string][]sim.Msg

	nodes  map[string]sim.Port
	links  map[string][]*psLink
	routes map[string]*route
}

// NewPacketSwitchingNetworkModel creates a new PacketSwitchingNetworkModel.
func NewPacketSwitchingNetworkModel(
	es sim.EventScheduler,
	tt sim.TimeTeller,
) *PacketSwitchingNetworkModel {
	m := &PacketSwitchingNetworkModel{
		EventScheduler:  es,
		TimeTeller:      tt,
		busyNodes:       make(map[string]bool),
		pendingDelivery: make(map[string][]sim.Msg),
		nodes:           make(map[string]sim.Port),
		links:           make(map[string][]*psLink),
		routes:          make(map[string]*route),
	}

	return m
}

// PlugIn plugs a port into the network.
func (m *PacketSwitchingNetworkModel) PlugIn(port sim.Port, bufSize int) {
	m.nodes[port.Name()] = port
	port.SetConnection(m)
}

// Unplug removes a port from the network.
func (m *PacketSwitchingNetworkModel) Unplug(port sim.Port) {
	delete(m.nodes, port.Name())
}

// NotifyAvailable notifies the network that the port can receive again.
func (m *PacketSwitchingNetworkModel) NotifyAvailable(
	now sim.VTimeInSec,
	port sim.Port,
) {
	pendingDelivery := m.pendingDelivery[port.Name()]

	for len(pendingDelivery) > 0 {
		msg := pendingDelivery[0]
		err := port.Recv(msg)
		if err != nil {
			break
		}

		pendingDelivery = pendingDelivery[1:]
	}

	m.pendingDelivery[port.Name()] = pendingDelivery

	if len(pendingDelivery) == 0 {
		delete(m.busyNodes, port.Name())
	}
}

// AddLink adds a full-duplex link between two ports. Each direction has the
// given bandwidth.
func (m *PacketSwitchingNetworkModel) AddLink(
	left, right sim.Port,
	bytePerSecond float64,
	latency sim.VTimeInSec,
) {
	m.links[left.Name()] = append(m.links[left.Name()], &psLink{
		link: &Link{
			Left:          left,
			Right:         right,
			BytePerSecond: bytePerSecond,
			Latency:       latency,
		},
		routes: make(map[string]*route),
	})
	m.links[right.Name()] = append(m.links[right.Name()], &psLink{
		link: &Link{
			Left:          right,
			Right:         left,
			BytePerSecond: bytePerSecond,
			Latency:       latency,
		},
		routes: make(map[string]*route),
	})
}

// HasRoute tells if messages can travel from src to dst.
func (m *PacketSwitchingNetworkModel) HasRoute(src, dst sim.Port) bool {
	_, ok := m.shortestPath(src.Name(), dst.Name())
	return ok
}

// InFlight returns the number of messages that are traveling in the network.
func (m *PacketSwitchingNetworkModel) InFlight() int {
	return len(m.routes)
}

// Handle delivers the messages whose transfer completes.
func (m *PacketSwitchingNetworkModel) Handle(e sim.Event) error {
	switch e := e.(type) {
	case transferUpdateEvent:
		return m.handleTransferUpdateEvent(e)
	default:
		panic("unknown event type")
	}
}

func (m *PacketSwitchingNetworkModel) handleTransferUpdateEvent(
	e transferUpdateEvent,
) error {
	r, found := m.routes[e.msg.Meta().ID]
	if !found || r.finishAt != e.time {
		return nil
	}

	m.removeRoute(r)
	m.rebalance()

	msg := r.msg
	msg.Meta().RecvTime = m.CurrentTime()
	dst := msg.Meta().Dst

	if m.busyNodes[dst.Name()] {
		m.pendingDelivery[dst.Name()] = append(
			m.pendingDelivery[dst.Name()], msg)
		return nil
	}

	err := dst.Recv(msg)
	if err != nil {
		m.busyNodes[dst.Name()] = true
		m.pendingDelivery[dst.Name()] = append(
			m.pendingDelivery[dst.Name()], msg)
	}

	return nil
}

// CanSend checks if the network can send a message.
func (m *PacketSwitchingNetworkModel) CanSend(src sim.Port) bool {
	return true
}

// Send starts moving the message towards its destination.
func (m *PacketSwitchingNetworkModel) Send(msg sim.Msg) *sim.SendError {
	m.addRoute(msg)
	m.rebalance()

	return nil
}

func (m *PacketSwitchingNetworkModel) addRoute(msg sim.Msg) *route {
	src := msg.Meta().Src.Name()
	dst := msg.Meta().Dst.Name()

	path, ok := m.shortestPath(src, dst)
	if !ok {
		panic("no path from " + src + " to " + dst)
	}

	now := m.CurrentTime()
	r := &route{
		msg:       msg,
		links:     path,
		startAt:   now,
		bytesLeft: float64(msg.Meta().TrafficBytes),
		updatedAt: now,
	}

	for _, l := range path {
		r.startAt += l.link.Latency
		l.routes[msg.Meta().ID] = r
	}

	m.routes[msg.Meta().ID] = r

	return r
}

func (m *PacketSwitchingNetworkModel) removeRoute(r *route) {
	delete(m.routes, r.msg.Meta().ID)

	for _, l := range r.links {
		delete(l.routes, r.msg.Meta().ID)
	}
}

// rebalance accounts the progress of every route at the current bandwidth,
// recomputes the fair share of each route and schedules a completion event
// for every route whose completion time changed.
func (m *PacketSwitchingNetworkModel) rebalance() {
	now := m.CurrentTime()

	for _, r := range m.routes {
		from := r.updatedAt
		if r.startAt > from {
			from = r.startAt
		}

		if now > from {
			r.bytesLeft -= float64(now-from) * r.bw
			if r.bytesLeft < 0 {
				r.bytesLeft = 0
			}
		}

		r.updatedAt = now
	}

	ids := make([]string, 0, len(m.routes))
	for id := range m.routes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		r := m.routes[id]
		r.bw = m.fairShare(r)

		start := now
		if r.startAt > start {
			start = r.startAt
		}

		finishAt := start + sim.VTimeInSec(r.bytesLeft/r.bw)
		if finishAt == r.finishAt {
			continue
		}

		r.finishAt = finishAt
		m.Schedule(transferUpdateEvent{
			time:    finishAt,
			handler: m,
			msg:     r.msg,
		})
	}
}

func (m *PacketSwitchingNetworkModel) fairShare(r *route) float64 {
	minBW := math.Inf(1)

	for _, l := range r.links {
		bw := l.link.BytePerSecond / float64(len(l.routes))
		if bw < minBW {
			minBW = bw
		}
	}

	return minBW
}

// shortestPath finds the path with the lowest total latency. Bandwidth breaks
// ties so that faster links are preferred.
func (m *PacketSwitchingNetworkModel) shortestPath(
	src, dst string,
) ([]*psLink, bool) {
	if src == dst {
		return nil, false
	}

	dist := map[string]float64{src: 0}
	prev := make(map[string]*psLink)
	visited := make(map[string]bool)
	queue := &pathQueue{{node: src, dist: 0}}

	for queue.Len() > 0 {
		item := heap.Pop(queue).(pathItem)
		if visited[item.node] {
			continue
		}
		visited[item.node] = true

		if item.node == dst {
			break
		}

		for _, l := range m.links[item.node] {
			next := l.link.Right.Name()
			if _, plugged := m.nodes[next]; !plugged {
				continue
			}

			weight := float64(l.link.Latency) + 1/l.link.BytePerSecond
			alt := item.dist + weight

			if d, ok := dist[next]; !ok || alt < d {
				dist[next] = alt
				prev[next] = l
				heap.Push(queue, pathItem{node: next, dist: alt})
			}
		}
	}

	if !visited[dst] {
		return nil, false
	}

	var path []*psLink
	for node := dst; node != src; {
		l := prev[node]
		path = append([]*psLink{l}, path...)
		node = l.link.Left.Name()
	}

	return path, true
}

type pathItem struct {
	node string
	dist float64
}

type pathQueue []pathItem

func (q pathQueue) Len() int { return len(q) }

func (q pathQueue) Less(i, j int) bool {
	if q[i].dist == q[j].dist {
		return q[i].node < q[j].node
	}

	return q[i].dist < q[j].dist
}

func (q pathQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *pathQueue) Push(x interface{}) { *q = append(*q, x.(pathItem)) }

func (q *pathQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]

	return item
}
