package linkcache

import (
	"container/heap"

	"github.com/meshcl/mcl/internal/metric"
)

// pqItem is one entry of the Dijkstra binary heap, ordered by the engine's
// comparable path metric.
type pqItem struct {
	node NodeIndex
	cost uint64
}

type priorityQueue []pqItem

func (pq priorityQueue) Len() int            { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool  { return pq[i].cost < pq[j].cost }
func (pq priorityQueue) Swap(i, j int)       { pq[i], pq[j] = pq[j], pq[i] }
func (pq *priorityQueue) Push(x any)         { *pq = append(*pq, x.(pqItem)) }
func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	*pq = old[:n-1]
	return item
}

// dijkstraResult holds, per node, the predecessor link/node and the ordered
// list of hops from self to that node (used both to reconstruct the route
// and to re-fold the path metric for WCETT-style channel grouping).
type dijkstraResult struct {
	tentative map[NodeIndex]uint64
	prevNode  map[NodeIndex]NodeIndex
	prevLink  map[NodeIndex]LinkHandle
	convPath  map[NodeIndex][]uint64
	hopCount  map[NodeIndex]int

	smallestMetric uint64
	largestMetric  uint64
}

// runDijkstra computes shortest paths from selfIndex over the current
// adjacency using eng's ConvLinkMetric/PathMetric. maxHops bounds path
// length (MAX_SR_LEN).
func runDijkstra(nodes []*Node, links *arena, eng metric.Engine, maxHops int) *dijkstraResult {
	res := &dijkstraResult{
		tentative: map[NodeIndex]uint64{selfIndex: 0},
		prevNode:  map[NodeIndex]NodeIndex{selfIndex: -1},
		prevLink:  map[NodeIndex]LinkHandle{selfIndex: invalidHandle},
		convPath:  map[NodeIndex][]uint64{selfIndex: {}},
		hopCount:  map[NodeIndex]int{selfIndex: 0},
	}

	res.smallestMetric = ^uint64(0)
	for _, l := range links.all() {
		c := eng.ConvLinkMetric(l.Metric)
		if c < res.smallestMetric {
			res.smallestMetric = c
		}
	}
	if res.smallestMetric == ^uint64(0) {
		res.smallestMetric = 0
	}

	pq := &priorityQueue{{node: selfIndex, cost: 0}}
	heap.Init(pq)
	visited := map[NodeIndex]bool{}

	for pq.Len() > 0 {
		item := heap.Pop(pq).(pqItem)
		u := item.node
		if visited[u] {
			continue
		}
		visited[u] = true
		if known, ok := res.tentative[u]; ok && known < item.cost {
			continue
		}
		res.largestMetric = max(res.largestMetric, lastConv(res.convPath[u]))

		if res.hopCount[u] >= maxHops {
			continue
		}

		un, ok := node(nodes, u)
		if !ok {
			continue
		}
		for _, lh := range un.AdjOut {
			l, ok := links.get(lh)
			if !ok {
				continue
			}
			if eng.IsInfinite(l.Metric) {
				continue
			}
			v := l.Target

			edgeConv := eng.ConvLinkMetric(l.Metric)
			candidatePath := append(append([]uint64{}, res.convPath[u]...), edgeConv)
			candidateCost := eng.PathMetric(candidatePath)

			if best, ok := res.tentative[v]; !ok || candidateCost < best {
				res.tentative[v] = candidateCost
				res.prevNode[v] = u
				res.prevLink[v] = lh
				res.convPath[v] = candidatePath
				res.hopCount[v] = res.hopCount[u] + 1
				heap.Push(pq, pqItem{node: v, cost: candidateCost})
			}
		}
	}

	return res
}

func lastConv(path []uint64) uint64 {
	if len(path) == 0 {
		return 0
	}
	return path[len(path)-1]
}

func node(nodes []*Node, idx NodeIndex) (*Node, bool) {
	if idx < 0 || int(idx) >= len(nodes) {
		return nil, false
	}
	return nodes[idx], true
}
