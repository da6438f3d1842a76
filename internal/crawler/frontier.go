package crawler

import "container/heap"

// entry is a queued page. seq breaks score ties so equal-priority
// pages come out in discovery order.
type entry struct {
	url   string
	depth int
	score int
	seq   int
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score > h[j].score
	}
	return h[i].seq < h[j].seq
}
func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(*entry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// frontier is a best-first queue of pages to visit. Higher-scoring
// URLs (product and literature paths) are crawled before low-value
// ones so the page budget goes where the PDFs are. Not safe for
// concurrent use; the crawler serializes access.
type frontier struct {
	heap entryHeap
	next int
}

func newFrontier() *frontier {
	f := &frontier{}
	heap.Init(&f.heap)
	return f
}

func (f *frontier) push(url string, depth, score int) {
	heap.Push(&f.heap, &entry{url: url, depth: depth, score: score, seq: f.next})
	f.next++
}

func (f *frontier) pop() *entry {
	if f.heap.Len() == 0 {
		return nil
	}
	return heap.Pop(&f.heap).(*entry)
}

func (f *frontier) len() int { return f.heap.Len() }
