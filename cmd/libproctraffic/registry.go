package main

import (
	"sync"

	ptraffic "github.com/jinmuyano/proctraffic"
	"github.com/jinmuyano/proctraffic/exporter"
)

// registry 记录已经交给 C 调用方的数组, 地址 -> 快照句柄
type registry struct {
	mu      sync.Mutex
	handles map[uintptr]*exporter.Handle
}

func newRegistry() *registry {
	return &registry{handles: make(map[uintptr]*exporter.Handle)}
}

func (r *registry) add(ptr uintptr, h *exporter.Handle) {
	r.mu.Lock()
	r.handles[ptr] = h
	r.mu.Unlock()
}

// remove returns false for an address take never issued or one already freed.
func (r *registry) remove(ptr uintptr) (*exporter.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handles[ptr]
	if ok {
		delete(r.handles, ptr)
	}
	return h, ok
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// emptySource backs take when capture is unavailable.
type emptySource struct{}

func (emptySource) Snapshot() ptraffic.Snapshot {
	return ptraffic.Snapshot{}
}
