package pool

import "github.com/neutree-ai/serve-router/router"

// engineHandle adapts *Engine to router.ReplicaHandle, the one-way seam
// described in router/doc.go: router depends only on this interface and
// never imports pool (§3.1, §3.2).
type engineHandle struct {
	engine *Engine
}

// Handle returns engine wrapped as a router.ReplicaHandle.
func Handle(engine *Engine) router.ReplicaHandle {
	return &engineHandle{engine: engine}
}

func (h *engineHandle) ID() router.ReplicaID {
	return h.engine.ID
}
