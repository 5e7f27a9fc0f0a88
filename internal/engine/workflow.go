package engine

import (
	"log/slog"
	"time"

	"github.com/kode4food/stalwart/pkg/api"
	"github.com/kode4food/stalwart/pkg/log"
)

// Workflow is the execution context handed to a flow function. It
// identifies the flow and the epoch the execution runs under
type Workflow struct {
	ID         api.FlowID
	StoredID   api.StoredID
	Epoch      api.Epoch
	Interrupts int64
	engine     *Engine
}

// ReplicaID returns the replica executing the flow
func (w *Workflow) ReplicaID() api.ReplicaID {
	return w.engine.ReplicaID()
}

// Now returns the current time from the engine's clock
func (w *Workflow) Now() time.Time {
	return w.engine.Now()
}

// Logger returns a logger decorated with the flow's identity
func (w *Workflow) Logger() *slog.Logger {
	return slog.With(
		log.FlowID(w.ID),
		log.Epoch(w.Epoch),
		log.ReplicaID(w.ReplicaID()),
	)
}
