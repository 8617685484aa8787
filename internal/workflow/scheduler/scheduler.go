package scheduler

import (
	"fmt"

	"github.com/kingrea/hgcsim/internal/workflow/resolver"
)

// Scheduler selects runnable nodes from a refreshed resolver.
type Scheduler struct {
	resolver *resolver.Resolver
}

// New wires a Scheduler to a resolver snapshot.
func New(res *resolver.Resolver) (*Scheduler, error) {
	if res == nil {
		return nil, fmt.Errorf("workflow: scheduler requires a resolver")
	}
	return &Scheduler{resolver: res}, nil
}

// RunnableRequest carries the constraints of one scheduling round.
type RunnableRequest struct {
	// BatchSize caps the batch. Zero means no cap.
	BatchSize int
	// MaxParallel caps executing nodes, Active included. Zero means no cap.
	MaxParallel int
	// Active is the number of nodes executing right now.
	Active int
	// Holds keeps nodes out of the batch, keyed by node id.
	Holds map[string]SkipReason
}

// RunnableBatch describes the scheduler's decision.
type RunnableBatch struct {
	Nodes   []*resolver.Node
	Skipped map[string]SkipReason
}

// SkipReason explains why a node was excluded from the runnable set.
type SkipReason struct {
	Reason SkipReasonCode
	Detail string
}

// SkipReasonCode enumerates scheduler skip reasons.
type SkipReasonCode string

const (
	SkipReasonNotReady    SkipReasonCode = "not-ready"
	SkipReasonManualGate  SkipReasonCode = "manual-gate"
	SkipReasonConcurrency SkipReasonCode = "concurrency"
	SkipReasonActive      SkipReasonCode = "already-running"
	SkipReasonFailed      SkipReasonCode = "failed"
)

// Runnable walks every incomplete node in dependency order and returns the
// ready ones that fit the request.
func (s *Scheduler) Runnable(req RunnableRequest) (RunnableBatch, error) {
	queue, err := s.resolver.Queue()
	if err != nil {
		return RunnableBatch{}, err
	}
	free, limit := req.capacity()
	var batch RunnableBatch
	for _, node := range queue {
		if hold, held := req.Holds[node.ID]; held {
			batch.skip(node.ID, hold)
			continue
		}
		if node.State != resolver.NodeStateReady {
			batch.skip(node.ID, SkipReason{Reason: SkipReasonNotReady, Detail: string(node.State)})
			continue
		}
		if free == 0 {
			batch.skip(node.ID, SkipReason{Reason: SkipReasonConcurrency, Detail: limit})
			continue
		}
		batch.Nodes = append(batch.Nodes, node)
		free--
	}
	return batch, nil
}

// capacity returns how many nodes the batch may hold, -1 for no cap, and
// the limit that binds once it is used up.
func (req RunnableRequest) capacity() (int, string) {
	free, limit := -1, ""
	if req.BatchSize > 0 {
		free, limit = req.BatchSize, fmt.Sprintf("batch size %d", req.BatchSize)
	}
	if req.MaxParallel > 0 {
		left := req.MaxParallel - req.Active
		if left < 0 {
			left = 0
		}
		if free < 0 || left < free {
			free, limit = left, fmt.Sprintf("max parallel %d reached", req.MaxParallel)
		}
	}
	return free, limit
}

func (b *RunnableBatch) skip(id string, reason SkipReason) {
	if b.Skipped == nil {
		b.Skipped = make(map[string]SkipReason)
	}
	b.Skipped[id] = reason
}
