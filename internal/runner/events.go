package runner

import (
	"context"

	"github.com/nimasrn/message-blast/internal/model"
	"github.com/nimasrn/message-blast/internal/queue"
)

type EventPublisher interface {
	Publish(ctx context.Context, ev model.BlastEvent) error
}

// StreamPublisher writes blast events to a redis stream.
type StreamPublisher struct {
	q *queue.Queue
}

func NewStreamPublisher(q *queue.Queue) *StreamPublisher {
	return &StreamPublisher{q: q}
}

func (p *StreamPublisher) Publish(ctx context.Context, ev model.BlastEvent) error {
	meta := map[string]string{"type": ev.Type}
	if ev.Progress != nil {
		meta["blast_id"] = ev.Progress.BlastID.String()
		meta["status"] = string(ev.Progress.Status)
	}
	_, err := p.q.PublishJSON(ctx, ev, meta)
	return err
}
