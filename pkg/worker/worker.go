package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/nimasrn/message-blast/pkg/logger"
)

var ErrPoolClosed = errors.New("worker pool is closed")

type WorkerHandler = func(workerIndex int, job interface{})

type WorkerManager struct {
	bufferSize     int
	jobChannel     chan interface{}
	numberOfWorker int
	do             WorkerHandler
	waiter         *sync.WaitGroup
	done           chan struct{}
	closeOnce      sync.Once
}

// NewWorkerManager
// is a job manager based on go routines. Define the number of internal
// workers, and start publishing jobs using Enqueue(). It distributes the jobs
// among its internal pool until the context passed to Start is cancelled or
// Exit is called. The job channel is not closed on exit, it may be shared.
func NewWorkerManager(bufferSize, numberOfWorkers int, jobChannel chan interface{}) *WorkerManager {
	if numberOfWorkers < 1 {
		numberOfWorkers = 1
	}
	if jobChannel == nil {
		jobChannel = make(chan interface{}, bufferSize)
	}
	return &WorkerManager{
		bufferSize:     bufferSize,
		numberOfWorker: numberOfWorkers,
		jobChannel:     jobChannel,
		waiter:         &sync.WaitGroup{},
		done:           make(chan struct{}),
	}
}

func (w *WorkerManager) GetUnreadCount() int64 {
	if w.jobChannel == nil {
		return 0
	}
	return int64(len(w.jobChannel))
}

func (w *WorkerManager) JobEvents() chan interface{} {
	return w.jobChannel
}

func (w *WorkerManager) SetWorker(worker WorkerHandler) {
	w.do = worker
}

// Enqueue
// publishes a job onto the channel. It blocks while the buffer is full and
// gives up once ctx is done or the pool has exited.
func (w *WorkerManager) Enqueue(ctx context.Context, val interface{}) error {
	select {
	case <-w.done:
		return ErrPoolClosed
	default:
	}
	select {
	case w.jobChannel <- val:
		return nil
	case <-w.done:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start
// starts off the workers as many as defined by w.numberOfWorker and blocks
// until ctx is cancelled or Exit is called. Jobs already picked up run to
// completion before Start returns.
func (w *WorkerManager) Start(ctx context.Context) error {
	if w.do == nil {
		return errors.New("worker handler is not set")
	}
	w.waiter.Add(w.numberOfWorker)
	for i := 0; i < w.numberOfWorker; i++ {
		go func(index int) {
			defer w.waiter.Done()
			for {
				select {
				case job := <-w.jobChannel:
					w.run(index, job)
				case <-ctx.Done():
					return
				case <-w.done:
					return
				}
			}
		}(i)
	}
	w.waiter.Wait()

	return errors.New("workers terminated")
}

func (w *WorkerManager) run(index int, job interface{}) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("worker recovered from panic", "worker", index, "panic", r)
		}
	}()
	w.do(index, job)
}

// Exit
// stops all workers after their current job. Safe to call more than once.
func (w *WorkerManager) Exit() {
	w.closeOnce.Do(func() {
		logger.Info("Exit() is called and worker manager is going to be shutdown")
		close(w.done)
	})
}

// Wait blocks until every worker has returned.
func (w *WorkerManager) Wait() {
	w.waiter.Wait()
}
