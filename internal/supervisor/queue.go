package supervisor

import (
	"context"
	"sync"
)

const queueSize = 32

// cameraQueues roda o trabalho de cada câmera numa goroutine própria, em
// ordem de chegada. Os handlers do MQTT só enfileiram e voltam.
type cameraQueues struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	queues map[string]chan func(context.Context)
	closed bool
	wg     sync.WaitGroup
}

func newCameraQueues() *cameraQueues {
	ctx, cancel := context.WithCancel(context.Background())
	return &cameraQueues{
		ctx:    ctx,
		cancel: cancel,
		queues: make(map[string]chan func(context.Context)),
	}
}

// submit enfileira fn para a câmera. Devolve false se a fila está cheia ou
// fechada.
func (q *cameraQueues) submit(camera string, fn func(context.Context)) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	ch, ok := q.queues[camera]
	if !ok {
		ch = make(chan func(context.Context), queueSize)
		q.queues[camera] = ch
		q.wg.Add(1)
		go q.worker(ch)
	}
	select {
	case ch <- fn:
		return true
	default:
		return false
	}
}

func (q *cameraQueues) worker(ch <-chan func(context.Context)) {
	defer q.wg.Done()
	for fn := range ch {
		fn(q.ctx)
	}
}

// close cancela o trabalho em andamento e espera os workers saírem.
func (q *cameraQueues) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for _, ch := range q.queues {
		close(ch)
	}
	q.mu.Unlock()
	q.cancel()
	q.wg.Wait()
}
