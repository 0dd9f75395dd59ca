package commands

// Queue is a bounded FIFO of commands. Pushing never blocks.
type Queue struct {
	ch chan Command
}

// NewQueue creates a queue holding at most size commands.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 64
	}
	return &Queue{ch: make(chan Command, size)}
}

// Push enqueues c or returns ErrQueueFull.
func (q *Queue) Push(c Command) error {
	select {
	case q.ch <- c:
		return nil
	default:
		return ErrQueueFull
	}
}

// C is drained by the orchestrator's command loop.
func (q *Queue) C() <-chan Command {
	return q.ch
}

// Len is the number of waiting commands.
func (q *Queue) Len() int {
	return len(q.ch)
}
