package transport

import "sync"

// mailbox is an unbounded FIFO with a single consumer.
type mailbox struct {
	mu     sync.Mutex
	queue  []Message
	err    error
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (m *mailbox) push(msg Message) {
	m.mu.Lock()
	if m.err != nil {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, msg)
	m.mu.Unlock()
	m.signal()
}

// fail makes pending and future pops return err once the queue drains.
func (m *mailbox) fail(err error) {
	m.mu.Lock()
	if m.err == nil {
		m.err = err
	}
	m.mu.Unlock()
	m.signal()
}

func (m *mailbox) pop() (Message, error) {
	for {
		m.mu.Lock()
		if len(m.queue) > 0 {
			msg := m.queue[0]
			m.queue[0] = Message{}
			m.queue = m.queue[1:]
			m.mu.Unlock()
			return msg, nil
		}
		err := m.err
		m.mu.Unlock()
		if err != nil {
			return Message{}, err
		}
		<-m.notify
	}
}

func (m *mailbox) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}
