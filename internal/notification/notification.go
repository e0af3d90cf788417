package notification

import (
	"sync"

	"e2e_engine/internal/metrics"
	"e2e_engine/internal/model"
)

type (
	Kind int

	Notification struct {
		Kind            Kind
		OwnedIdentity   model.CryptoIdentity
		RemoteIdentity  model.CryptoIdentity
		RemoteDeviceUID model.UID
		ProtocolID      int
		InstanceUID     model.UID
		MessageID       model.UID
		DialogUUID      model.UID
		Payload         []byte
	}

	// Sink never blocks the caller.
	Sink interface {
		Post(n Notification)
	}

	Bus struct {
		mu   sync.RWMutex
		subs map[int]chan Notification
		next int
	}

	Discard struct{}
)

const (
	ObliviousChannelConfirmed Kind = iota
	ObliviousChannelDeleted
	ProtocolMessageProcessed
	ProtocolInstanceFinished
	DialogPosted
	DialogDeleted
	ApplicationMessageReceived
)

func (k Kind) String() string {
	switch k {
	case ObliviousChannelConfirmed:
		return "oblivious_channel_confirmed"
	case ObliviousChannelDeleted:
		return "oblivious_channel_deleted"
	case ProtocolMessageProcessed:
		return "protocol_message_processed"
	case ProtocolInstanceFinished:
		return "protocol_instance_finished"
	case DialogPosted:
		return "dialog_posted"
	case DialogDeleted:
		return "dialog_deleted"
	case ApplicationMessageReceived:
		return "application_message_received"
	}
	return "unknown"
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Notification)}
}

// Subscribe returns a buffered channel and a cancel func. A subscriber that
// falls behind loses notifications instead of stalling the engine.
func (b *Bus) Subscribe(buffer int) (<-chan Notification, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Notification, buffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}

func (b *Bus) Post(n Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- n:
		default:
			metrics.DroppedNotifications.Inc()
		}
	}
}

func (Discard) Post(Notification) {}
