package events

import (
	"sync"

	"github.com/kelindar/event"
)

// SubscribeToChannel forwards events of type T into ch for select-based
// consumers such as SSE handlers. Events are dropped while ch is full so a
// slow client never stalls the publisher.
func SubscribeToChannel[T Event](bus *Bus, ch chan<- any) func() {
	unsub := event.Subscribe(bus.dispatcher, func(e T) {
		select {
		case ch <- e:
		default:
		}
	})

	var once sync.Once
	return func() { once.Do(unsub) }
}
