package events

import "github.com/asaskevich/EventBus"

// GlobalBus is the shared event bus for the entire application
var GlobalBus EventBus.Bus

func init() {
	GlobalBus = EventBus.New()
}

// Event types for application-wide coordination
const (
	// Remote filesystem events. Handlers receive (port string, path string).
	EventRemoteMutated = "remote:mutated"

	// Tree cache events. Handlers receive (root string).
	EventTreeInvalidated = "tree:invalidated"

	// Batch events. Handlers receive (verb string, succeeded int, failed int).
	EventTransferCompleted = "transfer:completed"

	// Interactive session events. Handlers receive (port string).
	EventSessionSuspended = "session:suspended"
	EventSessionResumed   = "session:resumed"

	// Watcher events
	EventWatcherStarted = "watcher:started"
	EventWatcherStopped = "watcher:stopped"
)

// Publish sends an event on a bus, falling back to GlobalBus when bus is nil.
func Publish(bus EventBus.Bus, topic string, args ...interface{}) {
	if bus == nil {
		bus = GlobalBus
	}
	bus.Publish(topic, args...)
}
