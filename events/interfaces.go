package events

//go:generate mockgen -typed -package=events -destination=./mocks.go -source=./interfaces.go

// Notifier is the one-way sink for user facing events. Implementations must
// not block.
type Notifier interface {
	Notify(Event)
}
