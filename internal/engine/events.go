package engine

import "crawlcore/pkg/types"

// Drop reasons carried by RequestDropped events.
const (
	DropDuplicate = "duplicate"
	DropRobots    = "robots"
	DropQueueFull = "queue_full"
	DropPageLimit = "page_limit"
	DropStopped   = "stopped"
)

// Event is a crawl lifecycle notification. The engine owns the event stream
// and delivers events to registered consumers in order; there is no global
// dispatcher.
type Event interface {
	isEvent()
}

// RequestScheduled fires when a request is accepted into the frontier.
type RequestScheduled struct {
	Request *types.Request
}

// RequestDropped fires when a request is rejected before dispatch.
type RequestDropped struct {
	Request *types.Request
	Reason  string
}

// ResponseReceived fires for every response that reaches the spider.
type ResponseReceived struct {
	Response *types.Response
}

// ItemScraped fires for each item a spider yields.
type ItemScraped struct {
	Item *types.Item
}

// RequestFailed fires when a request terminally fails: retries exhausted,
// non-retryable outcome, redirect loop, or a spider processing error.
type RequestFailed struct {
	Request  *types.Request
	Attempts int
	Err      error
}

func (RequestScheduled) isEvent() {}
func (RequestDropped) isEvent()   {}
func (ResponseReceived) isEvent() {}
func (ItemScraped) isEvent()      {}
func (RequestFailed) isEvent()    {}

// Consumer receives events from the engine's stream. Consume is called from a
// single goroutine, in emission order; implementations must not block for long.
type Consumer interface {
	Consume(Event)
}

// ConsumerFunc adapts a function to the Consumer interface.
type ConsumerFunc func(Event)

func (f ConsumerFunc) Consume(ev Event) { f(ev) }
