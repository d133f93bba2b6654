package notify

import "log"

// Notifier consumes each captured change event. The listener dispatches every
// normalized event to a fixed set of sinks; implementations must not block.
type Notifier interface {
	Notify(event ChangeEvent)
}

// LogSink writes one line per captured event. Useful as a second sink next to
// the broadcaster when tracing the pipeline.
type LogSink struct{}

func (LogSink) Notify(event ChangeEvent) {
	log.Printf("notify: %s %s id=%s", event.Action, event.Table, string(event.ID))
}
