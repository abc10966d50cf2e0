package eventbus

import "time"

// Topic identifies a logical channel on the bus.
type Topic string

// Scan topics emitted by the device backends.
const (
	TopicScanPage      Topic = "scan.page"
	TopicScanCompleted Topic = "scan.completed"
	TopicScanError     Topic = "scan.error"
	TopicUIWake        Topic = "ui.wake"
)

// Source describes which component produced an event.
type Source string

const (
	SourceBackendTwain Source = "backend_twain"
	SourceBackendWIA   Source = "backend_wia"
	SourceBackendESCL  Source = "backend_escl"
	SourceRouter       Source = "scanner_router"
	SourceGateway      Source = "gateway"
	SourceUnknown      Source = "unknown"
)

// Envelope wraps every message published on the bus.
type Envelope struct {
	Topic     Topic
	Timestamp time.Time
	Source    Source
	Payload   any
}

// PageMeta describes one transferred page.
type PageMeta struct {
	Width  int
	Height int
	Format string
	Size   int
	DPI    int
}

// PageEvent carries one transferred page belonging to a scan job.
type PageEvent struct {
	Backend   string
	RequestID string
	Ordinal   int
	Data      []byte
	Meta      PageMeta
}

// CompletedEvent is the normal terminal event of a scan job.
type CompletedEvent struct {
	Backend    string
	RequestID  string
	TotalPages int
}

// ErrorEvent is the failure terminal event of a scan job.
type ErrorEvent struct {
	Backend   string
	RequestID string
	Message   string
}

// UIWakeEvent is emitted when a legacy tray client sends the wake frame.
type UIWakeEvent struct {
	RemoteAddr string
}

// TopicDef binds a Topic constant to its payload type, enabling
// compile-time enforcement via Publish[T].
type TopicDef[T any] struct {
	topic Topic
}

// NewTopicDef constructs a typed topic descriptor.
func NewTopicDef[T any](topic Topic) TopicDef[T] {
	return TopicDef[T]{topic: topic}
}

// Topic returns the underlying topic constant.
func (d TopicDef[T]) Topic() Topic { return d.topic }

// Scan groups the scan topic descriptors.
var Scan = struct {
	Page      TopicDef[PageEvent]
	Completed TopicDef[CompletedEvent]
	Error     TopicDef[ErrorEvent]
}{
	Page:      NewTopicDef[PageEvent](TopicScanPage),
	Completed: NewTopicDef[CompletedEvent](TopicScanCompleted),
	Error:     NewTopicDef[ErrorEvent](TopicScanError),
}

// UI groups the desktop-surface topic descriptors.
var UI = struct {
	Wake TopicDef[UIWakeEvent]
}{
	Wake: NewTopicDef[UIWakeEvent](TopicUIWake),
}
