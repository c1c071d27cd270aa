package http3

// EventKind identifies what kind of Event Connection.Poll surfaced.
type EventKind int

const (
	EventHeaders EventKind = iota
	EventData
	EventFinished
	EventReset
	EventPriorityUpdate
	EventGoAway
)

func (k EventKind) String() string {
	switch k {
	case EventHeaders:
		return "Headers"
	case EventData:
		return "Data"
	case EventFinished:
		return "Finished"
	case EventReset:
		return "Reset"
	case EventPriorityUpdate:
		return "PriorityUpdate"
	case EventGoAway:
		return "GoAway"
	default:
		return "Unknown"
	}
}

// Event is what Connection.Poll returns for one stream.
type Event struct {
	Kind     EventKind
	StreamID uint64

	// EventHeaders
	Headers    []HeaderField
	MoreFrames bool // !stream_finished at the time the HEADERS was parsed

	// EventReset
	ErrorCode ErrorCode

	// EventPriorityUpdate
	PrioritizedElementID uint64

	// EventGoAway
	GoAwayID uint64
}
