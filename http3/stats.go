package http3

// Stats are counters derived from per-stream activity, broken down by
// kind and direction the way quiche's Http3Stats does, rather than one
// aggregate counter.
type Stats struct {
	HeadersSent     uint64
	HeadersReceived uint64
	DataFramesSent  uint64
	DataBytesSent   uint64
	DataFramesRecv  uint64
	DataBytesRecv   uint64

	QpackEncoderBytesSent uint64
	QpackEncoderBytesRecv uint64
	QpackDecoderBytesSent uint64
	QpackDecoderBytesRecv uint64

	RequestsSent     uint64
	RequestsFinished uint64
	StreamsReset     uint64

	GreaseFramesSent  uint64
	GreaseStreamsSent uint64

	PriorityUpdatesSent uint64
	PriorityUpdatesRecv uint64
}
