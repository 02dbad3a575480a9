package tracing

// Span names.
const (
	SpanUpgrade   = "gateway.upgrade"
	SpanRoute     = "gateway.route"
	SpanBroadcast = "gateway.broadcast"
	SpanSendTo    = "gateway.send_to"
)

// Span attribute keys.
const (
	AttrConnID     = "conn.id"
	AttrRemoteAddr = "conn.remote_addr"
	AttrSubject    = "conn.subject"
	AttrTarget     = "route.target"
	AttrDirected   = "route.directed"
	AttrDelivered  = "route.delivered"
	AttrPayloadLen = "route.payload_bytes"
)
