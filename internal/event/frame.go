package event

const (
	FrameJoin  = "join"
	FrameLeave = "leave"
	FramePing  = "ping"
	FramePong  = "pong"
	FrameAck   = "ack"
	FrameEvent = "event"
)

// ClientFrame is sent by a sync client over the websocket.
type ClientFrame struct {
	Type      string `json:"type"`
	Group     string `json:"group,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// ServerFrame is sent by the hub. OK is only set on acks.
type ServerFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	OK        *bool  `json:"ok,omitempty"`
	Error     string `json:"error,omitempty"`
	Event     *Event `json:"event,omitempty"`
}

func AckFrame(requestID string, err error) ServerFrame {
	ok := err == nil
	frame := ServerFrame{Type: FrameAck, RequestID: requestID, OK: &ok}
	if err != nil {
		frame.Error = err.Error()
	}
	return frame
}

func EventFrame(ev Event) ServerFrame {
	return ServerFrame{Type: FrameEvent, Event: &ev}
}
