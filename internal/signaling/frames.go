package signaling

import "encoding/json"

const (
	typeJoinRoom     = "join-room"
	typeLeaveRoom    = "leave-room"
	typeOffer        = "offer"
	typeAnswer       = "answer"
	typeICECandidate = "ice-candidate"

	typeRoomJoined = "room-joined"
	typeUserJoined = "user-joined"
	typeUserLeft   = "user-left"
	typeError      = "error"
)

type inboundKind int

const (
	kindUnknown inboundKind = iota
	kindJoinRoom
	kindLeaveRoom
	kindRelay
)

func parseKind(t string) inboundKind {
	switch t {
	case typeJoinRoom:
		return kindJoinRoom
	case typeLeaveRoom:
		return kindLeaveRoom
	case typeOffer, typeAnswer, typeICECandidate:
		return kindRelay
	default:
		return kindUnknown
	}
}

type inboundFrame struct {
	Type   string          `json:"type"`
	RoomID string          `json:"roomId"`
	UserID string          `json:"userId"`
	To     string          `json:"to"`
	Data   json.RawMessage `json:"data"`
}

// joinData is the optional nested form of join-room used by some clients.
type joinData struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

type roomJoinedFrame struct {
	Type         string   `json:"type"`
	RoomID       string   `json:"roomId"`
	UserID       string   `json:"userId"`
	Participants []string `json:"participants"`
}

type peerData struct {
	UserID string `json:"userId"`
}

type presenceFrame struct {
	Type   string   `json:"type"`
	UserID string   `json:"userId"`
	Data   peerData `json:"data"`
}

type relayFrame struct {
	Type string          `json:"type"`
	From string          `json:"from"`
	To   string          `json:"to"`
	Data json.RawMessage `json:"data,omitempty"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
