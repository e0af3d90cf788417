package model

type (
	FrameType string

	// Frame is one JSON message on the relay websocket.
	Frame struct {
		Type         FrameType                 `json:"type"`
		Challenge    []byte                    `json:"challenge,omitempty"`
		Identity     *CryptoIdentity           `json:"identity,omitempty"`
		DeviceUID    *UID                      `json:"device_uid,omitempty"`
		Response     []byte                    `json:"response,omitempty"`
		Message      *EncryptedNetworkMessage  `json:"message,omitempty"`
		Delivery     *ReceivedEncryptedMessage `json:"delivery,omitempty"`
		MessageID    *UID                      `json:"message_id,omitempty"`
		Destinations []Destination             `json:"destinations,omitempty"`
		Error        string                    `json:"error,omitempty"`
	}

	// DeviceList is the body of the relay's device lookup.
	DeviceList struct {
		Identity   CryptoIdentity `json:"identity"`
		DeviceUIDs []UID          `json:"device_uids"`
	}
)

const (
	ChallengeFrame FrameType = "challenge"
	AuthFrame      FrameType = "auth"
	ReadyFrame     FrameType = "ready"
	MessageFrame   FrameType = "message"
	AckFrame       FrameType = "ack"
	DeliveryFrame  FrameType = "delivery"
	ErrorFrame     FrameType = "error"
)
