package model

type (
	// DeviceID names one installation of one account. Every device owns its
	// own key set and its own sessions.
	DeviceID struct {
		User   string `json:"user"`
		Device string `json:"device"`
	}

	// SessionID identifies one pairwise ratchet session. Self-to-self device
	// pairs are regular sessions, so Local and Remote may share a user.
	SessionID struct {
		Conversation string   `json:"conversation"`
		Local        DeviceID `json:"local"`
		Remote       DeviceID `json:"remote"`
	}
)

func (d DeviceID) String() string {
	return d.User + "/" + d.Device
}

func (s SessionID) String() string {
	return s.Conversation + ":" + s.Local.String() + ">" + s.Remote.String()
}
