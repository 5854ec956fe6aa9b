package proto

// Message types carried in the envelope "type" field.
const (
	TypeWelcome   = "WELCOME"
	TypeConnect   = "CONNECT"
	TypeConnected = "CONNECTED"
	TypeRequest   = "REQUEST"
	TypeResponse  = "RESPONSE"
	TypeData      = "DATA"
	TypeClose     = "CLOSE"
	TypeOffboard  = "OFFBOARD"
)

// Welcome is sent by the relay after a successful handshake and carries the device credentials.
type Welcome struct {
	DeviceID   int    `json:"device_id"`
	DeviceName string `json:"device_name"`
	Username   string `json:"username"`
}

// HTTPRequest relay -> agent: one outbound HTTP call to perform.
type HTTPRequest struct {
	Method  string              `json:"method"`
	URL     string              `json:"url"`
	Headers map[string][]string `json:"headers"`
	Body    string              `json:"body"`
}

// HTTPResponse agent -> relay, correlated by the REQUEST id.
type HTTPResponse struct {
	Status  int                 `json:"status"`
	Headers map[string][]string `json:"headers"`
	Body    string              `json:"body"`
}

// Data is the legacy JSON form of a data chunk; Data holds base64 text.
type Data struct {
	Data string `json:"data"`
}

// Offboard tells the agent to shut down and forget its identity.
type Offboard struct {
	Reason string `json:"reason,omitempty"`
}
