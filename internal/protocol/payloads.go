package protocol

// ConnectRequest is carried by the transport handshake when a channel opens.
type ConnectRequest struct {
	Transport  string `json:"transport"`
	ClientName string `json:"clientName,omitempty"`
}

type HeartbeatRequest struct {
	ClientTimestampMs int64 `json:"clientTimestampMs"`
}

type PingRequest struct {
	SentAtMs int64 `json:"sentAtMs"`
}

type RegisterRequest struct {
	ClientName string `json:"clientName"`
}

type SendMessageRequest struct {
	Text string `json:"text"`
}

type ConnectedPayload struct {
	ConnectionID        string `json:"connectionId"`
	ServerTime          int64  `json:"serverTime"`
	HeartbeatIntervalMs int64  `json:"heartbeatIntervalMs"`
	Message             string `json:"message"`
}

type ReconnectedPayload struct {
	ConnectionID string `json:"connectionId"`
	ServerTime   int64  `json:"serverTime"`
	Message      string `json:"message"`
}

type ClientJoinedPayload struct {
	ClientName   string `json:"clientName"`
	Transport    string `json:"transport"`
	TotalClients int    `json:"totalClients"`
}

type ClientLeftPayload struct {
	ClientName   string `json:"clientName"`
	TotalClients int    `json:"totalClients"`
}

type HeartbeatResponsePayload struct {
	ServerTimestampMs int64 `json:"serverTimestampMs"`
	ClientTimestampMs int64 `json:"clientTimestampMs"`
}

type PongPayload struct {
	SentAtMs          int64 `json:"sentAtMs"`
	ServerTimestampMs int64 `json:"serverTimestampMs"`
}

type RegisteredPayload struct {
	ClientName string `json:"clientName"`
}

type MessagePayload struct {
	From         string `json:"from"`
	ConnectionID string `json:"connectionId"`
	Text         string `json:"text"`
	Timestamp    int64  `json:"timestamp"`
}

type ClientInfo struct {
	ConnectionID  string `json:"connectionId"`
	ClientName    string `json:"clientName"`
	Transport     string `json:"transport"`
	ConnectedAt   int64  `json:"connectedAt"`
	LastHeartbeat int64  `json:"lastHeartbeat"`
}

type ServerStatusPayload struct {
	ServerTime          int64   `json:"serverTime"`
	UptimeSeconds       int64   `json:"uptime"`
	TotalClients        int     `json:"totalClients"`
	HeartbeatIntervalMs int64   `json:"heartbeatIntervalMs"`
	CPUPercent          float64 `json:"cpuPercent,omitempty"`
	MemoryRSSBytes      uint64  `json:"memoryRssBytes,omitempty"`
}

type ServerHeartbeatPayload struct {
	ServerTimestampMs int64 `json:"serverTimestampMs"`
	ConnectedClients  int   `json:"connectedClients"`
}
