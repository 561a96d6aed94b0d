// Package protocol defines the wire messages and framing for the tunnl
// control channel. Every RPC is carried on its own multiplexed stream:
// the client opens the stream with a CallHeader, the server answers with
// a CallStatus, and method-specific frames follow.
package protocol

const (
	// ConnectPath is the WebSocket upgrade endpoint for control channels.
	ConnectPath = "/_tunnel"

	// MetadataAuthorization is the metadata key carrying a session id.
	// Required on every tunnel.* method.
	MetadataAuthorization = "authorization"

	// MethodLogin exchanges a token for a session.
	MethodLogin = "user.Login"

	// MethodListen allocates an entrypoint and streams connection
	// notifications back to the client.
	MethodListen = "tunnel.Listen"

	// MethodTransfer multiplexes connection bytes in both directions.
	MethodTransfer = "tunnel.Transfer"
)

// Notification actions sent on a Listen stream.
const (
	ActionReady  = "ready"  // first frame; message is the entrypoint key
	ActionComing = "coming" // message is the conn_id of a new connection
)

// Protocol selects the kind of public entrypoint.
type Protocol int32

const (
	ProtocolHTTP Protocol = 0
	ProtocolTCP  Protocol = 1
	// ProtocolUDP is reserved in the wire schema and intentionally
	// unhandled by the server.
	ProtocolUDP Protocol = 2
)

// Valid reports whether p names an entrypoint kind the server handles.
func (p Protocol) Valid() bool {
	return p == ProtocolHTTP || p == ProtocolTCP
}

// TransferStatus drives the per-connection forwarding state machine.
type TransferStatus int32

const (
	TransferReady   TransferStatus = 0
	TransferWorking TransferStatus = 1
	TransferDone    TransferStatus = 2
)

// CallHeader is the first frame a client sends on every RPC stream.
type CallHeader struct {
	Method   string            `json:"method"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// CallStatus is the first frame the server sends back. A non-zero code
// terminates the call; CodeOK means method frames follow.
type CallStatus struct {
	Code    Code   `json:"code"`
	Message string `json:"message,omitempty"`
}

// Err converts the status to an error, nil when the call succeeded.
func (s CallStatus) Err() error {
	if s.Code == CodeOK {
		return nil
	}
	return &Error{Code: s.Code, Message: s.Message}
}

// LoginBody is the request of user.Login.
type LoginBody struct {
	Token string `json:"token"`
}

// LoginReply is the response of user.Login.
type LoginReply struct {
	SessionID string `json:"session_id"`
	Username  string `json:"username"`
}

// ListenParam is the request of tunnel.Listen. Subdomain is only
// meaningful for HTTP; empty means the server picks one.
type ListenParam struct {
	Protocol  Protocol `json:"protocol"`
	Subdomain string   `json:"subdomain,omitempty"`
}

// ListenNotification is streamed server->client on a Listen stream.
// The ready notification always precedes any coming notification.
type ListenNotification struct {
	Action  string `json:"action"`
	Message string `json:"message"`
}

// TransferBody is streamed client->server on a Transfer stream.
type TransferBody struct {
	ConnID   string         `json:"conn_id"`
	Status   TransferStatus `json:"status"`
	RespData []byte         `json:"resp_data,omitempty"`
}

// TransferReply is streamed server->client on a Transfer stream. An
// empty ReqData marks the end of the request byte sequence for ConnID.
type TransferReply struct {
	ConnID  string `json:"conn_id"`
	ReqData []byte `json:"req_data,omitempty"`
}
