package server

// payloadOp tags a listener registration message.
type payloadOp int

const (
	payloadRegister payloadOp = iota
	payloadUnregister
)

// payload is the registration message from the control plane to a public
// listener: register binds an entrypoint to the channel that should
// receive its new connections, unregister unbinds it.
type payload struct {
	op         payloadOp
	entrypoint string
	events     chan *Conn // register only
}
