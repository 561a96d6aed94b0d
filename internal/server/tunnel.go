package server

import (
	"context"
	"encoding/json"

	"github.com/tunnl-io/tunnl/internal/metrics"
	"github.com/tunnl-io/tunnl/pkg/protocol"
)

// handleListen implements tunnel.Listen: allocate an entrypoint, bind it
// on the matching public listener, and stream ready/coming notifications
// until the client goes away.
func (s *Server) handleListen(ctx context.Context, codec *protocol.Codec) error {
	var lp protocol.ListenParam
	if err := codec.Read(&lp); err != nil {
		return err
	}
	if !lp.Protocol.Valid() {
		return s.writeStatus(codec, protocol.Errorf(protocol.CodeInvalidArgument, "unsupported protocol %d", lp.Protocol))
	}

	entrypoint, err := s.alloc.Allocate(lp)
	if err != nil {
		return s.writeStatus(codec, err)
	}
	s.logger.Info("entrypoint registered", "entrypoint", entrypoint)

	label := "http"
	ingress := s.httpProxy.Ingress()
	if lp.Protocol == protocol.ProtocolTCP {
		label = "tcp"
		ingress = s.tcpProxy.Ingress()
	}
	metrics.ActiveTunnels.WithLabelValues(label).Inc()

	events := make(chan *Conn, eventBuf)
	defer func() {
		// Unbind the listener, release the key, and close connections
		// still waiting in the event queue.
		select {
		case ingress <- payload{op: payloadUnregister, entrypoint: entrypoint}:
		case <-s.ctx.Done():
		}
		s.alloc.Release(entrypoint)
		metrics.ActiveTunnels.WithLabelValues(label).Dec()
		for {
			select {
			case conn := <-events:
				conn.Close()
			default:
				s.logger.Info("entrypoint unregistered", "entrypoint", entrypoint)
				return
			}
		}
	}()

	select {
	case ingress <- payload{op: payloadRegister, entrypoint: entrypoint, events: events}:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := s.writeStatus(codec, nil); err != nil {
		return err
	}
	if err := codec.Write(protocol.ListenNotification{Action: protocol.ActionReady, Message: entrypoint}); err != nil {
		return err
	}

	// The client sends nothing more on a Listen stream, so a read only
	// returns once the stream is torn down. That is the disconnect
	// signal: no polling, cleanup runs as soon as the read fails.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		var discard json.RawMessage
		for codec.Read(&discard) == nil {
		}
	}()

	for {
		select {
		case conn := <-events:
			s.conns.Insert(conn)
			s.logger.Info("coming new connection", "conn", conn.ID, "entrypoint", entrypoint)
			if err := codec.Write(protocol.ListenNotification{Action: protocol.ActionComing, Message: conn.ID}); err != nil {
				s.conns.Remove(conn.ID)
				conn.Close()
				return err
			}
		case <-closed:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// seqState tracks one conn_id's progress on a Transfer stream.
type seqState int

const (
	seqWorking seqState = iota
	seqTerminal
)

// handleTransfer implements tunnel.Transfer: it consumes TransferBody
// frames, drives each connection's forwarding state machine, and fans
// request bytes back out as TransferReply frames via per-connection
// drain tasks. Many conn_ids interleave on one stream; each is
// independent.
func (s *Server) handleTransfer(ctx context.Context, codec *protocol.Codec) error {
	if err := s.writeStatus(codec, nil); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	states := make(map[string]seqState)
	defer func() {
		// Stream gone: close out every sequence that never reached DONE.
		for id, st := range states {
			if st == seqTerminal {
				continue
			}
			if conn, ok := s.conns.Get(id); ok {
				_ = conn.WriteEOF()
				s.conns.Remove(id)
			}
		}
	}()

	for {
		var body protocol.TransferBody
		if err := codec.Read(&body); err != nil {
			return nil // stream closed by client or transport
		}

		switch body.Status {
		case protocol.TransferReady:
			if st, seen := states[body.ConnID]; seen {
				if st == seqWorking {
					s.logger.Debug("duplicate ready ignored", "conn", body.ConnID)
				}
				continue
			}
			conn, ok := s.conns.Get(body.ConnID)
			if !ok {
				// The external peer can be gone before the client's
				// READY arrives. Finish the sequence instead of failing
				// the whole stream.
				states[body.ConnID] = seqTerminal
				if err := codec.Write(protocol.TransferReply{ConnID: body.ConnID}); err != nil {
					return err
				}
				continue
			}
			s.logger.Debug("connection ready to transfer", "conn", body.ConnID)
			rx := make(chan []byte, eventBuf)
			if err := conn.InstallSink(rx); err != nil {
				s.conns.Remove(body.ConnID)
				states[body.ConnID] = seqTerminal
				if err := codec.Write(protocol.TransferReply{ConnID: body.ConnID}); err != nil {
					return err
				}
				continue
			}
			states[body.ConnID] = seqWorking
			go drain(ctx, codec, body.ConnID, rx, conn)

		case protocol.TransferWorking:
			st, seen := states[body.ConnID]
			if !seen {
				return protocol.Errorf(protocol.CodeInvalidArgument, "working before ready for conn %s", body.ConnID)
			}
			if st == seqTerminal {
				continue
			}
			conn, ok := s.conns.Get(body.ConnID)
			if !ok {
				states[body.ConnID] = seqTerminal
				continue
			}
			if err := conn.WriteData(body.RespData); err != nil {
				s.conns.Remove(body.ConnID)
				states[body.ConnID] = seqTerminal
			}

		case protocol.TransferDone:
			st, seen := states[body.ConnID]
			if !seen {
				return protocol.Errorf(protocol.CodeInvalidArgument, "done before ready for conn %s", body.ConnID)
			}
			if st == seqTerminal {
				continue
			}
			if conn, ok := s.conns.Get(body.ConnID); ok {
				_ = conn.WriteEOF()
				s.conns.Remove(body.ConnID)
			}
			states[body.ConnID] = seqTerminal
			s.logger.Debug("transfer done", "conn", body.ConnID)

		default:
			return protocol.Errorf(protocol.CodeInvalidArgument, "unknown transfer status %d", body.Status)
		}
	}
}

// drain forwards one connection's request bytes onto the Transfer
// stream. It always emits a final empty TransferReply so the client can
// finish the sequence, then exits.
func drain(ctx context.Context, codec *protocol.Codec, id string, rx chan []byte, conn *Conn) {
	defer func() {
		_ = codec.Write(protocol.TransferReply{ConnID: id})
	}()

	for {
		select {
		case b := <-rx:
			if len(b) == 0 {
				return
			}
			if err := codec.Write(protocol.TransferReply{ConnID: id, ReqData: b}); err != nil {
				return
			}
		case <-conn.Done():
			// Flush whatever the pump already queued, then finish.
			for {
				select {
				case b := <-rx:
					if len(b) == 0 {
						return
					}
					if err := codec.Write(protocol.TransferReply{ConnID: id, ReqData: b}); err != nil {
						return
					}
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}
