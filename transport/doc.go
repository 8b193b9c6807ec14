// Package transport moves gateway envelopes over a connection.
//
// A Transport decodes inbound frames into protocol requests and encodes
// outbound responses. Implementations:
//
//   - WebSocketTransport: one gorilla/websocket connection
//   - PipeTransport: in-process, for tests and embedding
//
// Usage:
//
//	t := transport.NewWebSocketTransport(conn, transport.DefaultWebSocketConfig())
//	go t.Run(ctx)
//
//	for msg := range t.Recv() {
//	    if msg.Err != nil {
//	        // msg.Request holds whatever identifiers could be decoded
//	        continue
//	    }
//	    t.Send(&transport.OutboundMessage{Response: handle(msg.Request)})
//	}
//
// Recv is closed when the peer goes away or the transport is closed; Run
// returns at the same moment. Sends are queued and written by a single
// writer goroutine, so Send is safe from any goroutine.
package transport
