// Package framestream receives a live length-prefixed H.264 elementary
// stream over TCP and hands complete encoded access units to a consumer.
//
// Wire protocol: each frame is a 4-byte big-endian unsigned length
// followed by exactly that many payload bytes (one Annex-B access unit).
// There is no framing beyond the length prefix, so a corrupt length
// desynchronizes the stream permanently; the receiver drops the
// connection instead of guessing.
//
// # Design Principles
//
//   - One producer at a time. The accept loop services a single
//     connection; further producers wait in the TCP backlog until the
//     active one ends, then the loop accepts again. Stop is the only
//     terminator.
//   - Deliver synchronously, never queue. Payloads go to the sink on the
//     reception goroutine; a slow sink applies backpressure to the
//     socket, a failing sink costs one frame, never the connection.
//   - Payload buffers are pooled. Sink implementations must copy or fully
//     consume the payload before returning.
//
// # Basic Usage
//
//	recv, err := framestream.NewReceiver(framestream.Config{Port: 12345}, sink)
//	if err != nil { ... }
//	if err := recv.Start(ctx); err != nil { ... }
//	defer recv.Stop()
//	for ev := range recv.Events() {
//		switch ev := ev.(type) {
//		case framestream.ClientConnected:
//			log.Printf("producer at %s", ev.Addr)
//		}
//	}
package framestream
