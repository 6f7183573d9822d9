// Package transport implements the link-local session transport for
// EclipseTV.
//
// The package provides the four primitives the protocol layers above it
// need: advertise/browse discovery with a shared service identifier, an
// invite/accept handshake carrying a short context string, a reliable
// ordered byte-message channel, and a whole-resource transfer primitive
// with progress reporting.
//
// Two concrete implementations ship with the package: an mDNS discoverer
// built on zeroconf, and an encrypted QUIC session where the byte-message
// channel rides a bidirectional control stream and each resource rides its
// own unidirectional stream. Channel encryption comes from QUIC's TLS
// layer; no additional handshake is performed above it.
//
// Example:
//
//	cfg := transport.Config{Name: "Living Room Apple TV", Store: store}
//	ln, port, err := transport.Listen("0.0.0.0:0", cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Printf("listening on %d", port)
//	sess, err := ln.Accept(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	sess.SendMessage([]byte(transport.ControlImageReceived))
package transport
