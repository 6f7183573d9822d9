package transport

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"

	"github.com/jonmobley/EclipseTV/storage"
)

const (
	// alpnProtocol is the ALPN identifier for the EclipseTV session protocol.
	alpnProtocol = "eclipsetv/1"

	// resourceChunkSize is the copy granularity for resource streams; each
	// copied chunk produces one progress tick.
	resourceChunkSize = 64 * 1024
)

// Config carries the local identity a session presents to its peer.
type Config struct {
	// Name is the local device's display name.
	Name string
	// Context is the short identifying string carried by the invite.
	Context string
	// Store persists completed inbound resources. Names that collide with
	// existing media are uniquified rather than overwritten.
	Store *storage.MediaStore
}

// Listener accepts inbound QUIC sessions. The advertiser role listens;
// the browser role dials.
type Listener struct {
	ln  *quic.Listener
	cfg Config
}

// Listen opens a QUIC listener with a fresh self-signed TLS identity.
// Returns the listener and the bound UDP port for advertising.
func Listen(addr string, cfg Config) (*Listener, int, error) {
	tlsConf, err := generateTLSConfig()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build TLS config: %w", err)
	}

	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, 0, fmt.Errorf("failed to listen: %w", err)
	}

	boundPort := 0
	if a, ok := ln.Addr().(*net.UDPAddr); ok {
		boundPort = a.Port
	}

	logrus.WithFields(logrus.Fields{
		"function": "Listen",
		"addr":     ln.Addr().String(),
		"name":     cfg.Name,
	}).Info("QUIC listener started")

	return &Listener{ln: ln, cfg: cfg}, boundPort, nil
}

// Accept waits for the next inbound session and completes the invite
// handshake on its control stream.
func (l *Listener) Accept(ctx context.Context) (Session, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("accept connection: %w", err)
	}

	control, err := conn.AcceptStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("accept control stream: %w", err)
	}

	s := newQUICSession(conn, control, l.cfg)

	// The dialer speaks first: its hello carries the invite context.
	var hello helloFrame
	if err := readJSONFrame(s.reader, &hello); err != nil {
		conn.CloseWithError(1, "bad hello")
		return nil, fmt.Errorf("read hello: %w", err)
	}
	s.remote = hello.Name
	s.inviteCtx = hello.Context

	if err := writeJSONFrame(control, helloFrame{Name: l.cfg.Name}); err != nil {
		conn.CloseWithError(1, "bad hello reply")
		return nil, fmt.Errorf("write hello reply: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Accept",
		"remote":   s.remote,
		"context":  s.inviteCtx,
	}).Info("Accepted inbound session")

	s.start()
	return s, nil
}

// Close shuts the listener down.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// Dial connects to an advertised peer and completes the invite handshake,
// carrying cfg.Context as the identifying context string.
func Dial(ctx context.Context, addr string, cfg Config) (Session, error) {
	tlsConf, err := generateTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to build TLS config: %w", err)
	}
	// The peer presents a self-signed certificate; trust on the link-local
	// network is anchored in discovery, the TLS layer supplies encryption.
	tlsConf.InsecureSkipVerify = true

	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	control, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(1, "no control stream")
		return nil, fmt.Errorf("open control stream: %w", err)
	}

	s := newQUICSession(conn, control, cfg)

	if err := writeJSONFrame(control, helloFrame{Name: cfg.Name, Context: cfg.Context}); err != nil {
		conn.CloseWithError(1, "bad hello")
		return nil, fmt.Errorf("write hello: %w", err)
	}

	var reply helloFrame
	if err := readJSONFrame(s.reader, &reply); err != nil {
		conn.CloseWithError(1, "bad hello reply")
		return nil, fmt.Errorf("read hello reply: %w", err)
	}
	s.remote = reply.Name
	s.inviteCtx = cfg.Context

	logrus.WithFields(logrus.Fields{
		"function": "Dial",
		"addr":     addr,
		"remote":   s.remote,
	}).Info("Established outbound session")

	s.start()
	return s, nil
}

// quicSession implements Session over a QUIC connection. Byte messages
// ride the bidirectional control stream as length-prefixed frames;
// resources each ride their own unidirectional stream.
type quicSession struct {
	conn    *quic.Conn
	control *quic.Stream
	reader  *bufio.Reader
	cfg     Config

	remote    string
	inviteCtx string

	writeMu sync.Mutex

	mu           sync.Mutex
	msgHandler   MessageHandler
	resHandler   ResourceHandler
	closeHandler func(error)
	closed       bool
	closeOnce    sync.Once
}

func newQUICSession(conn *quic.Conn, control *quic.Stream, cfg Config) *quicSession {
	return &quicSession{
		conn:    conn,
		control: control,
		reader:  bufio.NewReader(control),
		cfg:     cfg,
	}
}

// start launches the control-stream and resource-stream read loops. It is
// called once the hello handshake has completed so handshake frames never
// reach the message handler.
func (s *quicSession) start() {
	go s.readMessages()
	go s.acceptResources()
}

// Remote returns the peer's advertised identity.
func (s *quicSession) Remote() string { return s.remote }

// Context returns the invite context string.
func (s *quicSession) Context() string { return s.inviteCtx }

// OnMessage registers the handler for inbound byte messages.
func (s *quicSession) OnMessage(handler MessageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgHandler = handler
}

// OnResource registers the handler for completed inbound resources.
func (s *quicSession) OnResource(handler ResourceHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resHandler = handler
}

// OnClose registers the handler invoked once when the session ends.
func (s *quicSession) OnClose(handler func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeHandler = handler
}

// fireClose delivers the close notification exactly once.
func (s *quicSession) fireClose(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		handler := s.closeHandler
		s.mu.Unlock()
		if handler != nil {
			handler(err)
		}
	})
}

// SendMessage sends one byte message over the control stream.
func (s *quicSession) SendMessage(data []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := writeFrame(s.control, data); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// SendResource streams the file at path to the peer on a dedicated
// unidirectional stream, reporting progress per copied chunk.
func (s *quicSession) SendResource(ctx context.Context, name, path string, progress ProgressFunc) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open resource: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat resource: %w", err)
	}
	total := info.Size()

	stream, err := s.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("open resource stream: %w", err)
	}

	if err := writeJSONFrame(stream, resourceHeader{Name: name, Size: total}); err != nil {
		stream.CancelWrite(1)
		return fmt.Errorf("write resource header: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "SendResource",
		"name":     name,
		"size":     total,
		"remote":   s.remote,
	}).Info("Sending resource")

	buf := make([]byte, resourceChunkSize)
	var sent int64
	for {
		if err := ctx.Err(); err != nil {
			stream.CancelWrite(1)
			return err
		}

		n, readErr := f.Read(buf)
		if n > 0 {
			if _, err := stream.Write(buf[:n]); err != nil {
				stream.CancelWrite(1)
				return fmt.Errorf("write resource chunk: %w", err)
			}
			sent += int64(n)
			if progress != nil {
				progress(sent, total)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			stream.CancelWrite(1)
			return fmt.Errorf("read resource: %w", readErr)
		}
	}

	if err := stream.Close(); err != nil {
		return fmt.Errorf("close resource stream: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "SendResource",
		"name":     name,
		"sent":     sent,
	}).Info("Resource sent")

	return nil
}

// readMessages delivers control-stream frames to the message handler
// until the stream breaks.
func (s *quicSession) readMessages() {
	for {
		data, err := readFrame(s.reader)
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				logrus.WithFields(logrus.Fields{
					"function": "readMessages",
					"remote":   s.remote,
					"error":    err.Error(),
				}).Debug("Control stream closed")
				s.fireClose(err)
			}
			return
		}

		s.mu.Lock()
		handler := s.msgHandler
		s.mu.Unlock()

		if handler != nil {
			handler(data)
		}
	}
}

// acceptResources receives inbound resource streams, persists each to the
// resource directory, and reports completions.
func (s *quicSession) acceptResources() {
	for {
		stream, err := s.conn.AcceptUniStream(context.Background())
		if err != nil {
			return
		}
		go s.receiveResource(stream)
	}
}

// receiveResource reads one inbound resource stream and hands its
// payload to the store.
func (s *quicSession) receiveResource(stream *quic.ReceiveStream) {
	reader := bufio.NewReader(stream)

	var header resourceHeader
	if err := readJSONFrame(reader, &header); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "receiveResource",
			"error":    err.Error(),
		}).Error("Failed to read resource header")
		stream.CancelRead(1)
		return
	}

	s.storeResource(filepath.Base(header.Name), reader)
}

// storeResource persists one resource payload through the media store,
// which uniquifies colliding names, and reports the completion.
func (s *quicSession) storeResource(name string, r io.Reader) {
	finalPath, written, err := s.cfg.Store.SaveStream(name, r)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "storeResource",
			"name":     name,
			"error":    err.Error(),
		}).Error("Failed to persist resource")
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "storeResource",
		"name":     name,
		"path":     finalPath,
		"size":     written,
	}).Info("Resource received")

	s.mu.Lock()
	handler := s.resHandler
	s.mu.Unlock()

	if handler != nil {
		handler(name, finalPath)
	}
}

// Close tears the session down. Safe to call more than once.
func (s *quicSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Close",
		"remote":   s.remote,
	}).Info("Closing session")

	err := s.conn.CloseWithError(0, "bye")
	s.fireClose(nil)
	return err
}

// quicConfig returns the QUIC tuning shared by both roles.
func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}
}

// generateTLSConfig builds a fresh self-signed ed25519 identity. The
// certificate only anchors the QUIC encryption layer; peers are
// identified by their advertised instance name, not their certificate.
func generateTLSConfig() (*tls.Config, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "eclipsetv"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * 365 * time.Hour),
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, pub, priv)
	if err != nil {
		return nil, err
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpnProtocol},
	}, nil
}
