package jobs

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/xpkg-net/registry/pkg/config"
)

// Session is a worker's authorized attachment to the coordinator. Until
// Connect returns, the worker must not make externally visible commits.
type Session struct {
	conn *websocket.Conn
	log  *logrus.Logger

	writeMu sync.Mutex

	abortOnce sync.Once
	abortCh   chan struct{}

	goodbyeCh chan struct{}
}

// Connect dials the coordinator and runs the client side of the trust
// handshake: verify the server's trust key against the configured hash,
// present the service password, then register the job.
func Connect(ctx context.Context, cfg config.JobsConfig, log *logrus.Logger, job JobData) (*Session, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial coordinator: %w", err)
	}

	s := &Session{
		conn:      conn,
		log:       log,
		abortCh:   make(chan struct{}),
		goodbyeCh: make(chan struct{}),
	}
	if err := s.handshake(cfg, job); err != nil {
		conn.Close()
		return nil, err
	}

	go s.readLoop()
	return s, nil
}

func (s *Session) handshake(cfg config.JobsConfig, job JobData) error {
	var m Message
	s.conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	if err := s.conn.ReadJSON(&m); err != nil {
		return fmt.Errorf("failed to read trust key: %w", err)
	}
	if m.Action != ActionTrustKey {
		return fmt.Errorf("expected trust key, got %q", m.Action)
	}

	sum := sha256.Sum256([]byte(m.Payload))
	got := hex.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(got), []byte(cfg.ServerTrustHash)) != 1 {
		return fmt.Errorf("server trust key does not match configured hash")
	}

	if err := s.write(Message{Action: ActionPassword, Payload: cfg.ServicePassword}); err != nil {
		return err
	}

	s.conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	if err := s.conn.ReadJSON(&m); err != nil {
		return fmt.Errorf("failed to read authorization: %w", err)
	}
	if m.Action != ActionAuthorized {
		return fmt.Errorf("expected authorization, got %q", m.Action)
	}

	if err := s.write(Message{Action: ActionJobData, Job: &job}); err != nil {
		return err
	}

	s.conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	if err := s.conn.ReadJSON(&m); err != nil {
		return fmt.Errorf("failed to read job acknowledgement: %w", err)
	}
	if m.Action != ActionJobDataReceived {
		return fmt.Errorf("expected job acknowledgement, got %q", m.Action)
	}
	return nil
}

// readLoop watches for abort. A server disconnect while the job is running
// is treated the same as an abort.
func (s *Session) readLoop() {
	for {
		var m Message
		s.conn.SetReadDeadline(time.Time{})
		if err := s.conn.ReadJSON(&m); err != nil {
			select {
			case <-s.goodbyeCh:
			default:
				s.log.WithError(err).Warn("coordinator connection lost, treating as abort")
				s.signalAbort()
			}
			return
		}

		switch m.Action {
		case ActionAbort:
			s.log.Warn("abort received from coordinator")
			if err := s.write(Message{Action: ActionAborting}); err != nil {
				s.log.WithError(err).Warn("failed to acknowledge abort")
			}
			s.signalAbort()
		case ActionGoodbye:
			close(s.goodbyeCh)
			return
		default:
			s.log.WithField("action", m.Action).Warn("unexpected coordinator message")
		}
	}
}

func (s *Session) signalAbort() {
	s.abortOnce.Do(func() { close(s.abortCh) })
}

// Aborted is closed when the coordinator aborts the job or the connection
// drops mid-run.
func (s *Session) Aborted() <-chan struct{} {
	return s.abortCh
}

// Done reports completion with DoneNormal or DoneAborted and waits briefly
// for the goodbye before closing.
func (s *Session) Done(status string) error {
	if err := s.write(Message{Action: ActionDone, Payload: status}); err != nil {
		s.conn.Close()
		return err
	}
	select {
	case <-s.goodbyeCh:
	case <-time.After(writeTimeout):
		s.log.Warn("no goodbye from coordinator")
	}
	return s.conn.Close()
}

// Close drops the connection without the done exchange.
func (s *Session) Close() error {
	return s.conn.Close()
}

func (s *Session) write(m Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteJSON(m); err != nil {
		return fmt.Errorf("failed to write %s: %w", m.Action, err)
	}
	return nil
}
