// Package server runs the tracker: it accepts TCP connections and drives
// the command dispatcher and the transfer engine over the framed wire
// protocol. Every accepted connection gets its own goroutine; the only
// point where connections contend is the registry's lock, which no byte
// streaming ever holds.
package server

import (
	"errors"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"groupshare/internal/config"
	"groupshare/internal/metrics"
	"groupshare/internal/registry"
	"groupshare/internal/storage"
	"groupshare/internal/wire"
)

type Server struct {
	cfg   *config.Config
	reg   *registry.Registry
	store *storage.Store
	met   *metrics.Metrics
	log   *logrus.Logger

	ln   net.Listener
	sem  chan struct{} // nil when max_connections is 0
	quit chan struct{}
	wg   sync.WaitGroup
}

func New(cfg *config.Config, reg *registry.Registry, store *storage.Store, met *metrics.Metrics, log *logrus.Logger) *Server {
	s := &Server{
		cfg:   cfg,
		reg:   reg,
		store: store,
		met:   met,
		log:   log,
		quit:  make(chan struct{}),
	}
	if cfg.MaxConnections > 0 {
		s.sem = make(chan struct{}, cfg.MaxConnections)
	}
	return s
}

// Listen binds the configured endpoint. Split from Serve so callers can
// learn the bound address before any client connects.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.log.WithField("addr", ln.Addr().String()).Info("tracker listening")
	return nil
}

// Addr returns the bound address. Only valid after Listen.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve accepts connections until Close. Each connection runs
// independently; the semaphore enforces the configured cap by pausing
// the accept loop when full.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return nil
			default:
				return err
			}
		}
		if s.sem != nil {
			select {
			case s.sem <- struct{}{}:
			case <-s.quit:
				conn.Close()
				return nil
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if s.sem != nil {
				defer func() { <-s.sem }()
			}
			s.handleConn(conn)
		}()
	}
}

// ListenAndServe is Listen followed by Serve.
func (s *Server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Close stops accepting and waits for in-flight connections to finish.
func (s *Server) Close() error {
	close(s.quit)
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	s.wg.Wait()
	return err
}

// handleConn runs the command loop for one connection. Transfer verbs and
// LOGOUT are terminal; everything else leaves the connection open for the
// next command.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	s.met.OpenConnections.Inc()
	defer s.met.OpenConnections.Dec()

	log := s.log.WithFields(logrus.Fields{
		"conn":   uuid.NewString(),
		"remote": conn.RemoteAddr().String(),
	})
	log.Debug("connection opened")
	defer log.Debug("connection closed")

	for {
		if s.cfg.ReadTimeout > 0 {
			conn.SetReadDeadline(deadline(s.cfg.ReadTimeout))
		}

		var msg wire.Message
		if err := wire.Recv(conn, &msg); err != nil {
			if !errors.Is(err, io.EOF) {
				log.WithError(err).Debug("read command failed")
			}
			return
		}

		switch msg.Cmd {
		case wire.CmdUploadFile:
			s.handleUpload(conn, msg.Args, log)
			return
		case wire.CmdDownloadFile:
			s.handleDownload(conn, msg.Args, log)
			return
		default:
			resp := s.dispatch(msg, log)
			s.countCommand(msg.Cmd, resp.Status)
			if err := wire.Send(conn, resp); err != nil {
				log.WithError(err).Debug("write reply failed")
				return
			}
			if msg.Cmd == wire.CmdLogout && resp.Status == statusOK {
				return
			}
		}
	}
}

// countCommand records the command metric, clamping unknown verbs so
// client input cannot grow label cardinality without bound.
func (s *Server) countCommand(verb, status string) {
	if !knownVerbs[verb] {
		verb = "UNKNOWN"
	}
	s.met.Commands.WithLabelValues(verb, status).Inc()
}

var knownVerbs = map[string]bool{
	wire.CmdRegister:      true,
	wire.CmdLogin:         true,
	wire.CmdLogout:        true,
	wire.CmdCreateGroup:   true,
	wire.CmdRequestJoin:   true,
	wire.CmdViewRequests:  true,
	wire.CmdManageRequest: true,
	wire.CmdHandleRequest: true,
	wire.CmdIsAdmin:       true,
	wire.CmdViewGroups:    true,
	wire.CmdViewFiles:     true,
	wire.CmdDeleteFile:    true,
	wire.CmdLeaveGroup:    true,
	wire.CmdUploadFile:    true,
	wire.CmdDownloadFile:  true,
}
