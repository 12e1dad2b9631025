// Package net is the TCP command front end: it reads wire messages off
// client sessions, hands them to the engine one at a time, and writes
// execution or error reports back. Ingress is parallel; the engine itself
// serializes.
package net

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	tomb "gopkg.in/tomb.v2"

	"gleipnir/internal/book"
	"gleipnir/internal/engine"
	"gleipnir/internal/pool"
	"gleipnir/internal/risk"
	"gleipnir/internal/sentinel"
)

const (
	maxRecvSize        = 4 * 1024
	defaultNWorkers    = 10
	defaultConnTimeout = 30 * time.Second
)

var (
	ErrImproperConversion = errors.New("improper type conversion")
	ErrClientDoesNotExist = errors.New("client does not exist")
)

// Engine is the command surface the server drives.
type Engine interface {
	Submit(req engine.SubmitRequest) (engine.SubmitResult, error)
	Cancel(id uint64) (engine.CancelResult, error)
	SetReferencePrice(p decimal.Decimal) (uint64, error)
	Snapshot(depth int) (bids, asks []book.LevelView)
}

// ClientSession contains relevant information pertaining to an individual
// connected TCP session.
type ClientSession struct {
	conn net.Conn
}

// ClientMessage links a message to the client sending it.
type ClientMessage struct {
	clientAddress string
	message       Message
}

type Server struct {
	address            string
	port               int
	engine             Engine
	pulse              *sentinel.Handle // optional; beaten by the session loop
	workers            pool.WorkerPool
	cancel             context.CancelFunc
	clientSessions     map[string]ClientSession
	clientSessionsLock sync.Mutex
	clientMessages     chan ClientMessage
}

func New(address string, port int, eng Engine) *Server {
	return &Server{
		address:        address,
		port:           port,
		engine:         eng,
		workers:        pool.NewWorkerPool(defaultNWorkers),
		clientSessions: make(map[string]ClientSession),
		clientMessages: make(chan ClientMessage, 64),
	}
}

// SetPulse wires the watchdog handle the session loop beats.
func (s *Server) SetPulse(h *sentinel.Handle) {
	s.pulse = h
}

func (s *Server) Shutdown() {
	log.Info().Msg("server shutting down")
	s.cancel()
}

func (s *Server) Run(ctx context.Context) {
	defer s.Shutdown()

	ctx, s.cancel = context.WithCancel(ctx)
	t, ctx := tomb.WithContext(ctx)

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", fmt.Sprintf("%s:%d", s.address, s.port))
	if err != nil {
		log.Error().Err(err).Msg("unable to start listener")
		return
	}
	defer func() {
		if err := listener.Close(); err != nil {
			log.Error().Err(err).Msg("unable to close listener")
		}
	}()

	// Workers read connections; the session handler owns engine access.
	s.workers.Setup(t, s.handleConnection)
	t.Go(func() error {
		return s.sessionHandler(t)
	})

	log.Info().Str("address", s.address).Int("port", s.port).Msg("server running")

	for {
		select {
		case <-ctx.Done():
			return
		default:
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
				}
				log.Error().Err(err).Msg("error accepting client")
				continue
			}

			log.Info().
				Str("address", conn.RemoteAddr().String()).
				Msg("new client added")
			s.addClientSession(conn)
			s.workers.AddTask(conn)
		}
	}
}

// sessionHandler drains incoming messages and applies them to the engine.
// This is the single goroutine that touches the engine from the network, so
// commands from all sessions serialize here.
func (s *Server) sessionHandler(t *tomb.Tomb) error {
	for {
		if s.pulse != nil {
			s.pulse.Beat()
		}
		select {
		case <-t.Dying():
			return nil
		case message := <-s.clientMessages:
			if err := s.handleMessage(message); err != nil {
				log.Error().
					Err(err).
					Str("clientAddress", message.clientAddress).
					Msg("error handling message")
				s.reportError(message.clientAddress, err)
			}
		case <-time.After(time.Second):
			// Idle tick so the pulse keeps beating with no traffic.
		}
	}
}

func (s *Server) handleMessage(message ClientMessage) error {
	switch m := message.message.(type) {
	case NewOrderMessage:
		res, err := s.engine.Submit(m.Request())
		var violation *risk.Violation
		if errors.As(err, &violation) {
			return s.send(message.clientAddress, (&Report{
				MessageType: ErrorReport,
				OrderID:     res.OrderID,
				Status:      book.Rejected,
				Err:         violation.Error(),
			}).Serialize())
		}
		if err != nil {
			return err
		}
		return s.send(message.clientAddress, (&Report{
			MessageType: ExecutionReport,
			Seq:         res.Seq,
			OrderID:     res.OrderID,
			Status:      res.FinalStatus,
			NumTrades:   uint16(len(res.Trades)),
			FilledQty:   sumQty(res.Trades),
			AvgPrice:    decimal.Zero,
		}).Serialize())

	case CancelOrderMessage:
		res, err := s.engine.Cancel(m.OrderID)
		if err != nil {
			return err
		}
		status := book.Canceled
		if !res.Removed {
			status = book.Rejected
		}
		return s.send(message.clientAddress, (&Report{
			MessageType: ExecutionReport,
			Seq:         res.Seq,
			OrderID:     m.OrderID,
			Status:      status,
		}).Serialize())

	case SetReferenceMessage:
		_, err := s.engine.SetReferencePrice(m.Price)
		return err

	case QueryBookMessage:
		bids, asks := s.engine.Snapshot(int(m.Depth))
		return s.send(message.clientAddress, SerializeBookReport(bids, asks))

	case BaseMessage:
		if m.TypeOf == Heartbeat {
			return nil
		}
		return ErrInvalidMessageType

	default:
		log.Error().
			Int("messageType", int(message.message.GetType())).
			Msg("invalid message type")
		return ErrInvalidMessageType
	}
}

func sumQty(trades []book.Trade) decimal.Decimal {
	total := decimal.Zero
	for _, tr := range trades {
		total = total.Add(tr.Qty)
	}
	return total
}

func (s *Server) send(clientAddress string, payload []byte) error {
	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()

	client, ok := s.clientSessions[clientAddress]
	if !ok {
		return ErrClientDoesNotExist
	}
	if _, err := client.conn.Write(payload); err != nil {
		delete(s.clientSessions, clientAddress)
		return fmt.Errorf("unable to send report: %w", err)
	}
	return nil
}

func (s *Server) reportError(clientAddress string, cause error) {
	report := Report{
		MessageType: ErrorReport,
		Err:         cause.Error(),
	}
	if err := s.send(clientAddress, report.Serialize()); err != nil {
		log.Error().
			Err(err).
			Str("clientAddress", clientAddress).
			Msg("unable to report error to client")
	}
}

// handleConnection is a short-lived worker method which reads the next
// message off the connection, parses it and passes it forward to the session
// handler. If the connection dies, the client session is cleaned up; the
// method never locks a session while blocked on I/O.
// Note, any error returned from here is fatal to the pool.
func (s *Server) handleConnection(t *tomb.Tomb, task any) error {
	conn, ok := task.(net.Conn)
	if !ok {
		return ErrImproperConversion
	}

	if err := conn.SetReadDeadline(time.Now().Add(defaultConnTimeout)); err != nil {
		log.Error().
			Str("address", conn.RemoteAddr().String()).
			Err(err).
			Msg("failed setting deadline for connection")
		s.dropConnection(conn)
		return nil
	}

	buffer := make([]byte, maxRecvSize)
	select {
	case <-t.Dying():
		return nil
	default:
		n, err := conn.Read(buffer)
		if err != nil {
			// The client has likely gone away; clean up the session.
			log.Info().
				Err(err).
				Str("address", conn.RemoteAddr().String()).
				Msg("closing client connection")
			s.dropConnection(conn)
			return nil
		}

		message, err := parseMessage(buffer[:n])
		if err != nil {
			log.Error().
				Err(err).
				Str("address", conn.RemoteAddr().String()).
				Msg("error parsing message")
			s.reportError(conn.RemoteAddr().String(), err)
			s.workers.AddTask(conn)
			return nil
		}

		s.clientMessages <- ClientMessage{
			message:       message,
			clientAddress: conn.RemoteAddr().String(),
		}

		// Push the client connection back to handle the next message.
		s.workers.AddTask(conn)
	}
	return nil
}

func (s *Server) dropConnection(conn net.Conn) {
	if err := conn.Close(); err != nil {
		log.Error().Str("address", conn.RemoteAddr().String()).Err(err).Msg("close failed")
	}
	s.deleteClientSession(conn.RemoteAddr().String())
}

// addClientSession is an atomic map add.
func (s *Server) addClientSession(conn net.Conn) {
	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()

	s.clientSessions[conn.RemoteAddr().String()] = ClientSession{conn: conn}
}

// deleteClientSession is an atomic map remove.
func (s *Server) deleteClientSession(address string) {
	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()

	delete(s.clientSessions, address)
}
