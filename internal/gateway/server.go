package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/KevinKickass/ecatmotor/internal/fieldbus"
	"go.uber.org/zap"
)

var ErrServerClosed = errors.New("gateway: server closed")

// Server exposes a fieldbus.Master to gateway clients. Requests from all
// connections are serialised onto the master.
type Server struct {
	master fieldbus.Master
	logger *zap.Logger

	busMu sync.Mutex

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

func NewServer(master fieldbus.Master, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		master: master,
		logger: logger,
		conns:  make(map[net.Conn]struct{}),
	}
}

func (s *Server) ListenAndServe(address string) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", address, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Close is called.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("Gateway server listening", zap.String("address", ln.Addr().String()))

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return ErrServerClosed
			}
			return fmt.Errorf("accept: %w", err)
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handle(conn)
	}
}

// Addr returns the listener address once serving.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting, drops all connections and waits for handlers.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Gateway server stopped")
	return err
}

type session struct {
	image *fieldbus.ProcessImage
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	remote := conn.RemoteAddr().String()
	s.logger.Info("Gateway client connected", zap.String("remote", remote))

	sess := &session{}
	for {
		request, err := ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("Gateway read failed", zap.String("remote", remote), zap.Error(err))
			}
			s.logger.Info("Gateway client disconnected", zap.String("remote", remote))
			return
		}

		response := s.dispatch(sess, request)
		if err := WriteFrame(conn, response); err != nil {
			s.logger.Warn("Gateway write failed", zap.String("remote", remote), zap.Error(err))
			return
		}
	}
}

func (s *Server) dispatch(sess *session, request *Frame) *Frame {
	response := &Frame{
		TransactionID: request.TransactionID,
		ProtocolID:    ProtocolID,
		Unit:          request.Unit,
		Command:       request.Command,
	}

	s.busMu.Lock()
	payload, err := s.execute(sess, request)
	s.busMu.Unlock()

	if err != nil {
		s.logger.Debug("Gateway request failed",
			zap.String("command", CommandName(request.Command)),
			zap.Uint16("unit", request.Unit),
			zap.Error(err))

		var abort fieldbus.SDOAbort
		if errors.As(err, &abort) {
			response.Status = StatusSDOAbort
			response.Payload = (&encoder{}).u32(abort.Code).u16(abort.Index).u8(abort.SubIndex).buf
			return response
		}
		response.Status = StatusError
		response.Payload = []byte(err.Error())
		return response
	}

	response.Status = StatusOK
	response.Payload = payload
	return response
}

func (s *Server) execute(sess *session, request *Frame) ([]byte, error) {
	ctx := context.Background()
	unit := int(request.Unit)
	d := &decoder{buf: request.Payload}

	switch request.Command {
	case CmdOpen:
		return nil, s.master.Open(ctx, fieldbus.OpenConfig{Interface: string(d.rest())})

	case CmdClose:
		sess.image = nil
		return nil, s.master.Close()

	case CmdConfigureAll:
		count, err := s.master.ConfigureAll(ctx)
		if err != nil {
			return nil, err
		}
		return (&encoder{}).u16(uint16(count)).buf, nil

	case CmdMapProcessImage:
		img, err := s.master.MapProcessImage(ctx)
		if err != nil {
			return nil, err
		}
		sess.image = img
		return (&encoder{}).u32(uint32(img.OutputBytes)).u32(uint32(img.InputBytes)).buf, nil

	case CmdRequestState:
		target := fieldbus.State(d.u16())
		if d.err != nil {
			return nil, d.err
		}
		return nil, s.master.RequestState(ctx, unit, target)

	case CmdPollState:
		target := fieldbus.State(d.u16())
		timeout := fromMicros(d.u32())
		if d.err != nil {
			return nil, d.err
		}
		state, err := s.master.PollUntilState(ctx, unit, target, timeout)
		if err != nil {
			return nil, err
		}
		return (&encoder{}).u16(uint16(state)).buf, nil

	case CmdReadDiagnostics:
		diag, err := s.master.ReadDiagnostics(ctx, unit)
		if err != nil {
			return nil, err
		}
		text := diag.StatusText
		if text == "" {
			text = fieldbus.StatusCodeText(diag.StatusCode)
		}
		return (&encoder{}).u16(uint16(diag.State)).u16(diag.StatusCode).bytes([]byte(text)).buf, nil

	case CmdSendCycle:
		outputs := d.rest()
		if sess.image == nil {
			sess.image = fieldbus.NewProcessImage(len(outputs), 0)
		}
		copy(sess.image.Outputs(), outputs)
		return nil, s.master.SendCycle(ctx, sess.image)

	case CmdReceiveCycle:
		timeout := fromMicros(d.u32())
		inputBytes := int(d.u32())
		if d.err != nil {
			return nil, d.err
		}
		if sess.image == nil || sess.image.InputBytes != inputBytes {
			sess.image = fieldbus.NewProcessImage(0, inputBytes)
		}
		wkc, err := s.master.ReceiveCycle(ctx, sess.image, timeout)
		if err != nil {
			return nil, err
		}
		return (&encoder{}).u16(uint16(wkc)).bytes(sess.image.Inputs()).buf, nil

	case CmdSDOWrite:
		index, sub, timeout := d.u16(), d.u8(), fromMicros(d.u32())
		data := d.rest()
		if d.err != nil {
			return nil, d.err
		}
		return nil, s.master.SDOWrite(ctx, unit, index, sub, data, timeout)

	case CmdSDORead:
		index, sub, size, timeout := d.u16(), d.u8(), int(d.u16()), fromMicros(d.u32())
		if d.err != nil {
			return nil, d.err
		}
		return s.master.SDORead(ctx, unit, index, sub, size, timeout)

	default:
		return nil, fmt.Errorf("unknown command 0x%02X", request.Command)
	}
}

func fromMicros(us uint32) time.Duration {
	return time.Duration(us) * time.Microsecond
}
