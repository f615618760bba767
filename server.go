// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metersim

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Server is a Modbus TCP server. Each accepted connection runs its own
// request loop concurrently with every other connection and with the
// simulation engine's ticking; the handler (the register bank) provides the
// mutual exclusion.
type Server struct {
	handler Handler
	opts    *serverOptions

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   int32
	wg       sync.WaitGroup
	metrics  *ServerMetrics
}

// ServerMetrics holds server-side metrics.
type ServerMetrics struct {
	RequestsTotal   Counter
	RequestsSuccess Counter
	RequestsErrors  Counter
	ActiveConns     Counter
	TotalConns      Counter
}

// NewServer creates a new Modbus TCP server serving the given handler.
func NewServer(handler Handler, opts ...ServerOption) *Server {
	options := defaultServerOptions()
	for _, opt := range opts {
		opt(options)
	}

	return &Server{
		handler: handler,
		opts:    options,
		conns:   make(map[net.Conn]struct{}),
		metrics: &ServerMetrics{},
	}
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *ServerMetrics {
	return s.metrics
}

// ListenAndServe starts the server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// ListenAndServeContext starts the server and shuts it down when ctx is
// canceled.
func (s *Server) ListenAndServeContext(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	return s.Serve(listener)
}

// Serve accepts connections on the given listener until the server is closed.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.opts.logger.Info("server started", slog.String("addr", listener.Addr().String()))

	for {
		conn, err := listener.Accept()
		if err != nil {
			if atomic.LoadInt32(&s.closed) == 1 {
				return nil
			}
			s.opts.logger.Error("accept error", slog.String("error", err.Error()))
			continue
		}

		s.mu.Lock()
		if len(s.conns) >= s.opts.maxConns {
			s.mu.Unlock()
			s.opts.logger.Warn("max connections reached, rejecting",
				slog.String("remote", conn.RemoteAddr().String()))
			conn.Close()
			continue
		}
		s.conns[conn] = struct{}{}
		s.metrics.ActiveConns.Add(1)
		s.metrics.TotalConns.Add(1)
		s.mu.Unlock()

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetKeepAlive(true)
			tcpConn.SetKeepAlivePeriod(30 * time.Second)
			tcpConn.SetNoDelay(true)
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Close shuts down the server, closing the listener and every connection.
func (s *Server) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}

	s.mu.Lock()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.opts.logger.Info("server stopped")
	return err
}

// Addr returns the server's listening address.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// ActiveConnections returns the number of active connections.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// handleConn runs the per-connection loop: read one frame, dispatch it, write
// the response. A malformed frame or transport error tears down only this
// connection.
func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		// Recover from panic to prevent server crash
		if r := recover(); r != nil {
			s.opts.logger.Error("panic in connection handler",
				slog.String("remote", conn.RemoteAddr().String()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}

		s.wg.Done()
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.metrics.ActiveConns.Add(-1)
		s.mu.Unlock()
	}()

	s.opts.logger.Debug("connection accepted",
		slog.String("remote", conn.RemoteAddr().String()))

	for {
		if atomic.LoadInt32(&s.closed) == 1 {
			return
		}

		if s.opts.readTimeout > 0 {
			conn.SetReadDeadline(timeNow().Add(s.opts.readTimeout))
		}

		frame, err := ReadFrame(conn)
		if err != nil {
			if err != io.EOF && atomic.LoadInt32(&s.closed) == 0 {
				// Timeouts are expected for idle connections
				if netErr, ok := err.(net.Error); !ok || !netErr.Timeout() {
					s.opts.logger.Debug("read error",
						slog.String("remote", conn.RemoteAddr().String()),
						slog.String("error", err.Error()))
				}
			}
			return
		}

		s.metrics.RequestsTotal.Add(1)
		response := s.processRequest(frame)

		if s.opts.readTimeout > 0 {
			conn.SetWriteDeadline(timeNow().Add(s.opts.readTimeout))
		}

		if _, err := conn.Write(response.Encode()); err != nil {
			s.metrics.RequestsErrors.Add(1)
			s.opts.logger.Debug("write error",
				slog.String("remote", conn.RemoteAddr().String()),
				slog.String("error", err.Error()))
			return
		}

		s.metrics.RequestsSuccess.Add(1)
	}
}

// processRequest dispatches one parsed request against the handler and builds
// the response frame. The transaction identifier is always echoed so
// pipelined requests on one connection can be matched by the client.
func (s *Server) processRequest(req *Frame) *Frame {
	resp := &Frame{
		Header: MBAPHeader{
			TransactionID: req.Header.TransactionID,
			ProtocolID:    ProtocolID,
			UnitID:        req.Header.UnitID,
		},
	}

	if len(req.PDU) < 1 {
		resp.PDU = buildException(0, ExceptionIllegalFunction)
		return resp
	}

	fc := FunctionCode(req.PDU[0])
	unitID := req.Header.UnitID

	s.opts.logger.Debug("processing request",
		slog.Uint64("tx_id", uint64(req.Header.TransactionID)),
		slog.Uint64("unit_id", uint64(unitID)),
		slog.String("func", fc.String()))

	var pdu []byte
	var err error

	switch fc {
	case FuncReadCoils:
		pdu, err = s.handleReadBits(fc, unitID, req.PDU, MaxQuantityCoils, s.handler.ReadCoils)
	case FuncReadDiscreteInputs:
		pdu, err = s.handleReadBits(fc, unitID, req.PDU, MaxQuantityDiscreteInputs, s.handler.ReadDiscreteInputs)
	case FuncReadHoldingRegisters:
		pdu, err = s.handleReadWords(fc, unitID, req.PDU, s.handler.ReadHoldingRegisters)
	case FuncReadInputRegisters:
		pdu, err = s.handleReadWords(fc, unitID, req.PDU, s.handler.ReadInputRegisters)
	case FuncWriteSingleCoil:
		pdu, err = s.handleWriteSingleCoil(unitID, req.PDU)
	case FuncWriteSingleRegister:
		pdu, err = s.handleWriteSingleRegister(unitID, req.PDU)
	default:
		pdu = buildException(fc, ExceptionIllegalFunction)
	}

	if err != nil {
		pdu = s.handleError(fc, err)
	}

	resp.PDU = pdu
	return resp
}

func buildException(fc FunctionCode, ec ExceptionCode) []byte {
	return []byte{byte(fc) | 0x80, byte(ec)}
}

func (s *Server) handleError(fc FunctionCode, err error) []byte {
	if modbusErr, ok := err.(*ModbusError); ok {
		return buildException(fc, modbusErr.ExceptionCode)
	}
	s.opts.logger.Error("handler error",
		slog.String("func", fc.String()),
		slog.String("error", err.Error()))
	return buildException(fc, ExceptionServerDeviceFailure)
}

// handleReadBits serves FC01/FC02: validate the quantity against the bit-read
// cap, read from the handler, and pack the values into a bit field.
func (s *Server) handleReadBits(fc FunctionCode, unitID UnitID, pdu []byte, max uint16,
	read func(UnitID, uint16, uint16) ([]bool, error)) ([]byte, error) {

	if len(pdu) < 5 {
		return buildException(fc, ExceptionIllegalDataValue), nil
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	qty := binary.BigEndian.Uint16(pdu[3:5])

	if qty < 1 || qty > max {
		return buildException(fc, ExceptionIllegalDataValue), nil
	}
	if uint32(addr)+uint32(qty) > 65536 {
		return buildException(fc, ExceptionIllegalDataAddress), nil
	}

	values, err := read(unitID, addr, qty)
	if err != nil {
		return nil, err
	}
	if uint16(len(values)) != qty {
		return buildException(fc, ExceptionServerDeviceFailure), nil
	}

	byteCount := (qty + 7) / 8
	resp := make([]byte, 2+byteCount)
	resp[0] = byte(fc)
	resp[1] = byte(byteCount)
	for i, v := range values {
		if v {
			resp[2+i/8] |= 1 << (i % 8)
		}
	}
	return resp, nil
}

// handleReadWords serves FC03/FC04: validate the quantity against the
// register-read cap, read from the handler, and encode the words big-endian.
func (s *Server) handleReadWords(fc FunctionCode, unitID UnitID, pdu []byte,
	read func(UnitID, uint16, uint16) ([]uint16, error)) ([]byte, error) {

	if len(pdu) < 5 {
		return buildException(fc, ExceptionIllegalDataValue), nil
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	qty := binary.BigEndian.Uint16(pdu[3:5])

	if qty < 1 || qty > MaxQuantityRegisters {
		return buildException(fc, ExceptionIllegalDataValue), nil
	}
	if uint32(addr)+uint32(qty) > 65536 {
		return buildException(fc, ExceptionIllegalDataAddress), nil
	}

	values, err := read(unitID, addr, qty)
	if err != nil {
		return nil, err
	}
	if uint16(len(values)) != qty {
		return buildException(fc, ExceptionServerDeviceFailure), nil
	}

	byteCount := qty * 2
	resp := make([]byte, 2+byteCount)
	resp[0] = byte(fc)
	resp[1] = byte(byteCount)
	for i, v := range values {
		binary.BigEndian.PutUint16(resp[2+i*2:], v)
	}
	return resp, nil
}

func (s *Server) handleWriteSingleCoil(unitID UnitID, pdu []byte) ([]byte, error) {
	if len(pdu) < 5 {
		return buildException(FuncWriteSingleCoil, ExceptionIllegalDataValue), nil
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	value := binary.BigEndian.Uint16(pdu[3:5])

	var boolValue bool
	if value == CoilOn {
		boolValue = true
	} else if value != CoilOff {
		return buildException(FuncWriteSingleCoil, ExceptionIllegalDataValue), nil
	}

	if err := s.handler.WriteSingleCoil(unitID, addr, boolValue); err != nil {
		return nil, err
	}

	// Echo request as response (copy to avoid sharing slice)
	resp := make([]byte, 5)
	copy(resp, pdu[:5])
	return resp, nil
}

func (s *Server) handleWriteSingleRegister(unitID UnitID, pdu []byte) ([]byte, error) {
	if len(pdu) < 5 {
		return buildException(FuncWriteSingleRegister, ExceptionIllegalDataValue), nil
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	value := binary.BigEndian.Uint16(pdu[3:5])

	if err := s.handler.WriteSingleRegister(unitID, addr, value); err != nil {
		return nil, err
	}

	// Echo request as response (copy to avoid sharing slice)
	resp := make([]byte, 5)
	copy(resp, pdu[:5])
	return resp, nil
}

// timeNow is a variable for testing
var timeNow = time.Now
