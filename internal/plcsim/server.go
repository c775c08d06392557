// Package plcsim is an in-process controller that answers the EtherNet/IP
// requests issued by tagclient: session registration, Forward Open/Close and
// Read/Write Tag on an in-memory tag table.
package plcsim

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/timzifer/eiptag/cip"
	"github.com/timzifer/eiptag/eip"
)

// Config tunes the simulated controller.
type Config struct {
	Logger zerolog.Logger
	// AutoCreate lets writes to unknown tags create them with the written type.
	AutoCreate bool
}

type tagEntry struct {
	value    cip.TypedValue
	readOnly bool
}

type connection struct {
	otID   uint32
	toID   uint32
	serial uint16
	vendor uint16
	origin uint32
}

// Server is a simulated controller.
type Server struct {
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	tags     map[string]*tagEntry
	listener net.Listener
	conns    map[net.Conn]struct{}
	open     map[uint32]*connection
	closed   bool

	wg         sync.WaitGroup
	nextID     atomic.Uint32
	requests   atomic.Int64
	rejectReg  atomic.Uint32
	rejectOpen atomic.Uint32
}

// New creates a server with an empty tag table.
func New(cfg Config) *Server {
	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger,
		tags:   make(map[string]*tagEntry),
		conns:  make(map[net.Conn]struct{}),
		open:   make(map[uint32]*connection),
	}
	s.nextID.Store(0x1000)
	return s
}

func tagKey(addr cip.Address) string {
	return strings.ToLower(addr.String())
}

// SetTag stores value under tag.
func (s *Server) SetTag(tag string, value cip.TypedValue, readOnly bool) error {
	addr, err := cip.ParseTag(tag)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tags[tagKey(addr)] = &tagEntry{value: cloneValue(value), readOnly: readOnly}
	return nil
}

// SetFloat32 stores a writable REAL tag.
func (s *Server) SetFloat32(tag string, value float32) error {
	return s.SetTag(tag, cip.RealValue(value), false)
}

// Tag returns the stored value of tag.
func (s *Server) Tag(tag string) (cip.TypedValue, bool) {
	addr, err := cip.ParseTag(tag)
	if err != nil {
		return cip.TypedValue{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.tags[tagKey(addr)]
	if !ok {
		return cip.TypedValue{}, false
	}
	return cloneValue(entry.value), true
}

// Float32 returns the stored REAL value of tag.
func (s *Server) Float32(tag string) (float32, bool) {
	value, ok := s.Tag(tag)
	if !ok {
		return 0, false
	}
	f, err := value.Float32()
	return f, err == nil
}

// ConnectionInfo describes an open class 3 connection.
type ConnectionInfo struct {
	OTConnectionID   uint32
	VendorID         uint16
	ConnectionSerial uint16
	OriginatorSerial uint32
}

// Connections lists the open connections ordered by O->T id.
func (s *Server) Connections() []ConnectionInfo {
	s.mu.Lock()
	infos := make([]ConnectionInfo, 0, len(s.open))
	for _, c := range s.open {
		infos = append(infos, ConnectionInfo{
			OTConnectionID:   c.otID,
			VendorID:         c.vendor,
			ConnectionSerial: c.serial,
			OriginatorSerial: c.origin,
		})
	}
	s.mu.Unlock()
	slices.SortFunc(infos, func(a, b ConnectionInfo) int {
		return cmp.Compare(a.OTConnectionID, b.OTConnectionID)
	})
	return infos
}

// RejectRegistration makes RegisterSession fail with status. EncapSuccess disables it.
func (s *Server) RejectRegistration(status eip.EncapStatus) {
	s.rejectReg.Store(uint32(status))
}

// RejectForwardOpen makes Forward Open fail with status. StatusSuccess disables it.
func (s *Server) RejectForwardOpen(status cip.Status) {
	s.rejectOpen.Store(uint32(status))
}

// Requests returns the number of tag service requests served.
func (s *Server) Requests() int64 {
	return s.requests.Load()
}

// Listen binds addr and serves connections in the background.
func (s *Server) Listen(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return nil, net.ErrClosed
	}
	s.listener = ln
	s.mu.Unlock()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Serve(ln); err != nil {
			s.logger.Error().Err(err).Msg("simulator stopped")
		}
	}()
	return ln.Addr(), nil
}

// Serve accepts connections on ln until it is closed.
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

// Close stops the listener, drops all connections and waits for handlers.
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
		_ = conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

func (s *Server) handle(conn net.Conn) {
	var (
		session   uint32
		connected *connection
	)
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		if connected != nil {
			delete(s.open, connected.otID)
		}
		s.mu.Unlock()
		_ = conn.Close()
	}()
	logger := s.logger.With().Str("peer", conn.RemoteAddr().String()).Logger()
	logger.Debug().Msg("client connected")

	for {
		h, payload, err := eip.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Debug().Err(err).Msg("read frame failed")
			}
			return
		}
		reply := eip.Header{Command: h.Command, SessionHandle: h.SessionHandle, SenderContext: h.SenderContext}
		var out []byte

		switch h.Command {
		case eip.CommandNop:
			continue
		case eip.CommandRegisterSession:
			if status := eip.EncapStatus(s.rejectReg.Load()); status != eip.EncapSuccess {
				reply.Status = status
				out = payload
				break
			}
			if _, err := eip.ParseRegisterData(payload); err != nil {
				reply.Status = eip.EncapIncorrectData
				break
			}
			session = s.nextID.Add(1)
			reply.SessionHandle = session
			out = eip.RegisterData()
		case eip.CommandUnRegisterSession:
			logger.Debug().Msg("session unregistered")
			return
		case eip.CommandSendRRData, eip.CommandSendUnitData:
			if session == 0 || h.SessionHandle != session {
				reply.Status = eip.EncapInvalidSession
				break
			}
			data, err := eip.ParseSendData(payload)
			if err != nil {
				reply.Status = eip.EncapIncorrectData
				break
			}
			if h.Command == eip.CommandSendRRData {
				out, reply.Status = s.unconnected(data, &connected)
			} else {
				out, reply.Status = s.connected(data, connected)
			}
		default:
			reply.Status = eip.EncapInvalidCommand
		}

		if err := eip.WriteFrame(conn, reply, out); err != nil {
			logger.Debug().Err(err).Msg("write frame failed")
			return
		}
	}
}

func (s *Server) unconnected(data eip.SendData, connected **connection) ([]byte, eip.EncapStatus) {
	item, ok := data.Item(eip.ItemUnconnectedData)
	if !ok {
		return nil, eip.EncapIncorrectData
	}
	req, err := cip.DecodeRequest(item.Data)
	if err != nil {
		return nil, eip.EncapIncorrectData
	}
	var resp cip.Response
	switch req.Service {
	case cip.ServiceForwardOpen:
		resp, *connected = s.forwardOpen(req)
	case cip.ServiceForwardClose:
		resp = s.forwardClose(req, *connected)
		if resp.Status == cip.StatusSuccess {
			*connected = nil
		}
	case cip.ServiceReadTag, cip.ServiceWriteTag:
		resp = s.serveTag(req)
	default:
		resp = cip.Response{Service: req.Service | cip.ReplyFlag, Status: cip.StatusServiceNotSupported}
	}
	out := eip.SendData{Timeout: data.Timeout, Items: eip.UnconnectedItems(resp.Encode())}
	return out.Encode(), eip.EncapSuccess
}

func (s *Server) connected(data eip.SendData, conn *connection) ([]byte, eip.EncapStatus) {
	connID, seq, msg, err := eip.ParseConnected(data)
	if err != nil || conn == nil || connID != conn.otID {
		return nil, eip.EncapIncorrectData
	}
	req, err := cip.DecodeRequest(msg)
	if err != nil {
		return nil, eip.EncapIncorrectData
	}
	resp := s.serveTag(req)
	out := eip.SendData{Items: eip.ConnectedItems(conn.toID, seq, resp.Encode())}
	return out.Encode(), eip.EncapSuccess
}

func (s *Server) forwardOpen(req cip.Request) (cip.Response, *connection) {
	resp := cip.Response{Service: req.Service | cip.ReplyFlag}
	if status := cip.Status(s.rejectOpen.Load()); status != cip.StatusSuccess {
		resp.Status = status
		return resp, nil
	}
	open, err := cip.ParseForwardOpen(req.Data)
	if err != nil {
		resp.Status = cip.StatusNotEnoughData
		return resp, nil
	}
	if !cip.IsMessageRouterPath(open.Path) {
		resp.Status = cip.StatusConnectionFailure
		resp.Extended = []uint16{0x0315}
		return resp, nil
	}
	conn := &connection{
		otID:   s.nextID.Add(1),
		toID:   open.TOConnectionID,
		serial: open.ConnectionSerial,
		vendor: open.VendorID,
		origin: open.OriginatorSerial,
	}
	resp.Data = cip.ForwardOpenReply{
		OTConnectionID:   conn.otID,
		TOConnectionID:   conn.toID,
		ConnectionSerial: conn.serial,
		VendorID:         conn.vendor,
		OriginatorSerial: conn.origin,
		OTAPI:            open.OTRPI,
		TOAPI:            open.TORPI,
	}.Encode()
	s.mu.Lock()
	s.open[conn.otID] = conn
	s.mu.Unlock()
	s.logger.Debug().Uint32("ot_id", conn.otID).Uint32("to_id", conn.toID).Uint16("vendor", conn.vendor).Msg("connection opened")
	return resp, conn
}

func (s *Server) forwardClose(req cip.Request, conn *connection) cip.Response {
	resp := cip.Response{Service: req.Service | cip.ReplyFlag}
	closeReq, err := cip.ParseForwardClose(req.Data)
	if err != nil {
		resp.Status = cip.StatusNotEnoughData
		return resp
	}
	if conn == nil || closeReq.ConnectionSerial != conn.serial || closeReq.VendorID != conn.vendor || closeReq.OriginatorSerial != conn.origin {
		resp.Status = cip.StatusConnectionFailure
		resp.Extended = []uint16{0x0107}
		return resp
	}
	s.mu.Lock()
	delete(s.open, conn.otID)
	s.mu.Unlock()
	resp.Data = cip.ForwardCloseReply{
		ConnectionSerial: conn.serial,
		VendorID:         conn.vendor,
		OriginatorSerial: conn.origin,
	}.Encode()
	return resp
}
