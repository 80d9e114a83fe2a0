package mcp

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chorushq/chorus-core/logger"
)

const (
	// ApprovalResponseTimeout caps how long a forwarded request may wait
	// for the user's decision.
	ApprovalResponseTimeout = 5 * time.Minute

	// SocketReadTimeout paces the connection handler's read loop so it
	// notices a closed server between messages.
	SocketReadTimeout = 10 * time.Second

	// SocketWriteTimeout keeps a wedged peer from blocking writers forever.
	SocketWriteTimeout = 10 * time.Second
)

// MessageType discriminates the payload carried by a SocketMessage.
type MessageType string

const (
	MessageTypeApproval MessageType = "approval"
)

// SocketMessage wraps approval requests and responses
type SocketMessage struct {
	Type         MessageType       `json:"type"`
	ApprovalReq  *ApprovalRequest  `json:"approvalReq,omitempty"`
	ApprovalResp *ApprovalResponse `json:"approvalResp,omitempty"`
}

// SocketPathFor returns the unix socket path for a conversation. Unix socket
// paths cap out around 104 bytes, so only the first 12 characters of the ID
// go into the name; at 12 hex chars collisions sit near 1 in 2^48.
func SocketPathFor(conversationID string) string {
	short := conversationID
	if len(short) > 12 {
		short = short[:12]
	}
	return filepath.Join(os.TempDir(), "chorus-"+short+".sock")
}

// SocketServer listens for approval requests from MCP server subprocesses
// and forwards them to the engine through a channel pair.
type SocketServer struct {
	path      string
	listener  net.Listener
	approvals *ChannelPair[ApprovalRequest, ApprovalResponse]
	closed    bool           // Set to true when Close() is called
	closeMu   sync.RWMutex   // Guards closed flag
	wg        sync.WaitGroup // Tracks the Run() goroutine for clean shutdown
	ready     chan struct{}  // Closed when the server is ready to accept connections
	log       *slog.Logger   // Logger with conversation context
}

// NewSocketServer binds the approval socket for the given conversation.
func NewSocketServer(conversationID string, approvals *ChannelPair[ApprovalRequest, ApprovalResponse]) (*SocketServer, error) {
	if !approvals.IsInitialized() {
		return nil, fmt.Errorf("approval channels not initialized")
	}

	socketPath := SocketPathFor(conversationID)
	log := logger.WithConversation(conversationID).With("component", "mcp-socket")

	// A stale socket from a crashed run would block the new listener.
	os.Remove(socketPath)

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, err
	}

	log.Info("socket bound", "path", socketPath)

	return &SocketServer{
		path:      socketPath,
		listener:  ln,
		approvals: approvals,
		ready:     make(chan struct{}),
		log:       log,
	}, nil
}

// SocketPath reports where the server is listening.
func (s *SocketServer) SocketPath() string {
	return s.path
}

// Start runs the accept loop in a goroutine. The WaitGroup gets its Add
// before the goroutine launches so a quick Close() cannot pass wg.Wait()
// early.
func (s *SocketServer) Start() {
	s.wg.Add(1)
	go s.Run()
}

// WaitReady returns once the accept loop is up.
func (s *SocketServer) WaitReady() {
	<-s.ready
}

func (s *SocketServer) isClosed() bool {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	return s.closed
}

// Run is the accept loop. Use Start() to launch it; calling Run directly
// requires a matching wg.Add(1) first.
func (s *SocketServer) Run() {
	defer s.wg.Done()

	close(s.ready)

	for {
		if s.isClosed() {
			s.log.Info("accept loop stopping")
			return
		}

		conn, err := s.listener.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				s.log.Info("listener closed, accept loop stopping")
				return
			}
			s.log.Warn("accept failed, continuing", "error", err)
			continue
		}

		go s.handleConnection(conn)
	}
}

func (s *SocketServer) handleConnection(conn net.Conn) {
	defer conn.Close()
	s.log.Debug("subprocess connected")

	r := bufio.NewReader(conn)

	for !s.isClosed() {
		// Short read deadlines let the loop re-check the closed flag while
		// idle instead of parking in Read forever.
		conn.SetReadDeadline(time.Now().Add(SocketReadTimeout))

		line, err := r.ReadString('\n')
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.log.Error("connection read failed", "error", err)
			return
		}

		var msg SocketMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			s.log.Error("malformed socket message", "error", err)
			continue
		}

		switch msg.Type {
		case MessageTypeApproval:
			s.handleApprovalMessage(conn, msg.ApprovalReq)
		default:
			s.log.Warn("unrecognized message type", "type", msg.Type)
		}
	}
	s.log.Debug("handler exiting, server closed")
}

func (s *SocketServer) handleApprovalMessage(conn net.Conn, req *ApprovalRequest) {
	if req == nil {
		// Answer anyway so the subprocess is not left hanging.
		s.log.Warn("approval message without a request payload")
		s.sendApprovalResponse(conn, ApprovalResponse{
			Allowed: false,
			Message: "Invalid approval request",
		})
		return
	}

	s.log.Info("forwarding approval request", "tool", req.Tool)

	select {
	case s.approvals.Req <- *req:
	case <-time.After(SocketReadTimeout):
		s.log.Warn("engine did not pick up the approval request")
		s.sendApprovalResponse(conn, ApprovalResponse{
			ID:      req.ID,
			Allowed: false,
			Message: "Timeout waiting for the engine",
		})
		return
	}

	select {
	case resp := <-s.approvals.Resp:
		s.sendApprovalResponse(conn, resp)
		s.log.Info("approval decision relayed", "allowed", resp.Allowed)

	case <-time.After(ApprovalResponseTimeout):
		s.log.Warn("no approval decision before the deadline")
		s.sendApprovalResponse(conn, ApprovalResponse{
			ID:      req.ID,
			Allowed: false,
			Message: "Approval request timed out",
		})
	}
}

func (s *SocketServer) sendApprovalResponse(conn net.Conn, resp ApprovalResponse) {
	payload, err := json.Marshal(SocketMessage{Type: MessageTypeApproval, ApprovalResp: &resp})
	if err != nil {
		s.log.Error("encoding approval response failed", "error", err)
		return
	}

	conn.SetWriteDeadline(time.Now().Add(SocketWriteTimeout))
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		s.log.Error("connection write failed", "error", err)
	}
}

// Close stops the accept loop, waits for it to finish, and removes the
// socket file.
func (s *SocketServer) Close() error {
	s.log.Info("socket server shutting down")

	// The closed flag must be up before the listener goes down, or the
	// accept loop would treat the closure as an error.
	s.closeMu.Lock()
	s.closed = true
	s.closeMu.Unlock()

	// Closing the listener unblocks Accept.
	var closeErr error
	if s.listener != nil {
		closeErr = s.listener.Close()
	}

	// The socket file stays until the accept loop is done with it.
	s.wg.Wait()

	if s.path != "" {
		if rmErr := os.Remove(s.path); rmErr != nil && !os.IsNotExist(rmErr) {
			s.log.Warn("socket file not removed", "path", s.path, "error", rmErr)
		}
	}

	return closeErr
}

// SocketClient is the subprocess side of the approval socket. The MCP server
// uses it to push approval requests up to the engine.
type SocketClient struct {
	path string
	conn net.Conn
	in   *bufio.Reader
}

// NewSocketClient connects to the engine's socket for a conversation.
func NewSocketClient(socketPath string) (*SocketClient, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, err
	}

	return &SocketClient{
		path: socketPath,
		conn: conn,
		in:   bufio.NewReader(conn),
	}, nil
}

// SendApprovalRequest sends an approval request and waits for the decision.
// No read deadline is set while waiting; the user may take a long time to
// answer, and the server side denies after ApprovalResponseTimeout anyway.
func (c *SocketClient) SendApprovalRequest(req ApprovalRequest) (ApprovalResponse, error) {
	payload, err := json.Marshal(SocketMessage{Type: MessageTypeApproval, ApprovalReq: &req})
	if err != nil {
		return ApprovalResponse{}, err
	}

	c.conn.SetWriteDeadline(time.Now().Add(SocketWriteTimeout))
	if _, err := c.conn.Write(append(payload, '\n')); err != nil {
		return ApprovalResponse{}, fmt.Errorf("write approval request: %w", err)
	}

	c.conn.SetReadDeadline(time.Time{})

	line, err := c.in.ReadString('\n')
	if err != nil {
		return ApprovalResponse{}, fmt.Errorf("read approval response: %w", err)
	}

	var msg SocketMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return ApprovalResponse{}, err
	}

	if msg.ApprovalResp == nil {
		return ApprovalResponse{}, errors.New("expected approval response, got nil")
	}

	return *msg.ApprovalResp, nil
}

// Close drops the connection to the engine.
func (c *SocketClient) Close() error {
	return c.conn.Close()
}
