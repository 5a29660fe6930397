// Package api — operator.go
//
// Unix domain socket server for VAGUSGUARD governance operations.
//
// Protocol: newline-delimited JSON over a Unix domain socket, mirroring the
// ambient operator-console convention: one request, one response, per
// connection.
//
// Socket path: /run/vagusguard/operator.sock (configurable).
// Permissions: 0600, owned by root. Only root can connect; the socket
// boundary is the sole authorization check — requests are not additionally
// signed or password-protected.
//
// Commands (JSON request → JSON response):
//
//	{"cmd":"status"}
//	  → {"ok":true,"state":"SAFE","tone":8500}
//	  ("paused":true is added only while the Issuer is paused)
//
//	{"cmd":"emergency_pause"}
//	  → {"ok":true,"paused":true}
//
//	{"cmd":"emergency_unpause"}
//	  → {"ok":true}
//
//	{"cmd":"set_reflex_arc","reflex_arc":"reflex-node-1"}
//	  → {"ok":true}
//
//	{"cmd":"set_authorized_executors","executors":["brake-node-1"]}
//	  → {"ok":true}
//
//	{"cmd":"set_rate_limit","window_seconds":60,"max_requests":100}
//	  → {"ok":true}
//
//	{"cmd":"set_circuit_breaker_params","breaker_threshold":5,"breaker_timeout_seconds":30,"breaker_recovery":3}
//	  → {"ok":true}
//
//	{"cmd":"set_authorized_attestors","attestors":["gateway-1"]}
//	  → {"ok":true}
//
//	{"cmd":"manual_trigger","executor_id":7,"reason":"operator override"}
//	  → {"ok":true}
//
// Security:
//   - Each connection handled in its own goroutine, bounded by a semaphore.
//   - Max request size: 4096 bytes.
//   - Connection timeout: one 10s deadline covering both read and write.
//   - Only manual_trigger leaves an audit ledger entry (written by the Reflex
//     Arc); status and the governance setters write none.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/vagusguard/vagusguard/internal/ans"
	"github.com/vagusguard/vagusguard/internal/capability"
	"github.com/vagusguard/vagusguard/internal/inbox"
	"github.com/vagusguard/vagusguard/internal/reflex"
)

const (
	operatorMaxConcurrentConns = 4
	operatorMaxRequestBytes    = 4096
	operatorConnTimeout        = 10 * time.Second
)

// OperatorRequest is the JSON structure for governance commands.
type OperatorRequest struct {
	Cmd                   string   `json:"cmd"`
	ReflexArc             string   `json:"reflex_arc,omitempty"`
	Executors             []string `json:"executors,omitempty"`
	WindowSeconds         int64    `json:"window_seconds,omitempty"`
	MaxRequests           int      `json:"max_requests,omitempty"`
	BreakerThreshold      int      `json:"breaker_threshold,omitempty"`
	BreakerTimeoutSeconds int64    `json:"breaker_timeout_seconds,omitempty"`
	BreakerRecovery       int      `json:"breaker_recovery,omitempty"`
	Attestors             []string `json:"attestors,omitempty"`
	ExecutorID            uint64   `json:"executor_id,omitempty"`
	Reason                string   `json:"reason,omitempty"`
}

// OperatorResponse is the JSON structure for governance command responses.
type OperatorResponse struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	State  string `json:"state,omitempty"`
	Tone   uint64 `json:"tone,omitempty"`
	Paused bool   `json:"paused,omitempty"`
}

// OperatorServer is the governance Unix domain socket server.
type OperatorServer struct {
	socketPath string

	ans    *ans.Manager
	issuer *capability.Issuer
	inbox  *inbox.Inbox
	reflex *reflex.Reflex

	// daoAddress is presented as the caller identity to every DAO-gated
	// governance setter; adminAddress is presented to Reflex.ManualTrigger.
	// Both are resolved from the socket's root-only access, not from the
	// request body.
	daoAddress   string
	adminAddress string

	log *zap.Logger
	sem chan struct{}
}

// NewOperatorServer creates an OperatorServer.
func NewOperatorServer(socketPath, daoAddress, adminAddress string, ansMgr *ans.Manager, issuer *capability.Issuer, ib *inbox.Inbox, rfx *reflex.Reflex, log *zap.Logger) *OperatorServer {
	return &OperatorServer{
		socketPath:   socketPath,
		ans:          ansMgr,
		issuer:       issuer,
		inbox:        ib,
		reflex:       rfx,
		daoAddress:   daoAddress,
		adminAddress: adminAddress,
		log:          log,
		sem:          make(chan struct{}, operatorMaxConcurrentConns),
	}
}

// ListenAndServe starts the operator socket server. Removes any stale
// socket file before binding. Blocks until ctx is cancelled.
func (s *OperatorServer) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("operator: remove stale socket %q: %w", s.socketPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("operator: mkdir %q: %w", filepath.Dir(s.socketPath), err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("operator: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("operator: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("operator socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Error("operator: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("operator: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(c)
		}(conn)
	}
}

func (s *OperatorServer) handleConn(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(operatorConnTimeout))

	buf := make([]byte, operatorMaxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("operator: read error", zap.Error(err))
		return
	}

	var req OperatorRequest
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, OperatorResponse{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	resp := s.dispatch(req)
	s.writeResponse(conn, resp)
}

func (s *OperatorServer) dispatch(req OperatorRequest) OperatorResponse {
	now := time.Now()
	switch req.Cmd {
	case "status":
		return OperatorResponse{OK: true, State: s.ans.CurrentState().String(), Tone: s.ans.CurrentTone().Value, Paused: s.issuer.IsPaused()}
	case "emergency_pause":
		if err := s.issuer.EmergencyPause(s.daoAddress); err != nil {
			return errResponse(err)
		}
		return OperatorResponse{OK: true, Paused: true}
	case "emergency_unpause":
		if err := s.issuer.EmergencyUnpause(s.daoAddress); err != nil {
			return errResponse(err)
		}
		return OperatorResponse{OK: true, Paused: false}
	case "set_reflex_arc":
		if err := s.issuer.SetReflexArc(s.daoAddress, req.ReflexArc); err != nil {
			return errResponse(err)
		}
		return OperatorResponse{OK: true}
	case "set_authorized_executors":
		if err := s.issuer.SetAuthorizedExecutors(s.daoAddress, req.Executors); err != nil {
			return errResponse(err)
		}
		return OperatorResponse{OK: true}
	case "set_rate_limit":
		if err := s.issuer.SetRateLimit(s.daoAddress, time.Duration(req.WindowSeconds)*time.Second, req.MaxRequests); err != nil {
			return errResponse(err)
		}
		return OperatorResponse{OK: true}
	case "set_circuit_breaker_params":
		if err := s.issuer.SetCircuitBreakerParams(s.daoAddress, req.BreakerThreshold, time.Duration(req.BreakerTimeoutSeconds)*time.Second, req.BreakerRecovery); err != nil {
			return errResponse(err)
		}
		return OperatorResponse{OK: true}
	case "set_authorized_attestors":
		if err := s.inbox.SetAuthorizedAttestors(s.daoAddress, req.Attestors); err != nil {
			return errResponse(err)
		}
		return OperatorResponse{OK: true}
	case "manual_trigger":
		if req.ExecutorID == 0 {
			return OperatorResponse{OK: false, Error: "executor_id required for manual_trigger"}
		}
		if err := s.reflex.ManualTrigger(now, s.adminAddress, req.ExecutorID, req.Reason); err != nil {
			return errResponse(err)
		}
		return OperatorResponse{OK: true}
	default:
		return OperatorResponse{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func errResponse(err error) OperatorResponse {
	return OperatorResponse{OK: false, Error: err.Error()}
}

func (s *OperatorServer) writeResponse(conn net.Conn, resp OperatorResponse) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}
