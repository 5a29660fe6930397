package api

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/vagusguard/vagusguard/internal/ans"
	"github.com/vagusguard/vagusguard/internal/brake"
	"github.com/vagusguard/vagusguard/internal/capability"
	"github.com/vagusguard/vagusguard/internal/inbox"
	"github.com/vagusguard/vagusguard/internal/types"
)

// IngressServer is the gRPC-facing planner/gateway contract: the one wire
// surface through which PostAEP, UpdateTone, IssueWithBrake, and IsValid
// are reachable from outside the process.
type IngressServer interface {
	UpdateTone(ctx context.Context, req *UpdateToneRequest) (*UpdateToneResponse, error)
	PostAEP(ctx context.Context, req *PostAEPRequest) (*PostAEPResponse, error)
	IssueWithBrake(ctx context.Context, req *IssueWithBrakeRequest) (*IssueWithBrakeResponse, error)
	IsValid(ctx context.Context, req *IsValidRequest) (*IsValidResponse, error)
}

// IngressService wires the gRPC contract to the ANS Manager, Vagal Brake,
// and Afferent Inbox. It does no validation of its own beyond decoding the
// wire representation — every invariant is enforced by the component it
// delegates to.
type IngressService struct {
	ans    *ans.Manager
	brake  *brake.Brake
	inbox  *inbox.Inbox
	issuer *capability.Issuer
	log    *zap.Logger
}

// NewIngressService creates an IngressService.
func NewIngressService(ansMgr *ans.Manager, brk *brake.Brake, ib *inbox.Inbox, issuer *capability.Issuer, log *zap.Logger) *IngressService {
	return &IngressService{ans: ansMgr, brake: brk, inbox: ib, issuer: issuer, log: log}
}

func stateFromRank(r uint8) types.ANSState {
	switch r {
	case 0:
		return types.StateSafe
	case 1:
		return types.StateDanger
	default:
		return types.StateShutdown
	}
}

// UpdateTone implements IngressServer.UpdateTone. Per spec.md §4.3's
// atomicity clause, a direct UpdateTone call must be serialized with any
// concurrent IssueWithBrake, so it is taken under the Brake's own lock in
// addition to the ANS Manager's internal one.
func (s *IngressService) UpdateTone(ctx context.Context, req *UpdateToneRequest) (*UpdateToneResponse, error) {
	s.brake.Lock()
	defer s.brake.Unlock()

	err := s.ans.UpdateTone(time.Unix(req.NowUnix, 0), req.Vti, stateFromRank(req.SuggestedRank))
	if err != nil {
		return nil, toGRPCError(err)
	}
	return &UpdateToneResponse{}, nil
}

// PostAEP implements IngressServer.PostAEP.
func (s *IngressService) PostAEP(ctx context.Context, req *PostAEPRequest) (*PostAEPResponse, error) {
	err := s.inbox.PostAEP(time.Unix(req.NowUnix, 0), req.Caller, req.ExecutorID,
		req.StateRootSha256, req.StateRootKeccak, req.MetricsHashSha256, req.MetricsHashKeccak, req.Attestation)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return &PostAEPResponse{}, nil
}

// IssueWithBrake implements IngressServer.IssueWithBrake.
func (s *IngressService) IssueWithBrake(ctx context.Context, req *IssueWithBrakeRequest) (*IssueWithBrakeResponse, error) {
	if len(req.ScaledLimitsHash) != 32 {
		return nil, toGRPCError(types.ErrInvalidInput("scaled_limits_hash must be exactly 32 bytes"))
	}
	var hash [32]byte
	copy(hash[:], req.ScaledLimitsHash)

	tokenID, err := s.brake.IssueWithBrake(time.Unix(req.NowUnix, 0), req.Caller, req.Intent, hash, req.ExpiresAt)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return &IssueWithBrakeResponse{TokenID: tokenID}, nil
}

// IsValid implements IngressServer.IsValid.
func (s *IngressService) IsValid(ctx context.Context, req *IsValidRequest) (*IsValidResponse, error) {
	return &IsValidResponse{Valid: s.issuer.IsValid(time.Unix(req.NowUnix, 0), req.TokenID)}, nil
}
