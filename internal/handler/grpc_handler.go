package handler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-expense-approvals/internal/clock"
	"github.com/pesio-ai/be-expense-approvals/internal/errors"
)

// RoutingService is the gRPC service name. Requests and replies are
// google.protobuf.Struct messages.
const RoutingService = "expense.v1.ApprovalRouting"

// GRPCHandler serves the approval-routing RPCs used by other backends.
type GRPCHandler struct {
	delegations Delegations
	approvers   Approvers
	sweeper     Sweeper
	clock       clock.Clock
	logger      zerolog.Logger
}

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(delegations Delegations, approvers Approvers, sweeper Sweeper, clk clock.Clock, logger zerolog.Logger) *GRPCHandler {
	return &GRPCHandler{
		delegations: delegations,
		approvers:   approvers,
		sweeper:     sweeper,
		clock:       clk,
		logger:      logger.With().Str("handler", "grpc").Logger(),
	}
}

// userID extracts the caller's user id from incoming metadata, or returns
// an empty string.
func userID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get("x-user-id"); len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

// ResolveApprovers returns {project_id, approvers: [ids], resolved_at}.
func (h *GRPCHandler) ResolveApprovers(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	projectID := field(req, "project_id")
	h.logger.Debug().Str("project_id", projectID).Msg("gRPC ResolveApprovers called")

	if projectID == "" {
		return nil, toStatus(errors.InvalidInput("project_id", "project_id is required"))
	}

	now := h.clock.Now()
	set, err := h.approvers.ResolveProject(ctx, projectID, now)
	if err != nil {
		h.logger.Error().Err(err).Str("project_id", projectID).Msg("Failed to resolve approvers")
		return nil, toStatus(err)
	}

	ids := set.Sorted()
	list := make([]interface{}, len(ids))
	for i, id := range ids {
		list[i] = id
	}
	return toStruct(map[string]interface{}{
		"project_id":  projectID,
		"approvers":   list,
		"resolved_at": now.UTC().Format(time.RFC3339),
	})
}

// AcceptDelegation records the caller's acceptance and returns the record.
func (h *GRPCHandler) AcceptDelegation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	r := respondFromStruct(req)
	caller := userID(ctx)
	h.logger.Info().Str("project_id", r.ProjectID).Str("caller", caller).Msg("gRPC AcceptDelegation called")

	ref, err := delegateRef(caller, r)
	if err != nil {
		return nil, toStatus(err)
	}
	d, err := h.delegations.Accept(ctx, r.ProjectID, ref, r.Message)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(d)
}

// RejectDelegation records the caller's rejection and returns the record.
func (h *GRPCHandler) RejectDelegation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	r := respondFromStruct(req)
	caller := userID(ctx)
	h.logger.Info().Str("project_id", r.ProjectID).Str("caller", caller).Msg("gRPC RejectDelegation called")

	ref, err := delegateRef(caller, r)
	if err != nil {
		return nil, toStatus(err)
	}
	d, err := h.delegations.Reject(ctx, r.ProjectID, ref, r.Message)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(d)
}

// SweepExpired deactivates expired delegations for project_id, or for every
// project when it is empty. Returns {deactivated}.
func (h *GRPCHandler) SweepExpired(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	projectID := field(req, "project_id")
	h.logger.Info().Str("project_id", projectID).Str("caller", userID(ctx)).Msg("gRPC SweepExpired called")

	var (
		n   int
		err error
	)
	if projectID != "" {
		n, err = h.sweeper.Sweep(ctx, projectID)
	} else {
		n, err = h.sweeper.SweepAll(ctx)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]interface{}{"deactivated": n})
}

// ServiceDesc describes the routing service for grpc.Server.RegisterService.
func (h *GRPCHandler) ServiceDesc() *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: RoutingService,
		HandlerType: (*interface{})(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "ResolveApprovers", Handler: unary("ResolveApprovers", h.ResolveApprovers)},
			{MethodName: "AcceptDelegation", Handler: unary("AcceptDelegation", h.AcceptDelegation)},
			{MethodName: "RejectDelegation", Handler: unary("RejectDelegation", h.RejectDelegation)},
			{MethodName: "SweepExpired", Handler: unary("SweepExpired", h.SweepExpired)},
		},
		Metadata: "expense/v1/approval_routing.proto",
	}
}

// Register adds the routing service to srv.
func (h *GRPCHandler) Register(srv *grpc.Server) {
	srv.RegisterService(h.ServiceDesc(), h)
}

func unary(method string, fn func(context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	fullMethod := "/" + RoutingService + "/" + method
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := &structpb.Struct{}
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return fn(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
			return fn(ctx, req.(*structpb.Struct))
		})
	}
}

func respondFromStruct(req *structpb.Struct) respondRequest {
	r := respondRequest{
		ProjectID:  field(req, "project_id"),
		ApproverID: field(req, "approver_id"),
	}
	if msg := field(req, "message"); msg != "" {
		r.Message = &msg
	}
	return r
}

func field(s *structpb.Struct, name string) string {
	return s.GetFields()[name].GetStringValue()
}

// toStruct converts v to a Struct through its JSON form, so replies carry
// the same field names as the HTTP API.
func toStruct(v interface{}) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, toStatus(errors.Wrap(err, errors.ErrCodeInternal, "failed to encode reply"))
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, toStatus(errors.Wrap(err, errors.ErrCodeInternal, "failed to encode reply"))
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, toStatus(errors.Wrap(err, errors.ErrCodeInternal, "failed to encode reply"))
	}
	return s, nil
}

func toStatus(err error) error {
	msg := err.Error()
	var typed *errors.Error
	if errors.As(err, &typed) {
		msg = typed.Message
	}
	return status.Error(errors.GRPCCode(err), msg)
}
