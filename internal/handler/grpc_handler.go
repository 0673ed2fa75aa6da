package handler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-ex-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-ex-approvals/internal/service"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "expense.approvals.v1.ApprovalService"

// ActorMetadataKey carries the acting person id in gRPC metadata.
const ActorMetadataKey = "x-actor-id"

// ApprovalServiceServer is the server API. Payloads are google.protobuf.Struct
// documents using the same field names as the HTTP API.
type ApprovalServiceServer interface {
	ResolveCandidates(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Submit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SaveDraft(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Act(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Cancel(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetInstance(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetHistory(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PendingFor(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterApprovalServiceServer registers srv with s.
func RegisterApprovalServiceServer(s grpc.ServiceRegistrar, srv ApprovalServiceServer) {
	s.RegisterService(&approvalServiceDesc, srv)
}

type unaryCall func(ApprovalServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(ApprovalServiceServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*structpb.Struct))
			})
		},
	}
}

var approvalServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ApprovalServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("ResolveCandidates", ApprovalServiceServer.ResolveCandidates),
		unaryMethod("Submit", ApprovalServiceServer.Submit),
		unaryMethod("SaveDraft", ApprovalServiceServer.SaveDraft),
		unaryMethod("Act", ApprovalServiceServer.Act),
		unaryMethod("Cancel", ApprovalServiceServer.Cancel),
		unaryMethod("GetInstance", ApprovalServiceServer.GetInstance),
		unaryMethod("GetHistory", ApprovalServiceServer.GetHistory),
		unaryMethod("PendingFor", ApprovalServiceServer.PendingFor),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "expense/approvals/v1/approvals.proto",
}

// GRPCHandler implements ApprovalServiceServer on top of the engine.
type GRPCHandler struct {
	engine *service.ApprovalEngine
	logger zerolog.Logger
}

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(engine *service.ApprovalEngine, logger zerolog.Logger) *GRPCHandler {
	return &GRPCHandler{
		engine: engine,
		logger: logger.With().Str("handler", "grpc").Logger(),
	}
}

// ── Interceptors ──────────────────────────────────────────────────────────────

type actorKey struct{}

// ActorInterceptor copies the x-actor-id metadata value into the context.
func ActorInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if v := md.Get(ActorMetadataKey); len(v) > 0 {
				ctx = context.WithValue(ctx, actorKey{}, v[0])
			}
		}
		return next(ctx, req)
	}
}

// LoggingInterceptor logs every unary call with its outcome.
func LoggingInterceptor(log zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		ev := log.Info()
		if err != nil {
			ev = log.Warn().Err(err)
		}
		ev.Str("method", info.FullMethod).
			Str("code", status.Code(err).String()).
			Dur("duration", time.Since(start)).
			Msg("gRPC call")
		return resp, err
	}
}

func actorFrom(ctx context.Context) string {
	v, _ := ctx.Value(actorKey{}).(string)
	return v
}

// ── Methods ───────────────────────────────────────────────────────────────────

type candidatesRequest struct {
	TemplateID  string `json:"template_id"`
	StepID      string `json:"step_id"`
	ApplicantID string `json:"applicant_id"`
	Unit        string `json:"unit"`
}

// ResolveCandidates returns the eligible approvers for one step.
func (h *GRPCHandler) ResolveCandidates(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req candidatesRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	people, err := h.engine.ResolveCandidates(ctx, service.CandidateQuery{
		ApplicantID: req.ApplicantID,
		TemplateID:  req.TemplateID,
		StepID:      req.StepID,
		Unit:        req.Unit,
	})
	if err != nil {
		return nil, h.fail("ResolveCandidates", err)
	}
	return toStruct(map[string]any{"candidates": toPersonViews(people)})
}

type documentRequest struct {
	DocumentID string `json:"document_id"`
}

type grpcSubmitRequest struct {
	documentRequest
	submitBody
}

// Submit submits or resubmits a document on behalf of the calling applicant.
func (h *GRPCHandler) Submit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req grpcSubmitRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	h.logger.Info().Str("document_id", req.DocumentID).Str("template_id", req.TemplateID).Msg("gRPC Submit called")

	res, err := h.engine.Submit(ctx, service.SubmitRequest{
		DocumentID:   req.DocumentID,
		ApplicantID:  actorFrom(ctx),
		TemplateID:   req.TemplateID,
		Selections:   req.Selections,
		SubmissionID: req.SubmissionID,
		Comment:      req.Comment,
	})
	if err != nil {
		return nil, h.fail("Submit", err)
	}
	return toStruct(map[string]any{"instance": toInstanceView(res.Instance), "replayed": res.Replayed})
}

type grpcDraftRequest struct {
	documentRequest
	draftBody
}

// SaveDraft stores draft approver selections.
func (h *GRPCHandler) SaveDraft(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req grpcDraftRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	saved, err := h.engine.SaveDraft(ctx, service.DraftRequest{
		DocumentID:  req.DocumentID,
		ApplicantID: actorFrom(ctx),
		TemplateID:  req.TemplateID,
		Selections:  req.Selections,
	})
	if err != nil {
		return nil, h.fail("SaveDraft", err)
	}
	out := make([]assignmentView, 0, len(saved))
	for _, a := range saved {
		out = append(out, toAssignmentView(a))
	}
	return toStruct(map[string]any{"assignments": out})
}

type grpcActRequest struct {
	InstanceID string `json:"instance_id"`
	actBody
}

// Act records an approver decision.
func (h *GRPCHandler) Act(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req grpcActRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	h.logger.Info().Str("instance_id", req.InstanceID).Str("decision", req.Decision).Msg("gRPC Act called")

	inst, err := h.engine.Act(ctx, service.ActRequest{
		InstanceID:      req.InstanceID,
		ExpectedVersion: req.ExpectedVersion,
		ActorID:         actorFrom(ctx),
		Decision:        req.Decision,
		Comment:         req.Comment,
	})
	if err != nil {
		return nil, h.fail("Act", err)
	}
	return toStruct(map[string]any{"instance": toInstanceView(inst)})
}

// Cancel withdraws a submitted document.
func (h *GRPCHandler) Cancel(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req documentRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	inst, err := h.engine.Cancel(ctx, req.DocumentID, actorFrom(ctx))
	if err != nil {
		return nil, h.fail("Cancel", err)
	}
	return toStruct(map[string]any{"instance": toInstanceView(inst)})
}

// GetInstance returns the workflow instance of a document.
func (h *GRPCHandler) GetInstance(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req documentRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	inst, err := h.engine.GetInstance(ctx, req.DocumentID)
	if err != nil {
		return nil, h.fail("GetInstance", err)
	}
	docStatus, err := h.engine.GetDocumentStatus(ctx, req.DocumentID)
	if err != nil {
		return nil, h.fail("GetInstance", err)
	}
	return toStruct(map[string]any{"instance": toInstanceView(inst), "document_status": docStatus})
}

// GetHistory returns the action ledger of a document, oldest first.
func (h *GRPCHandler) GetHistory(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req documentRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	entries, err := h.engine.GetHistory(ctx, req.DocumentID)
	if err != nil {
		return nil, h.fail("GetHistory", err)
	}
	out := make([]historyView, 0, len(entries))
	for _, e := range entries {
		out = append(out, toHistoryView(e))
	}
	return toStruct(map[string]any{"history": out})
}

type pendingRequest struct {
	PersonID string `json:"person_id"`
}

// PendingFor lists the assignments awaiting a person. Defaults to the caller.
func (h *GRPCHandler) PendingFor(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req pendingRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	if req.PersonID == "" {
		req.PersonID = actorFrom(ctx)
	}
	rows, err := h.engine.PendingFor(ctx, req.PersonID)
	if err != nil {
		return nil, h.fail("PendingFor", err)
	}
	out := make([]map[string]any, 0, len(rows))
	for _, p := range rows {
		out = append(out, map[string]any{
			"assignment": toAssignmentView(p.Assignment),
			"instance":   toInstanceView(p.Instance),
		})
	}
	return toStruct(map[string]any{"pending": out})
}

// ── helpers ───────────────────────────────────────────────────────────────────

func (h *GRPCHandler) fail(method string, err error) error {
	if errors.CodeOf(err) == errors.ErrCodeInternal {
		h.logger.Error().Err(err).Str("method", method).Msg("gRPC call failed")
	}
	return mapErrorToGRPC(err)
}

// fromStruct decodes a Struct payload into v through its JSON form.
func fromStruct(in *structpb.Struct, v any) error {
	data, err := protojson.Marshal(in)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid payload: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid payload: %v", err)
	}
	return nil
}

// toStruct encodes v, a JSON-serializable value, as a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// mapErrorToGRPC maps service errors to gRPC status errors.
func mapErrorToGRPC(err error) error {
	if err == nil {
		return nil
	}
	switch errors.CodeOf(err) {
	case errors.ErrCodeValidation:
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.ErrCodeNotFound:
		return status.Error(codes.NotFound, err.Error())
	case errors.ErrCodeConflict:
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.ErrCodeForbidden:
		return status.Error(codes.PermissionDenied, err.Error())
	default:
		return status.Error(codes.Internal, "internal error")
	}
}
