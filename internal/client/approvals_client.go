package client

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const approvalServicePath = "/expense.approvals.v1.ApprovalService/"

// ApprovalsGRPCClient calls the approval service over gRPC. Requests and
// responses are plain maps carried as google.protobuf.Struct.
type ApprovalsGRPCClient struct {
	conn *grpc.ClientConn
}

// NewApprovalsGRPCClient dials the approvals gRPC service. actorID, when set,
// is attached to every call as x-actor-id metadata.
func NewApprovalsGRPCClient(addr, actorID string) (*ApprovalsGRPCClient, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithChainUnaryInterceptor(forwardMetadata, withActor(actorID)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}
	return &ApprovalsGRPCClient{conn: conn}, nil
}

// Close releases the underlying gRPC connection.
func (c *ApprovalsGRPCClient) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Call invokes method with req and returns the decoded response.
func (c *ApprovalsGRPCClient) Call(ctx context.Context, method string, req map[string]any) (map[string]any, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, approvalServicePath+method, in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// ResolveCandidates lists eligible approvers for a template step.
func (c *ApprovalsGRPCClient) ResolveCandidates(ctx context.Context, templateID, stepID, applicantID, unit string) ([]map[string]any, error) {
	resp, err := c.Call(ctx, "ResolveCandidates", map[string]any{
		"template_id":  templateID,
		"step_id":      stepID,
		"applicant_id": applicantID,
		"unit":         unit,
	})
	if err != nil {
		return nil, err
	}
	return listOf(resp, "candidates"), nil
}

// Act records a decision on an instance. Returns the updated instance.
func (c *ApprovalsGRPCClient) Act(ctx context.Context, instanceID string, expectedVersion int, decision, comment string) (map[string]any, error) {
	resp, err := c.Call(ctx, "Act", map[string]any{
		"instance_id":      instanceID,
		"expected_version": expectedVersion,
		"decision":         decision,
		"comment":          comment,
	})
	if err != nil {
		return nil, err
	}
	inst, _ := resp["instance"].(map[string]any)
	return inst, nil
}

// GetInstance returns the instance of a document, or nil if none exists.
func (c *ApprovalsGRPCClient) GetInstance(ctx context.Context, documentID string) (map[string]any, error) {
	resp, err := c.Call(ctx, "GetInstance", map[string]any{"document_id": documentID})
	if err != nil {
		if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
			return nil, nil
		}
		return nil, err
	}
	inst, _ := resp["instance"].(map[string]any)
	return inst, nil
}

// GetHistory returns the ledger entries of a document, oldest first.
func (c *ApprovalsGRPCClient) GetHistory(ctx context.Context, documentID string) ([]map[string]any, error) {
	resp, err := c.Call(ctx, "GetHistory", map[string]any{"document_id": documentID})
	if err != nil {
		return nil, err
	}
	return listOf(resp, "history"), nil
}

// Cancel withdraws a submitted document.
func (c *ApprovalsGRPCClient) Cancel(ctx context.Context, documentID string) (map[string]any, error) {
	resp, err := c.Call(ctx, "Cancel", map[string]any{"document_id": documentID})
	if err != nil {
		return nil, err
	}
	inst, _ := resp["instance"].(map[string]any)
	return inst, nil
}

func listOf(resp map[string]any, key string) []map[string]any {
	raw, _ := resp[key].([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, v := range raw {
		if m, ok := v.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// FormatJSON renders a response for terminal output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
