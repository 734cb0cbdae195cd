// Package remote carries controller notifications over gRPC.
//
// There is no generated stub package: requests are google.protobuf.Struct
// messages and responses google.protobuf.Empty, so the wire format stays
// readable from any gRPC client (grpcurl included).
package remote

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/opgate/pkg/types"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "opgate.v1.ControllerService"

const (
	methodSucceeded = "OperationSucceeded"
	methodFailed    = "OperationFailed"
	methodTimedOut  = "OperationTimedOut"
)

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// Field names used in the request structs.
const (
	fieldJobID       = "job_id"
	fieldResult      = "result"
	fieldFailure     = "failure"
	fieldInvokedAt   = "invoked_at"
	fieldCompletedAt = "completed_at"
	fieldTimedOutAt  = "timed_out_at"

	fieldErrorName    = "name"
	fieldErrorMessage = "message"
	fieldErrorStack   = "stack_trace"
)

// notification is the decoded form of any of the three requests.
type notification struct {
	JobID       types.JobID
	Result      types.Configuration
	Failure     *types.ErrorInfo
	InvokedAt   time.Time
	CompletedAt time.Time
}

func encodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// plainConfiguration rewrites cfg into the JSON value space (string, float64,
// bool, nil, []any, map[string]any) accepted by structpb.
func plainConfiguration(cfg types.Configuration) (map[string]any, error) {
	if len(cfg) == 0 {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("result is not serializable: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func encodeRequest(jobID types.JobID, result types.Configuration, failure *types.ErrorInfo, invokedAt time.Time, endField string, endAt time.Time) (*structpb.Struct, error) {
	fields := map[string]any{
		fieldJobID:     string(jobID),
		fieldInvokedAt: encodeTime(invokedAt),
		endField:       encodeTime(endAt),
	}
	if result != nil {
		plain, err := plainConfiguration(result)
		if err != nil {
			return nil, err
		}
		fields[fieldResult] = plain
	}
	if failure != nil {
		fields[fieldFailure] = map[string]any{
			fieldErrorName:    failure.Name,
			fieldErrorMessage: failure.Message,
			fieldErrorStack:   failure.StackTrace,
		}
	}
	return structpb.NewStruct(fields)
}

func decodeRequest(req *structpb.Struct, endField string) (*notification, error) {
	fields := req.GetFields()

	jobID := fields[fieldJobID].GetStringValue()
	if jobID == "" {
		return nil, fmt.Errorf("missing %s", fieldJobID)
	}
	invokedAt, err := decodeTime(fields, fieldInvokedAt)
	if err != nil {
		return nil, err
	}
	endAt, err := decodeTime(fields, endField)
	if err != nil {
		return nil, err
	}

	n := &notification{
		JobID:       types.JobID(jobID),
		InvokedAt:   invokedAt,
		CompletedAt: endAt,
	}
	if v, ok := fields[fieldResult]; ok && v.GetStructValue() != nil {
		n.Result = types.Configuration(v.GetStructValue().AsMap())
	}
	if v, ok := fields[fieldFailure]; ok && v.GetStructValue() != nil {
		f := v.GetStructValue().GetFields()
		n.Failure = &types.ErrorInfo{
			Name:       f[fieldErrorName].GetStringValue(),
			Message:    f[fieldErrorMessage].GetStringValue(),
			StackTrace: f[fieldErrorStack].GetStringValue(),
		}
	}
	return n, nil
}

func decodeTime(fields map[string]*structpb.Value, name string) (time.Time, error) {
	raw := fields[name].GetStringValue()
	if raw == "" {
		return time.Time{}, fmt.Errorf("missing %s", name)
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s: %w", name, err)
	}
	return t, nil
}
