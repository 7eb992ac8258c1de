package query

import (
	"context"
	"errors"
	"math"
	"strings"

	json "github.com/goccy/go-json"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/caesar-terminal/bookreplay/internal/archive"
)

// Handler implements SnapshotQueryServer over an archive.
type Handler struct {
	archive *archive.Archive
}

// NewHandler creates a Handler reading from a.
func NewHandler(a *archive.Archive) *Handler {
	return &Handler{archive: a}
}

// GetSnapshot returns the snapshot stored for ticker at timestamp.
func (h *Handler) GetSnapshot(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	ticker := normalizeTicker(fields["ticker"].GetStringValue())
	if ticker == "" {
		return nil, status.Errorf(codes.InvalidArgument, "ticker is required")
	}
	tsVal, ok := fields["timestamp"].GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "timestamp is required")
	}
	ts := tsVal.NumberValue
	if ts != math.Trunc(ts) || math.IsInf(ts, 0) || math.Abs(ts) > 1<<53 {
		return nil, status.Errorf(codes.InvalidArgument, "invalid timestamp %v, expected integer seconds", ts)
	}

	snap, err := h.archive.Get(ticker, int64(ts))
	if err != nil {
		return nil, archiveStatus(err)
	}
	return toStruct(snap)
}

// HistoryRange returns the oldest and newest archived timestamps for ticker.
func (h *Handler) HistoryRange(_ context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	ticker := normalizeTicker(req.GetValue())
	if ticker == "" {
		return nil, status.Errorf(codes.InvalidArgument, "ticker is required")
	}
	r, err := h.archive.HistoryRange(ticker)
	if err != nil {
		return nil, archiveStatus(err)
	}
	return toStruct(r)
}

// ListInstruments returns every instrument with archived history.
func (h *Handler) ListInstruments(context.Context, *emptypb.Empty) (*structpb.ListValue, error) {
	names, err := h.archive.Instruments()
	if err != nil {
		return nil, archiveStatus(err)
	}
	vals := make([]any, len(names))
	for i, n := range names {
		vals[i] = n
	}
	out, err := structpb.NewList(vals)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode instruments: %v", err)
	}
	return out, nil
}

func archiveStatus(err error) error {
	switch {
	case errors.Is(err, archive.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, archive.ErrInvalidInstrument):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// toStruct converts v through its JSON form so field names match the
// REST responses.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	return out, nil
}

func normalizeTicker(t string) string {
	return strings.ToUpper(strings.TrimSpace(t))
}
