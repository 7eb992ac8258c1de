package query

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/caesar-terminal/bookreplay/internal/archive"
)

// Client is a typed client for the SnapshotQuery service. NotFound
// answers are reported as archive.ErrNotFound.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// GetSnapshot fetches the snapshot stored for ticker at ts.
func (c *Client) GetSnapshot(ctx context.Context, ticker string, ts int64) (archive.Snapshot, error) {
	req, err := structpb.NewStruct(map[string]any{"ticker": ticker, "timestamp": ts})
	if err != nil {
		return archive.Snapshot{}, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodGetSnapshot, req, out); err != nil {
		return archive.Snapshot{}, clientError(err)
	}
	var snap archive.Snapshot
	if err := fromMessage(out, &snap); err != nil {
		return archive.Snapshot{}, err
	}
	return snap, nil
}

// HistoryRange fetches the archived time range for ticker.
func (c *Client) HistoryRange(ctx context.Context, ticker string) (archive.Range, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodHistoryRange, wrapperspb.String(ticker), out); err != nil {
		return archive.Range{}, clientError(err)
	}
	var r archive.Range
	if err := fromMessage(out, &r); err != nil {
		return archive.Range{}, err
	}
	return r, nil
}

// ListInstruments fetches every instrument with archived history.
func (c *Client) ListInstruments(ctx context.Context) ([]string, error) {
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, methodListInstruments, &emptypb.Empty{}, out); err != nil {
		return nil, clientError(err)
	}
	names := make([]string, 0, len(out.GetValues()))
	for _, v := range out.GetValues() {
		names = append(names, v.GetStringValue())
	}
	return names, nil
}

func clientError(err error) error {
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("%w: %s", archive.ErrNotFound, status.Convert(err).Message())
	}
	return err
}

func fromMessage(m proto.Message, dst any) error {
	b, err := protojson.Marshal(m)
	if err != nil {
		return fmt.Errorf("query: decode response: %w", err)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("query: decode response: %w", err)
	}
	return nil
}
