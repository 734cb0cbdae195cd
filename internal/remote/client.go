package remote

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/ChuLiYu/opgate/internal/operation"
	"github.com/ChuLiYu/opgate/pkg/types"
)

// Client delivers terminal notifications to a remote controller.
type Client struct {
	conn  grpc.ClientConnInterface
	close func() error
}

var _ operation.ServerService = (*Client)(nil)

// Dial connects to the controller at addr without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial controller %s: %w", addr, err)
	}
	return &Client{conn: conn, close: conn.Close}, nil
}

// NewClient wraps an existing connection. Close is a no-op for it.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Close releases the connection opened by Dial.
func (c *Client) Close() error {
	if c.close == nil {
		return nil
	}
	return c.close()
}

func (c *Client) OperationSucceeded(ctx context.Context, jobID types.JobID, result types.Configuration, invokedAt, completedAt time.Time) error {
	if result == nil {
		result = types.Configuration{}
	}
	return c.send(ctx, methodSucceeded, jobID, result, nil, invokedAt, fieldCompletedAt, completedAt)
}

func (c *Client) OperationFailed(ctx context.Context, jobID types.JobID, result types.Configuration, failure *types.ErrorInfo, invokedAt, completedAt time.Time) error {
	return c.send(ctx, methodFailed, jobID, result, failure, invokedAt, fieldCompletedAt, completedAt)
}

func (c *Client) OperationTimedOut(ctx context.Context, jobID types.JobID, invokedAt, timedOutAt time.Time) error {
	return c.send(ctx, methodTimedOut, jobID, nil, nil, invokedAt, fieldTimedOutAt, timedOutAt)
}

func (c *Client) send(ctx context.Context, method string, jobID types.JobID, result types.Configuration,
	failure *types.ErrorInfo, invokedAt time.Time, endField string, endAt time.Time) error {
	req, err := encodeRequest(jobID, result, failure, invokedAt, endField, endAt)
	if err != nil {
		return fmt.Errorf("encode %s for %s: %w", method, jobID, err)
	}
	if err := c.conn.Invoke(ctx, fullMethod(method), req, &emptypb.Empty{}); err != nil {
		return fmt.Errorf("%s for %s: %w", method, jobID, err)
	}
	return nil
}
