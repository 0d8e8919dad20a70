package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cuemby/dispatch/pkg/api"
	"github.com/cuemby/dispatch/pkg/events"
	"github.com/cuemby/dispatch/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// callTimeout bounds every unary call except synchronous submissions
const callTimeout = 10 * time.Second

var (
	// ErrRejected is returned when the coordinator rejects a submission
	ErrRejected = errors.New("rejected")

	// ErrInvalid is returned for malformed work items
	ErrInvalid = errors.New("invalid request")

	// ErrReadOnly is returned when a mutating call is made over the Unix socket
	ErrReadOnly = errors.New("read-only connection")
)

// Client wraps the dispatch gRPC API for easy CLI usage
type Client struct {
	conn *grpc.ClientConn
}

// NewClient connects to addr. An absolute path or a "unix://" target dials
// the read-only Unix socket; anything else is a TCP host:port.
func NewClient(addr string) (*Client, error) {
	target := addr
	if strings.HasPrefix(addr, "/") {
		target = "unix://" + addr
	}

	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(api.CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	return &Client{conn: conn}, nil
}

// Close closes the client connection
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	if err := c.conn.Invoke(ctx, api.FullMethod(method), req, resp); err != nil {
		return fromStatus(err)
	}
	return nil
}

func (c *Client) call(method string, req, resp any) error {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	return c.invoke(ctx, method, req, resp)
}

// Submit submits one work item and returns its status after admission
func (c *Client) Submit(item *types.WorkItem) (*types.TaskStatus, error) {
	var resp api.SubmitResponse
	if err := c.call("Submit", &api.SubmitRequest{Item: item}, &resp); err != nil {
		return nil, err
	}
	return resp.Status, nil
}

// SubmitAndWait submits item and blocks until it is terminal or timeout
// elapses. On timeout the current status is returned together with
// types.ErrSynchronousTimeout; the task keeps running on the server.
func (c *Client) SubmitAndWait(item *types.WorkItem, timeout time.Duration) (*types.TaskStatus, error) {
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout+callTimeout)
		defer cancel()
	}

	var resp api.SubmitResponse
	req := &api.SubmitRequest{Item: item, Synchronous: true, Timeout: timeout}
	if err := c.invoke(ctx, "Submit", req, &resp); err != nil {
		return nil, err
	}
	if resp.TimedOut {
		return resp.Status, types.ErrSynchronousTimeout
	}
	return resp.Status, nil
}

// SubmitItinerary submits items as one group and returns the group id
func (c *Client) SubmitItinerary(items []*types.WorkItem) (string, []*types.TaskStatus, error) {
	var resp api.SubmitItineraryResponse
	if err := c.call("SubmitItinerary", &api.SubmitItineraryRequest{Items: items}, &resp); err != nil {
		return "", nil, err
	}
	return resp.GroupID, resp.Statuses, nil
}

// Status gets the status of one task
func (c *Client) Status(taskID string) (*types.TaskStatus, error) {
	var resp api.StatusResponse
	if err := c.call("Status", &api.StatusRequest{TaskID: taskID}, &resp); err != nil {
		return nil, err
	}
	return resp.Status, nil
}

// Search lists the live statuses matching filter
func (c *Client) Search(filter types.Filter) ([]*types.TaskStatus, error) {
	var resp api.SearchResponse
	if err := c.call("Search", &api.SearchRequest{Filter: filter}, &resp); err != nil {
		return nil, err
	}
	return resp.Statuses, nil
}

// Cancel requests cancellation of a task. false means the task was
// already terminal.
func (c *Client) Cancel(taskID string) (bool, error) {
	var resp api.CancelResponse
	if err := c.call("Cancel", &api.CancelRequest{TaskID: taskID}, &resp); err != nil {
		return false, err
	}
	return resp.Canceled, nil
}

// Complete reports the outcome of a deferred call. A nil taskErr succeeds the
// task with result.
func (c *Client) Complete(taskID string, result json.RawMessage, taskErr *types.TaskError) (*types.TaskStatus, error) {
	var resp api.CompleteResponse
	req := &api.CompleteRequest{TaskID: taskID, Result: result, Error: taskErr}
	if err := c.call("Complete", req, &resp); err != nil {
		return nil, err
	}
	return resp.Status, nil
}

// CancelGroup cancels every task of an itinerary
func (c *Client) CancelGroup(groupID string) (map[string]bool, error) {
	var resp api.CancelGroupResponse
	if err := c.call("CancelGroup", &api.CancelGroupRequest{GroupID: groupID}, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// Heartbeat reports that the named worker process is alive
func (c *Client) Heartbeat(worker string) error {
	var resp api.HeartbeatResponse
	return c.call("Heartbeat", &api.HeartbeatRequest{Worker: worker, Timestamp: time.Now()}, &resp)
}

// ListWorkers lists the live workers
func (c *Client) ListWorkers() ([]*types.Worker, error) {
	var resp api.ListWorkersResponse
	if err := c.call("ListWorkers", &api.ListWorkersRequest{}, &resp); err != nil {
		return nil, err
	}
	return resp.Workers, nil
}

// History lists archived calls matching filter
func (c *Client) History(filter types.Filter) ([]*types.ArchivedCall, error) {
	var resp api.HistoryResponse
	if err := c.call("History", &api.HistoryRequest{Filter: filter}, &resp); err != nil {
		return nil, err
	}
	return resp.Calls, nil
}

// PurgeHistory deletes archived calls older than olderThan, keeping at
// least the newest keep
func (c *Client) PurgeHistory(olderThan time.Duration, keep int) (int64, error) {
	var resp api.PurgeHistoryResponse
	if err := c.call("PurgeHistory", &api.PurgeHistoryRequest{OlderThan: olderThan, Keep: keep}, &resp); err != nil {
		return 0, err
	}
	return resp.Purged, nil
}

// WatchEvents streams lifecycle events matching req to fn until ctx is
// done, the server closes the stream or fn returns an error
func (c *Client) WatchEvents(ctx context.Context, req *api.WatchEventsRequest, fn func(*events.Event) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.conn.NewStream(ctx, &api.ServiceDesc.Streams[0], api.FullMethod("WatchEvents"))
	if err != nil {
		return fromStatus(err)
	}
	if err := stream.SendMsg(req); err != nil {
		return fromStatus(err)
	}
	if err := stream.CloseSend(); err != nil {
		return fromStatus(err)
	}

	for {
		var event events.Event
		if err := stream.RecvMsg(&event); err != nil {
			if err == io.EOF || ctx.Err() != nil {
				return nil
			}
			return fromStatus(err)
		}
		if err := fn(&event); err != nil {
			return err
		}
	}
}

// fromStatus maps gRPC status codes back to the errors callers check for
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%w: %s", types.ErrNotFound, st.Message())
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", ErrInvalid, st.Message())
	case codes.FailedPrecondition:
		return fmt.Errorf("%w: %s", ErrRejected, st.Message())
	case codes.Aborted:
		return fmt.Errorf("%w: %s", types.ErrNotAwaiting, st.Message())
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s", types.ErrSynchronousTimeout, st.Message())
	case codes.Unavailable:
		return fmt.Errorf("server unavailable: %s", st.Message())
	case codes.PermissionDenied:
		return fmt.Errorf("%w: %s", ErrReadOnly, st.Message())
	default:
		return fmt.Errorf("%s: %s", st.Code(), st.Message())
	}
}
