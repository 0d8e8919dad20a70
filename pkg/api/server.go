package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net"
	"os"
	"sync"
	"time"

	"github.com/cuemby/dispatch/pkg/coordinator"
	"github.com/cuemby/dispatch/pkg/events"
	"github.com/cuemby/dispatch/pkg/log"
	"github.com/cuemby/dispatch/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// maxSearchResults caps unbounded Search and History responses
const maxSearchResults = 1000

// Coordinator is the part of the coordinator the API serves
type Coordinator interface {
	Submit(ctx context.Context, item *types.WorkItem, opts coordinator.SubmitOptions) (*types.TaskStatus, error)
	SubmitItinerary(ctx context.Context, items []*types.WorkItem) (string, []*types.TaskStatus, error)
	Status(ctx context.Context, taskID string) (*types.TaskStatus, error)
	Search(filter types.Filter) iter.Seq2[*types.TaskStatus, error]
	Cancel(ctx context.Context, taskID string) (bool, error)
	CancelGroup(ctx context.Context, groupID string) (map[string]bool, error)
	Complete(ctx context.Context, taskID string, result json.RawMessage, taskErr *types.TaskError) (*types.TaskStatus, error)
	Heartbeat(name string, ts time.Time) error
	ListWorkers() []*types.Worker
}

// History is the archive the API queries
type History interface {
	Find(ctx context.Context, filter types.Filter) iter.Seq2[*types.ArchivedCall, error]
	Purge(ctx context.Context, olderThan time.Duration, keep int) (int64, error)
}

// Server implements the dispatch gRPC service
type Server struct {
	coord   Coordinator
	history History
	broker  *events.Broker

	grpc   *grpc.Server
	local  *grpc.Server
	logger zerolog.Logger

	// Closed by Stop so that event streams end before GracefulStop waits
	// on them
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewServer creates a new API server. history and broker may be nil.
func NewServer(coord Coordinator, history History, broker *events.Broker) *Server {
	s := &Server{
		coord:   coord,
		history: history,
		broker:  broker,
		grpc:    grpc.NewServer(),
		local: grpc.NewServer(
			grpc.UnaryInterceptor(ReadOnlyInterceptor()),
			grpc.StreamInterceptor(ReadOnlyStreamInterceptor()),
		),
		logger: log.WithComponent("api"),
		stopCh: make(chan struct{}),
	}
	s.grpc.RegisterService(&ServiceDesc, s)
	s.local.RegisterService(&ServiceDesc, s)
	return s
}

// Start starts the gRPC server on a TCP address
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis)
}

// Serve serves the full API on lis
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC API listening")
	return s.grpc.Serve(lis)
}

// StartUnix serves the read-only API on a Unix socket. A stale socket file
// from a previous run is removed first.
func (s *Server) StartUnix(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}
	lis, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		lis.Close()
		return fmt.Errorf("failed to restrict socket permissions: %w", err)
	}
	return s.ServeLocal(lis)
}

// ServeLocal serves the read-only API on lis
func (s *Server) ServeLocal(lis net.Listener) error {
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("Read-only API listening")
	return s.local.Serve(lis)
}

// Stop gracefully stops both listeners
func (s *Server) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.grpc.GracefulStop()
	s.local.GracefulStop()
}

// Submit submits one work item
func (s *Server) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	if req.Item == nil {
		return nil, status.Error(codes.InvalidArgument, "item is required")
	}
	st, err := s.coord.Submit(ctx, req.Item, coordinator.SubmitOptions{
		Synchronous: req.Synchronous,
		Timeout:     req.Timeout,
	})
	if errors.Is(err, types.ErrSynchronousTimeout) && st != nil {
		return &SubmitResponse{Status: st, TimedOut: true}, nil
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return &SubmitResponse{Status: st}, nil
}

// SubmitItinerary submits a group of work items
func (s *Server) SubmitItinerary(ctx context.Context, req *SubmitItineraryRequest) (*SubmitItineraryResponse, error) {
	groupID, statuses, err := s.coord.SubmitItinerary(ctx, req.Items)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SubmitItineraryResponse{GroupID: groupID, Statuses: statuses}, nil
}

// Status returns the status of one task
func (s *Server) Status(ctx context.Context, req *StatusRequest) (*StatusResponse, error) {
	st, err := s.coord.Status(ctx, req.TaskID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &StatusResponse{Status: st}, nil
}

// Search lists task statuses matching the filter
func (s *Server) Search(ctx context.Context, req *SearchRequest) (*SearchResponse, error) {
	filter := req.Filter
	if filter.Limit <= 0 || filter.Limit > maxSearchResults {
		filter.Limit = maxSearchResults
	}

	resp := &SearchResponse{}
	for st, err := range s.coord.Search(filter) {
		if err != nil {
			return nil, toStatus(err)
		}
		if ctx.Err() != nil {
			return nil, status.FromContextError(ctx.Err()).Err()
		}
		resp.Statuses = append(resp.Statuses, st)
	}
	return resp, nil
}

// Cancel requests cancellation of one task
func (s *Server) Cancel(ctx context.Context, req *CancelRequest) (*CancelResponse, error) {
	ok, err := s.coord.Cancel(ctx, req.TaskID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &CancelResponse{Canceled: ok}, nil
}

// CancelGroup cancels every task of an itinerary
func (s *Server) CancelGroup(ctx context.Context, req *CancelGroupRequest) (*CancelGroupResponse, error) {
	results, err := s.coord.CancelGroup(ctx, req.GroupID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &CancelGroupResponse{Results: results}, nil
}

// Complete records the outcome an external agent reports for a deferred call
func (s *Server) Complete(ctx context.Context, req *CompleteRequest) (*CompleteResponse, error) {
	if req.TaskID == "" {
		return nil, status.Error(codes.InvalidArgument, "task_id is required")
	}
	st, err := s.coord.Complete(ctx, req.TaskID, req.Result, req.Error)
	if err != nil {
		return nil, toStatus(err)
	}
	return &CompleteResponse{Status: st}, nil
}

// Heartbeat records a heartbeat from a remote worker process
func (s *Server) Heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error) {
	if req.Worker == "" {
		return nil, status.Error(codes.InvalidArgument, "worker is required")
	}
	if err := s.coord.Heartbeat(req.Worker, req.Timestamp); err != nil {
		return nil, toStatus(err)
	}
	return &HeartbeatResponse{Status: "ok"}, nil
}

// ListWorkers lists the live workers
func (s *Server) ListWorkers(ctx context.Context, req *ListWorkersRequest) (*ListWorkersResponse, error) {
	return &ListWorkersResponse{Workers: s.coord.ListWorkers()}, nil
}

// History lists archived calls matching the filter
func (s *Server) History(ctx context.Context, req *HistoryRequest) (*HistoryResponse, error) {
	if s.history == nil {
		return nil, status.Error(codes.Unimplemented, "history is not enabled")
	}
	filter := req.Filter
	if filter.Limit <= 0 || filter.Limit > maxSearchResults {
		filter.Limit = maxSearchResults
	}

	resp := &HistoryResponse{}
	for call, err := range s.history.Find(ctx, filter) {
		if err != nil {
			return nil, toStatus(err)
		}
		resp.Calls = append(resp.Calls, call)
	}
	return resp, nil
}

// PurgeHistory deletes old archived calls
func (s *Server) PurgeHistory(ctx context.Context, req *PurgeHistoryRequest) (*PurgeHistoryResponse, error) {
	if s.history == nil {
		return nil, status.Error(codes.Unimplemented, "history is not enabled")
	}
	n, err := s.history.Purge(ctx, req.OlderThan, req.Keep)
	if err != nil {
		return nil, toStatus(err)
	}
	s.logger.Info().Int64("purged", n).Dur("older_than", req.OlderThan).Int("keep", req.Keep).Msg("History purged")
	return &PurgeHistoryResponse{Purged: n}, nil
}

// WatchEvents streams lifecycle events until the client goes away
func (s *Server) WatchEvents(req *WatchEventsRequest, stream EventStream) error {
	if s.broker == nil {
		return status.Error(codes.Unimplemented, "event streaming is not enabled")
	}

	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	ctx := stream.Context()
	for {
		select {
		case event, ok := <-sub:
			if !ok {
				return nil
			}
			if !req.Match(event) {
				continue
			}
			if err := stream.Send(event); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		case <-s.stopCh:
			return status.Error(codes.Unavailable, "server is shutting down")
		}
	}
}

// toStatus maps coordinator errors to gRPC status codes
func toStatus(err error) error {
	var verr *types.ValidationError
	var rerr *types.RejectedError
	switch {
	case errors.Is(err, types.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.As(err, &verr):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.As(err, &rerr):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, types.ErrNotAwaiting):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, types.ErrSynchronousTimeout):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, types.ErrStopped):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
