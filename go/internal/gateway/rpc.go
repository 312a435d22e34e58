package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"connectrpc.com/connect"
	"github.com/rs/zerolog/log"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/irfan38431/nerf-showdown/go/internal/match"
	"github.com/irfan38431/nerf-showdown/go/internal/syncchan"
)

// MatchServiceName is the fully-qualified name of the match service.
const MatchServiceName = "scoreboard.v1.MatchService"

// Procedure paths of the match service.
const (
	MatchServiceGetStateProcedure = "/scoreboard.v1.MatchService/GetState"
	MatchServiceApplyProcedure    = "/scoreboard.v1.MatchService/Apply"
	MatchServiceWatchProcedure    = "/scoreboard.v1.MatchService/Watch"
)

// MatchService exposes the match over connect, gRPC and gRPC-Web. Messages
// are google.protobuf.Struct values shaped like the JSON view and command.
type MatchService struct {
	ctrl Controller
}

// NewMatchService creates the RPC service over ctrl.
func NewMatchService(ctrl Controller) *MatchService {
	return &MatchService{ctrl: ctrl}
}

// NewMatchServiceHandler builds an HTTP handler from the service
// implementation. It returns the path on which to mount the handler and the
// handler itself.
func NewMatchServiceHandler(svc *MatchService, opts ...connect.HandlerOption) (string, http.Handler) {
	getState := connect.NewUnaryHandler(MatchServiceGetStateProcedure, svc.GetState, opts...)
	apply := connect.NewUnaryHandler(MatchServiceApplyProcedure, svc.Apply, opts...)
	watch := connect.NewServerStreamHandler(MatchServiceWatchProcedure, svc.Watch, opts...)

	return "/" + MatchServiceName + "/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case MatchServiceGetStateProcedure:
			getState.ServeHTTP(w, r)
		case MatchServiceApplyProcedure:
			apply.ServeHTTP(w, r)
		case MatchServiceWatchProcedure:
			watch.ServeHTTP(w, r)
		default:
			http.NotFound(w, r)
		}
	})
}

// GetState returns the current view.
func (s *MatchService) GetState(ctx context.Context, req *connect.Request[emptypb.Empty]) (*connect.Response[structpb.Struct], error) {
	view, err := viewToStruct(s.ctrl.View())
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(view), nil
}

// Apply runs one command and returns the resulting optimistic view.
func (s *MatchService) Apply(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	cmd, err := structToCommand(req.Msg)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	if err := Execute(s.ctrl, cmd); err != nil {
		return nil, toConnectError(err)
	}

	view, err := viewToStruct(s.ctrl.View())
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(view), nil
}

// Watch streams the view, starting with the current one, until the client
// goes away. Views produced faster than the client reads are coalesced.
func (s *MatchService) Watch(ctx context.Context, req *connect.Request[emptypb.Empty], stream *connect.ServerStream[structpb.Struct]) error {
	latest := make(chan match.View, 1)
	push := func(v match.View) {
		for {
			select {
			case latest <- v:
				return
			default:
			}
			select {
			case <-latest:
			default:
			}
		}
	}

	remove := s.ctrl.OnChange(func(st match.State) { push(match.Project(st)) })
	defer remove()
	push(s.ctrl.View())

	for {
		select {
		case <-ctx.Done():
			return nil
		case v := <-latest:
			msg, err := viewToStruct(v)
			if err != nil {
				return connect.NewError(connect.CodeInternal, err)
			}
			if err := stream.Send(msg); err != nil {
				log.Debug().Err(err).Msg("match watch stream closed")
				return err
			}
		}
	}
}

func toConnectError(err error) error {
	switch {
	case errors.Is(err, match.ErrInvalidInput):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, syncchan.ErrStoreUnavailable):
		return connect.NewError(connect.CodeUnavailable, err)
	default:
		return connect.NewError(connect.CodeInternal, err)
	}
}

func viewToStruct(v match.View) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode view: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("encode view: %w", err)
	}
	return structpb.NewStruct(m)
}

func structToCommand(msg *structpb.Struct) (Command, error) {
	var cmd Command
	raw, err := json.Marshal(msg.AsMap())
	if err != nil {
		return cmd, fmt.Errorf("decode command: %w", err)
	}
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return cmd, fmt.Errorf("decode command: %w", err)
	}
	return cmd, nil
}
