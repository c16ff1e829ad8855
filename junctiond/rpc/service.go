package rpc

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rgesrger/jdmodeltests/junctiond/processes"
)

const (
	ServiceName          = "junctiond.JunctionService"
	defaultRemoveTimeout = 10 * time.Second
)

type FunctionData struct {
	Name     string            `json:"name"`
	ExecPath string            `json:"execpath"`
	Args     string            `json:"args,omitempty"`
	CPU      int               `json:"cpu,omitempty"`
	MemoryMB int               `json:"memoryMB,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
}

type FunctionName struct {
	Name string `json:"name"`
}

type Empty struct{}

type StatusReply struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type FunctionInfo struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
	PID     int    `json:"pid"`
}

type FunctionList struct {
	Functions []FunctionInfo `json:"functions"`
}

// JunctionServiceServer is the server API for junctiond.JunctionService.
type JunctionServiceServer interface {
	Spawn(ctx context.Context, req *FunctionData) (*StatusReply, error)
	Remove(ctx context.Context, req *FunctionName) (*StatusReply, error)
	List(ctx context.Context, req *Empty) (*FunctionList, error)
}

// Orchestrator is the subset of *processes.Orchestrator the service uses.
type Orchestrator interface {
	Spawn(ctx context.Context, spec processes.FunctionSpec) error
	Remove(ctx context.Context, name string) error
	List() []processes.InstanceStatus
}

// Service adapts an Orchestrator to JunctionServiceServer.
type Service struct {
	orc           Orchestrator
	removeTimeout time.Duration
	logger        *slog.Logger
}

func NewService(orc Orchestrator, removeTimeout time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if removeTimeout <= 0 {
		removeTimeout = defaultRemoveTimeout
	}
	return &Service{
		orc:           orc,
		removeTimeout: removeTimeout,
		logger:        logger.With("component", "JunctionService"),
	}
}

func (s *Service) Spawn(ctx context.Context, req *FunctionData) (*StatusReply, error) {
	if req.Name == "" || req.ExecPath == "" {
		return nil, status.Error(codes.InvalidArgument, "name and execpath are required")
	}
	err := s.orc.Spawn(ctx, processes.FunctionSpec{
		Name:     req.Name,
		ExecPath: req.ExecPath,
		Args:     req.Args,
		CPU:      req.CPU,
		MemoryMB: req.MemoryMB,
		Env:      req.Env,
	})
	if errors.Is(err, processes.ErrInvalidSpec) {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err != nil {
		s.logger.Warn("Spawn failed", "instance", req.Name, "error", err)
		return &StatusReply{Success: false, Message: "Failed to spawn: " + err.Error()}, nil
	}
	return &StatusReply{Success: true, Message: "Spawned"}, nil
}

func (s *Service) Remove(ctx context.Context, req *FunctionName) (*StatusReply, error) {
	if req.Name == "" {
		return nil, status.Error(codes.InvalidArgument, "name is required")
	}
	ctx, cancel := context.WithTimeout(ctx, s.removeTimeout)
	defer cancel()
	if err := s.orc.Remove(ctx, req.Name); err != nil {
		return &StatusReply{Success: false, Message: "Failed to remove: " + err.Error()}, nil
	}
	return &StatusReply{Success: true, Message: "Removed"}, nil
}

func (s *Service) List(ctx context.Context, _ *Empty) (*FunctionList, error) {
	list := s.orc.List()
	out := &FunctionList{Functions: make([]FunctionInfo, 0, len(list))}
	for _, st := range list {
		out.Functions = append(out.Functions, FunctionInfo{Name: st.Name, Running: st.Running, PID: st.PID})
	}
	return out, nil
}

// RegisterJunctionServiceServer registers srv on s.
func RegisterJunctionServiceServer(s grpc.ServiceRegistrar, srv JunctionServiceServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*JunctionServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Spawn", Handler: spawnHandler},
		{MethodName: "Remove", Handler: removeHandler},
		{MethodName: "List", Handler: listHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "junctiond.proto",
}

func spawnHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(FunctionData)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(JunctionServiceServer).Spawn(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Spawn"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(JunctionServiceServer).Spawn(ctx, req.(*FunctionData))
	}
	return interceptor(ctx, in, info, handler)
}

func removeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(FunctionName)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(JunctionServiceServer).Remove(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Remove"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(JunctionServiceServer).Remove(ctx, req.(*FunctionName))
	}
	return interceptor(ctx, in, info, handler)
}

func listHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(JunctionServiceServer).List(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/List"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(JunctionServiceServer).List(ctx, req.(*Empty))
	}
	return interceptor(ctx, in, info, handler)
}
