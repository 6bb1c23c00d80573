package grpc

import (
	"context"
	"errors"
	"time"

	"github.com/vibast-solutions/ms-go-billing/app/service"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const ServiceName = "billing.EntitlementsService"

// EntitlementsServer answers access questions for other internal services.
// Requests carry the user id as a StringValue.
type EntitlementsServer interface {
	IsActive(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.BoolValue, error)
	GetSubscriptionStatus(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error)
}

var EntitlementsServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EntitlementsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "IsActive", Handler: isActiveHandler},
		{MethodName: "GetSubscriptionStatus", Handler: subscriptionStatusHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "billing/entitlements.proto",
}

func RegisterEntitlementsServer(s grpc.ServiceRegistrar, srv EntitlementsServer) {
	s.RegisterService(&EntitlementsServiceDesc, srv)
}

func isActiveHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EntitlementsServer).IsActive(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/IsActive"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(EntitlementsServer).IsActive(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func subscriptionStatusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EntitlementsServer).GetSubscriptionStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/GetSubscriptionStatus"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(EntitlementsServer).GetSubscriptionStatus(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

// EntitlementsClient is the caller side of EntitlementsServiceDesc.
type EntitlementsClient struct {
	cc grpc.ClientConnInterface
}

func NewEntitlementsClient(cc grpc.ClientConnInterface) *EntitlementsClient {
	return &EntitlementsClient{cc: cc}
}

func (c *EntitlementsClient) IsActive(ctx context.Context, userID string, opts ...grpc.CallOption) (bool, error) {
	out := new(wrapperspb.BoolValue)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/IsActive", wrapperspb.String(userID), out, opts...); err != nil {
		return false, err
	}
	return out.GetValue(), nil
}

func (c *EntitlementsClient) GetSubscriptionStatus(ctx context.Context, userID string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/GetSubscriptionStatus", wrapperspb.String(userID), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

type Server struct {
	entitlementService *service.EntitlementService
}

func NewServer(entitlementService *service.EntitlementService) *Server {
	return &Server{entitlementService: entitlementService}
}

func (s *Server) IsActive(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.BoolValue, error) {
	active, err := s.entitlementService.IsActive(ctx, req.GetValue())
	if err != nil {
		return nil, s.statusError(ctx, err, "Is active check failed")
	}
	return wrapperspb.Bool(active), nil
}

func (s *Server) GetSubscriptionStatus(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	result, err := s.entitlementService.Status(ctx, req.GetValue())
	if err != nil {
		return nil, s.statusError(ctx, err, "Get subscription status failed")
	}

	fields := map[string]interface{}{
		"has_active_subscription": result.HasActiveSubscription,
	}
	if ent := result.Entitlement; ent != nil {
		fields["plan_type"] = ent.PlanType
		fields["status"] = ent.Status
		fields["start_date"] = ent.StartDate.UTC().Format(time.RFC3339)
		fields["end_date"] = ent.EndDate.UTC().Format(time.RFC3339)
		fields["source_order_reference"] = ent.SourceOrderReference
	}

	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Error(codes.Internal, "internal server error")
	}
	return out, nil
}

func (s *Server) statusError(ctx context.Context, err error, msg string) error {
	if errors.Is(err, service.ErrValidation) {
		return status.Error(codes.InvalidArgument, "user id is required")
	}
	if errors.Is(err, service.ErrTransientStore) {
		loggerWithContext(ctx).WithError(err).Warn(msg)
		return status.Error(codes.Unavailable, "store temporarily unavailable")
	}
	loggerWithContext(ctx).WithError(err).Error(msg)
	return status.Error(codes.Internal, "internal server error")
}
