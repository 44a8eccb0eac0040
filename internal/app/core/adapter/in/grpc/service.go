package grpc

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName gRPC 服務全名
const ServiceName = "classledger.v1.BookingService"

// BookingServiceServer 伺服器端介面
type BookingServiceServer interface {
	ReserveSession(context.Context, *ReserveRequest) (*ReserveResponse, error)
	CancelBooking(context.Context, *CancelRequest) (*CancelResponse, error)
	GetBooking(context.Context, *GetBookingRequest) (*Booking, error)
	ListAvailableSessions(context.Context, *ListSessionsRequest) (*ListSessionsResponse, error)
	ListMemberBookings(context.Context, *ListBookingsRequest) (*ListBookingsResponse, error)
	GetMemberBalance(context.Context, *BalanceRequest) (*BalanceResponse, error)
	ApplyGrantReversal(context.Context, *ReversalRequest) (*ReversalResponse, error)
	CreateGrant(context.Context, *CreateGrantRequest) (*CreateGrantResponse, error)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// unary 將型別化的方法包成 grpc.MethodHandler
func unary[Req, Resp any](name string, call func(BookingServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(BookingServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(BookingServiceServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc 手寫的服務描述 (訊息以 JSON codec 傳輸，不需要 protoc 產生的程式碼)
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BookingServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("ReserveSession", BookingServiceServer.ReserveSession),
		unary("CancelBooking", BookingServiceServer.CancelBooking),
		unary("GetBooking", BookingServiceServer.GetBooking),
		unary("ListAvailableSessions", BookingServiceServer.ListAvailableSessions),
		unary("ListMemberBookings", BookingServiceServer.ListMemberBookings),
		unary("GetMemberBalance", BookingServiceServer.GetMemberBalance),
		unary("ApplyGrantReversal", BookingServiceServer.ApplyGrantReversal),
		unary("CreateGrant", BookingServiceServer.CreateGrant),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "classledger/v1/booking.json",
}

// RegisterBookingServiceServer 註冊服務
func RegisterBookingServiceServer(s grpc.ServiceRegistrar, srv BookingServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client BookingService 的客戶端
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, name string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, fullMethod(name), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ReserveSession(ctx context.Context, in *ReserveRequest, opts ...grpc.CallOption) (*ReserveResponse, error) {
	return invoke[ReserveResponse](ctx, c.cc, "ReserveSession", in, opts)
}

func (c *Client) CancelBooking(ctx context.Context, in *CancelRequest, opts ...grpc.CallOption) (*CancelResponse, error) {
	return invoke[CancelResponse](ctx, c.cc, "CancelBooking", in, opts)
}

func (c *Client) GetBooking(ctx context.Context, in *GetBookingRequest, opts ...grpc.CallOption) (*Booking, error) {
	return invoke[Booking](ctx, c.cc, "GetBooking", in, opts)
}

func (c *Client) ListAvailableSessions(ctx context.Context, in *ListSessionsRequest, opts ...grpc.CallOption) (*ListSessionsResponse, error) {
	return invoke[ListSessionsResponse](ctx, c.cc, "ListAvailableSessions", in, opts)
}

func (c *Client) ListMemberBookings(ctx context.Context, in *ListBookingsRequest, opts ...grpc.CallOption) (*ListBookingsResponse, error) {
	return invoke[ListBookingsResponse](ctx, c.cc, "ListMemberBookings", in, opts)
}

func (c *Client) GetMemberBalance(ctx context.Context, in *BalanceRequest, opts ...grpc.CallOption) (*BalanceResponse, error) {
	return invoke[BalanceResponse](ctx, c.cc, "GetMemberBalance", in, opts)
}

func (c *Client) ApplyGrantReversal(ctx context.Context, in *ReversalRequest, opts ...grpc.CallOption) (*ReversalResponse, error) {
	return invoke[ReversalResponse](ctx, c.cc, "ApplyGrantReversal", in, opts)
}

func (c *Client) CreateGrant(ctx context.Context, in *CreateGrantRequest, opts ...grpc.CallOption) (*CreateGrantResponse, error) {
	return invoke[CreateGrantResponse](ctx, c.cc, "CreateGrant", in, opts)
}
