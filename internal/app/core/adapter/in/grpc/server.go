package grpc

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/JoeShih716/go-class-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-class-ledger/internal/app/core/usecase"
)

type GrpcServer struct {
	core   *usecase.CoreUseCase
	logger *slog.Logger
}

func NewGrpcServer(core *usecase.CoreUseCase, logger *slog.Logger) *GrpcServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &GrpcServer{
		core:   core,
		logger: logger,
	}
}

// NewServer 建立 *grpc.Server 並註冊 BookingService、health 與 reflection
func NewServer(srv *GrpcServer, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(recoveryInterceptor(srv.logger), loggingInterceptor(srv.logger)),
	}, opts...)
	s := grpc.NewServer(opts...)
	RegisterBookingServiceServer(s, srv)

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	reflection.Register(s)
	return s
}

// failure 業務錯誤轉為 Soft Failure
func failure(err error) Result {
	return Result{
		Success:   false,
		ErrorKind: domain.KindOf(err),
		Message:   err.Error(),
	}
}

var success = Result{Success: true}

func (s *GrpcServer) ReserveSession(ctx context.Context, req *ReserveRequest) (*ReserveResponse, error) {
	b, err := s.core.ReserveSession(ctx, req.MemberID, req.SessionID)
	if err != nil {
		return &ReserveResponse{Result: failure(err)}, nil
	}
	out := toBooking(b)
	return &ReserveResponse{Result: success, Booking: &out}, nil
}

func (s *GrpcServer) CancelBooking(ctx context.Context, req *CancelRequest) (*CancelResponse, error) {
	if req.BookingID == "" {
		return &CancelResponse{Result: failure(domain.ErrInvalidArgument)}, nil
	}
	res, err := s.core.CancelBooking(ctx, req.MemberID, req.BookingID, req.Reason)
	if err != nil {
		return &CancelResponse{Result: failure(err)}, nil
	}
	out := toBooking(res.Booking)
	return &CancelResponse{
		Result:       success,
		Booking:      &out,
		RefundDenial: domain.KindOf(res.RefundDenial),
	}, nil
}

func (s *GrpcServer) GetBooking(ctx context.Context, req *GetBookingRequest) (*Booking, error) {
	b, err := s.core.GetBooking(ctx, req.MemberID, req.BookingID)
	if err != nil {
		return nil, toStatus(err)
	}
	out := toBooking(b)
	return &out, nil
}

func (s *GrpcServer) ListAvailableSessions(ctx context.Context, req *ListSessionsRequest) (*ListSessionsResponse, error) {
	sessions, err := s.core.ListAvailableSessions(ctx, usecase.AvailableSessionsFilter{
		From:         req.From,
		To:           req.To,
		OnlyBookable: req.OnlyBookable,
		Limit:        req.Limit,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	now := s.core.Now()
	out := &ListSessionsResponse{Sessions: make([]Session, 0, len(sessions))}
	for _, sess := range sessions {
		out.Sessions = append(out.Sessions, toSession(sess, now))
	}
	return out, nil
}

func (s *GrpcServer) ListMemberBookings(ctx context.Context, req *ListBookingsRequest) (*ListBookingsResponse, error) {
	st := domain.BookingStatus(req.Status)
	switch st {
	case "", domain.BookingStatusActive, domain.BookingStatusCancelled:
	default:
		return nil, toStatus(domain.ErrInvalidArgument)
	}
	bookings, err := s.core.ListMemberBookings(ctx, req.MemberID, st)
	if err != nil {
		return nil, toStatus(err)
	}
	out := &ListBookingsResponse{Bookings: make([]Booking, 0, len(bookings))}
	for _, b := range bookings {
		out.Bookings = append(out.Bookings, toBooking(b))
	}
	return out, nil
}

func (s *GrpcServer) GetMemberBalance(ctx context.Context, req *BalanceRequest) (*BalanceResponse, error) {
	balances, err := s.core.GetMemberBalance(ctx, req.MemberID)
	if err != nil {
		return nil, toStatus(err)
	}
	out := &BalanceResponse{Grants: make([]GrantBalance, 0, len(balances))}
	for _, b := range balances {
		out.Grants = append(out.Grants, toGrantBalance(b))
	}
	return out, nil
}

func (s *GrpcServer) ApplyGrantReversal(ctx context.Context, req *ReversalRequest) (*ReversalResponse, error) {
	var (
		res *usecase.ReversalResult
		err error
	)
	if req.EventID != "" {
		res, err = s.core.ApplyGrantReversalEvent(ctx, req.EventID, req.GrantID, req.Reason)
	} else {
		res, err = s.core.ApplyGrantReversal(ctx, req.GrantID, req.Reason)
	}
	if err != nil {
		out := &ReversalResponse{Result: failure(err)}
		// 部分預約取消失敗時，方案已歸零
		if res != nil {
			out.ZeroedCredits = res.ZeroedCredits
			out.CancelledBookings = res.CancelledBookings
		}
		return out, nil
	}
	return &ReversalResponse{
		Result:            success,
		ZeroedCredits:     res.ZeroedCredits,
		AlreadyReversed:   res.AlreadyReversed,
		CancelledBookings: res.CancelledBookings,
	}, nil
}

func (s *GrpcServer) CreateGrant(ctx context.Context, req *CreateGrantRequest) (*CreateGrantResponse, error) {
	g, err := s.core.CreateGrant(ctx, req.MemberID, req.Credits, req.DurationDays, req.IsUnlimited)
	if err != nil {
		return &CreateGrantResponse{Result: failure(err)}, nil
	}
	return &CreateGrantResponse{Result: success, Grant: toGrant(g)}, nil
}

// codeByKind 查詢類 RPC 的錯誤對應
var codeByKind = map[error]codes.Code{
	domain.ErrNotFound:        codes.NotFound,
	domain.ErrInvalidArgument: codes.InvalidArgument,
	domain.ErrConflict:        codes.Aborted,
	domain.ErrIntegrityFault:  codes.DataLoss,
}

func toStatus(err error) error {
	for target, code := range codeByKind {
		if errors.Is(err, target) {
			return status.Error(code, err.Error())
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}
	return status.Error(codes.Internal, err.Error())
}

func loggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("grpc request",
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"duration", time.Since(start))
		return resp, err
	}
}

func recoveryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("grpc handler panic", "method", info.FullMethod, "panic", r)
				err = status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}

var _ BookingServiceServer = (*GrpcServer)(nil)
