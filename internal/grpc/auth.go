package grpc

import (
	"context"
	"crypto/subtle"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// TokenMetadataKey carries the admin token on incoming calls. A bearer
// authorization header is accepted as well.
const TokenMetadataKey = "x-syndicate-admin-token"

// healthServicePrefix is exempt so health checks work without credentials.
const healthServicePrefix = "/grpc.health.v1.Health/"

// NewTokenUnaryInterceptor rejects unary calls that lack the admin token.
func NewTokenUnaryInterceptor(token string) grpc.UnaryServerInterceptor {
	normalized := strings.TrimSpace(token)
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if strings.HasPrefix(info.FullMethod, healthServicePrefix) {
			return handler(ctx, req)
		}
		if err := authorize(ctx, normalized); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// NewTokenStreamInterceptor rejects streams that lack the admin token.
func NewTokenStreamInterceptor(token string) grpc.StreamServerInterceptor {
	normalized := strings.TrimSpace(token)
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if strings.HasPrefix(info.FullMethod, healthServicePrefix) {
			return handler(srv, ss)
		}
		if err := authorize(ss.Context(), normalized); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

func authorize(ctx context.Context, token string) error {
	if token == "" {
		return status.Error(codes.Unauthenticated, "admin token not configured")
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}
	candidate := extractToken(md)
	if candidate == "" {
		return status.Error(codes.Unauthenticated, "missing admin token")
	}
	if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) != 1 {
		return status.Error(codes.Unauthenticated, "invalid admin token")
	}
	return nil
}

func extractToken(md metadata.MD) string {
	for _, value := range md.Get(TokenMetadataKey) {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	for _, value := range md.Get("authorization") {
		if len(value) > 7 && strings.EqualFold(value[:7], "bearer ") {
			if token := strings.TrimSpace(value[7:]); token != "" {
				return token
			}
		}
	}
	return ""
}
