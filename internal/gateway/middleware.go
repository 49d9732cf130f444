package gateway

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/dukepan/roomsync/internal/contextkey"
	"github.com/google/uuid"
)

// requestIDMiddleware stamps every request with a request id, both on the
// context (picked up by obslog.Logger.WithContext) and the response
// header.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		requestID := uuid.New()
		ctx := context.WithValue(req.Context(), contextkey.KeyRequestID, requestID)
		req = req.WithContext(ctx)
		w.Header().Set("X-Request-ID", requestID.String())
		next.ServeHTTP(w, req)
	})
}

// tracingMiddleware opens a server span per request, propagating any
// incoming trace context.
func tracingMiddleware(next http.Handler) http.Handler {
	tracer := otel.Tracer("roomsync-gateway")
	propagator := propagation.TraceContext{}

	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ctx := propagator.Extract(req.Context(), propagation.HeaderCarrier(req.Header))
		ctx, span := tracer.Start(ctx, req.URL.Path, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		span.SetAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("http.target", req.URL.Path),
			attribute.String("http.client_ip", req.RemoteAddr),
		)

		next.ServeHTTP(w, req.WithContext(ctx))
	})
}
