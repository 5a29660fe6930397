package api

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

func _Ingress_UpdateTone_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(UpdateToneRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IngressServer).UpdateTone(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/vagusguard.v1.Ingress/UpdateTone"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(IngressServer).UpdateTone(ctx, req.(*UpdateToneRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Ingress_PostAEP_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PostAEPRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IngressServer).PostAEP(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/vagusguard.v1.Ingress/PostAEP"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(IngressServer).PostAEP(ctx, req.(*PostAEPRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Ingress_IssueWithBrake_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(IssueWithBrakeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IngressServer).IssueWithBrake(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/vagusguard.v1.Ingress/IssueWithBrake"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(IngressServer).IssueWithBrake(ctx, req.(*IssueWithBrakeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Ingress_IsValid_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(IsValidRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IngressServer).IsValid(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/vagusguard.v1.Ingress/IsValid"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(IngressServer).IsValid(ctx, req.(*IsValidRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// IngressServiceDesc is the hand-built grpc.ServiceDesc for the ingress
// contract. There is no .proto compilation step in this deployment; the
// wire messages are defined directly in Go (wire.go) and carried over the
// registered "cbor" codec (codec.go) instead of generated protobuf stubs.
var IngressServiceDesc = grpc.ServiceDesc{
	ServiceName: "vagusguard.v1.Ingress",
	HandlerType: (*IngressServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "UpdateTone", Handler: _Ingress_UpdateTone_Handler},
		{MethodName: "PostAEP", Handler: _Ingress_PostAEP_Handler},
		{MethodName: "IssueWithBrake", Handler: _Ingress_IssueWithBrake_Handler},
		{MethodName: "IsValid", Handler: _Ingress_IsValid_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/api/grpc.go",
}

// TLSConfig holds the ingress server's optional mTLS material. A zero-value
// TLSConfig runs the server in plaintext, appropriate for a sidecar
// deployment behind a trusted mesh.
type TLSConfig struct {
	CertFile string
	KeyFile  string
	CAFile   string // non-empty requires and verifies client certificates
}

// ListenAndServe starts the ingress gRPC server on addr, serving svc via
// IngressServiceDesc. Blocks until ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, tlsCfg TLSConfig, svc IngressServer, log *zap.Logger) error {
	var opts []grpc.ServerOption
	if tlsCfg.CertFile != "" {
		creds, err := buildServerTLS(tlsCfg)
		if err != nil {
			return fmt.Errorf("api: tls config: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	}

	grpcSrv := grpc.NewServer(opts...)
	grpcSrv.RegisterService(&IngressServiceDesc, svc)

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api: listen %s: %w", addr, err)
	}

	log.Info("ingress server listening", zap.String("addr", addr), zap.Bool("tls", tlsCfg.CertFile != ""))

	go func() {
		<-ctx.Done()
		grpcSrv.GracefulStop()
	}()

	if err := grpcSrv.Serve(lis); err != nil {
		return fmt.Errorf("api: grpc serve: %w", err)
	}
	return nil
}

// buildServerTLS constructs a TLS 1.3 server config, optionally requiring
// mutual authentication when CAFile is set.
func buildServerTLS(cfg TLSConfig) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load server cert/key: %w", err)
	}

	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}

	if cfg.CAFile != "" {
		caData, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file %q: %w", cfg.CAFile, err)
		}
		caPool := x509.NewCertPool()
		if !caPool.AppendCertsFromPEM(caData) {
			return nil, fmt.Errorf("failed to parse CA certificate from %q", cfg.CAFile)
		}
		tlsConf.ClientAuth = tls.RequireAndVerifyClientCert
		tlsConf.ClientCAs = caPool
	}

	return credentials.NewTLS(tlsConf), nil
}
