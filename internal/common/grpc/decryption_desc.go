package grpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/PlainFunction/vaultquery/internal/common/types"
)

const DecryptionServiceName = "vaultquery.decryption.v1.DecryptionAuthority"

const (
	methodDecrypt     = "/" + DecryptionServiceName + "/Decrypt"
	methodPublicKey   = "/" + DecryptionServiceName + "/PublicKey"
	methodHealthCheck = "/" + DecryptionServiceName + "/HealthCheck"
)

var decryptionServiceDesc = grpc.ServiceDesc{
	ServiceName: DecryptionServiceName,
	HandlerType: (*types.DecryptionServiceInterface)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Decrypt", Handler: decryptHandler},
		{MethodName: "PublicKey", Handler: publicKeyHandler},
		{MethodName: "HealthCheck", Handler: healthCheckHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "vaultquery/decryption.json",
}

// RegisterDecryptionServer exposes srv on s under DecryptionServiceName.
func RegisterDecryptionServer(s grpc.ServiceRegistrar, srv types.DecryptionServiceInterface) {
	s.RegisterService(&decryptionServiceDesc, srv)
}

func decryptHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(types.DecryptRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(types.DecryptionServiceInterface).Decrypt(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodDecrypt}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(types.DecryptionServiceInterface).Decrypt(ctx, req.(*types.DecryptRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func publicKeyHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(types.PublicKeyRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(types.DecryptionServiceInterface).PublicKey(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodPublicKey}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(types.DecryptionServiceInterface).PublicKey(ctx, req.(*types.PublicKeyRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func healthCheckHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(types.HealthCheckRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(types.DecryptionServiceInterface).HealthCheck(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodHealthCheck}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(types.DecryptionServiceInterface).HealthCheck(ctx, req.(*types.HealthCheckRequest))
	}
	return interceptor(ctx, in, info, handler)
}
