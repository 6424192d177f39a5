package grpc

import (
	"github.com/PlainFunction/vaultquery/internal/common/types"
)

// Re-export interfaces for callers that only import this package
type DecryptionServiceInterface = types.DecryptionServiceInterface

var _ DecryptionServiceInterface = (*DecryptionServiceGRPCClient)(nil)
var _ DecryptionServiceInterface = (*DecryptionServiceServer)(nil)
