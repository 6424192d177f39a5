package grpc

import (
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/PlainFunction/vaultquery/internal/common/config"
	"github.com/PlainFunction/vaultquery/internal/common/events"
	"github.com/PlainFunction/vaultquery/internal/common/logger"
	"github.com/PlainFunction/vaultquery/internal/common/types"
	"github.com/PlainFunction/vaultquery/internal/services"
)

// ServiceRegistry hands out the gateway's connections to other services and
// closes them on shutdown.
type ServiceRegistry struct {
	config    *config.Config
	decryptor *DecryptionServiceGRPCClient
	audit     *services.AuditService
	closers   map[string]io.Closer
	mutex     sync.Mutex
	log       *logrus.Entry
}

// NewServiceRegistry creates a new service registry
func NewServiceRegistry(cfg *config.Config) *ServiceRegistry {
	return &ServiceRegistry{
		config:  cfg,
		closers: make(map[string]io.Closer),
		log:     logger.WithComponent("Registry"),
	}
}

// GetDecryptionServiceClient returns the client for the remote decryption
// authority. There is no local mode: the gateway never holds the private key.
func (sr *ServiceRegistry) GetDecryptionServiceClient() (*DecryptionServiceGRPCClient, error) {
	sr.mutex.Lock()
	defer sr.mutex.Unlock()

	if sr.decryptor != nil {
		return sr.decryptor, nil
	}

	clientCfg := NewClientConfig(sr.config.DecryptorHost, sr.config.DecryptorPort)
	clientCfg.Timeout = sr.config.DecryptTimeout
	clientCfg.Secret = sr.config.InternalChannelSecret

	sr.log.Infof("🌐 Connecting to REMOTE decryption authority at %s", clientCfg.Target)
	client, err := NewDecryptionServiceGRPCClient(clientCfg)
	if err != nil {
		return nil, err
	}
	sr.decryptor = client
	sr.closers["decryptor"] = client
	return client, nil
}

// GetAuditSink returns the sink selected by AUDIT_MODE.
func (sr *ServiceRegistry) GetAuditSink() (types.AuditSink, error) {
	switch sr.config.AuditMode {
	case "kafka":
		sr.log.Infof("📨 Publishing audit events to Kafka topic %s", sr.config.AuditTopic)
		producer := events.NewProducer(sr.config.KafkaBrokers, sr.config.AuditTopic, "api-gateway")
		sr.track("audit-producer", producer)
		return producer, nil
	case "postgres":
		svc, err := sr.auditService()
		if err != nil {
			return nil, err
		}
		return svc, nil
	case "log", "":
		return services.NewLogAuditSink(), nil
	default:
		return nil, fmt.Errorf("unknown audit mode %q", sr.config.AuditMode)
	}
}

// GetAuditReader returns the Postgres audit store when one is configured,
// or nil.
func (sr *ServiceRegistry) GetAuditReader() (types.AuditReader, error) {
	if sr.config.AuditDSN() == "" {
		return nil, nil
	}
	svc, err := sr.auditService()
	if err != nil {
		return nil, err
	}
	return svc, nil
}

func (sr *ServiceRegistry) auditService() (*services.AuditService, error) {
	sr.mutex.Lock()
	defer sr.mutex.Unlock()

	if sr.audit != nil {
		return sr.audit, nil
	}
	svc, err := services.NewAuditService(sr.config)
	if err != nil {
		return nil, err
	}
	sr.audit = svc
	sr.closers["audit-db"] = svc
	return svc, nil
}

func (sr *ServiceRegistry) track(name string, c io.Closer) {
	sr.mutex.Lock()
	sr.closers[name] = c
	sr.mutex.Unlock()
}

// Close closes all client connections
func (sr *ServiceRegistry) Close() {
	sr.mutex.Lock()
	defer sr.mutex.Unlock()

	for name, c := range sr.closers {
		if err := c.Close(); err != nil {
			sr.log.WithError(err).Warnf("Error closing connection to %s", name)
		}
	}
	sr.closers = make(map[string]io.Closer)
	sr.decryptor = nil
	sr.audit = nil
}
