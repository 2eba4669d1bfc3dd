package opcua

import (
	"context"
	"crypto/rsa"
	"fmt"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
	"go.uber.org/zap"

	"edge-gateway/internal/config"
)

const (
	// ApplicationURI identifies this client to OPC UA servers; it must match
	// the URI SAN baked into the client certificate.
	ApplicationURI = "urn:edge-gateway:client"

	sessionTimeout = 60 * time.Second
	requestTimeout = 15 * time.Second
)

// Session is the slice of a connected client the workers drive.
// *opcua.Client implements it; tests substitute fakes.
type Session interface {
	Read(ctx context.Context, req *ua.ReadRequest) (*ua.ReadResponse, error)
	State() opcua.ConnState
	Close(ctx context.Context) error
}

// OpenFunc opens the session for one device. Workers default it to a
// SessionManager's Open.
type OpenFunc func(ctx context.Context, endpoint string) (Session, error)

// closeSession tears a session down, swallowing errors; a failing teardown
// must not keep a worker slot occupied.
func closeSession(s Session, logger *zap.Logger) {
	if s == nil {
		return
	}
	if err := s.Close(context.Background()); err != nil {
		logger.Debug("opcua session close", zap.Error(err))
	}
}

// SessionManager owns the client identity (one self-signed certificate under
// the PKI directory, created lazily) and opens per-device sessions.
// Process-wide singleton.
type SessionManager struct {
	cfg    config.OpcUaConfig
	logger *zap.Logger

	once    sync.Once
	certDER []byte
	key     *rsa.PrivateKey
	initErr error
}

// NewSessionManager builds the manager; certificate creation is deferred to
// the first Open so a pure-Modbus deployment never touches the PKI directory.
func NewSessionManager(cfg config.OpcUaConfig, logger *zap.Logger) *SessionManager {
	return &SessionManager{cfg: cfg, logger: logger}
}

// Open connects a session to endpoint and activates it. The caller owns the
// returned client and must Close it.
//
// The session uses security policy None, so no server certificate is
// verified and every server is accepted; Open does not read AutoAccept.
func (m *SessionManager) Open(ctx context.Context, endpoint string) (*opcua.Client, error) {
	m.once.Do(func() {
		m.certDER, m.key, m.initErr = ensureCertificate(m.cfg.PKIDir, ApplicationURI)
	})
	if m.initErr != nil {
		return nil, fmt.Errorf("opcua identity: %w", m.initErr)
	}

	opts := []opcua.Option{
		opcua.ApplicationName("edge-gateway"),
		opcua.ApplicationURI(ApplicationURI),
		opcua.SecurityPolicy(ua.SecurityPolicyURINone),
		opcua.SecurityModeString("None"),
		opcua.AuthAnonymous(),
		opcua.Certificate(m.certDER),
		opcua.PrivateKey(m.key),
		opcua.SessionTimeout(sessionTimeout),
		opcua.RequestTimeout(requestTimeout),
		opcua.AutoReconnect(false),
	}

	client, err := opcua.NewClient(endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("opcua client %s: %w", endpoint, err)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("opcua connect %s: %w", endpoint, err)
	}

	m.logger.Debug("opcua session opened", zap.String("endpoint", endpoint))
	return client, nil
}
