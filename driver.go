package go_drda

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"sync"

	"github.com/sijms/go-drda/configurations"
	"github.com/sijms/go-drda/logical"
	"github.com/sijms/go-drda/section"
	"github.com/sijms/go-drda/stmtcache"
	"github.com/sijms/go-drda/trace"
	"go.uber.org/zap"
)

// Transport is the protocol session with the server. It prepares physical
// statements in a section and ends transactions.
type Transport interface {
	Prepare(ctx context.Context, key stmtcache.StatementKey, sec *section.Section) (logical.PhysicalStatement, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, config *configurations.ConnectionConfig) (Transport, error)
}

type DialerFunc func(ctx context.Context, config *configurations.ConnectionConfig) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context, config *configurations.ConnectionConfig) (Transport, error) {
	return f(ctx, config)
}

var ErrNoDialer = errors.New("no dialer registered for the drda driver")

type DrdaDriver struct {
	mu     sync.Mutex
	dialer Dialer
	logger *zap.Logger
}

var drdaDriver = &DrdaDriver{}

func init() {
	sql.Register("drda", drdaDriver)
}

func GetDefaultDriver() *DrdaDriver {
	return drdaDriver
}

// RegisterDialer sets the dialer used by connections opened through
// database/sql with the "drda" driver name.
func RegisterDialer(dialer Dialer) {
	drdaDriver.mu.Lock()
	defer drdaDriver.mu.Unlock()
	drdaDriver.dialer = dialer
}

// SetLogger sends the trace of connections opened from now on to logger.
func (drv *DrdaDriver) SetLogger(logger *zap.Logger) {
	drv.mu.Lock()
	defer drv.mu.Unlock()
	drv.logger = logger
}

func (drv *DrdaDriver) Open(name string) (driver.Conn, error) {
	connector, err := drv.OpenConnector(name)
	if err != nil {
		return nil, err
	}
	return connector.Connect(context.Background())
}

func (drv *DrdaDriver) OpenConnector(name string) (driver.Connector, error) {
	config, err := configurations.ParseConfig(name)
	if err != nil {
		return nil, err
	}
	drv.mu.Lock()
	defer drv.mu.Unlock()
	return &DrdaConnector{drv: drv, config: config, dialer: drv.dialer, logger: drv.logger}, nil
}

type DrdaConnector struct {
	drv    *DrdaDriver
	config *configurations.ConnectionConfig
	dialer Dialer
	logger *zap.Logger
}

// NewConnector is used with sql.OpenDB when the dialer is not registered
// globally.
func NewConnector(config *configurations.ConnectionConfig, dialer Dialer) *DrdaConnector {
	return &DrdaConnector{drv: drdaDriver, config: config, dialer: dialer}
}

func (connector *DrdaConnector) SetLogger(logger *zap.Logger) *DrdaConnector {
	connector.logger = logger
	return connector
}

func (connector *DrdaConnector) Config() *configurations.ConnectionConfig {
	return connector.config
}

func (connector *DrdaConnector) Connect(ctx context.Context) (driver.Conn, error) {
	conn, err := connector.Open(ctx)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Open is Connect returning the concrete connection.
func (connector *DrdaConnector) Open(ctx context.Context) (*Connection, error) {
	if connector.dialer == nil {
		return nil, ErrNoDialer
	}
	tracer, err := connector.tracer()
	if err != nil {
		return nil, err
	}
	transport, err := connector.dialer.Dial(ctx, connector.config)
	if err != nil {
		_ = tracer.Close()
		return nil, err
	}
	conn, err := NewConnection(connector.config, transport, tracer)
	if err != nil {
		_ = transport.Close()
		_ = tracer.Close()
		return nil, err
	}
	return conn, nil
}

func (connector *DrdaConnector) Driver() driver.Driver {
	return connector.drv
}

func (connector *DrdaConnector) tracer() (trace.Tracer, error) {
	if len(connector.config.TraceFilePath) > 0 {
		return trace.NewTraceFile(connector.config.TraceFilePath)
	}
	if connector.logger != nil {
		return trace.NewZapTracer(connector.logger), nil
	}
	return trace.NilTracer(), nil
}
