package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/piukhq/angelia-sub001/changefeed/internal/nilcheck"
	"github.com/piukhq/angelia-sub001/changefeed/log"
	"github.com/piukhq/angelia-sub001/changefeed/opentelemetry"
)

const (
	defaultDialTimeout        = 30 * time.Second
	defaultHeartbeat          = 10 * time.Second
	defaultHealthCheckTimeout = 5 * time.Second
	healthCheckPath           = "/api/health/checks/alarms"
)

// Connection holds a single broker connection and the channel opened on it.
// Both are created lazily and replaced when the broker closes them.
type Connection struct {
	mu                     sync.Mutex
	ConnectionStringSource string `json:"-"`
	// HealthCheckURL is the management API base URL, e.g. http://host:15672.
	// When set, every new connection must pass the alarms check.
	HealthCheckURL string
	User           string `json:"-"`
	Pass           string `json:"-"`
	ConnectionName string
	Logger         log.Logger

	conn    AMQPConnection
	channel AMQPChannel

	dialer           func(context.Context, string) (AMQPConnection, error)
	healthHTTPClient *http.Client
}

// ConnectContext dials the broker unless an open connection already exists.
func (c *Connection) ConnectContext(ctx context.Context) error {
	if c == nil {
		return ErrNilConnection
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("rabbitmq connect: %w", err)
	}

	ctx, span := otel.Tracer("rabbitmq").Start(ctx, "rabbitmq.connect")
	defer span.End()

	span.SetAttributes(attribute.String("messaging.system", "rabbitmq"))

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		opentelemetry.HandleSpanError(&span, "Failed to connect to rabbitmq", err)

		return err
	}

	return nil
}

func (c *Connection) connectLocked(ctx context.Context) error {
	if c.conn != nil && !c.conn.IsClosed() {
		return nil
	}

	c.conn = nil
	c.channel = nil

	logger := c.logger()
	connStr := c.ConnectionStringSource

	dial := c.dialer
	if dial == nil {
		dial = c.dialAMQP
	}

	logger.Log(ctx, log.LevelInfo, "connecting to rabbitmq")

	conn, err := dial(ctx, connStr)
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to connect to rabbitmq",
			log.String("error_detail", sanitizeAMQPErr(err, connStr)))

		return newSanitizedError(err, connStr, "failed to connect to rabbitmq")
	}

	if c.HealthCheckURL != "" {
		if err := c.checkHealth(ctx); err != nil {
			_ = conn.Close()

			logger.Log(ctx, log.LevelError, "rabbitmq health check failed", log.Err(err))

			return err
		}
	}

	c.conn = conn

	logger.Log(ctx, log.LevelInfo, "connected to rabbitmq")

	return nil
}

// ChannelContext returns the open channel, connecting and opening one first
// when needed.
func (c *Connection) ChannelContext(ctx context.Context) (AMQPChannel, error) {
	if c == nil {
		return nil, ErrNilConnection
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel != nil && !c.channel.IsClosed() && c.conn != nil && !c.conn.IsClosed() {
		return c.channel, nil
	}

	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}

	ch, err := c.conn.Channel()
	if err != nil {
		c.logger().Log(ctx, log.LevelError, "failed to open channel on rabbitmq", log.Err(err))

		return nil, fmt.Errorf("failed to open channel on rabbitmq: %w", err)
	}

	c.channel = ch

	return ch, nil
}

// IsConnected reports whether an open connection is held.
func (c *Connection) IsConnected() bool {
	if c == nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.conn != nil && !c.conn.IsClosed()
}

// CloseContext closes the channel and connection. Closing twice, or closing
// resources the broker already closed, is not an error.
func (c *Connection) CloseContext(ctx context.Context) error {
	if c == nil {
		return ErrNilConnection
	}

	ctx, span := otel.Tracer("rabbitmq").Start(ctx, "rabbitmq.close")
	defer span.End()

	c.mu.Lock()
	channel := c.channel
	conn := c.conn
	c.channel = nil
	c.conn = nil
	logger := c.logger()
	c.mu.Unlock()

	var closeErr error

	if channel != nil {
		if err := channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			closeErr = fmt.Errorf("failed to close rabbitmq channel: %w", err)

			logger.Log(ctx, log.LevelWarn, "failed to close rabbitmq channel", log.Err(err))
		}
	}

	if conn != nil {
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			closeErr = errors.Join(closeErr, fmt.Errorf("failed to close rabbitmq connection: %w", err))

			logger.Log(ctx, log.LevelWarn, "failed to close rabbitmq connection", log.Err(err))
		}
	}

	if closeErr != nil {
		opentelemetry.HandleSpanError(&span, "Failed to close rabbitmq", closeErr)
	}

	return closeErr
}

// HealthCheckContext asks the management API for active alarms. Without a
// HealthCheckURL it reports whether a connection is open.
func (c *Connection) HealthCheckContext(ctx context.Context) (bool, error) {
	if c == nil {
		return false, ErrNilConnection
	}

	ctx, span := otel.Tracer("rabbitmq").Start(ctx, "rabbitmq.health_check")
	defer span.End()

	if c.HealthCheckURL == "" {
		if !c.IsConnected() {
			return false, ErrNotConnected
		}

		return true, nil
	}

	if err := c.checkHealth(ctx); err != nil {
		opentelemetry.HandleSpanError(&span, "RabbitMQ health check failed", err)

		return false, err
	}

	return true, nil
}

func (c *Connection) checkHealth(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrBrokerUnhealthy, err)
	}

	healthURL, err := validateHealthCheckURL(c.HealthCheckURL)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBrokerUnhealthy, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return fmt.Errorf("%w: build request: %w", ErrBrokerUnhealthy, err)
	}

	req.SetBasicAuth(c.User, c.Pass)

	client := c.healthHTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultHealthCheckTimeout}
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBrokerUnhealthy, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %s", ErrBrokerUnhealthy, resp.Status)
	}

	var result struct {
		Status string `json:"status"`
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&result); err != nil {
		return fmt.Errorf("%w: decode response: %w", ErrBrokerUnhealthy, err)
	}

	if result.Status != "ok" {
		return fmt.Errorf("%w: broker status %q", ErrBrokerUnhealthy, result.Status)
	}

	return nil
}

func (c *Connection) dialAMQP(ctx context.Context, uri string) (AMQPConnection, error) {
	props := amqp.NewConnectionProperties()
	if c.ConnectionName != "" {
		props.SetClientConnectionName(c.ConnectionName)
	}

	conn, err := amqp.DialConfig(uri, amqp.Config{
		Heartbeat:  defaultHeartbeat,
		Locale:     "en_US",
		Properties: props,
		Dial: func(network, addr string) (net.Conn, error) {
			dialer := net.Dialer{Timeout: defaultDialTimeout}

			netConn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}

			// Bounds the handshake; the client clears it once the connection is open.
			if err := netConn.SetDeadline(time.Now().Add(defaultDialTimeout)); err != nil {
				_ = netConn.Close()

				return nil, err
			}

			return netConn, nil
		},
	})
	if err != nil {
		return nil, err
	}

	return amqpConnection{conn: conn}, nil
}

func (c *Connection) logger() log.Logger {
	if c == nil || nilcheck.Interface(c.Logger) {
		return log.NewNop()
	}

	return c.Logger
}

// validateHealthCheckURL appends the alarms endpoint to a management API
// base URL unless it is already there.
func validateHealthCheckURL(rawURL string) (string, error) {
	healthURL := strings.TrimSpace(rawURL)
	if healthURL == "" {
		return "", errors.New("rabbitmq health check URL is empty")
	}

	parsedURL, err := url.Parse(healthURL)
	if err != nil {
		return "", err
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return "", errors.New("rabbitmq health check URL must use http or https")
	}

	if parsedURL.Host == "" {
		return "", errors.New("rabbitmq health check URL must include a host")
	}

	if parsedURL.User != nil {
		return "", errors.New("rabbitmq health check URL must not include user credentials")
	}

	normalized := strings.TrimSuffix(parsedURL.String(), "/")
	if strings.HasSuffix(normalized, healthCheckPath) {
		return normalized, nil
	}

	return normalized + healthCheckPath, nil
}

// sanitizedError keeps the original error for errors.Is/As while printing
// a message with the connection password redacted.
type sanitizedError struct {
	original error
	message  string
}

func (e *sanitizedError) Error() string { return e.message }

func (e *sanitizedError) Unwrap() error { return e.original }

func newSanitizedError(err error, connectionString, prefix string) error {
	return fmt.Errorf("%s: %w", prefix, &sanitizedError{
		original: err,
		message:  sanitizeAMQPErr(err, connectionString),
	})
}

func sanitizeAMQPErr(err error, connectionString string) string {
	if err == nil {
		return ""
	}

	errMsg := err.Error()

	if connectionString == "" {
		return errMsg
	}

	referenceURL, parseErr := url.Parse(connectionString)
	if parseErr != nil {
		return errMsg
	}

	redacted := referenceURL.Redacted()
	errMsg = strings.ReplaceAll(errMsg, connectionString, redacted)
	errMsg = strings.ReplaceAll(errMsg, referenceURL.String(), redacted)

	if referenceURL.User != nil {
		if pass, ok := referenceURL.User.Password(); ok && pass != "" {
			errMsg = strings.ReplaceAll(errMsg, pass, "xxxxx")
		}
	}

	return errMsg
}

// BuildConnectionString builds an AMQP URI. User, password and vhost are
// escaped; an empty vhost selects the default "/".
func BuildConnectionString(protocol, user, pass, host, port, vhost string) string {
	u := &url.URL{Scheme: protocol}
	if user != "" || pass != "" {
		u.User = url.UserPassword(user, pass)
	}

	switch {
	case port != "":
		u.Host = net.JoinHostPort(host, port)
	case strings.Contains(host, ":") && !strings.HasPrefix(host, "["):
		u.Host = "[" + host + "]"
	default:
		u.Host = host
	}

	if vhost != "" {
		// Vhosts may contain '/', which must travel as %2F.
		escaped := strings.ReplaceAll(url.QueryEscape(vhost), "+", "%20")
		u.Path = "/" + vhost
		u.RawPath = "/" + escaped
	}

	return u.String()
}
