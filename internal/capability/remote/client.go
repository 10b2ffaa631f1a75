package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/advisor/internal/capability"
	"github.com/ashureev/advisor/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// ClientConfig holds configuration for the gRPC client.
type ClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultClientConfig returns default configuration for addr.
func DefaultClientConfig(addr string) ClientConfig {
	return ClientConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// Client calls a remote capability service. It implements every capability
// contract; units are exposed per intent through Set.
type Client struct {
	conn   *grpc.ClientConn
	logger *slog.Logger
}

var (
	_ capability.Classifier        = (*Client)(nil)
	_ capability.Extractor         = (*Client)(nil)
	_ capability.QuestionGenerator = (*Client)(nil)
)

// Dial connects to the capability service and waits until the connection is
// ready so bad endpoints fail at startup.
func Dial(cfg ClientConfig, logger *slog.Logger, opts ...grpc.DialOption) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("create capability client for %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("capability service at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("connected to capability service", "address", cfg.Address)
	return &Client{conn: conn, logger: logger}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (c *Client) Close() {
	if err := c.conn.Close(); err != nil {
		c.logger.Warn("failed to close gRPC connection", "error", err)
	}
}

// Set exposes the client as a capability set with remote units for the
// given intents.
func (c *Client) Set(unitIntents ...domain.Intent) capability.Set {
	units := make(map[domain.Intent]capability.Unit, len(unitIntents))
	for _, in := range unitIntents {
		units[in] = capability.UnitFunc(c.Process)
	}
	return capability.Set{Classifier: c, Extractor: c, Questions: c, Units: units}
}

// Classify implements capability.Classifier.
func (c *Client) Classify(ctx context.Context, req capability.ClassifyRequest) (capability.Classification, error) {
	var res capability.Classification
	err := c.invoke(ctx, methodClassify, req, &res)
	return res, err
}

// Extract implements capability.Extractor.
func (c *Client) Extract(ctx context.Context, req capability.ExtractRequest) (capability.ExtractResult, error) {
	var res capability.ExtractResult
	err := c.invoke(ctx, methodExtract, req, &res)
	return res, err
}

// Question implements capability.QuestionGenerator.
func (c *Client) Question(ctx context.Context, req capability.QuestionRequest) (string, error) {
	var res textResult
	err := c.invoke(ctx, methodQuestion, req, &res)
	return res.Text, err
}

// Process runs the remote unit registered for req.Intent.
func (c *Client) Process(ctx context.Context, req capability.UnitRequest) (*capability.UnitResult, error) {
	var res capability.UnitResult
	if err := c.invoke(ctx, methodProcess, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	req, err := toStruct(in)
	if err != nil {
		return err
	}
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, fullMethod(method), req, resp); err != nil {
		return fmt.Errorf("%s rpc: %w", method, err)
	}
	return fromStruct(resp, out)
}
