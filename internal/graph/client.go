package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/dgo/v240"
	"github.com/dgraph-io/dgo/v240/protos/api"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/companion-memory-kernel/internal/jsonx"
)

// Client wraps the DGraph client with connection handling and the
// mutation helpers the memory engine builds on.
type Client struct {
	conn   *grpc.ClientConn
	dg     *dgo.Dgraph
	logger *zap.Logger
}

// ClientConfig holds configuration for the DGraph client.
type ClientConfig struct {
	Address        string
	MaxRetries     int
	RetryInterval  time.Duration
	RequestTimeout time.Duration
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Address:        "localhost:9080",
		MaxRetries:     5,
		RetryInterval:  2 * time.Second,
		RequestTimeout: 10 * time.Second,
	}
}

// timeoutInterceptor enforces a per-call deadline so slow graph queries
// cannot stall a turn indefinitely.
func timeoutInterceptor(timeout time.Duration) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{},
		cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if _, hasDeadline := ctx.Deadline(); !hasDeadline {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// NewClient connects to DGraph with retries and applies the schema.
func NewClient(ctx context.Context, cfg ClientConfig, logger *zap.Logger) (*Client, error) {
	var conn *grpc.ClientConn
	var err error

	for i := 0; i < cfg.MaxRetries; i++ {
		conn, err = grpc.DialContext(ctx, cfg.Address,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithBlock(),
			grpc.WithUnaryInterceptor(timeoutInterceptor(cfg.RequestTimeout)),
		)
		if err == nil {
			break
		}
		logger.Warn("failed to connect to DGraph, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(cfg.RetryInterval)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to connect to DGraph after %d attempts: %w", cfg.MaxRetries, err)
	}

	client := &Client{
		conn:   conn,
		dg:     dgo.NewDgraphClient(api.NewDgraphClient(conn)),
		logger: logger.Named("graph"),
	}

	if err := client.initSchema(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	client.logger.Info("DGraph client connected", zap.String("address", cfg.Address))
	return client, nil
}

func (c *Client) initSchema(ctx context.Context) error {
	return c.dg.Alter(ctx, &api.Operation{Schema: Schema})
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// MutateJSON commits a single set-JSON mutation and returns the uid map
// for any blank nodes in the payload.
func (c *Client) MutateJSON(ctx context.Context, payload interface{}) (map[string]string, error) {
	data, err := jsonx.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal mutation: %w", err)
	}

	txn := c.dg.NewTxn()
	defer txn.Discard(ctx)

	resp, err := txn.Mutate(ctx, &api.Mutation{
		SetJson:   data,
		CommitNow: true,
	})
	if err != nil {
		return nil, fmt.Errorf("mutation failed: %w", err)
	}
	return resp.Uids, nil
}

// DeleteJSON commits a single delete-JSON mutation.
func (c *Client) DeleteJSON(ctx context.Context, payload interface{}) error {
	data, err := jsonx.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal deletion: %w", err)
	}

	txn := c.dg.NewTxn()
	defer txn.Discard(ctx)

	_, err = txn.Mutate(ctx, &api.Mutation{
		DeleteJson: data,
		CommitNow:  true,
	})
	if err != nil {
		return fmt.Errorf("deletion failed: %w", err)
	}
	return nil
}

// Query runs a read-only query with variables.
func (c *Client) Query(ctx context.Context, q string, vars map[string]string) ([]byte, error) {
	txn := c.dg.NewReadOnlyTxn()
	defer txn.Discard(ctx)

	resp, err := txn.QueryWithVars(ctx, q, vars)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	return resp.Json, nil
}

// BlankID builds a blank node reference unique within one mutation.
func BlankID(prefix string) string {
	return fmt.Sprintf("_:%s_%d", prefix, time.Now().UnixNano())
}
