package health

import (
	"context"
	"fmt"

	"github.com/devblac/intent-indexer/internal/chain"
)

// ConnectionLister exposes the live chain connections.
type ConnectionLister interface {
	Connections() []*chain.Connection
}

// RPCChecker pings every live chain connection.
type RPCChecker struct {
	lister ConnectionLister
}

// NewRPCChecker creates a checker over the connections of lister.
func NewRPCChecker(lister ConnectionLister) *RPCChecker {
	return &RPCChecker{lister: lister}
}

// Ping checks all live chains and returns the last failure.
func (c *RPCChecker) Ping(ctx context.Context) error {
	var lastErr error
	for name, err := range c.Chains(ctx) {
		if err != nil {
			lastErr = fmt.Errorf("chain %s: %w", name, err)
		}
	}
	return lastErr
}

// Chains reports the ping result of each live chain by name.
func (c *RPCChecker) Chains(ctx context.Context) map[string]error {
	out := map[string]error{}
	for _, conn := range c.lister.Connections() {
		out[conn.Name()] = conn.Ping(ctx)
	}
	return out
}
