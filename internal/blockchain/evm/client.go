package evm

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

// Client wraps a read-only Ethereum RPC connection. The service never holds
// user keys; providers sign and submit. The client exists for best-effort
// confirmation checks after a provider reports a submission.
type Client struct {
	ethClient *ethclient.Client
	chainID   int64
	logger    *zap.Logger
}

// NewClient connects to the RPC endpoint for the configured chain.
func NewClient(rpcEndpoint string, chainID int64, logger *zap.Logger) (*Client, error) {
	ethClient, err := ethclient.Dial(rpcEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC endpoint %s: %w", rpcEndpoint, err)
	}

	logger.Info("EVM client initialized",
		zap.Int64("chain_id", chainID),
		zap.String("rpc_endpoint", rpcEndpoint))

	return &Client{
		ethClient: ethClient,
		chainID:   chainID,
		logger:    logger,
	}, nil
}

// Close closes the underlying RPC connection.
func (c *Client) Close() {
	c.ethClient.Close()
}

// WaitForTransaction waits for a transaction to be mined.
func (c *Client) WaitForTransaction(ctx context.Context, txHash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timeout waiting for transaction %s", txHash.Hex())
		case <-ticker.C:
			receipt, err := c.ethClient.TransactionReceipt(ctx, txHash)
			if err == nil && receipt != nil {
				if receipt.Status == 0 {
					return receipt, fmt.Errorf("transaction failed: %s", txHash.Hex())
				}
				return receipt, nil
			}
			// Transaction not yet mined, continue waiting
		}
	}
}
