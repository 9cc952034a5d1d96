package beacon

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/Steake/BitCell-sub003/x/ceremony/types"
)

// EthereumSource reads block headers over JSON-RPC.
type EthereumSource struct {
	name   string
	client *ethclient.Client
}

// DialEthereum connects to an Ethereum JSON-RPC endpoint. name is the beacon
// source name the endpoint serves, e.g. "ethereum".
func DialEthereum(ctx context.Context, name, rpcURL string) (*EthereumSource, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", name, err)
	}
	return &EthereumSource{name: name, client: client}, nil
}

func (s *EthereumSource) Name() string {
	return s.name
}

func (s *EthereumSource) BlockByNumber(ctx context.Context, number uint64) (Block, error) {
	header, err := s.client.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return Block{}, err
	}
	return Block{
		Number:    number,
		Hash:      types.Hash(header.Hash()),
		Timestamp: time.Unix(int64(header.Time), 0).UTC(),
	}, nil
}

// Close releases the RPC connection.
func (s *EthereumSource) Close() {
	s.client.Close()
}
