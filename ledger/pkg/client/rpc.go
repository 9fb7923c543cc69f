package client

import (
	"context"
	"os"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
)

// DefaultRPCURL is the cluster the impact program is deployed to.
const DefaultRPCURL = "https://api.devnet.solana.com"

// GetRPCURL returns the configured Solana RPC URL
func GetRPCURL() string {
	url := os.Getenv("SOLANA_RPC_URL")
	if url == "" {
		return DefaultRPCURL
	}
	return url
}

// RPC is the subset of the solana-go RPC client used by the ledger client.
type RPC interface {
	GetAccountInfoWithOpts(ctx context.Context, account solana.PublicKey, opts *solanarpc.GetAccountInfoOpts) (*solanarpc.GetAccountInfoResult, error)
	GetLatestBlockhash(ctx context.Context, commitment solanarpc.CommitmentType) (*solanarpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts solanarpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*solanarpc.GetSignatureStatusesResult, error)
	GetSignaturesForAddressWithOpts(ctx context.Context, account solana.PublicKey, opts *solanarpc.GetSignaturesForAddressOpts) ([]*solanarpc.TransactionSignature, error)
	GetBalance(ctx context.Context, account solana.PublicKey, commitment solanarpc.CommitmentType) (*solanarpc.GetBalanceResult, error)
}

var _ RPC = (*solanarpc.Client)(nil)

// NewRPC returns an RPC client for url.
func NewRPC(url string) *solanarpc.Client {
	return solanarpc.New(url)
}

// LamportsToSOL converts lamports to SOL
func LamportsToSOL(lamports uint64) float64 {
	return float64(lamports) / 1_000_000_000
}
