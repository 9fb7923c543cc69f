package config

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"

	"github.com/vionex/impact/ledger/pkg/client"
	"github.com/vionex/impact/ledger/pkg/slot"
)

// LedgerConfig holds the ledger connection settings.
type LedgerConfig struct {
	RPCURL      string
	ProgramID   solana.PublicKey
	KeypairPath string
	Commitment  solanarpc.CommitmentType
}

// LoadLedgerConfig reads the ledger configuration from the environment.
func LoadLedgerConfig() (LedgerConfig, error) {
	cfg := LedgerConfig{
		RPCURL:      client.GetRPCURL(),
		ProgramID:   slot.DefaultProgramID,
		KeypairPath: os.Getenv("SOLANA_KEYPAIR_PATH"),
		Commitment:  solanarpc.CommitmentConfirmed,
	}
	if id := os.Getenv("IMPACT_PROGRAM_ID"); id != "" {
		pk, err := solana.PublicKeyFromBase58(id)
		if err != nil {
			return LedgerConfig{}, fmt.Errorf("invalid IMPACT_PROGRAM_ID: %w", err)
		}
		cfg.ProgramID = pk
	}
	switch c := solanarpc.CommitmentType(os.Getenv("SOLANA_COMMITMENT")); c {
	case "":
	case solanarpc.CommitmentProcessed, solanarpc.CommitmentConfirmed, solanarpc.CommitmentFinalized:
		cfg.Commitment = c
	default:
		return LedgerConfig{}, fmt.Errorf("invalid SOLANA_COMMITMENT %q", c)
	}
	return cfg, nil
}

// NewLedgerClient builds a ledger client. Without a keypair the client is read-only.
func NewLedgerClient(log *slog.Logger, cfg LedgerConfig) (*client.Client, error) {
	var signer solana.PrivateKey
	if cfg.KeypairPath != "" {
		key, err := solana.PrivateKeyFromSolanaKeygenFile(cfg.KeypairPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load keypair %s: %w", cfg.KeypairPath, err)
		}
		signer = key
	}
	c, err := client.New(client.Config{
		Logger:     log,
		RPC:        client.NewRPC(cfg.RPCURL),
		ProgramID:  cfg.ProgramID,
		Signer:     signer,
		Commitment: cfg.Commitment,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ledger client: %w", err)
	}
	if signer == nil {
		log.Warn("ledger client is read-only, set SOLANA_KEYPAIR_PATH to enable writes")
	} else {
		log.Info("ledger client ready", "rpc_url", cfg.RPCURL, "program_id", cfg.ProgramID, "signer", c.SignerAddress())
	}
	return c, nil
}
