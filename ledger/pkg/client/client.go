package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/jonboulle/clockwork"

	"github.com/vionex/impact/impact/pkg/metrics"
	"github.com/vionex/impact/ledger/pkg/program"
	"github.com/vionex/impact/ledger/pkg/slot"
	"github.com/vionex/impact/utils/pkg/retry"
)

var (
	// ErrCounterNotFound means the counter account has not been initialized.
	ErrCounterNotFound = errors.New("impact counter account not found")
	// ErrAccountNotFound means a requested entry account does not exist.
	ErrAccountNotFound = errors.New("ledger account not found")
	// ErrSlotOccupied means the append lost the race for its counter value: the counter
	// moved or the slot already holds an entry.
	ErrSlotOccupied = errors.New("ledger slot occupied")
	// ErrRejected is a definitive rejection that a retry cannot fix.
	ErrRejected = errors.New("ledger rejected transaction")
	// ErrUnreachable covers transport failures talking to the RPC node.
	ErrUnreachable = errors.New("ledger unreachable")
	// ErrNoSigner is returned by write operations on a read-only client.
	ErrNoSigner = errors.New("ledger client has no signer")
)

// UnconfirmedError is returned when a transaction was sent but its fate is unknown
// when the context ended. The signature may still land.
type UnconfirmedError struct {
	Signature solana.Signature
	Err       error
}

func (e *UnconfirmedError) Error() string {
	return fmt.Sprintf("transaction %s unconfirmed: %v", e.Signature, e.Err)
}

func (e *UnconfirmedError) Unwrap() error { return e.Err }

// SignatureStatus is what the ledger knows about a previously sent transaction.
type SignatureStatus int

const (
	SignatureUnknown SignatureStatus = iota
	SignaturePending
	SignatureLanded
	SignatureFailed
)

func (s SignatureStatus) String() string {
	switch s {
	case SignaturePending:
		return "pending"
	case SignatureLanded:
		return "landed"
	case SignatureFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// AppendRequest is one attempt to write an entry at the slot derived from CounterValue.
type AppendRequest struct {
	CounterValue uint64
	Slot         slot.Address
	Entry        program.LogImpactArgs
}

type Config struct {
	Logger     *slog.Logger
	RPC        RPC
	ProgramID  solana.PublicKey
	Signer     solana.PrivateKey
	Clock      clockwork.Clock
	Commitment solanarpc.CommitmentType

	// ConfirmPollInterval is how often signature status is polled after sending.
	ConfirmPollInterval time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RPC == nil {
		return errors.New("rpc is required")
	}
	if cfg.ProgramID.IsZero() {
		return errors.New("program id is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Commitment == "" {
		cfg.Commitment = solanarpc.CommitmentConfirmed
	}
	if cfg.ConfirmPollInterval <= 0 {
		cfg.ConfirmPollInterval = 500 * time.Millisecond
	}
	return nil
}

// Client talks to the impact program. The counter account is only ever read and
// advanced through it.
type Client struct {
	log     *slog.Logger
	cfg     Config
	deriver *slot.Deriver
}

func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	deriver, err := slot.NewDeriver(cfg.ProgramID)
	if err != nil {
		return nil, err
	}
	return &Client{
		log:     cfg.Logger,
		cfg:     cfg,
		deriver: deriver,
	}, nil
}

func (c *Client) ProgramID() solana.PublicKey { return c.cfg.ProgramID }

func (c *Client) CounterAddress() slot.Address { return c.deriver.Counter() }

// SignerAddress returns the zero key for a read-only client.
func (c *Client) SignerAddress() solana.PublicKey {
	if !c.hasSigner() {
		return solana.PublicKey{}
	}
	return c.cfg.Signer.PublicKey()
}

func (c *Client) hasSigner() bool {
	return len(c.cfg.Signer) == 64
}

// ReadCounter returns the current value of the impact counter.
func (c *Client) ReadCounter(ctx context.Context) (uint64, error) {
	data, err := c.accountData(ctx, "getAccountInfo", c.deriver.Counter().PublicKey)
	if errors.Is(err, ErrAccountNotFound) {
		return 0, ErrCounterNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read counter: %w", err)
	}
	counter, err := program.DecodeImpactCounter(data)
	if err != nil {
		return 0, fmt.Errorf("failed to decode counter: %w", err)
	}
	return counter.Count, nil
}

// FetchImpact reads and decodes the entry account at addr.
func (c *Client) FetchImpact(ctx context.Context, addr solana.PublicKey) (*program.Impact, error) {
	data, err := c.accountData(ctx, "getAccountInfo", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to read impact %s: %w", addr, err)
	}
	impact, err := program.DecodeImpact(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode impact %s: %w", addr, err)
	}
	return impact, nil
}

func (c *Client) accountData(ctx context.Context, method string, addr solana.PublicKey) ([]byte, error) {
	var res *solanarpc.GetAccountInfoResult
	err := c.observe(method, func() error {
		var err error
		res, err = c.cfg.RPC.GetAccountInfoWithOpts(ctx, addr, &solanarpc.GetAccountInfoOpts{
			Commitment: c.cfg.Commitment,
		})
		return err
	})
	if errors.Is(err, solanarpc.ErrNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, classifyTransport(ctx, err)
	}
	if res == nil || res.Value == nil || res.Value.Data == nil {
		return nil, ErrAccountNotFound
	}
	return res.Value.Data.GetBinary(), nil
}

// SubmitAppend sends a log_impact transaction targeting req.Slot and waits for it to
// confirm. Losing the race for the counter value yields ErrSlotOccupied.
func (c *Client) SubmitAppend(ctx context.Context, req AppendRequest) (solana.Signature, error) {
	if !c.hasSigner() {
		return solana.Signature{}, ErrNoSigner
	}
	inst, err := program.NewLogImpactInstruction(
		c.cfg.ProgramID,
		c.deriver.Counter().PublicKey,
		req.Slot.PublicKey,
		c.cfg.Signer.PublicKey(),
		req.Entry,
	)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("%w: %w", ErrRejected, err)
	}

	sig, err := c.sendAndConfirm(ctx, inst)
	if err != nil {
		c.log.Debug("ledger: append failed", "counter", req.CounterValue, "slot", req.Slot.String(), "error", err)
		return sig, fmt.Errorf("append at counter %d slot %s: %w", req.CounterValue, req.Slot, err)
	}
	c.log.Debug("ledger: append committed", "counter", req.CounterValue, "slot", req.Slot.String(), "signature", sig.String())
	return sig, nil
}

// InitializeCounter creates the counter account at zero. It is a one-time bootstrap.
func (c *Client) InitializeCounter(ctx context.Context) (solana.Signature, error) {
	if !c.hasSigner() {
		return solana.Signature{}, ErrNoSigner
	}
	inst := program.NewInitializeCounterInstruction(c.cfg.ProgramID, c.deriver.Counter().PublicKey, c.cfg.Signer.PublicKey())
	sig, err := c.sendAndConfirm(ctx, inst)
	if err != nil {
		return sig, fmt.Errorf("initialize counter: %w", err)
	}
	return sig, nil
}

func (c *Client) sendAndConfirm(ctx context.Context, inst solana.Instruction) (solana.Signature, error) {
	var latest *solanarpc.GetLatestBlockhashResult
	err := c.observe("getLatestBlockhash", func() error {
		var err error
		latest, err = c.cfg.RPC.GetLatestBlockhash(ctx, c.cfg.Commitment)
		return err
	})
	if err != nil {
		return solana.Signature{}, classifyTransport(ctx, err)
	}

	signer := c.cfg.Signer
	tx, err := solana.NewTransaction(
		[]solana.Instruction{inst},
		latest.Value.Blockhash,
		solana.TransactionPayer(signer.PublicKey()),
	)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("%w: failed to build transaction: %w", ErrRejected, err)
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(signer.PublicKey()) {
			return &signer
		}
		return nil
	}); err != nil {
		return solana.Signature{}, fmt.Errorf("%w: failed to sign transaction: %w", ErrRejected, err)
	}
	sig := tx.Signatures[0]

	err = c.observe("sendTransaction", func() error {
		_, err := c.cfg.RPC.SendTransactionWithOpts(ctx, tx, solanarpc.TransactionOpts{
			PreflightCommitment: c.cfg.Commitment,
		})
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			// The node may have accepted it before we gave up.
			return sig, &UnconfirmedError{Signature: sig, Err: ctx.Err()}
		}
		return sig, classifySendError(ctx, err)
	}

	return sig, c.waitForConfirmation(ctx, sig)
}

func (c *Client) waitForConfirmation(ctx context.Context, sig solana.Signature) error {
	ticker := c.cfg.Clock.NewTicker(c.cfg.ConfirmPollInterval)
	defer ticker.Stop()

	for {
		status, statusErr, err := c.signatureStatus(ctx, sig)
		if err != nil && ctx.Err() == nil {
			c.log.Debug("ledger: signature status poll failed", "signature", sig.String(), "error", err)
		}
		switch status {
		case SignatureLanded:
			return nil
		case SignatureFailed:
			return classifyStatusError(statusErr)
		}

		select {
		case <-ctx.Done():
			return &UnconfirmedError{Signature: sig, Err: ctx.Err()}
		case <-ticker.Chan():
		}
	}
}

// SignatureStatus reports whether a previously sent transaction has landed.
func (c *Client) SignatureStatus(ctx context.Context, sig solana.Signature) (SignatureStatus, error) {
	status, _, err := c.signatureStatus(ctx, sig)
	return status, err
}

// SignatureLanded is true once sig is confirmed without error.
func (c *Client) SignatureLanded(ctx context.Context, sig solana.Signature) (bool, error) {
	status, err := c.SignatureStatus(ctx, sig)
	return status == SignatureLanded, err
}

func (c *Client) signatureStatus(ctx context.Context, sig solana.Signature) (SignatureStatus, any, error) {
	var res *solanarpc.GetSignatureStatusesResult
	err := c.observe("getSignatureStatuses", func() error {
		var err error
		res, err = c.cfg.RPC.GetSignatureStatuses(ctx, true, sig)
		return err
	})
	if err != nil {
		return SignatureUnknown, nil, classifyTransport(ctx, err)
	}
	if res == nil || len(res.Value) == 0 || res.Value[0] == nil {
		return SignatureUnknown, nil, nil
	}
	st := res.Value[0]
	if st.Err != nil {
		return SignatureFailed, st.Err, nil
	}
	switch st.ConfirmationStatus {
	case solanarpc.ConfirmationStatusConfirmed, solanarpc.ConfirmationStatusFinalized:
		return SignatureLanded, nil, nil
	default:
		return SignaturePending, nil, nil
	}
}

// CreationSignature returns the oldest successful transaction touching addr. Entry
// accounts are written once, so this is the transaction that created them.
func (c *Client) CreationSignature(ctx context.Context, addr solana.PublicKey) (solana.Signature, error) {
	var sigs []*solanarpc.TransactionSignature
	err := c.observe("getSignaturesForAddress", func() error {
		var err error
		sigs, err = c.cfg.RPC.GetSignaturesForAddressWithOpts(ctx, addr, &solanarpc.GetSignaturesForAddressOpts{
			Commitment: c.cfg.Commitment,
		})
		return err
	})
	if err != nil {
		return solana.Signature{}, classifyTransport(ctx, err)
	}
	for i := len(sigs) - 1; i >= 0; i-- {
		if sigs[i] != nil && sigs[i].Err == nil {
			return sigs[i].Signature, nil
		}
	}
	return solana.Signature{}, fmt.Errorf("%w: no creating transaction for %s", ErrAccountNotFound, addr)
}

// Balance returns the signer's balance in lamports.
func (c *Client) Balance(ctx context.Context) (uint64, error) {
	if !c.hasSigner() {
		return 0, ErrNoSigner
	}
	var res *solanarpc.GetBalanceResult
	err := c.observe("getBalance", func() error {
		var err error
		res, err = c.cfg.RPC.GetBalance(ctx, c.cfg.Signer.PublicKey(), c.cfg.Commitment)
		return err
	})
	if err != nil {
		return 0, classifyTransport(ctx, err)
	}
	return res.Value, nil
}

func (c *Client) observe(method string, fn func() error) error {
	start := c.cfg.Clock.Now()
	err := fn()
	metrics.LedgerRPCDuration.WithLabelValues(method).Observe(c.cfg.Clock.Since(start).Seconds())
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.LedgerRPCTotal.WithLabelValues(method, status).Inc()
	return err
}

var slotOccupiedPatterns = []string{
	"custom program error: 0x7d6", // ConstraintSeeds
	"constraintseeds",
	"already in use",
	"map[custom:2006]",
	"map[custom:0]", // system program AccountAlreadyInUse
}

func isSlotOccupied(text string) bool {
	text = strings.ToLower(text)
	for _, p := range slotOccupiedPatterns {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}

func classifySendError(ctx context.Context, err error) error {
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		text := fmt.Sprintf("%s %v", rpcErr.Message, rpcErr.Data)
		if isSlotOccupied(text) {
			return fmt.Errorf("%w: %s", ErrSlotOccupied, rpcErr.Message)
		}
		if retry.IsRetryable(errors.New(text)) {
			return fmt.Errorf("%w: %s", ErrUnreachable, rpcErr.Message)
		}
		return fmt.Errorf("%w: %s", ErrRejected, rpcErr.Message)
	}
	return classifyTransport(ctx, err)
}

func classifyStatusError(statusErr any) error {
	text := fmt.Sprint(statusErr)
	if isSlotOccupied(text) {
		return fmt.Errorf("%w: %s", ErrSlotOccupied, text)
	}
	return fmt.Errorf("%w: %s", ErrRejected, text)
}

func classifyTransport(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) && !retry.IsRetryable(err) {
		return fmt.Errorf("%w: %w", ErrRejected, err)
	}
	return fmt.Errorf("%w: %w", ErrUnreachable, err)
}
