// Package program encodes instructions for, and decodes accounts of, the on-chain
// impact program. Layouts follow Anchor: an 8-byte sha256 discriminator followed by
// borsh-encoded fields.
package program

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// MaxStringLen is the space the program reserves for each string field.
const MaxStringLen = 64

// ImpactAccountSize is the allocated size of an Impact account.
const ImpactAccountSize = 8 + (4+MaxStringLen)*3 + 8 + 8

var (
	ErrInvalidDiscriminator = errors.New("invalid account discriminator")
	ErrFieldTooLong         = errors.New("field exceeds program limit")
	ErrInvalidQuantity      = errors.New("quantity must be positive")
)

var (
	initializeCounterDiscriminator = InstructionDiscriminator("initialize_counter")
	logImpactDiscriminator         = InstructionDiscriminator("log_impact")
	counterAccountDiscriminator    = AccountDiscriminator("ImpactCounter")
	impactAccountDiscriminator     = AccountDiscriminator("Impact")
)

// InstructionDiscriminator is sha256("global:<name>")[:8].
func InstructionDiscriminator(name string) [8]byte {
	return sighash("global", name)
}

// AccountDiscriminator is sha256("account:<Name>")[:8].
func AccountDiscriminator(name string) [8]byte {
	return sighash("account", name)
}

func sighash(namespace, name string) [8]byte {
	sum := sha256.Sum256([]byte(namespace + ":" + name))
	var out [8]byte
	copy(out[:], sum[:8])
	return out
}

// LogImpactArgs are the arguments of the log_impact instruction.
type LogImpactArgs struct {
	Donor     string
	NGO       string
	Medicine  string
	Quantity  uint64
	Timestamp int64
}

func (a LogImpactArgs) Validate() error {
	for _, f := range []struct{ name, value string }{
		{"donor", a.Donor},
		{"ngo", a.NGO},
		{"medicine", a.Medicine},
	} {
		if len(f.value) > MaxStringLen {
			return fmt.Errorf("%w: %s is %d bytes (max %d)", ErrFieldTooLong, f.name, len(f.value), MaxStringLen)
		}
	}
	if a.Quantity == 0 {
		return ErrInvalidQuantity
	}
	return nil
}

// TruncateField cuts s to at most MaxStringLen bytes without splitting a rune.
func TruncateField(s string) string {
	if len(s) <= MaxStringLen {
		return s
	}
	cut := MaxStringLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// EncodeLogImpact returns the instruction data for log_impact.
func EncodeLogImpact(args LogImpactArgs) ([]byte, error) {
	if err := args.Validate(); err != nil {
		return nil, err
	}
	buf := new(bytes.Buffer)
	enc := bin.NewBorshEncoder(buf)
	if err := enc.WriteBytes(logImpactDiscriminator[:], false); err != nil {
		return nil, err
	}
	if err := encodeImpactFields(enc, args.Donor, args.NGO, args.Medicine, args.Quantity, args.Timestamp); err != nil {
		return nil, fmt.Errorf("failed to encode log_impact args: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeInitializeCounter returns the instruction data for initialize_counter.
func EncodeInitializeCounter() []byte {
	out := make([]byte, 8)
	copy(out, initializeCounterDiscriminator[:])
	return out
}

func encodeImpactFields(enc *bin.Encoder, donor, ngo, medicine string, quantity uint64, timestamp int64) error {
	for _, s := range []string{donor, ngo, medicine} {
		if err := enc.WriteUint32(uint32(len(s)), binary.LittleEndian); err != nil {
			return err
		}
		if err := enc.WriteBytes([]byte(s), false); err != nil {
			return err
		}
	}
	if err := enc.WriteUint64(quantity, binary.LittleEndian); err != nil {
		return err
	}
	return enc.WriteInt64(timestamp, binary.LittleEndian)
}

// NewLogImpactInstruction builds the log_impact instruction. The account order is the
// program's: counter, new entry, signer (payer), system program.
func NewLogImpactInstruction(programID, counter, entry, signer solana.PublicKey, args LogImpactArgs) (solana.Instruction, error) {
	data, err := EncodeLogImpact(args)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.Meta(counter).WRITE(),
		solana.Meta(entry).WRITE(),
		solana.Meta(signer).WRITE().SIGNER(),
		solana.Meta(solana.SystemProgramID),
	}, data), nil
}

// NewInitializeCounterInstruction builds the one-time bootstrap instruction.
func NewInitializeCounterInstruction(programID, counter, signer solana.PublicKey) solana.Instruction {
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.Meta(counter).WRITE(),
		solana.Meta(signer).WRITE().SIGNER(),
		solana.Meta(solana.SystemProgramID),
	}, EncodeInitializeCounter())
}

// ImpactCounter is the decoded counter account.
type ImpactCounter struct {
	Count uint64
}

func DecodeImpactCounter(data []byte) (*ImpactCounter, error) {
	dec, err := accountDecoder(data, counterAccountDiscriminator)
	if err != nil {
		return nil, fmt.Errorf("impact counter: %w", err)
	}
	count, err := dec.ReadUint64(binary.LittleEndian)
	if err != nil {
		return nil, fmt.Errorf("impact counter: failed to read count: %w", err)
	}
	return &ImpactCounter{Count: count}, nil
}

// EncodeImpactCounter returns account data for a counter holding count.
func EncodeImpactCounter(count uint64) []byte {
	out := make([]byte, 16)
	copy(out, counterAccountDiscriminator[:])
	binary.LittleEndian.PutUint64(out[8:], count)
	return out
}

// Impact is the decoded entry account.
type Impact struct {
	Donor     string
	NGO       string
	Medicine  string
	Quantity  uint64
	Timestamp int64
}

func DecodeImpact(data []byte) (*Impact, error) {
	dec, err := accountDecoder(data, impactAccountDiscriminator)
	if err != nil {
		return nil, fmt.Errorf("impact: %w", err)
	}
	var fields [3]string
	for i := range fields {
		n, err := dec.ReadUint32(binary.LittleEndian)
		if err != nil {
			return nil, fmt.Errorf("impact: failed to read string length: %w", err)
		}
		if n > MaxStringLen {
			return nil, fmt.Errorf("impact: %w: string length %d", ErrFieldTooLong, n)
		}
		b, err := dec.ReadNBytes(int(n))
		if err != nil {
			return nil, fmt.Errorf("impact: failed to read string: %w", err)
		}
		fields[i] = string(b)
	}
	quantity, err := dec.ReadUint64(binary.LittleEndian)
	if err != nil {
		return nil, fmt.Errorf("impact: failed to read quantity: %w", err)
	}
	timestamp, err := dec.ReadInt64(binary.LittleEndian)
	if err != nil {
		return nil, fmt.Errorf("impact: failed to read timestamp: %w", err)
	}
	return &Impact{
		Donor:     fields[0],
		NGO:       fields[1],
		Medicine:  fields[2],
		Quantity:  quantity,
		Timestamp: timestamp,
	}, nil
}

// EncodeImpact returns account data for an entry, padded to ImpactAccountSize.
func EncodeImpact(impact Impact) ([]byte, error) {
	args := LogImpactArgs(impact)
	if err := args.Validate(); err != nil {
		return nil, err
	}
	buf := new(bytes.Buffer)
	enc := bin.NewBorshEncoder(buf)
	if err := enc.WriteBytes(impactAccountDiscriminator[:], false); err != nil {
		return nil, err
	}
	if err := encodeImpactFields(enc, impact.Donor, impact.NGO, impact.Medicine, impact.Quantity, impact.Timestamp); err != nil {
		return nil, err
	}
	out := make([]byte, ImpactAccountSize)
	copy(out, buf.Bytes())
	return out, nil
}

func accountDecoder(data []byte, want [8]byte) (*bin.Decoder, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: account data is %d bytes", ErrInvalidDiscriminator, len(data))
	}
	if !bytes.Equal(data[:8], want[:]) {
		return nil, ErrInvalidDiscriminator
	}
	return bin.NewBorshDecoder(data[8:]), nil
}
