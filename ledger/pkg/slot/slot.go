// Package slot derives the program-derived addresses used by the impact program.
//
// The derivation must match the program's account constraints byte for byte:
// the counter lives at ["impact_counter"] and entry n lives at
// ["impact", u64le(n)]. The coordinator predicts the entry address before
// submitting, so any drift here shows up as rejected submissions.
package slot

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

var (
	// CounterSeed is the seed of the singleton counter account.
	CounterSeed = []byte("impact_counter")
	// ImpactSeed is the namespace tag prefixed to every entry's counter value.
	ImpactSeed = []byte("impact")
)

// DefaultProgramID is the deployed impact program.
var DefaultProgramID = solana.MustPublicKeyFromBase58("CW1KiQ7GtGfCNu4VH8rv7NKnXChUYarHoBy2sRht8NBa")

// Address is a derived account address together with its bump seed.
type Address struct {
	PublicKey solana.PublicKey
	Bump      uint8
}

func (a Address) String() string {
	return a.PublicKey.String()
}

// EncodeCounter returns the 8-byte little-endian encoding of value.
func EncodeCounter(value uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, value)
	return buf
}

// SlotAddress derives the entry address for counterValue.
func SlotAddress(programID solana.PublicKey, counterValue uint64) (Address, error) {
	pk, bump, err := solana.FindProgramAddress([][]byte{ImpactSeed, EncodeCounter(counterValue)}, programID)
	if err != nil {
		return Address{}, fmt.Errorf("failed to derive slot address for counter %d: %w", counterValue, err)
	}
	return Address{PublicKey: pk, Bump: bump}, nil
}

// CounterAddress derives the counter account address.
func CounterAddress(programID solana.PublicKey) (Address, error) {
	pk, bump, err := solana.FindProgramAddress([][]byte{CounterSeed}, programID)
	if err != nil {
		return Address{}, fmt.Errorf("failed to derive counter address: %w", err)
	}
	return Address{PublicKey: pk, Bump: bump}, nil
}

// Deriver caches the counter address for one program.
type Deriver struct {
	programID solana.PublicKey
	counter   Address
}

func NewDeriver(programID solana.PublicKey) (*Deriver, error) {
	if programID.IsZero() {
		return nil, fmt.Errorf("program id is required")
	}
	counter, err := CounterAddress(programID)
	if err != nil {
		return nil, err
	}
	return &Deriver{programID: programID, counter: counter}, nil
}

func (d *Deriver) ProgramID() solana.PublicKey { return d.programID }

func (d *Deriver) Counter() Address { return d.counter }

func (d *Deriver) Slot(counterValue uint64) (Address, error) {
	return SlotAddress(d.programID, counterValue)
}
