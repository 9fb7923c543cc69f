package slot

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

func TestImpact_Slot_EncodeCounter(t *testing.T) {
	t.Parallel()

	require.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 0}, EncodeCounter(0))
	require.Equal(t, []byte{7, 0, 0, 0, 0, 0, 0, 0}, EncodeCounter(7))
	require.Equal(t, []byte{0x01, 0x02, 0, 0, 0, 0, 0, 0}, EncodeCounter(0x0201))
	require.Equal(t, []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, EncodeCounter(^uint64(0)))
}

func TestImpact_Slot_SlotAddress(t *testing.T) {
	t.Parallel()

	t.Run("matches the on-chain addresses", func(t *testing.T) {
		t.Parallel()

		tests := []struct {
			counter uint64
			want    string
			bump    uint8
		}{
			{0, "DhQVqf98jXUT9EuqJaNgybnyNyTtMwBmkAyPMBq35xNk", 254},
			{7, "BPgWDMAird47x3jdHGWKKMeT3wbKHn21tkxa8fA9Hbqu", 255},
		}
		for _, tt := range tests {
			got, err := SlotAddress(DefaultProgramID, tt.counter)
			require.NoError(t, err)
			require.Equal(t, tt.want, got.PublicKey.String(), "counter %d", tt.counter)
			require.Equal(t, tt.bump, got.Bump, "counter %d", tt.counter)
		}
	})

	t.Run("uses the impact seed with a little-endian counter", func(t *testing.T) {
		t.Parallel()

		for _, n := range []uint64{1, 8, 1 << 40} {
			got, err := SlotAddress(DefaultProgramID, n)
			require.NoError(t, err)

			want, bump, err := solana.FindProgramAddress([][]byte{[]byte("impact"), EncodeCounter(n)}, DefaultProgramID)
			require.NoError(t, err)
			require.Equal(t, want, got.PublicKey)
			require.Equal(t, bump, got.Bump)
		}
	})

	t.Run("is deterministic", func(t *testing.T) {
		t.Parallel()

		a, err := SlotAddress(DefaultProgramID, 42)
		require.NoError(t, err)
		b, err := SlotAddress(DefaultProgramID, 42)
		require.NoError(t, err)
		require.Equal(t, a, b)
	})

	t.Run("distinct counters give distinct slots", func(t *testing.T) {
		t.Parallel()

		seen := make(map[solana.PublicKey]uint64)
		for n := uint64(0); n < 64; n++ {
			addr, err := SlotAddress(DefaultProgramID, n)
			require.NoError(t, err)
			prev, dup := seen[addr.PublicKey]
			require.False(t, dup, "counter %d collides with %d", n, prev)
			seen[addr.PublicKey] = n
		}
	})

	t.Run("depends on the program id", func(t *testing.T) {
		t.Parallel()

		other := solana.MustPublicKeyFromBase58("Vote111111111111111111111111111111111111111")
		a, err := SlotAddress(DefaultProgramID, 3)
		require.NoError(t, err)
		b, err := SlotAddress(other, 3)
		require.NoError(t, err)
		require.NotEqual(t, a.PublicKey, b.PublicKey)
	})
}

func TestImpact_Slot_CounterAddress(t *testing.T) {
	t.Parallel()

	require.Equal(t, "CW1KiQ7GtGfCNu4VH8rv7NKnXChUYarHoBy2sRht8NBa", DefaultProgramID.String())

	got, err := CounterAddress(DefaultProgramID)
	require.NoError(t, err)
	require.Equal(t, "AfMkEUFSgYHH3b6pftHGk2c7afL8eiafm8L47F9ZxYdP", got.PublicKey.String())
	require.Equal(t, uint8(255), got.Bump)

	entry0, err := SlotAddress(DefaultProgramID, 0)
	require.NoError(t, err)
	require.NotEqual(t, got.PublicKey, entry0.PublicKey)
}

func TestImpact_Slot_Deriver(t *testing.T) {
	t.Parallel()

	_, err := NewDeriver(solana.PublicKey{})
	require.Error(t, err)

	d, err := NewDeriver(DefaultProgramID)
	require.NoError(t, err)
	require.Equal(t, DefaultProgramID, d.ProgramID())

	counter, err := CounterAddress(DefaultProgramID)
	require.NoError(t, err)
	require.Equal(t, counter, d.Counter())

	s, err := d.Slot(9)
	require.NoError(t, err)
	want, err := SlotAddress(DefaultProgramID, 9)
	require.NoError(t, err)
	require.Equal(t, want, s)
}
