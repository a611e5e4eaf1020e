package platform

import (
	"crypto/rand"
	"time"
)

// SysClock implements Clock over the standard library. Neither the
// teacher nor any other pack repo wires a third-party time source for
// wall/monotonic clocks; see DESIGN.md.
type SysClock struct{}

func (SysClock) NowWall() WallTime {
	t := time.Now()
	return WallTime{
		Year: t.Year(), Month: int(t.Month()), Day: t.Day(),
		Hour: t.Hour(), Minute: t.Minute(), Second: t.Second(),
	}
}

func (SysClock) NowMonotonicUs() uint64 {
	return uint64(time.Now().UnixMicro())
}

// CryptoRng implements Rng over crypto/rand, used only when the TPM's
// GetRandom is unavailable (no-TPM authenticated-NV backing path).
type CryptoRng struct{}

func (CryptoRng) Fill(buf []byte) error {
	_, err := rand.Read(buf)
	return err
}
