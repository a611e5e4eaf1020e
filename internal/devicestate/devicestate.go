// Package devicestate implements the DeviceStateStore of spec.md
// section 4.3: a tamper-resistant key/value surface for lock state and
// rollback indices, realised on a TPM 2.0 when present and on
// authenticated NV variables otherwise, plus the one-shot trusty-seed
// read and the boot-end seal() lifecycle.
package devicestate

import (
	"context"
	"encoding/binary"

	"github.com/projectceladon/kernelflinger-go/internal/bfail"
	"github.com/projectceladon/kernelflinger-go/internal/bootlog"
	"github.com/projectceladon/kernelflinger-go/internal/platform"
)

const (
	// BootloaderNvIndex holds {struct_ver, lock_state, reserved[6],
	// rollback_index[0..7]}, per spec.md section 6.1.
	BootloaderNvIndex = 0x01500082
	// TrustySeedNvIndex holds the 32-byte fused seed.
	TrustySeedNvIndex = 0x01500080

	recordSize  = 512
	seedSize    = 32
	numSlots    = 8
	structVer   = 1
)

// LockState mirrors spec.md section 3's LockState variant.
type LockState uint8

const (
	Locked LockState = iota
	Unlocked
	Provisioning
)

// Build distinguishes the read-failure default policy of spec.md
// section 4.3: Locked on user builds, Unlocked on userdebug.
type Build int

const (
	BuildUser Build = iota
	BuildUserdebug
)

// Store implements DeviceStateStore's operations identically across
// backings, matching the contract in spec.md section 4.3.
type Store struct {
	tpm        platform.Tpm
	vars       platform.NvVars
	build      Build
	secureBoot bool
	log        *bootlog.Logger

	haveTpm     bool
	record      record
	seedRead    bool
	sealed      bool
	pendingSeal bool
}

type record struct {
	structVer     uint8
	lockState     uint8
	rollbackIndex [numSlots]uint64
}

func (r record) marshal() []byte {
	buf := make([]byte, recordSize)
	buf[0] = r.structVer
	buf[1] = r.lockState
	for i, v := range r.rollbackIndex {
		binary.LittleEndian.PutUint64(buf[8+i*8:], v)
	}
	return buf
}

func unmarshalRecord(buf []byte) record {
	var r record
	if len(buf) < 8+numSlots*8 {
		return record{structVer: structVer}
	}
	r.structVer = buf[0]
	r.lockState = buf[1]
	for i := range r.rollbackIndex {
		r.rollbackIndex[i] = binary.LittleEndian.Uint64(buf[8+i*8:])
	}
	return r
}

// New builds a Store, preferring the TPM backing when present per
// spec.md section 4.3 (GetCapability decides which path Init takes).
// secureBoot is the platform's own secure-boot-enabled signal (from
// PlatformFacade, independent of Build): spec.md section 4.3 requires
// it before the bootloader/trusty_seed NV indices may be created.
func New(tpm platform.Tpm, vars platform.NvVars, build Build, secureBoot bool) *Store {
	return &Store{tpm: tpm, vars: vars, build: build, secureBoot: secureBoot, log: bootlog.Default}
}

// Init probes for a TPM and loads (or lazily creates) the bootloader
// record. Creation is refused unless secureBoot is set (spec.md section
// 4.3: "must refuse to create these indices unless platform secure boot
// is enabled").
func (s *Store) Init(ctx context.Context) error {
	if s.tpm != nil {
		present, err := s.tpm.GetCapability(ctx)
		if err == nil && present {
			s.haveTpm = true
			return s.initTpm(ctx)
		}
	}
	return s.initEfiVars(ctx)
}

func (s *Store) initTpm(ctx context.Context) error {
	data, err := s.tpm.NvRead(ctx, BootloaderNvIndex, 0, recordSize)
	if err != nil {
		if !s.secureBoot {
			return bfail.New("devicestate.initTpm", bfail.PolicyViolation, nil)
		}
		if err := s.tpm.NvDefine(ctx, BootloaderNvIndex, platform.NvAttrs{OwnerWrite: true, AuthWrite: true}, recordSize); err != nil {
			return bfail.New("devicestate.initTpm", bfail.AccessDenied, err)
		}
		s.record = record{structVer: structVer}
		return s.flushTpm(ctx)
	}
	s.record = unmarshalRecord(data)
	return nil
}

func (s *Store) flushTpm(ctx context.Context) error {
	return s.tpm.NvWrite(ctx, BootloaderNvIndex, 0, s.record.marshal())
}

func (s *Store) initEfiVars(ctx context.Context) error {
	data, err := s.vars.Get("fastboot", "OEMLock")
	if err != nil {
		if !bfail.Is(err, bfail.NotFound) {
			return err
		}
		s.record = record{structVer: structVer}
		return nil
	}
	if len(data) == 1 {
		s.record = record{structVer: structVer, lockState: data[0]}
	}
	for i := 0; i < numSlots; i++ {
		if v, err := s.readRollbackVar(i); err == nil {
			s.record.rollbackIndex[i] = v
		}
	}
	return nil
}

func (s *Store) readRollbackVar(slot int) (uint64, error) {
	data, err := s.vars.Get("fastboot", rollbackVarName(slot))
	if err != nil {
		return 0, err
	}
	if len(data) < 8 {
		return 0, bfail.New("devicestate.readRollbackVar", bfail.Corrupted, nil)
	}
	return binary.LittleEndian.Uint64(data), nil
}

func rollbackVarName(slot int) string {
	const hexDigits = "0123456789abcdef"
	b := []byte{'R', 'o', 'l', 'l', 'b', 'a', 'c', 'k', 'I', 'n', 'd', 'e', 'x', '_', '0', '0', '0', '0'}
	v := slot
	for i := len(b) - 1; i >= len(b)-4; i-- {
		b[i] = hexDigits[v&0xf]
		v >>= 4
	}
	return string(b)
}

// ReadLockState returns the persisted lock state. A stored value outside
// Locked/Unlocked/Provisioning reads as Locked on user builds and
// Unlocked on userdebug builds. When Init found no record or could not
// read one, the record is left zeroed and reads as Locked on every
// build.
func (s *Store) ReadLockState(ctx context.Context) LockState {
	ls := LockState(s.record.lockState)
	if ls > Provisioning {
		if s.build == BuildUserdebug {
			return Unlocked
		}
		return Locked
	}
	return ls
}

// WriteLockState persists a new lock state. Only the fastboot path
// (out of core scope) calls this; the core only reads.
func (s *Store) WriteLockState(ctx context.Context, ls LockState) error {
	s.record.lockState = uint8(ls)
	return s.persist(ctx)
}

func (s *Store) persist(ctx context.Context) error {
	if s.haveTpm {
		return s.flushTpm(ctx)
	}
	if err := s.vars.Set("fastboot", "OEMLock", []byte{s.record.lockState}, false); err != nil {
		return err
	}
	for i, v := range s.record.rollbackIndex {
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, v)
		if err := s.vars.Set("fastboot", rollbackVarName(i), buf, false); err != nil {
			return err
		}
	}
	return nil
}

// ReadRollbackIndex returns the stored rollback counter for slot.
func (s *Store) ReadRollbackIndex(slot int) uint64 {
	if slot < 0 || slot >= numSlots {
		return 0
	}
	return s.record.rollbackIndex[slot]
}

// WriteRollbackIndex refuses to decrease a value (spec.md section 4.3
// invariant); the decrease attempt is reported as PolicyViolation and
// never written.
func (s *Store) WriteRollbackIndex(ctx context.Context, slot int, value uint64) error {
	if slot < 0 || slot >= numSlots {
		return bfail.New("devicestate.WriteRollbackIndex", bfail.PolicyViolation, nil)
	}
	if value < s.record.rollbackIndex[slot] {
		return bfail.New("devicestate.WriteRollbackIndex", bfail.PolicyViolation, nil)
	}
	s.record.rollbackIndex[slot] = value
	s.pendingSeal = true
	return s.persist(ctx)
}

// ReadTrustySeed returns the fused seed. It may be called at most once
// per boot; the TPM backing enforces this by read-locking the index
// after the first successful read (and Store additionally tracks it so
// the authenticated-NV backing, which has no hardware read-lock,
// refuses a second call the same way).
func (s *Store) ReadTrustySeed(ctx context.Context) ([]byte, error) {
	if s.seedRead {
		return nil, bfail.New("devicestate.ReadTrustySeed", bfail.AccessDenied, nil)
	}
	var seed []byte
	var err error
	if s.haveTpm {
		seed, err = s.tpm.NvRead(ctx, TrustySeedNvIndex, 0, seedSize)
	} else {
		seed, err = s.vars.Get("loader", "TrustySeed")
	}
	if err != nil {
		return nil, bfail.New("devicestate.ReadTrustySeed", bfail.NotFound, err)
	}
	s.seedRead = true
	if s.haveTpm {
		if lockErr := s.tpm.NvReadLock(ctx, TrustySeedNvIndex); lockErr != nil {
			s.log.Warn("devicestate: trusty seed read-lock failed: %v", lockErr)
		}
	}
	return seed, nil
}

// Seal is called just before kernel handover (spec.md section 4.3/9):
// it must run strictly after every rollback write this boot (the
// second Open Question decision: callers must not call Seal before
// all WriteRollbackIndex calls for the boot have completed) and leaves
// the bootloader index read-locked and the trusty_seed index both
// read- and write-locked. Idempotent within a boot.
func (s *Store) Seal(ctx context.Context) error {
	if s.sealed {
		return nil
	}
	if !s.haveTpm {
		s.sealed = true
		return nil
	}
	if err := s.tpm.NvReadLock(ctx, BootloaderNvIndex); err != nil {
		return bfail.New("devicestate.Seal", bfail.AccessDenied, err)
	}
	if err := s.tpm.NvWriteLock(ctx, TrustySeedNvIndex); err != nil {
		return bfail.New("devicestate.Seal", bfail.AccessDenied, err)
	}
	if !s.seedRead {
		if err := s.tpm.NvReadLock(ctx, TrustySeedNvIndex); err != nil {
			return bfail.New("devicestate.Seal", bfail.AccessDenied, err)
		}
	}
	s.sealed = true
	return nil
}
