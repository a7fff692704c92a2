package nandmapper

import (
	"sync"
	"time"

	"github.com/dsoprea/go-logging"
)

// PartitionMode is one of the four LBA-NAND partition modes, encoded the
// same way the device's status-2 command reports the "current partition"
// field.
type PartitionMode int

const (
	ModePnp PartitionMode = 0
	ModeBcm PartitionMode = 2
	ModeVfp PartitionMode = 4
	ModeMdp PartitionMode = 6
)

func (m PartitionMode) String() string {
	switch m {
	case ModePnp:
		return "Pnp"
	case ModeBcm:
		return "Bcm"
	case ModeVfp:
		return "Vfp"
	case ModeMdp:
		return "Mdp"
	default:
		return "Unknown"
	}
}

// Command opcodes, carried forward from the original HAL's command table so
// the mode-change dispatch and status reads are grounded in real protocol
// values instead of abstract enum transitions.
const (
	CommandReadID2            byte = 0x92
	CommandReadStatus1        byte = 0x70
	CommandReadStatus2        byte = 0x71
	CommandRebootDevice       byte = 0xfd
	CommandReadPageFirst      byte = 0x00
	CommandReadPageSecond     byte = 0x30
	CommandSerialDataInput    byte = 0x80
	CommandWritePage          byte = 0x10
	CommandGeneralFirst       byte = 0x00
	CommandGeneralSecond      byte = 0x57
	CommandModeChangeToMdp    byte = 0xfc
	CommandModeChangeToVfp    byte = 0xbe
	CommandModeChangeToBcm    byte = 0xbf
	CommandCacheFlush         byte = 0xf9
	CommandTerminateReadWrite byte = 0xf7
)

// Sector-size and transfer-unit constants from the original HAL, grounding
// the "translate one logical sector into 8 base sectors" rule: a logical
// sector is SectorMultiple 512-byte base sectors, 4 KiB.
const (
	BaseSectorSize                    = 512
	SectorMultiple                    = 8
	LogicalSectorSize                 = BaseSectorSize * SectorMultiple // 4096
	SequentialTransferBaseSectorCount = 8192
)

// Per-operation timeouts, named after the original HAL's timeout table.
const (
	TimeoutReset      = 5 * time.Second
	TimeoutModeChange = 500 * time.Millisecond
	TimeoutVfpResize  = 10 * time.Second
)

// VFP resize sentinels: the device reports these special sizes instead of a
// real sector count.
const (
	VfpSizeZero      uint32 = 0x2020
	VfpSizeExCommand uint32 = 0x3fff
)

// Status-1 response bitmasks, read after a write to learn whether it failed.
const (
	Status1FailureMask              byte = 1 << 0
	Status1SectorWriteTransferError byte = 1 << 2
	Status1NewCommandStart          byte = 1 << 5
	Status1ReadyBusy                byte = 1 << 6
)

// Status-2 response bitmasks, read after a write failure to classify it.
const (
	Status2PowerSaveMode        byte = 1 << 0
	Status2CurrentPartitionMask byte = 1<<1 | 1<<2
	Status2HighSpeedWriteMode   byte = 1 << 3
	Status2AddressOutOfRange    byte = 1 << 4
	Status2SpareBlocksExhausted byte = 1 << 5
	Status2CommandParameterErr  byte = 1 << 6
)

// HalLocker is the `LbaNandHalLocker` of the original HAL. LbaNandController
// holds it around mode transitions and the VFP resize command;
// Partition.ReadSector, WriteSector and TerminateReadWrite do not take it
// themselves. Always acquired after a caller's nand_locker per the package's
// lock-order rule.
type HalLocker struct {
	mu sync.Mutex
}

// Lock acquires the HAL lock for the duration of one command or DMA.
func (h *HalLocker) Lock() { h.mu.Lock() }

// Unlock releases the HAL lock.
func (h *HalLocker) Unlock() { h.mu.Unlock() }

// DeviceCommander issues raw commands/DMA to the LBA-NAND device. It is the
// seam between this package's state machine and the physical transport.
type DeviceCommander interface {
	SendCommand(opcode byte, addressBytes []byte) error
	SendGeneralCommand(data []byte) error
	ReadStatus1() (byte, error)
	ReadStatus2() (byte, error)
	ReadDMA(buf []byte) error
	WriteDMA(buf []byte) error
	WaitReady(timeout time.Duration) error
}

// TransferSession holds the sequential-transfer state for one partition:
// whether a streaming read or write sequence is in progress, and where it
// left off.
type TransferSession struct {
	remainingSectors     uint32
	nextSectorInSequence uint32
	isReading            bool
}

// InProgress reports whether a sequential transfer is still open.
func (ts *TransferSession) InProgress() bool {
	return ts.remainingSectors > 0
}

// Partition is one LBA-NAND partition (boot, firmware, or data), owning its
// own TransferSession.
type Partition struct {
	Mode    PartitionMode
	session TransferSession
}

// TerminateReadWrite closes any streaming transfer in progress on this
// partition, sending the terminate command and zeroing the session state.
// Failure to terminate aborts whatever mode transition or new sequence
// triggered the call.
func (p *Partition) TerminateReadWrite(dev DeviceCommander) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = wrapRecover(errRaw)
		}
	}()

	if !p.session.InProgress() {
		return nil
	}

	err = dev.SendCommand(CommandTerminateReadWrite, nil)
	log.PanicIf(err)

	p.session = TransferSession{}

	return nil
}

// encodeSectorAddress translates a base sector number into the address
// bytes sent alongside a read/write command.
func encodeSectorAddress(baseSector uint32) []byte {
	buf := make([]byte, 4)
	defaultEncoding.PutUint32(buf, baseSector)

	return buf
}

// beginSequenceStep terminates a mismatched or wrong-direction in-progress
// sequence, seeds a fresh one if none is open, and advances the cursor. This
// is the "terminate an in progress write sequence or out of order sector
// number" / "if !m_remainingSectors, start a new sequence" logic shared by
// the original's readSector and writeSector.
func (p *Partition) beginSequenceStep(dev DeviceCommander, sectorNumber uint32, isReading bool, expectedCount uint32) (err error) {
	s := &p.session

	if s.remainingSectors > 0 && (s.isReading != isReading || s.nextSectorInSequence != sectorNumber) {
		if err = p.TerminateReadWrite(dev); err != nil {
			return err
		}
	}

	if s.remainingSectors == 0 {
		baseSectorCount := expectedCount * SectorMultiple
		if baseSectorCount == 0 || baseSectorCount > SequentialTransferBaseSectorCount {
			baseSectorCount = SequentialTransferBaseSectorCount
		}

		s.remainingSectors = baseSectorCount / SectorMultiple
		s.nextSectorInSequence = sectorNumber
		s.isReading = isReading
	}

	s.remainingSectors--
	s.nextSectorInSequence++

	return nil
}

// ReadSector performs one logical-sector read within a streaming sequence,
// translating the logical sector number into SectorMultiple 512-byte base
// sectors (4 KiB). expectedCount is only consulted when no sequence is already
// open: it seeds how many logical sectors the caller intends to stream next,
// the same hint startTransferSequence records ahead of a fresh run.
func (p *Partition) ReadSector(dev DeviceCommander, sectorNumber uint32, buf []byte, expectedCount uint32) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = wrapRecover(errRaw)
		}
	}()

	err = p.beginSequenceStep(dev, sectorNumber, true, expectedCount)
	log.PanicIf(err)

	err = dev.SendCommand(CommandReadPageFirst, encodeSectorAddress(sectorNumber*SectorMultiple))
	log.PanicIf(err)

	err = dev.SendCommand(CommandReadPageSecond, nil)
	log.PanicIf(err)

	err = dev.ReadDMA(buf)
	log.PanicIf(err)

	return nil
}

// WriteSector performs one logical-sector write within a streaming sequence
// and classifies any reported failure from status-1/status-2, mirroring the
// original writeSector's post-write status check.
func (p *Partition) WriteSector(dev DeviceCommander, sectorNumber uint32, buf []byte, expectedCount uint32) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = wrapRecover(errRaw)
		}
	}()

	err = p.beginSequenceStep(dev, sectorNumber, false, expectedCount)
	log.PanicIf(err)

	err = dev.SendCommand(CommandSerialDataInput, encodeSectorAddress(sectorNumber*SectorMultiple))
	log.PanicIf(err)

	err = dev.WriteDMA(buf)
	log.PanicIf(err)

	err = dev.SendCommand(CommandWritePage, nil)
	log.PanicIf(err)

	status1, err := dev.ReadStatus1()
	log.PanicIf(err)

	if status1&Status1FailureMask == 0 {
		return nil
	}

	status2, err := dev.ReadStatus2()
	log.PanicIf(err)

	// The write failed; terminate this sequence and let the caller see the
	// classified error instead of whatever garbage status a partial
	// sequence would read next.
	_ = p.TerminateReadWrite(dev)

	switch {
	case status2&Status2AddressOutOfRange != 0:
		return log.Wrap(ErrLbaNandAddressOutOfRange)
	case status2&Status2SpareBlocksExhausted != 0:
		return log.Wrap(ErrLbaNandSpareBlocksExhausted)
	default:
		return log.Wrap(ErrLbaNandWriteFailed)
	}
}

// LbaNandController owns the current partition mode and dispatches mode
// transitions through exit_current_partition before issuing the mode-change
// command.
type LbaNandController struct {
	hal        *HalLocker
	dev        DeviceCommander
	current    PartitionMode
	partitions map[PartitionMode]*Partition
	outgoing   *Partition
}

// NewLbaNandController creates a controller that starts in Pnp, the mode
// the device powers on in.
func NewLbaNandController(hal *HalLocker, dev DeviceCommander) *LbaNandController {
	return &LbaNandController{
		hal:        hal,
		dev:        dev,
		current:    ModePnp,
		partitions: make(map[PartitionMode]*Partition),
	}
}

// CurrentMode returns the controller's recorded partition mode.
func (c *LbaNandController) CurrentMode() PartitionMode {
	return c.current
}

// partitionFor returns the controller's Partition instance for mode,
// creating it the first time that mode is entered.
func (c *LbaNandController) partitionFor(mode PartitionMode) *Partition {
	p, found := c.partitions[mode]
	if !found {
		p = &Partition{Mode: mode}
		c.partitions[mode] = p
	}

	return p
}

// ActivePartition returns the Partition instance backing the controller's
// current mode, the one a caller should route ReadSector/WriteSector calls
// through.
func (c *LbaNandController) ActivePartition() *Partition {
	return c.partitionFor(c.current)
}

// ExitCurrentPartition terminates any streaming transfer on the outgoing
// partition before a mode transition is attempted.
func (c *LbaNandController) ExitCurrentPartition() (err error) {
	if c.outgoing == nil {
		return nil
	}

	return c.outgoing.TerminateReadWrite(c.dev)
}

// TransitionTo moves the device to target, taking the two-step path through
// Mdp when requested to go directly from Pnp to Vfp, and correcting an
// explicit request for Pnp into Bcm (the device can only return to Pnp via
// reboot).
func (c *LbaNandController) TransitionTo(target PartitionMode) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = wrapRecover(errRaw)
		}
	}()

	if target == ModePnp {
		target = ModeBcm
	}

	if c.current == ModePnp && target == ModeVfp {
		err = c.transitionOneStep(ModeMdp)
		log.PanicIf(err)
	}

	if c.current == target {
		return nil
	}

	return c.transitionOneStep(target)
}

func (c *LbaNandController) transitionOneStep(target PartitionMode) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = wrapRecover(errRaw)
		}
	}()

	c.hal.Lock()
	defer c.hal.Unlock()

	if c.current != ModePnp {
		c.outgoing = c.partitionFor(c.current)

		err = c.ExitCurrentPartition()
		log.PanicIf(err)
	}

	var opcode byte
	switch target {
	case ModeMdp:
		opcode = CommandModeChangeToMdp
	case ModeVfp:
		opcode = CommandModeChangeToVfp
	case ModeBcm:
		opcode = CommandModeChangeToBcm
	default:
		log.Panicf("no mode-change command for target mode (%v)", target)
	}

	err = c.dev.SendCommand(opcode, nil)
	log.PanicIf(err)

	err = c.dev.WaitReady(TimeoutModeChange)
	log.PanicIf(err)

	c.current = target

	return nil
}

// VfpResizeRequest validates a requested VFP sector count against the
// device's bounds and rounds it up to the VFP step size, matching the
// original resize command's pre-validation.
func VfpResizeRequest(requested uint32, maxSectors uint32, minSectors uint32, stepSectors uint32) (rounded uint32, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = wrapRecover(errRaw)
		}
	}()

	if requested == 0 {
		return 0, nil
	}

	if requested > maxSectors {
		return 0, log.Wrap(ErrVfpSizeTooLarge)
	}

	if requested < minSectors {
		requested = minSectors
	}

	if stepSectors == 0 {
		log.Panicf("vfp step size must be nonzero")
	}

	remainder := requested % stepSectors
	if remainder != 0 {
		requested += stepSectors - remainder
	}

	return requested, nil
}

// EncodeVfpResizeCommand composes the four-byte VFP resize command payload:
// {lo, hi, ~lo, ~hi} of the 16-bit sector-count-in-units value.
func EncodeVfpResizeCommand(sizeUnits uint16) [4]byte {
	lo := byte(sizeUnits & 0xff)
	hi := byte(sizeUnits >> 8)

	return [4]byte{lo, hi, ^lo, ^hi}
}

// SetVfpSize issues the VFP resize command and verifies the resulting size,
// per the long software-controlled ready-wait the original uses instead of
// a DMA wait-for-ready.
func (c *LbaNandController) SetVfpSize(sizeUnits uint16, readVfpSize func() (uint32, error)) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = wrapRecover(errRaw)
		}
	}()

	cmd := EncodeVfpResizeCommand(sizeUnits)

	c.hal.Lock()
	defer c.hal.Unlock()

	err = c.dev.SendGeneralCommand(cmd[:])
	log.PanicIf(err)

	err = c.dev.WaitReady(TimeoutVfpResize)
	log.PanicIf(err)

	actual, err := readVfpSize()
	log.PanicIf(err)

	if actual != uint32(sizeUnits) {
		return log.Wrap(ErrSetVfpSizeFailed)
	}

	return nil
}
