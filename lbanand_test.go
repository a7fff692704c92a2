package nandmapper

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeDeviceCommander struct {
	commands  []byte
	status1   byte
	status2   byte
	writeBufs [][]byte
}

func (d *fakeDeviceCommander) SendCommand(opcode byte, addressBytes []byte) error {
	d.commands = append(d.commands, opcode)

	switch opcode {
	case CommandModeChangeToMdp:
		d.status2 = byte(ModeMdp)
	case CommandModeChangeToVfp:
		d.status2 = byte(ModeVfp)
	case CommandModeChangeToBcm:
		d.status2 = byte(ModeBcm)
	}

	return nil
}

func (d *fakeDeviceCommander) SendGeneralCommand(data []byte) error { return nil }
func (d *fakeDeviceCommander) ReadStatus1() (byte, error)           { return d.status1, nil }
func (d *fakeDeviceCommander) ReadStatus2() (byte, error)           { return d.status2, nil }
func (d *fakeDeviceCommander) ReadDMA(buf []byte) error             { return nil }

func (d *fakeDeviceCommander) WriteDMA(buf []byte) error {
	d.writeBufs = append(d.writeBufs, buf)
	return nil
}

func (d *fakeDeviceCommander) WaitReady(timeout time.Duration) error { return nil }

func TestLbaNandStartsInPnp(t *testing.T) {
	c := NewLbaNandController(&HalLocker{}, &fakeDeviceCommander{})
	require.Equal(t, ModePnp, c.CurrentMode())
}

func TestLbaNandPnpToVfpGoesThroughMdp(t *testing.T) {
	dev := &fakeDeviceCommander{}
	c := NewLbaNandController(&HalLocker{}, dev)

	err := c.TransitionTo(ModeVfp)
	require.NoError(t, err)

	require.Equal(t, ModeVfp, c.CurrentMode())
	require.Equal(t, []byte{CommandModeChangeToMdp, CommandModeChangeToVfp}, dev.commands)
}

func TestTransitionAssignsOutgoingAndTerminatesItsSession(t *testing.T) {
	dev := &fakeDeviceCommander{}
	c := NewLbaNandController(&HalLocker{}, dev)
	c.current = ModeMdp

	mdp := c.partitionFor(ModeMdp)
	mdp.session = TransferSession{remainingSectors: 2, isReading: true}

	err := c.TransitionTo(ModeVfp)
	require.NoError(t, err)

	require.Equal(t, mdp, c.outgoing)
	require.False(t, mdp.session.InProgress())
	require.Equal(t, []byte{CommandTerminateReadWrite, CommandModeChangeToVfp}, dev.commands)
}

func TestReadSectorContinuesSequenceOnNextSector(t *testing.T) {
	p := &Partition{Mode: ModeMdp}
	dev := &fakeDeviceCommander{}

	buf := make([]byte, 512)

	err := p.ReadSector(dev, 10, buf, 2)
	require.NoError(t, err)
	require.True(t, p.session.InProgress())
	require.Equal(t, uint32(11), p.session.nextSectorInSequence)

	err = p.ReadSector(dev, 11, buf, 2)
	require.NoError(t, err)
	require.NotContains(t, dev.commands, CommandTerminateReadWrite)
}

func TestReadSectorOutOfOrderTerminatesAndRestarts(t *testing.T) {
	p := &Partition{Mode: ModeMdp}
	dev := &fakeDeviceCommander{}

	buf := make([]byte, 512)

	err := p.ReadSector(dev, 10, buf, 4)
	require.NoError(t, err)

	err = p.ReadSector(dev, 99, buf, 4)
	require.NoError(t, err)

	require.Contains(t, dev.commands, CommandTerminateReadWrite)
	require.Equal(t, uint32(100), p.session.nextSectorInSequence)
}

func TestWriteSectorClassifiesAddressOutOfRange(t *testing.T) {
	p := &Partition{Mode: ModeMdp}
	dev := &fakeDeviceCommander{status1: Status1FailureMask, status2: Status2AddressOutOfRange}

	err := p.WriteSector(dev, 0, []byte{1, 2, 3}, 1)
	require.Error(t, err)
	require.True(t, IsKind(err, KindLbaNandAddressOutOfRange))
	require.False(t, p.session.InProgress())
}

func TestWriteSectorClassifiesSpareBlocksExhausted(t *testing.T) {
	p := &Partition{Mode: ModeMdp}
	dev := &fakeDeviceCommander{status1: Status1FailureMask, status2: Status2SpareBlocksExhausted}

	err := p.WriteSector(dev, 0, []byte{1, 2, 3}, 1)
	require.Error(t, err)
	require.True(t, IsKind(err, KindLbaNandSpareBlocksExhausted))
}

func TestWriteSectorSucceedsWhenStatusClean(t *testing.T) {
	p := &Partition{Mode: ModeMdp}
	dev := &fakeDeviceCommander{}

	err := p.WriteSector(dev, 0, []byte{1, 2, 3}, 1)
	require.NoError(t, err)
	require.Len(t, dev.writeBufs, 1)
}

func TestLbaNandExplicitPnpRequestYieldsBcm(t *testing.T) {
	dev := &fakeDeviceCommander{}
	c := NewLbaNandController(&HalLocker{}, dev)

	c.current = ModeMdp

	err := c.TransitionTo(ModePnp)
	require.NoError(t, err)
	require.Equal(t, ModeBcm, c.CurrentMode())
}

func TestTerminateReadWriteNoopWhenIdle(t *testing.T) {
	p := &Partition{Mode: ModeMdp}

	err := p.TerminateReadWrite(&fakeDeviceCommander{})
	require.NoError(t, err)
}

func TestTerminateReadWriteSendsCommandWhenInProgress(t *testing.T) {
	p := &Partition{Mode: ModeMdp, session: TransferSession{remainingSectors: 3}}
	dev := &fakeDeviceCommander{}

	err := p.TerminateReadWrite(dev)
	require.NoError(t, err)
	require.Equal(t, []byte{CommandTerminateReadWrite}, dev.commands)
	require.False(t, p.session.InProgress())
}

func TestVfpResizeRequestRounding(t *testing.T) {
	rounded, err := VfpResizeRequest(100, 1000, 10, 64)
	require.NoError(t, err)
	require.Equal(t, uint32(128), rounded)
}

func TestVfpResizeRequestZeroIsZeroSize(t *testing.T) {
	rounded, err := VfpResizeRequest(0, 1000, 10, 64)
	require.NoError(t, err)
	require.Equal(t, uint32(0), rounded)
}

func TestVfpResizeRequestTooLarge(t *testing.T) {
	_, err := VfpResizeRequest(2000, 1000, 10, 64)
	require.Error(t, err)
	require.True(t, IsKind(err, KindVfpSizeTooLarge))
}

func TestEncodeVfpResizeCommand(t *testing.T) {
	cmd := EncodeVfpResizeCommand(0x1234)
	require.Equal(t, [4]byte{0x34, 0x12, ^byte(0x34), ^byte(0x12)}, cmd)
}

func TestSetVfpSizeVerifiesResultingSize(t *testing.T) {
	c := NewLbaNandController(&HalLocker{}, &fakeDeviceCommander{})

	err := c.SetVfpSize(100, func() (uint32, error) { return 100, nil })
	require.NoError(t, err)

	err = c.SetVfpSize(100, func() (uint32, error) { return 50, nil })
	require.Error(t, err)
	require.True(t, IsKind(err, KindSetVfpSizeFailed))
}
