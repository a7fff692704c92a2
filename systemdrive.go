package nandmapper

import (
	"github.com/dsoprea/go-logging"
)

// SystemDriveRole identifies one of the three triplicate copies of a
// system/firmware drive.
type SystemDriveRole int

const (
	RolePrimary SystemDriveRole = iota
	RoleSecondary
	RoleMaster
)

// SystemDrive is one copy of a triplicated system/firmware drive. Actual
// read/write/erase is delegated to a Drive; SystemDrive adds the
// recoverability bookkeeping the redundancy manager needs.
type SystemDrive struct {
	Role           SystemDriveRole
	Drive          Drive
	beingRewritten bool
}

// IsRecoverable reports whether this drive has a non-master role, i.e.
// whether some other drive in the triplicate set could stand in for it.
func (sd *SystemDrive) IsRecoverable() bool {
	return sd.Role != RoleMaster
}

func (sd *SystemDrive) IsPrimaryFirmware() bool   { return sd.Role == RolePrimary }
func (sd *SystemDrive) IsSecondaryFirmware() bool { return sd.Role == RoleSecondary }
func (sd *SystemDrive) IsMasterFirmware() bool    { return sd.Role == RoleMaster }

// DriveStats tracks the per-drive telemetry the redundancy manager reports:
// how many refreshes it has performed, counting both single-block refreshes
// and completed full recovery rewrites.
type DriveStats struct {
	RefreshCount        uint32
	LastRecoveryElapsed uint32 // never written by RedundancyManager; Stats reports it as zero.
}

// PersistentFlags models the RTC persistent-bit bookkeeping a system-drive
// recovery flips around a rewrite: whether recovery is in progress (so a
// power cycle mid-rewrite is detected on the next boot) and which boot image
// the bootROM should prefer while the primary copy is untrustworthy.
type PersistentFlags interface {
	// SetFirmwareRecoveryInProgress records whether a full-drive rewrite is
	// currently underway.
	SetFirmwareRecoveryInProgress(inProgress bool) error

	// SetSecondaryBootFlag records whether the bootROM should boot from the
	// secondary copy instead of the primary.
	SetSecondaryBootFlag(set bool) error
}

// RedundancyManager coordinates the three SystemDrive copies: resolving
// which drive backs up which, reporting through IsAvailable whether all
// three are registered, and tracking which drive currently serves as the
// active firmware source. The recovery methods do not check IsAvailable.
type RedundancyManager struct {
	primary   *SystemDrive
	secondary *SystemDrive
	master    *SystemDrive

	current *SystemDrive
	stats   map[SystemDriveRole]*DriveStats
	flags   PersistentFlags
}

// NewRedundancyManager creates an empty manager; drives are registered one
// at a time via AddDrive as they come online.
func NewRedundancyManager() *RedundancyManager {
	return &RedundancyManager{
		stats: make(map[SystemDriveRole]*DriveStats),
	}
}

// SetPersistentFlags attaches the RTC-backed persistent-bit collaborator.
// Recovery proceeds without one; flags are simply left untouched.
func (m *RedundancyManager) SetPersistentFlags(flags PersistentFlags) {
	m.flags = flags
}

// writeFlag applies a persistent-flag write if a collaborator is attached,
// logging (rather than failing the recovery) if the write itself fails: a
// stuck RTC bit is a diagnostic problem, not a reason to abandon a rewrite
// that is otherwise restoring redundancy.
func (m *RedundancyManager) writeFlag(apply func(PersistentFlags) error) {
	if m.flags == nil {
		return
	}

	if err := apply(m.flags); err != nil {
		log.PrintError(log.Wrap(err))
	}
}

// AddDrive registers one of the triplicate drives. The manager only becomes
// available once all three roles have been registered.
func (m *RedundancyManager) AddDrive(sd *SystemDrive) {
	switch sd.Role {
	case RolePrimary:
		m.primary = sd
	case RoleSecondary:
		m.secondary = sd
	case RoleMaster:
		m.master = sd
	}

	m.stats[sd.Role] = &DriveStats{}

	if m.current == nil {
		m.current = sd
	}
}

// RemoveDrive tears down a registered drive. If it was the current
// firmware-serving drive, the manager re-targets current to that drive's
// backup.
func (m *RedundancyManager) RemoveDrive(role SystemDriveRole) {
	var removed *SystemDrive

	switch role {
	case RolePrimary:
		removed, m.primary = m.primary, nil
	case RoleSecondary:
		removed, m.secondary = m.secondary, nil
	case RoleMaster:
		removed, m.master = m.master, nil
	}

	delete(m.stats, role)

	if m.current == removed && removed != nil {
		m.current = m.backupForLocked(removed)
	}
}

// IsAvailable reports whether all three drives have been registered, the
// same gate the original recovery manager applies before accepting recovery
// requests.
func (m *RedundancyManager) IsAvailable() bool {
	return m.primary != nil && m.secondary != nil && m.master != nil
}

// backupFor returns the drive that should stand in for sd if sd fails a
// read: primary's backup is secondary unless secondary is itself being
// rewritten, in which case master is used; secondary's backup is primary
// under the same rule; master has no backup.
func (m *RedundancyManager) backupFor(sd *SystemDrive) *SystemDrive {
	return m.backupForLocked(sd)
}

func (m *RedundancyManager) backupForLocked(sd *SystemDrive) *SystemDrive {
	switch sd.Role {
	case RolePrimary:
		if m.secondary != nil && !m.secondary.beingRewritten {
			return m.secondary
		}

		return m.master
	case RoleSecondary:
		if m.primary != nil && !m.primary.beingRewritten {
			return m.primary
		}

		return m.master
	default:
		return nil
	}
}

// GetCurrentFirmwareDrive returns the drive currently serving firmware
// reads.
func (m *RedundancyManager) GetCurrentFirmwareDrive() *SystemDrive {
	return m.current
}

// SetCurrentFirmwareDrive overrides which drive serves firmware reads.
func (m *RedundancyManager) SetCurrentFirmwareDrive(sd *SystemDrive) {
	m.current = sd
}

// Stats returns the tracked refresh-count/elapsed-time statistics for a
// drive role.
func (m *RedundancyManager) Stats(role SystemDriveRole) DriveStats {
	if s, found := m.stats[role]; found {
		return *s
	}

	return DriveStats{}
}

// RefreshLogicalBlock erases one logical block on sd and replays its pages
// from the backup drive, escalating to a full rewrite if erasing or
// reprogramming the block itself turns up a new bad block.
func (m *RedundancyManager) RefreshLogicalBlock(sd *SystemDrive, logicalBlock uint32, readPage func(Drive, uint32, uint32) ([]byte, error), writePage func(Drive, uint32, uint32, []byte) error) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = wrapRecover(errRaw)
		}
	}()

	backup := m.backupFor(sd)
	if backup == nil {
		log.Panicf("drive (%v) has no backup available for refresh", sd.Role)
	}

	if err = sd.Drive.Erase(logicalBlock); err != nil {
		startErr := m.StartRecovery(sd, true)
		log.PanicIf(startErr)

		return log.Wrap(err)
	}

	pagesPerBlock, err := sd.Drive.PagesPerBlock()
	log.PanicIf(err)

	for page := uint32(0); page < pagesPerBlock; page++ {
		data, readErr := readPage(backup.Drive, logicalBlock, page)
		log.PanicIf(readErr)

		if writeErr := writePage(sd.Drive, logicalBlock, page, data); writeErr != nil {
			startErr := m.StartRecovery(sd, true)
			log.PanicIf(startErr)

			return log.Wrap(writeErr)
		}
	}

	if s, found := m.stats[sd.Role]; found {
		s.RefreshCount++
	}

	return nil
}

// maxRewriteRetries bounds how many times StartRecovery will erase the
// target drive and restart the copy from sector 0 after a write failure mid-
// rewrite. The original HAL retries for as long as spare blocks remain,
// driven by real hardware eventually succeeding or running out of spares; a
// fixed bound keeps this reimplementation deterministic.
const maxRewriteRetries = 3

// eraseDrive erases every block of a drive, the whole-drive wipe a rewrite
// performs before (and, on a write failure, during) copying the backup's
// data across.
func eraseDrive(d Drive) (err error) {
	eraseBlockCount, err := d.GetInfo(InfoEraseBlockCount)
	if err != nil {
		return err
	}

	for block := uint64(0); block < eraseBlockCount; block++ {
		if err = d.Erase(uint32(block)); err != nil {
			return err
		}
	}

	return nil
}

// StartRecovery marks sd as under full rewrite and begins copying every
// sector from its backup. If the backup itself enters recovery mid-copy
// (because it was also the thing failing), the source is switched to the
// master drive, mirroring the original rewrite task's fallback. A per-sector
// write failure means the target block has just gone bad: the whole target
// drive is erased again and the copy restarts from sector 0, retried up to
// maxRewriteRetries times. switchOnSuccess controls whether a completed
// rewrite becomes the new current firmware-serving drive, mirroring the
// original SystemDriveRewriteTask's switchToRecoveredDrive flag.
func (m *RedundancyManager) StartRecovery(sd *SystemDrive, switchOnSuccess bool) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = wrapRecover(errRaw)
		}
	}()

	if !sd.IsRecoverable() {
		return log.Wrap(ErrDriveNotRecoverable)
	}

	source := m.backupFor(sd)
	if source == nil {
		return log.Wrap(ErrDriveNotRecoverable)
	}

	sd.beingRewritten = true
	defer func() { sd.beingRewritten = false }()

	m.writeFlag(func(f PersistentFlags) error { return f.SetFirmwareRecoveryInProgress(true) })
	defer m.writeFlag(func(f PersistentFlags) error { return f.SetFirmwareRecoveryInProgress(false) })

	if sd.IsPrimaryFirmware() {
		m.writeFlag(func(f PersistentFlags) error { return f.SetSecondaryBootFlag(true) })
	}

	sectorCount, err := sd.Drive.SectorCount()
	log.PanicIf(err)

	err = eraseDrive(sd.Drive)
	log.PanicIf(err)

	retries := 0

	for sector := uint32(0); sector < sectorCount; sector++ {
		if source.beingRewritten {
			source = m.master
			if source == nil {
				log.Panicf("no master drive available to continue recovery of (%v)", sd.Role)
			}
		}

		data, readErr := source.Drive.ReadSector(sector)
		if readErr != nil {
			log.Panicf("backup drive (%v) failed reading sector (%d) during recovery of (%v)", source.Role, sector, sd.Role)
		}

		if writeErr := sd.Drive.WriteSector(sector, data); writeErr != nil {
			retries++
			if retries > maxRewriteRetries {
				return log.Wrap(writeErr)
			}

			if eraseErr := eraseDrive(sd.Drive); eraseErr != nil {
				return log.Wrap(eraseErr)
			}

			sector = ^uint32(0) // wraps to 0 on the loop's next increment.
			continue
		}
	}

	if sd.IsPrimaryFirmware() {
		m.writeFlag(func(f PersistentFlags) error { return f.SetSecondaryBootFlag(false) })
	}

	if switchOnSuccess {
		m.current = sd
	}

	if s, found := m.stats[sd.Role]; found {
		s.RefreshCount++
	}

	return nil
}

// systemDriveRewriteTask is the DeferredTask posted when a read failure
// demands a full rewrite of the failing drive in the background, rather than
// blocking the caller whose read just failed.
type systemDriveRewriteTask struct {
	manager         *RedundancyManager
	drive           *SystemDrive
	switchOnSuccess bool
}

func (t *systemDriveRewriteTask) Run() error {
	return t.manager.StartRecovery(t.drive, t.switchOnSuccess)
}

// ExamineOne collapses a newly posted rewrite against one already queued for
// the same drive.
func (t *systemDriveRewriteTask) ExamineOne(existing DeferredTask) bool {
	other, ok := existing.(*systemDriveRewriteTask)
	if !ok {
		return false
	}

	return other.drive == t.drive
}

func (t *systemDriveRewriteTask) Priority() TaskPriority {
	return PriorityHigh
}

// RecoverFromFailedRead handles a read failure against sd: it marks sd under
// rewrite, redirects the manager's current firmware drive to sd's backup,
// posts a background rewrite task to restore sd, and retries the caller's
// read against the backup so the failure is transparent to it.
func (m *RedundancyManager) RecoverFromFailedRead(sd *SystemDrive, queue *DeferredQueue, readSector func(*SystemDrive) ([]byte, error)) (data []byte, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = wrapRecover(errRaw)
		}
	}()

	if !sd.IsRecoverable() {
		return nil, log.Wrap(ErrDriveNotRecoverable)
	}

	backup := m.backupFor(sd)
	if backup == nil {
		return nil, log.Wrap(ErrDriveNotRecoverable)
	}

	sd.beingRewritten = true

	if m.current == sd {
		m.current = backup
	}

	queue.Post(&systemDriveRewriteTask{manager: m, drive: sd, switchOnSuccess: true})

	data, err = readSector(backup)
	log.PanicIf(err)

	return data, nil
}
