// Package flash implements the Flash collaborator (spec §6): begin, write,
// abort, end, and set_boot_slot. Begin, write and end are called from the
// parser's payload callback (spec §4.1's built-in rootfs-image handler);
// abort and set_boot_slot are called by the state machine's update work.
//
// This is an inherently platform-specific concern with no analog anywhere
// in the retrieval pack (no repo touches raw flash/block-device I/O); the
// default implementation is a file-backed dual-slot simulator suitable for
// development and the test scenarios in spec §8.
package flash

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Handle identifies one open write session.
type Handle int

// Flash is the seam the built-in rootfs-image handler consumes.
type Flash interface {
	Begin(name string, size int64) (Handle, error)
	Write(h Handle, data []byte, offset, length int64) error
	Abort(h Handle) error
	End(h Handle) error
	SetBootSlot(h Handle) error
}

// SlotWriter is the default Flash implementation: writes land in an
// alternating "slot-a"/"slot-b" file under baseDir, mirroring a dual-bank
// bootloader's rollback slot without requiring real hardware.
type SlotWriter struct {
	baseDir    string
	nextSlot   int
	sessions   map[Handle]*session
	nextHandle Handle
}

type session struct {
	file   *os.File
	name   string
	size   int64
	slot   string
	closed bool
}

// New builds a SlotWriter rooted at baseDir.
func New(baseDir string) (*SlotWriter, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, errors.Wrapf(err, "flash: create base dir %s", baseDir)
	}
	return &SlotWriter{baseDir: baseDir, sessions: make(map[Handle]*session)}, nil
}

func (w *SlotWriter) slotName() string {
	slots := []string{"slot-a", "slot-b"}
	// The slot named in the active-slot marker is never the one written.
	if active, err := os.ReadFile(filepath.Join(w.baseDir, "active-slot")); err == nil {
		if string(active) == slots[0] {
			return slots[1]
		}
		return slots[0]
	}
	s := slots[w.nextSlot%len(slots)]
	w.nextSlot++
	return s
}

// Begin opens the inactive slot for a new image of the declared size.
func (w *SlotWriter) Begin(name string, size int64) (Handle, error) {
	slot := w.slotName()
	f, err := os.OpenFile(filepath.Join(w.baseDir, slot), os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, errors.Wrapf(err, "flash: open slot %s", slot)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return 0, errors.Wrapf(err, "flash: size slot %s", slot)
	}
	w.nextHandle++
	h := w.nextHandle
	w.sessions[h] = &session{file: f, name: name, size: size, slot: slot}
	return h, nil
}

// Write stores length bytes of data at offset within the open session.
func (w *SlotWriter) Write(h Handle, data []byte, offset, length int64) error {
	s, ok := w.sessions[h]
	if !ok {
		return errors.Errorf("flash: unknown handle %d", h)
	}
	if _, err := s.file.WriteAt(data[:length], offset); err != nil {
		return errors.Wrapf(err, "flash: write %s at %d", s.name, offset)
	}
	return nil
}

// Abort discards the open session's file and releases its handle.
func (w *SlotWriter) Abort(h Handle) error {
	s, ok := w.sessions[h]
	if !ok {
		return errors.Errorf("flash: unknown handle %d", h)
	}
	delete(w.sessions, h)
	s.file.Close()
	return os.Remove(filepath.Join(w.baseDir, s.slot))
}

// End finalizes the open session: flush and close the backing file. The
// session entry is kept (marked closed) so a later SetBootSlot call on the
// same handle — issued by the state machine after the download completes —
// can still resolve which slot was written.
func (w *SlotWriter) End(h Handle) error {
	s, ok := w.sessions[h]
	if !ok {
		return errors.Errorf("flash: unknown handle %d", h)
	}
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.file.Sync(); err != nil {
		s.file.Close()
		return errors.Wrapf(err, "flash: sync %s", s.name)
	}
	return s.file.Close()
}

// SetBootSlot designates the slot written by h as the next boot target by
// writing its name into the "active-slot" marker file, then releases h.
func (w *SlotWriter) SetBootSlot(h Handle) error {
	s, ok := w.sessions[h]
	if !ok {
		return errors.Errorf("flash: unknown handle %d", h)
	}
	delete(w.sessions, h)
	return os.WriteFile(filepath.Join(w.baseDir, "active-slot"), []byte(s.slot), 0o600)
}
