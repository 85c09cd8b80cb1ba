// Volume label get/set: the root directory entry tagged AttrVolumeLabel,
// up to 11 raw characters, following the directory-entry attribute list
// and the suite API's label_get/label_set.
package fat

import (
	"strings"

	"github.com/ucfs/ucfs/errors"
)

// Label returns the volume's label, or "" if none is set
// (errors.ErrLabelNotFound is never returned here; an absent label is not
// an error condition for Label itself, only for a caller that requires
// one to be present).
func (fs *FileSystem) Label() (string, error) {
	r := fs.rootRegion()
	slotCount := r.slotCount()
	for i := 0; i < slotCount; i++ {
		raw, err := r.readSlot(i)
		if err != nil {
			return "", err
		}
		if raw[0] == directEntryFree {
			break
		}
		if raw[0] == direntDeleted {
			continue
		}
		short := DecodeRawShortDirent(raw)
		if short.Attributes&AttrVolumeLabel != 0 && short.Attributes&AttrLongName != AttrLongName {
			label := strings.TrimRight(string(short.Name[:])+string(short.Extension[:]), " ")
			return label, nil
		}
	}
	return "", nil
}

// labelRaw packs up to 11 characters of label into name/ext fields without
// the SFN legality checks.
func labelRaw(label string) ([8]byte, [3]byte, error) {
	if len(label) > 11 {
		return [8]byte{}, [3]byte{}, errors.ErrLabelInvalid.WithMessage(
			"volume label must be 11 characters or fewer")
	}
	padded := strings.ToUpper(label)
	for len(padded) < 11 {
		padded += " "
	}
	var name [8]byte
	var ext [3]byte
	copy(name[:], padded[0:8])
	copy(ext[:], padded[8:11])
	return name, ext, nil
}

// SetLabel creates or overwrites the root directory's volume-label entry.
func (fs *FileSystem) SetLabel(label string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	rawName, rawExt, err := labelRaw(label)
	if err != nil {
		return err
	}

	r := fs.rootRegion()
	slotCount := r.slotCount()
	existingSlot := -1
	for i := 0; i < slotCount; i++ {
		raw, readErr := r.readSlot(i)
		if readErr != nil {
			return readErr
		}
		if raw[0] == directEntryFree {
			break
		}
		if raw[0] == direntDeleted {
			continue
		}
		short := DecodeRawShortDirent(raw)
		if short.Attributes&AttrVolumeLabel != 0 && short.Attributes&AttrLongName != AttrLongName {
			existingSlot = i
			break
		}
	}

	short := ShortDirent{Attributes: AttrVolumeLabel}
	if existingSlot < 0 {
		grown := uint32(0)
		if fs.bpb.IsFAT32() {
			grown = fs.bpb.FAT32.RootCluster
		}
		var slot int
		r, slot, err = findFreeSlots(r, 1, func() (region, error) {
			return fs.growDirectory(grown)
		})
		if err != nil {
			return err
		}
		existingSlot = slot
	}

	raw := EncodeShortDirent(short, rawName, rawExt)
	return r.writeSlot(existingSlot, raw.Encode())
}
