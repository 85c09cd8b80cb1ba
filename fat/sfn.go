// Short (8.3) file name legality checking, packing, and checksum/numeric-
// tail generation, grounded on original_source/FAT/fs_fat_sfn.c's
// FS_FAT_SFN_Chk (illegal character set) and FS_FAT_SFN_Create (numeric
// tail "~1".."~999999" generation when a long name must be abbreviated).
package fat

import (
	"fmt"
	"strings"

	"github.com/ucfs/ucfs/errors"
)

// illegalSFNChars mirrors the character set original_source/FAT/fs_fat_sfn.c
// rejects in FS_FAT_SFN_Chk: control characters and the shell/glob
// metacharacters DOS reserves.
const illegalSFNChars = "\"*+,./:;<=>?[]|\\"

// IsLegalSFNChar reports whether r may appear in an 8.3 short name
// component.
func IsLegalSFNChar(r rune) bool {
	if r < 0x20 || r == 0x7F {
		return false
	}
	if r >= 0x80 {
		// Extended characters are legal in an OEM code page but this suite
		// doesn't implement code-page translation; reject them so the name
		// is forced through the long-name path instead of being silently
		// mis-encoded.
		return false
	}
	return !strings.ContainsRune(illegalSFNChars, r)
}

// IsValidShortName reports whether name (without its "base.ext" already
// split) can be represented as a pure 8.3 short name verbatim — not
// counting case, since the NTRes bits only cover "all upper" / "all
// lower", never mixed case.
func IsValidShortName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.HasPrefix(name, " ") {
		return false
	}

	base, ext, hasExt := splitBaseExt(name)
	if len(base) == 0 || len(base) > 8 {
		return false
	}
	if hasExt && len(ext) > 3 {
		return false
	}
	hasUpper, hasLower := false, false
	for _, r := range base + ext {
		if !IsLegalSFNChar(r) {
			return false
		}
		if r >= 'A' && r <= 'Z' {
			hasUpper = true
		}
		if r >= 'a' && r <= 'z' {
			hasLower = true
		}
	}
	return !(hasUpper && hasLower)
}

func splitBaseExt(name string) (base, ext string, hasExt bool) {
	idx := strings.LastIndex(name, ".")
	if idx < 0 {
		return name, "", false
	}
	return name[:idx], name[idx+1:], true
}

// PackShortName converts a validated 8.3 name into its padded on-disk
// 8-byte/3-byte form, upper-casing it (the NTRes lowercase bits record
// whether to display it lowercase again).
func PackShortName(name string) (rawName [8]byte, rawExt [3]byte, ntRes uint8, err error) {
	if !IsValidShortName(name) {
		return rawName, rawExt, 0, errors.ErrIllegalNameChar.WithMessage(
			fmt.Sprintf("%q is not a valid 8.3 short name", name))
	}

	base, ext, _ := splitBaseExt(name)

	allLowerBase := isAllLower(base)
	allLowerExt := ext != "" && isAllLower(ext)

	for i := range rawName {
		rawName[i] = ' '
	}
	for i := range rawExt {
		rawExt[i] = ' '
	}

	upperBase := strings.ToUpper(base)
	upperExt := strings.ToUpper(ext)
	copy(rawName[:], upperBase)
	copy(rawExt[:], upperExt)

	if rawName[0] == 0xE5 {
		rawName[0] = direntEscapedE5
	}

	if allLowerBase {
		ntRes |= ntResLowerBase
	}
	if allLowerExt {
		ntRes |= ntResLowerExtension
	}
	return rawName, rawExt, ntRes, nil
}

func isAllLower(s string) bool {
	hasLetter := false
	for _, r := range s {
		if r >= 'A' && r <= 'Z' {
			return false
		}
		if r >= 'a' && r <= 'z' {
			hasLetter = true
		}
	}
	return hasLetter
}

// UnpackShortName reconstructs the display name from a raw short dirent,
// applying the NTRes case bits.
func UnpackShortName(rawName [8]byte, rawExt [3]byte, ntRes uint8) string {
	base := strings.TrimRight(string(rawName[:]), " ")
	ext := strings.TrimRight(string(rawExt[:]), " ")

	if ntRes&ntResLowerBase != 0 {
		base = strings.ToLower(base)
	}
	if ntRes&ntResLowerExtension != 0 {
		ext = strings.ToLower(ext)
	}

	if ext == "" {
		return base
	}
	return base + "." + ext
}

// ShortNameChecksum computes the 8-bit checksum over the packed 11-byte
// short name, the value every LFN fragment for this entry must carry so a
// scanner can detect an SFN that was modified without updating its LFN,
// following original_source's ChkSum routine.
func ShortNameChecksum(rawName [8]byte, rawExt [3]byte) uint8 {
	var sum uint8
	all := append(rawName[:], rawExt[:]...)
	for _, b := range all {
		sum = ((sum & 1) << 7) + (sum >> 1) + b
	}
	return sum
}

// GenerateNumericTail produces the "NAME~N" abbreviation of a long name's
// base component for its short-name alias, trying tails 1..999999 and
// calling exists to check each candidate against the directory, mirroring
// original_source/FAT/fs_fat_sfn.c's FS_FAT_SFN_Create tail-number loop.
func GenerateNumericTail(base, ext string, exists func(rawName [8]byte, rawExt [3]byte) bool) (rawName [8]byte, rawExt [3]byte, err error) {
	cleanBase := sanitizeForTail(base)
	cleanExt := sanitizeForTail(ext)
	if len(cleanExt) > 3 {
		cleanExt = cleanExt[:3]
	}

	for i := range rawExt {
		rawExt[i] = ' '
	}
	copy(rawExt[:], strings.ToUpper(cleanExt))

	for n := 1; n <= 999999; n++ {
		tail := fmt.Sprintf("~%d", n)
		baseLen := 8 - len(tail)
		if baseLen > len(cleanBase) {
			baseLen = len(cleanBase)
		}
		candidate := strings.ToUpper(cleanBase[:baseLen]) + tail

		for i := range rawName {
			rawName[i] = ' '
		}
		copy(rawName[:], candidate)
		if rawName[0] == 0xE5 {
			rawName[0] = direntEscapedE5
		}

		if !exists(rawName, rawExt) {
			return rawName, rawExt, nil
		}
	}

	return rawName, rawExt, errors.ErrDirectoryFull.WithMessage(
		"exhausted all numeric tail candidates for short name")
}

// sanitizeForTail strips characters illegal in a short name and spaces,
// since the long-name base may contain characters (unicode, spaces) that
// can't appear in the generated short alias.
func sanitizeForTail(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == ' ' || r == '.' {
			continue
		}
		if IsLegalSFNChar(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
