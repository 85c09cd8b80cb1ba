package ucfs

// MountFlags controls the permissions a volume is mounted with (ported from
// the prior implementation's api.go, same bit layout).
type MountFlags int

const (
	MountFlagsAllowRead = MountFlags(1 << iota)
	MountFlagsAllowWrite
	MountFlagsAllowInsert
	MountFlagsAllowDelete
	MountFlagsAllowAdminister
	MountFlagsPreserveTimestamps
	MountFlagsCustomStart
)

func (flags MountFlags) CanRead() bool   { return flags&MountFlagsAllowRead != 0 }
func (flags MountFlags) CanWrite() bool  { return flags&MountFlagsAllowWrite != 0 }
func (flags MountFlags) CanInsert() bool { return flags&MountFlagsAllowInsert != 0 }
func (flags MountFlags) CanDelete() bool { return flags&MountFlagsAllowDelete != 0 }

const MountFlagsAllowReadWrite = MountFlagsAllowRead | MountFlagsAllowWrite
const MountFlagsAllowAll = MountFlagsAllowRead | MountFlagsAllowWrite |
	MountFlagsAllowInsert | MountFlagsAllowDelete | MountFlagsAllowAdminister
const MountFlagsMask = MountFlagsCustomStart - 1

// IOFlags mirrors the os.O_* open flags. The prior implementation's basicstream and
// driver packages reference disko.IOFlags and disko.O_* constants that
// never landed in the retrieved snapshot of that repo (it was mid
// refactor); this is the missing piece, modeled directly on the semantics
// those call sites already assume (RequiresWritePerm, Create, Truncate,
// Append, Synchronous, Read, Write).
type IOFlags int

const (
	O_RDONLY IOFlags = 0
	O_WRONLY IOFlags = 1 << iota
	O_RDWR
	O_APPEND
	O_CREATE
	O_EXCL
	O_SYNC
	O_TRUNC
)

func (f IOFlags) Read() bool  { return f&O_WRONLY == 0 }
func (f IOFlags) Write() bool { return f&(O_WRONLY|O_RDWR) != 0 }
func (f IOFlags) RequiresWritePerm() bool {
	return f.Write() || f.Create() || f.Truncate()
}
func (f IOFlags) Append() bool       { return f&O_APPEND != 0 }
func (f IOFlags) Create() bool       { return f&O_CREATE != 0 }
func (f IOFlags) Exclusive() bool    { return f&O_EXCL != 0 }
func (f IOFlags) Synchronous() bool  { return f&O_SYNC != 0 }
func (f IOFlags) Truncate() bool     { return f&O_TRUNC != 0 }

// FAT attribute flags.
const (
	AttrReadOnly = 1 << iota
	AttrHidden
	AttrSystem
	AttrVolumeLabel
	AttrDirectory
	AttrArchived
	// AttrLongName marks an entry as one fragment of a long file name
	//; it is encoded as ReadOnly|Hidden|System|VolumeLabel.
	AttrLongName = AttrReadOnly | AttrHidden | AttrSystem | AttrVolumeLabel
)
