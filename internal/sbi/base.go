package sbi

import "github.com/tinyrange/see/internal/hart"

// Base extension function ids.
const (
	FnBaseGetSpecVersion = 0
	FnBaseGetImplID      = 1
	FnBaseGetImplVersion = 2
	FnBaseProbeExtension = 3
	FnBaseGetMvendorID   = 4
	FnBaseGetMarchID     = 5
	FnBaseGetMimpID      = 6
)

// specVersion encodes SBI v1.0: major in bits 24-30, minor below.
const specVersion = 1 << 24

// Implementation identity reported through the base extension. The id
// is outside the registered range; "see" in ASCII.
const (
	implID      = 0x736565
	implVersion = 0x000100
)

// base serves the base extension. Every function here always succeeds;
// the machine identity registers read as zero when the platform leaves
// them unimplemented, which the SBI specification allows.
func (t *Table) base(fid uint64, args [6]uint64) Ret {
	switch fid {
	case FnBaseGetSpecVersion:
		return Ret{Value: specVersion}
	case FnBaseGetImplID:
		return Ret{Value: implID}
	case FnBaseGetImplVersion:
		return Ret{Value: implVersion}
	case FnBaseProbeExtension:
		if t.probed(args[0]) {
			return Ret{Value: 1}
		}
		return Ret{Value: 0}
	case FnBaseGetMvendorID:
		return Ret{Value: t.hart.ReadCSR(hart.CSRMvendorid)}
	case FnBaseGetMarchID:
		return Ret{Value: t.hart.ReadCSR(hart.CSRMarchid)}
	case FnBaseGetMimpID:
		return Ret{Value: t.hart.ReadCSR(hart.CSRMimpid)}
	default:
		return Ret{Error: RetErrNotSupported}
	}
}
