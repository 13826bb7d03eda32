package rv64

import (
	"bytes"
	"encoding/binary"
)

// Flattened device tree framing.
const (
	FDTMagic       = 0xd00dfeed
	FDTBeginNode   = 0x00000001
	FDTEndNode     = 0x00000002
	FDTProp        = 0x00000003
	FDTEnd         = 0x00000009
	FDTVersion     = 17
	FDTLastCompVer = 16
)

// TimebaseFrequency is the rate of the time CSR in Hz. The device tree
// advertises it so supervisors can convert timer deadlines.
const TimebaseFrequency = 10_000_000

// FDTBuilder assembles a flattened device tree blob.
type FDTBuilder struct {
	structure bytes.Buffer
	strings   bytes.Buffer
	stringMap map[string]uint32
}

// NewFDTBuilder creates an empty FDT builder.
func NewFDTBuilder() *FDTBuilder {
	return &FDTBuilder{
		stringMap: make(map[string]uint32),
	}
}

func (f *FDTBuilder) putU32(v uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	f.structure.Write(buf[:])
}

func (f *FDTBuilder) align4() {
	for f.structure.Len()%4 != 0 {
		f.structure.WriteByte(0)
	}
}

// addString interns a property name and returns its string-table
// offset.
func (f *FDTBuilder) addString(s string) uint32 {
	if off, ok := f.stringMap[s]; ok {
		return off
	}
	off := uint32(f.strings.Len())
	f.strings.WriteString(s)
	f.strings.WriteByte(0)
	f.stringMap[s] = off
	return off
}

// prop writes one property token with its raw payload.
func (f *FDTBuilder) prop(name string, payload []byte) {
	f.putU32(FDTProp)
	f.putU32(uint32(len(payload)))
	f.putU32(f.addString(name))
	f.structure.Write(payload)
	f.align4()
}

// BeginNode starts a new node.
func (f *FDTBuilder) BeginNode(name string) {
	f.putU32(FDTBeginNode)
	f.structure.WriteString(name)
	f.structure.WriteByte(0)
	f.align4()
}

// EndNode closes the current node.
func (f *FDTBuilder) EndNode() {
	f.putU32(FDTEndNode)
}

// AddPropertyString adds a NUL-terminated string property.
func (f *FDTBuilder) AddPropertyString(name, value string) {
	f.prop(name, append([]byte(value), 0))
}

// AddPropertyStringList adds a list of NUL-terminated strings.
func (f *FDTBuilder) AddPropertyStringList(name string, values []string) {
	var buf bytes.Buffer
	for _, v := range values {
		buf.WriteString(v)
		buf.WriteByte(0)
	}
	f.prop(name, buf.Bytes())
}

// AddPropertyU32 adds a big-endian u32 property.
func (f *FDTBuilder) AddPropertyU32(name string, value uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], value)
	f.prop(name, buf[:])
}

// AddPropertyU32Array adds an array of big-endian u32 cells.
func (f *FDTBuilder) AddPropertyU32Array(name string, values []uint32) {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint32(buf[i*4:], v)
	}
	f.prop(name, buf)
}

// AddPropertyEmpty adds a marker property with no payload.
func (f *FDTBuilder) AddPropertyEmpty(name string) {
	f.prop(name, nil)
}

// regCells splits a base/size pair into the four u32 cells of a
// two-address-cell, two-size-cell reg property.
func regCells(base, size uint64) []uint32 {
	return []uint32{
		uint32(base >> 32), uint32(base),
		uint32(size >> 32), uint32(size),
	}
}

// Build finalizes the blob.
func (f *FDTBuilder) Build() []byte {
	f.putU32(FDTEnd)

	for f.strings.Len()%4 != 0 {
		f.strings.WriteByte(0)
	}

	const headerSize = 40
	const memRsvmapSize = 16 // one all-zero terminator entry

	structOff := uint32(headerSize + memRsvmapSize)
	structSize := uint32(f.structure.Len())
	stringsOff := structOff + structSize
	stringsSize := uint32(f.strings.Len())
	totalSize := stringsOff + stringsSize

	header := []uint32{
		FDTMagic,
		totalSize,
		structOff,
		stringsOff,
		headerSize, // off_mem_rsvmap
		FDTVersion,
		FDTLastCompVer,
		0, // boot_cpuid_phys
		stringsSize,
		structSize,
	}

	result := make([]byte, totalSize)
	for i, v := range header {
		binary.BigEndian.PutUint32(result[i*4:], v)
	}
	copy(result[structOff:], f.structure.Bytes())
	copy(result[stringsOff:], f.strings.Bytes())

	return result
}

// GenerateFDT describes the machine to a supervisor payload: one hart
// with the S extension, RAM, the CLINT, the PLIC (supervisor context)
// and the serial port.
func GenerateFDT(m *Machine, cmdline string) []byte {
	f := NewFDTBuilder()

	f.BeginNode("")
	f.AddPropertyU32("#address-cells", 2)
	f.AddPropertyU32("#size-cells", 2)
	f.AddPropertyString("compatible", "riscv-virtio")
	f.AddPropertyString("model", "riscv-virtio,see")

	f.BeginNode("chosen")
	f.AddPropertyString("bootargs", cmdline)
	f.AddPropertyString("stdout-path", "/soc/serial@10000000")
	f.EndNode()

	f.BeginNode("cpus")
	f.AddPropertyU32("#address-cells", 1)
	f.AddPropertyU32("#size-cells", 0)
	f.AddPropertyU32("timebase-frequency", TimebaseFrequency)

	f.BeginNode("cpu@0")
	f.AddPropertyString("device_type", "cpu")
	f.AddPropertyU32("reg", 0)
	f.AddPropertyString("status", "okay")
	f.AddPropertyString("compatible", "riscv")
	f.AddPropertyString("riscv,isa", "rv64imafdcsu_zicsr_zifencei")
	f.AddPropertyString("mmu-type", "riscv,sv48")

	f.BeginNode("interrupt-controller")
	f.AddPropertyU32("#interrupt-cells", 1)
	f.AddPropertyEmpty("interrupt-controller")
	f.AddPropertyString("compatible", "riscv,cpu-intc")
	f.AddPropertyU32("phandle", 1)
	f.EndNode()

	f.EndNode() // cpu@0
	f.EndNode() // cpus

	f.BeginNode("memory@80000000")
	f.AddPropertyString("device_type", "memory")
	f.AddPropertyU32Array("reg", regCells(m.MemoryBase(), m.MemorySize()))
	f.EndNode()

	f.BeginNode("soc")
	f.AddPropertyU32("#address-cells", 2)
	f.AddPropertyU32("#size-cells", 2)
	f.AddPropertyStringList("compatible", []string{"simple-bus"})
	f.AddPropertyEmpty("ranges")

	f.BeginNode("clint@2000000")
	f.AddPropertyStringList("compatible", []string{"sifive,clint0", "riscv,clint0"})
	f.AddPropertyU32Array("reg", regCells(CLINTBase, CLINTSize))
	f.AddPropertyU32Array("interrupts-extended", []uint32{1, 3, 1, 7})
	f.EndNode()

	f.BeginNode("plic@c000000")
	f.AddPropertyString("compatible", "sifive,plic-1.0.0")
	f.AddPropertyU32("#interrupt-cells", 1)
	f.AddPropertyEmpty("interrupt-controller")
	f.AddPropertyU32Array("reg", regCells(PLICBase, PLICSize))
	f.AddPropertyU32Array("interrupts-extended", []uint32{1, 9, 1, 11})
	f.AddPropertyU32("riscv,ndev", 127)
	f.AddPropertyU32("phandle", 2)
	f.EndNode()

	f.BeginNode("serial@10000000")
	f.AddPropertyString("compatible", "ns16550a")
	f.AddPropertyU32Array("reg", regCells(UARTBase, UARTSize))
	f.AddPropertyU32("clock-frequency", 3686400)
	f.AddPropertyU32("interrupts", IRQUart)
	f.AddPropertyU32("interrupt-parent", 2)
	f.EndNode()

	f.EndNode() // soc
	f.EndNode() // root

	return f.Build()
}
