package boot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/rpivm/internal/board"
)

const (
	fdtHeaderSize         = 0x28
	fdtVersion            = 17
	fdtLastCompVer        = 16
	fdtMagic       uint32 = 0xd00dfeed

	fdtBeginNode uint32 = 0x1
	fdtEndNode   uint32 = 0x2
	fdtProp      uint32 = 0x3
	fdtEnd       uint32 = 0x9
)

func boardModel(chip board.Chip) (model string, compatible []string, cpu string) {
	switch chip {
	case board.BCM2836:
		return "Raspberry Pi 2 Model B", []string{"raspberrypi,2-model-b", "brcm,bcm2836"}, "arm,cortex-a7"
	case board.BCM2837:
		return "Raspberry Pi 3 Model B", []string{"raspberrypi,3-model-b", "brcm,bcm2837"}, "arm,cortex-a53"
	case board.BCM2711:
		return "Raspberry Pi 4 Model B", []string{"raspberrypi,4-model-b", "brcm,bcm2711"}, "arm,cortex-a72"
	default:
		panic(fmt.Sprintf("no device tree model for chip %d", chip))
	}
}

// buildDeviceTree synthesizes the minimal tree a directly-booted kernel needs:
// memory, cpus with their wake mechanism, the chosen node, and the packed
// revision word the firmware would normally have reported.
func (d *Descriptor) buildDeviceTree() ([]byte, error) {
	if d.RAMSize == 0 {
		return nil, errors.New("device tree requires non-zero RAM size")
	}
	if d.NumCPUs <= 0 {
		return nil, errors.New("device tree requires at least one CPU")
	}

	model, compatible, cpuCompatible := boardModel(d.Board.Revision.Chip)

	// 32-bit boards describe addresses with single cells.
	addrCells := uint32(2)
	if d.Board.InstructionWidth == board.Width32 {
		addrCells = 1
	}

	b := newFDTBuilder()

	b.beginNode("")
	b.propU32("#address-cells", addrCells)
	b.propU32("#size-cells", addrCells)
	b.propStrings("compatible", compatible...)
	b.propStrings("model", model)

	b.beginNode("cpus")
	b.propU32("#address-cells", 1)
	b.propU32("#size-cells", 0)
	if d.Board.InstructionWidth == board.Width32 {
		// Secondaries wake through the mailbox stub.
		b.propStrings("enable-method", "brcm,bcm2836-smp")
	}
	for cpu := 0; cpu < d.NumCPUs; cpu++ {
		b.beginNode(fmt.Sprintf("cpu@%d", cpu))
		b.propStrings("device_type", "cpu")
		b.propStrings("compatible", cpuCompatible)
		b.propU32("reg", uint32(cpu))
		if d.Board.InstructionWidth == board.Width64 {
			b.propStrings("enable-method", "spin-table")
			b.propU64("cpu-release-addr", SpinTableGPA+uint64(cpu)*spinTableEntrySize)
		}
		b.endNode()
	}
	b.endNode()

	b.beginNode("memory@0")
	b.propStrings("device_type", "memory")
	b.propCells("reg", addrCells, 0, d.RAMSize)
	b.endNode()

	b.beginNode("system")
	b.propU32("linux,revision", d.RevisionWord)
	b.endNode()

	b.beginNode("chosen")
	if d.Cmdline != "" {
		b.propStrings("bootargs", d.Cmdline)
	}
	if d.InitrdEnd > d.InitrdStart {
		b.propCells("linux,initrd-start", addrCells, d.InitrdStart)
		b.propCells("linux,initrd-end", addrCells, d.InitrdEnd)
	}
	b.endNode()

	b.endNode() // root

	return b.finish(), nil
}

type fdtBuilder struct {
	structBuf  bytes.Buffer
	strings    bytes.Buffer
	stringsOff map[string]uint32
}

func newFDTBuilder() *fdtBuilder {
	return &fdtBuilder{stringsOff: make(map[string]uint32)}
}

func (b *fdtBuilder) beginNode(name string) {
	b.writeToken(fdtBeginNode)
	b.structBuf.WriteString(name)
	b.structBuf.WriteByte(0)
	b.padStruct()
}

func (b *fdtBuilder) endNode() {
	b.writeToken(fdtEndNode)
}

func (b *fdtBuilder) propStrings(name string, values ...string) {
	var buf bytes.Buffer
	for _, v := range values {
		buf.WriteString(v)
		buf.WriteByte(0)
	}
	b.property(name, buf.Bytes())
}

func (b *fdtBuilder) propU32(name string, values ...uint32) {
	data := make([]byte, 0, len(values)*4)
	for _, v := range values {
		data = binary.BigEndian.AppendUint32(data, v)
	}
	b.property(name, data)
}

func (b *fdtBuilder) propU64(name string, values ...uint64) {
	data := make([]byte, 0, len(values)*8)
	for _, v := range values {
		data = binary.BigEndian.AppendUint64(data, v)
	}
	b.property(name, data)
}

// propCells writes values using the given address-cell count. Values that do
// not fit a single cell when addrCells is 1 indicate a defect in the caller.
func (b *fdtBuilder) propCells(name string, addrCells uint32, values ...uint64) {
	if addrCells == 1 {
		var data []byte
		for _, v := range values {
			if v > 0xffffffff {
				panic(fmt.Sprintf("value %#x does not fit a single cell", v))
			}
			data = binary.BigEndian.AppendUint32(data, uint32(v))
		}
		b.property(name, data)
		return
	}
	b.propU64(name, values...)
}

func (b *fdtBuilder) property(name string, value []byte) {
	b.writeToken(fdtProp)
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(value)))
	b.structBuf.Write(tmp[:])
	binary.BigEndian.PutUint32(tmp[:], b.stringOffset(name))
	b.structBuf.Write(tmp[:])
	b.structBuf.Write(value)
	b.padStruct()
}

func (b *fdtBuilder) finish() []byte {
	b.writeToken(fdtEnd)
	b.padStruct()

	structBytes := b.structBuf.Bytes()
	stringsBytes := b.strings.Bytes()

	memReserve := make([]byte, 16) // single terminating entry

	offMemReserve := fdtHeaderSize
	offStruct := offMemReserve + len(memReserve)
	offStrings := offStruct + len(structBytes)
	totalSize := offStrings + len(stringsBytes)

	blob := make([]byte, totalSize)
	header := blob[:fdtHeaderSize]
	binary.BigEndian.PutUint32(header[0:4], fdtMagic)
	binary.BigEndian.PutUint32(header[4:8], uint32(totalSize))
	binary.BigEndian.PutUint32(header[8:12], uint32(offStruct))
	binary.BigEndian.PutUint32(header[12:16], uint32(offStrings))
	binary.BigEndian.PutUint32(header[16:20], uint32(offMemReserve))
	binary.BigEndian.PutUint32(header[20:24], fdtVersion)
	binary.BigEndian.PutUint32(header[24:28], fdtLastCompVer)
	binary.BigEndian.PutUint32(header[28:32], 0) // boot_cpuid_phys
	binary.BigEndian.PutUint32(header[32:36], uint32(len(stringsBytes)))
	binary.BigEndian.PutUint32(header[36:40], uint32(len(structBytes)))

	copy(blob[offMemReserve:], memReserve)
	copy(blob[offStruct:], structBytes)
	copy(blob[offStrings:], stringsBytes)

	return blob
}

func (b *fdtBuilder) stringOffset(name string) uint32 {
	if off, ok := b.stringsOff[name]; ok {
		return off
	}
	off := uint32(b.strings.Len())
	b.strings.WriteString(name)
	b.strings.WriteByte(0)
	b.stringsOff[name] = off
	return off
}

func (b *fdtBuilder) writeToken(token uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], token)
	b.structBuf.Write(tmp[:])
}

func (b *fdtBuilder) padStruct() {
	for b.structBuf.Len()%4 != 0 {
		b.structBuf.WriteByte(0)
	}
}
