// Package ram provides a guest-memory-only hypervisor backend. It allocates
// guest RAM with an anonymous mmap and exposes vCPUs that hold register state
// but cannot execute guest code. It exists so boot images can be synthesized
// and inspected without a real hypervisor underneath.
package ram

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/rpivm/internal/hv"
)

type Hypervisor struct {
	arch hv.CpuArchitecture
}

func New(arch hv.CpuArchitecture) *Hypervisor {
	return &Hypervisor{arch: arch}
}

// Architecture implements hv.Hypervisor.
func (h *Hypervisor) Architecture() hv.CpuArchitecture { return h.arch }

// Close implements hv.Hypervisor.
func (h *Hypervisor) Close() error { return nil }

// NewVirtualMachine implements hv.Hypervisor.
func (h *Hypervisor) NewVirtualMachine(config hv.VMConfig) (hv.VirtualMachine, error) {
	memSize := config.MemorySize()
	if memSize == 0 {
		return nil, fmt.Errorf("ram backend requires a non-zero memory size")
	}
	numCPUs := config.CPUCount()
	if numCPUs <= 0 {
		numCPUs = 1
	}

	mem, err := unix.Mmap(
		-1, 0,
		int(memSize),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, fmt.Errorf("mmap guest memory (%d bytes): %w", memSize, err)
	}

	vm := &virtualMachine{
		hypervisor: h,
		mem:        mem,
		memBase:    config.MemoryBase(),
	}
	for i := 0; i < numCPUs; i++ {
		vm.vcpus = append(vm.vcpus, &virtualCPU{
			vm:   vm,
			id:   i,
			regs: make(map[hv.Register]hv.RegisterValue),
		})
	}

	callbacks := config.Callbacks()
	if callbacks != nil {
		if err := callbacks.OnCreateVM(vm); err != nil {
			vm.Close()
			return nil, fmt.Errorf("on create VM: %w", err)
		}
		for _, vcpu := range vm.vcpus {
			if err := callbacks.OnCreateVCPU(vcpu); err != nil {
				vm.Close()
				return nil, fmt.Errorf("on create vCPU %d: %w", vcpu.id, err)
			}
		}
	}

	if loader := config.Loader(); loader != nil {
		if err := loader.Load(vm); err != nil {
			vm.Close()
			return nil, fmt.Errorf("load virtual machine: %w", err)
		}
	}

	return vm, nil
}

type virtualMachine struct {
	hypervisor *Hypervisor
	memBase    uint64
	vcpus      []*virtualCPU

	mu  sync.Mutex
	mem []byte
}

// Hypervisor implements hv.VirtualMachine.
func (vm *virtualMachine) Hypervisor() hv.Hypervisor { return vm.hypervisor }

// MemoryBase implements hv.VirtualMachine.
func (vm *virtualMachine) MemoryBase() uint64 { return vm.memBase }

// MemorySize implements hv.VirtualMachine.
func (vm *virtualMachine) MemorySize() uint64 { return uint64(len(vm.mem)) }

// CPUCount implements hv.VirtualMachine.
func (vm *virtualMachine) CPUCount() int { return len(vm.vcpus) }

// ReadAt implements hv.VirtualMachine. The offset is a guest physical address.
func (vm *virtualMachine) ReadAt(p []byte, off int64) (int, error) {
	hostOff, err := vm.hostOffset(off, len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, vm.mem[hostOff:]), nil
}

// WriteAt implements hv.VirtualMachine. The offset is a guest physical address.
func (vm *virtualMachine) WriteAt(p []byte, off int64) (int, error) {
	hostOff, err := vm.hostOffset(off, len(p))
	if err != nil {
		return 0, err
	}
	return copy(vm.mem[hostOff:], p), nil
}

func (vm *virtualMachine) hostOffset(off int64, size int) (uint64, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative guest address %d", off)
	}
	gpa := uint64(off)
	end := gpa + uint64(size)
	memEnd := vm.memBase + uint64(len(vm.mem))
	if gpa < vm.memBase || end > memEnd {
		return 0, fmt.Errorf("guest range [%#x, %#x) outside RAM [%#x, %#x)", gpa, end, vm.memBase, memEnd)
	}
	return gpa - vm.memBase, nil
}

// VirtualCPUCall implements hv.VirtualMachine.
func (vm *virtualMachine) VirtualCPUCall(id int, f func(vcpu hv.VirtualCPU) error) error {
	if id < 0 || id >= len(vm.vcpus) {
		return fmt.Errorf("vCPU %d out of range (have %d)", id, len(vm.vcpus))
	}
	return f(vm.vcpus[id])
}

// Close implements hv.VirtualMachine.
func (vm *virtualMachine) Close() error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.mem == nil {
		return nil
	}
	mem := vm.mem
	vm.mem = nil
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("munmap guest memory: %w", err)
	}
	return nil
}

type virtualCPU struct {
	vm *virtualMachine
	id int

	mu   sync.Mutex
	regs map[hv.Register]hv.RegisterValue
}

// VirtualMachine implements hv.VirtualCPU.
func (c *virtualCPU) VirtualMachine() hv.VirtualMachine { return c.vm }

// ID implements hv.VirtualCPU.
func (c *virtualCPU) ID() int { return c.id }

// SetRegisters implements hv.VirtualCPU.
func (c *virtualCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for reg, value := range regs {
		c.regs[reg] = value
	}
	return nil
}

// GetRegisters implements hv.VirtualCPU.
func (c *virtualCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for reg := range regs {
		value, ok := c.regs[reg]
		if !ok {
			value = hv.Register64(0)
		}
		regs[reg] = value
	}
	return nil
}

// Run implements hv.VirtualCPU. The ram backend has no execution engine.
func (c *virtualCPU) Run(ctx context.Context) error {
	return fmt.Errorf("ram backend cannot execute guest code: %w", hv.ErrHypervisorUnsupported)
}

var (
	_ hv.Hypervisor     = &Hypervisor{}
	_ hv.VirtualMachine = &virtualMachine{}
	_ hv.VirtualCPU     = &virtualCPU{}
)
