package rv32

import (
	"io"
	"sync"
)

// UART register offsets (16550a-compatible, spec.md §6).
const (
	uartRegRBR = 0 // Receive Buffer Register (read)
	uartRegTHR = 0 // Transmit Holding Register (write)
	uartRegIER = 1 // Interrupt Enable Register
	uartRegIIR = 2 // Interrupt Identification Register (read)
	uartRegFCR = 2 // FIFO Control Register (write)
	uartRegLCR = 3 // Line Control Register
	uartRegMCR = 4 // Modem Control Register
	uartRegLSR = 5 // Line Status Register
	uartRegMSR = 6 // Modem Status Register
	uartRegSCR = 7 // Scratch Register
)

const (
	uartLSRDataReady = 1 << 0
	uartLSRTHREmpty  = 1 << 5
	uartLSRTxEmpty   = 1 << 6
	uartIIRNone      = 1 << 0
)

// UART is a 16550a device: the only device contract this core actually
// depends on for its end-to-end test scenarios (spec.md §8 property 6 and
// the boot scenarios need a working interrupt source; the core treats every
// device body as an external collaborator per spec.md §1, but keeping one
// concrete worked example in-tree is how the MMIO handler contract gets
// exercised at all).
type UART struct {
	Output io.Writer
	Input  io.Reader

	// mu guards every field below: Read/Write run on a hart goroutine,
	// EnqueueInput runs on machine.go's input-pump goroutine (spec.md §6's
	// device contract says nothing about a device being single-threaded,
	// and this is the one reference device with a second writer).
	mu sync.Mutex

	IER, IIR, FCR, LCR, MCR, LSR, MSR, SCR uint8
	DLL, DLH                               uint8

	inputBuffer []byte
	inputPos    int

	interruptPending bool
	// OnInterrupt is invoked whenever InterruptPending changes; wired to
	// PLIC.SetPending for the device's assigned source number.
	OnInterrupt func(pending bool)
}

func NewUART(output io.Writer, input io.Reader) *UART {
	return &UART{
		Output: output,
		Input:  input,
		LSR:    uartLSRTHREmpty | uartLSRTxEmpty,
		IIR:    uartIIRNone,
	}
}

func (u *UART) Size() uint32 { return UARTSize }

func (u *UART) Read(offset uint32, size int) (uint32, error) {
	if size != 1 {
		return 0, nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	dlab := u.LCR&0x80 != 0

	switch offset {
	case uartRegRBR:
		if dlab {
			return uint32(u.DLL), nil
		}
		data := uint8(0)
		if u.inputPos < len(u.inputBuffer) {
			data = u.inputBuffer[u.inputPos]
			u.inputPos++
			if u.inputPos >= len(u.inputBuffer) {
				u.inputBuffer, u.inputPos = nil, 0
			}
		}
		u.refreshLSR()
		return uint32(data), nil
	case uartRegIER:
		if dlab {
			return uint32(u.DLH), nil
		}
		return uint32(u.IER), nil
	case uartRegIIR:
		return uint32(u.IIR), nil
	case uartRegLCR:
		return uint32(u.LCR), nil
	case uartRegMCR:
		return uint32(u.MCR), nil
	case uartRegLSR:
		u.refreshLSR()
		return uint32(u.LSR), nil
	case uartRegMSR:
		return uint32(u.MSR), nil
	case uartRegSCR:
		return uint32(u.SCR), nil
	}
	return 0, nil
}

func (u *UART) Write(offset uint32, size int, value uint32) error {
	if size != 1 {
		return nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	data := uint8(value)
	dlab := u.LCR&0x80 != 0

	switch offset {
	case uartRegTHR:
		if dlab {
			u.DLL = data
			return nil
		}
		if u.Output != nil {
			_, _ = u.Output.Write([]byte{data})
		}
		u.refreshInterrupt()
	case uartRegIER:
		if dlab {
			u.DLH = data
			return nil
		}
		u.IER = data
		u.refreshInterrupt()
	case uartRegFCR:
		u.FCR = data
		if data&0x01 != 0 && data&0x02 != 0 {
			u.inputBuffer, u.inputPos = nil, 0
		}
	case uartRegLCR:
		u.LCR = data
	case uartRegMCR:
		u.MCR = data
	case uartRegSCR:
		u.SCR = data
	}
	return nil
}

func (u *UART) refreshLSR() {
	u.LSR = uartLSRTHREmpty | uartLSRTxEmpty
	if u.inputPos < len(u.inputBuffer) {
		u.LSR |= uartLSRDataReady
	}
}

func (u *UART) refreshInterrupt() {
	pending := false
	switch {
	case u.IER&0x01 != 0 && u.inputPos < len(u.inputBuffer):
		pending = true
		u.IIR = 0x04
	case u.IER&0x02 != 0:
		pending = true
		u.IIR = 0x02
	default:
		u.IIR = uartIIRNone
	}
	if pending != u.interruptPending {
		u.interruptPending = pending
		if u.OnInterrupt != nil {
			u.OnInterrupt(pending)
		}
	}
}

// EnqueueInput feeds host-side bytes to the guest: a test harness pushing
// console input directly, or machine.go's input-pump goroutine relaying
// bytes read from Input (e.g. a raw-mode stdin).
func (u *UART) EnqueueInput(data []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.inputBuffer = append(u.inputBuffer, data...)
	u.refreshLSR()
	u.refreshInterrupt()
}

var _ Device = (*UART)(nil)
