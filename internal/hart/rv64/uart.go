package rv64

import (
	"io"
	"sync"
)

// UART register offsets (16550 compatible)
const (
	UARTRegRBR = 0 // Receive Buffer Register (read)
	UARTRegTHR = 0 // Transmit Holding Register (write)
	UARTRegIER = 1 // Interrupt Enable Register
	UARTRegIIR = 2 // Interrupt Identification Register (read)
	UARTRegFCR = 2 // FIFO Control Register (write)
	UARTRegLCR = 3 // Line Control Register
	UARTRegMCR = 4 // Modem Control Register
	UARTRegLSR = 5 // Line Status Register
	UARTRegMSR = 6 // Modem Status Register
	UARTRegSCR = 7 // Scratch Register
)

// LSR bits
const (
	UARTLSRDataReady      = 1 << 0
	UARTLSROverrunError   = 1 << 1
	UARTLSRParityError    = 1 << 2
	UARTLSRFramingError   = 1 << 3
	UARTLSRBreakInterrupt = 1 << 4
	UARTLSRTHREmpty       = 1 << 5
	UARTLSRTxEmpty        = 1 << 6
	UARTLSRFIFOError      = 1 << 7
)

// IIR bits
const (
	UARTIIRNoInterrupt = 1 << 0
)

// IRQUart is the PLIC source number for the UART.
const IRQUart = 10

// UART implements a 16550-compatible serial port. Output goes straight
// to the writer; input is pushed in with EnqueueInput, usually from a
// console goroutine, so the register file is guarded by a mutex.
type UART struct {
	mu sync.Mutex

	Output io.Writer

	// Registers
	RBR uint8
	IER uint8
	IIR uint8
	FCR uint8
	LCR uint8
	MCR uint8
	LSR uint8
	MSR uint8
	SCR uint8

	// DLAB registers
	DLL uint8
	DLH uint8

	inputBuffer []byte
	inputPos    int

	interruptPending bool

	// OnInterrupt reports receive-interrupt level changes, wired to the
	// PLIC by the machine.
	OnInterrupt func(pending bool)
}

// NewUART creates a new UART device
func NewUART(output io.Writer) *UART {
	return &UART{
		Output: output,
		LSR:    UARTLSRTHREmpty | UARTLSRTxEmpty, // TX ready
		IIR:    UARTIIRNoInterrupt,
	}
}

// Size implements Device
func (uart *UART) Size() uint64 {
	return UARTSize
}

// Read implements Device
func (uart *UART) Read(offset uint64, size int) (uint64, error) {
	if size != 1 {
		return 0, nil
	}

	uart.mu.Lock()
	defer uart.mu.Unlock()

	dlab := (uart.LCR & 0x80) != 0

	switch offset {
	case UARTRegRBR:
		if dlab {
			return uint64(uart.DLL), nil
		}
		data := uart.RBR
		if b, ok := uart.popInput(); ok {
			data = b
		}
		uart.updateLSR()
		uart.updateInterrupt()
		return uint64(data), nil

	case UARTRegIER:
		if dlab {
			return uint64(uart.DLH), nil
		}
		return uint64(uart.IER), nil

	case UARTRegIIR:
		return uint64(uart.IIR), nil

	case UARTRegLCR:
		return uint64(uart.LCR), nil

	case UARTRegMCR:
		return uint64(uart.MCR), nil

	case UARTRegLSR:
		uart.updateLSR()
		return uint64(uart.LSR), nil

	case UARTRegMSR:
		return uint64(uart.MSR), nil

	case UARTRegSCR:
		return uint64(uart.SCR), nil
	}

	return 0, nil
}

// Write implements Device
func (uart *UART) Write(offset uint64, size int, value uint64) error {
	if size != 1 {
		return nil
	}

	uart.mu.Lock()
	defer uart.mu.Unlock()

	data := uint8(value)
	dlab := (uart.LCR & 0x80) != 0

	switch offset {
	case UARTRegTHR:
		if dlab {
			uart.DLL = data
			return nil
		}
		uart.transmit(data)

	case UARTRegIER:
		if dlab {
			uart.DLH = data
			return nil
		}
		uart.IER = data
		uart.updateInterrupt()

	case UARTRegFCR:
		uart.FCR = data
		if data&0x01 != 0 && data&0x02 != 0 {
			// RX FIFO reset
			uart.inputBuffer = nil
			uart.inputPos = 0
			uart.updateLSR()
			uart.updateInterrupt()
		}

	case UARTRegLCR:
		uart.LCR = data

	case UARTRegMCR:
		uart.MCR = data

	case UARTRegSCR:
		uart.SCR = data
	}

	return nil
}

func (uart *UART) transmit(data uint8) {
	if uart.Output != nil {
		uart.Output.Write([]byte{data})
	}
}

// popInput removes the next received byte. Caller holds the lock.
func (uart *UART) popInput() (byte, bool) {
	if uart.inputPos >= len(uart.inputBuffer) {
		return 0, false
	}
	b := uart.inputBuffer[uart.inputPos]
	uart.inputPos++
	if uart.inputPos >= len(uart.inputBuffer) {
		uart.inputBuffer = nil
		uart.inputPos = 0
	}
	return b, true
}

// updateLSR updates the line status register. Caller holds the lock.
func (uart *UART) updateLSR() {
	uart.LSR = UARTLSRTHREmpty | UARTLSRTxEmpty // TX always ready

	if len(uart.inputBuffer) > uart.inputPos {
		uart.LSR |= UARTLSRDataReady
	}
}

// updateInterrupt recomputes the interrupt level. Caller holds the lock.
func (uart *UART) updateInterrupt() {
	pending := false

	if (uart.IER&0x01) != 0 && len(uart.inputBuffer) > uart.inputPos {
		pending = true
		uart.IIR = 0x04 // receive data available
	} else if (uart.IER & 0x02) != 0 {
		pending = true
		uart.IIR = 0x02 // THR empty
	} else {
		uart.IIR = UARTIIRNoInterrupt
	}

	if pending != uart.interruptPending {
		uart.interruptPending = pending
		if uart.OnInterrupt != nil {
			uart.OnInterrupt(pending)
		}
	}
}

// EnqueueInput adds received bytes for the guest to read.
func (uart *UART) EnqueueInput(data []byte) {
	uart.mu.Lock()
	defer uart.mu.Unlock()

	uart.inputBuffer = append(uart.inputBuffer[uart.inputPos:], data...)
	uart.inputPos = 0
	uart.updateLSR()
	uart.updateInterrupt()
}

// WriteByte transmits one byte, bypassing the register file. Serves the
// console put path of the call table.
func (uart *UART) WriteByte(b byte) {
	uart.mu.Lock()
	defer uart.mu.Unlock()
	uart.transmit(b)
}

// ReadByte pops one received byte, bypassing the register file. Serves
// the console get path of the call table; ok is false when no input is
// buffered.
func (uart *UART) ReadByte() (byte, bool) {
	uart.mu.Lock()
	defer uart.mu.Unlock()
	b, ok := uart.popInput()
	if ok {
		uart.updateLSR()
		uart.updateInterrupt()
	}
	return b, ok
}

var _ Device = (*UART)(nil)
