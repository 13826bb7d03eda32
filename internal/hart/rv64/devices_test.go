package rv64

import (
	"bytes"
	"testing"

	"github.com/tinyrange/see/internal/hart"
)

func TestCLINTTimerComparator(t *testing.T) {
	clock := &testClock{now: 1000}
	m := NewMachine(64*1024, nil, clock)

	if m.CPU.Mip&hart.MipMTIP != 0 {
		t.Fatal("MTIP pending at power-on")
	}

	m.CLINT.SetTimecmp(2000)
	if m.CPU.Mip&hart.MipMTIP != 0 {
		t.Error("MTIP pending before the deadline")
	}

	clock.now = 2000
	m.CLINT.Tick()
	if m.CPU.Mip&hart.MipMTIP == 0 {
		t.Error("MTIP not pending at the deadline")
	}

	// Rearming in the future drops the pending interrupt.
	m.CLINT.SetTimecmp(3000)
	if m.CPU.Mip&hart.MipMTIP != 0 {
		t.Error("MTIP still pending after rearm")
	}

	// The memory-mapped registers reach the same state.
	if got, _ := m.Bus.Read64(CLINTBase + CLINTMtime); got != 2000 {
		t.Errorf("mtime: expected 2000, got %d", got)
	}
	m.Bus.Write64(CLINTBase+CLINTMtimecmp, 1500)
	if got := m.CLINT.Timecmp(); got != 1500 {
		t.Errorf("mtimecmp: expected 1500, got %d", got)
	}
	if m.CPU.Mip&hart.MipMTIP == 0 {
		t.Error("MTIP not pending after expired mtimecmp write")
	}
}

func TestCLINTSoftwareInterrupt(t *testing.T) {
	m := NewMachine(64*1024, nil, &testClock{})

	m.Bus.Write32(CLINTBase+CLINTMsip, 1)
	if m.CPU.Mip&hart.MipMSIP == 0 {
		t.Error("MSIP not pending after msip write")
	}
	if got, _ := m.Bus.Read32(CLINTBase + CLINTMsip); got != 1 {
		t.Errorf("msip readback: expected 1, got %d", got)
	}

	m.Bus.Write32(CLINTBase+CLINTMsip, 0)
	if m.CPU.Mip&hart.MipMSIP != 0 {
		t.Error("MSIP still pending after clear")
	}
}

func TestUARTOutput(t *testing.T) {
	output := &bytes.Buffer{}
	m := NewMachine(64*1024, output, nil)

	m.Bus.Write8(UARTBase+UARTRegTHR, 'A')
	m.Bus.Write8(UARTBase+UARTRegTHR, 'B')

	if got := output.String(); got != "AB" {
		t.Errorf("output: expected %q, got %q", "AB", got)
	}

	lsr, _ := m.Bus.Read8(UARTBase + UARTRegLSR)
	if lsr&UARTLSRTHREmpty == 0 || lsr&UARTLSRTxEmpty == 0 {
		t.Errorf("lsr: transmitter should be idle, got %#x", lsr)
	}
}

func TestUARTInput(t *testing.T) {
	m := NewMachine(64*1024, nil, nil)

	lsr, _ := m.Bus.Read8(UARTBase + UARTRegLSR)
	if lsr&UARTLSRDataReady != 0 {
		t.Fatal("data ready with empty input queue")
	}

	m.UART.EnqueueInput([]byte("hi"))

	lsr, _ = m.Bus.Read8(UARTBase + UARTRegLSR)
	if lsr&UARTLSRDataReady == 0 {
		t.Fatal("data ready not set after enqueue")
	}

	if b, _ := m.Bus.Read8(UARTBase + UARTRegRBR); b != 'h' {
		t.Errorf("rbr: expected 'h', got %q", b)
	}
	if b, _ := m.Bus.Read8(UARTBase + UARTRegRBR); b != 'i' {
		t.Errorf("rbr: expected 'i', got %q", b)
	}

	lsr, _ = m.Bus.Read8(UARTBase + UARTRegLSR)
	if lsr&UARTLSRDataReady != 0 {
		t.Error("data ready still set after draining")
	}
}

func TestUARTByteHelpers(t *testing.T) {
	output := &bytes.Buffer{}
	m := NewMachine(64*1024, output, nil)

	m.UART.WriteByte('x')
	if got := output.String(); got != "x" {
		t.Errorf("output: expected %q, got %q", "x", got)
	}

	if _, ok := m.UART.ReadByte(); ok {
		t.Error("ReadByte: expected no data")
	}

	m.UART.EnqueueInput([]byte("q"))
	b, ok := m.UART.ReadByte()
	if !ok || b != 'q' {
		t.Errorf("ReadByte: expected 'q', got %q ok=%v", b, ok)
	}
}

func TestPLICClaimComplete(t *testing.T) {
	m := NewMachine(64*1024, nil, nil)

	// Program the supervisor context for the UART source.
	m.Bus.Write32(PLICBase+4*IRQUart, 3)
	m.Bus.Write32(PLICBase+PLICEnableBase+1*0x80, 1<<IRQUart)

	m.PLIC.SetPending(IRQUart, true)

	if m.CPU.Mip&hart.MipSEIP == 0 {
		t.Fatal("SEIP not pending after SetPending")
	}
	if m.CPU.Mip&hart.MipMEIP != 0 {
		t.Error("MEIP pending with an unprogrammed machine context")
	}

	claimAddr := uint64(PLICBase + PLICThresholdBase + 1*PLICContextStride + 4)

	claimed, _ := m.Bus.Read32(claimAddr)
	if claimed != IRQUart {
		t.Fatalf("claim: expected %d, got %d", IRQUart, claimed)
	}
	if m.CPU.Mip&hart.MipSEIP != 0 {
		t.Error("SEIP still pending after claim")
	}

	m.Bus.Write32(claimAddr, claimed)

	if next, _ := m.Bus.Read32(claimAddr); next != 0 {
		t.Errorf("claim after complete: expected 0, got %d", next)
	}
}

func TestUARTInterruptRouting(t *testing.T) {
	m := NewMachine(64*1024, nil, nil)

	m.Bus.Write32(PLICBase+4*IRQUart, 1)
	m.Bus.Write32(PLICBase+PLICEnableBase+1*0x80, 1<<IRQUart)
	m.Bus.Write8(UARTBase+UARTRegIER, 0x01) // received data available

	m.UART.EnqueueInput([]byte("x"))

	if m.CPU.Mip&hart.MipSEIP == 0 {
		t.Fatal("SEIP not pending after UART input")
	}

	// Draining the FIFO drops the interrupt.
	if b, _ := m.Bus.Read8(UARTBase + UARTRegRBR); b != 'x' {
		t.Fatalf("rbr: expected 'x', got %q", b)
	}
	if m.CPU.Mip&hart.MipSEIP != 0 {
		t.Error("SEIP still pending after draining input")
	}
}
