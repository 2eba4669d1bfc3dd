package modbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
)

// Modbus-TCP framing for function 3 (Read Holding Registers). One outstanding
// request per stream; the transaction id only detects mis-framing.

const (
	funcReadHolding = 0x03
	exceptionFlag   = 0x80

	// MaxQuantity is the protocol ceiling for registers per read.
	MaxQuantity = 125

	mbapHeaderSize = 7
)

// transactionID is process-global; responses must echo the request id.
var transactionID atomic.Uint32

// Protocol-violation errors. Any of these poisons the stream; the caller must
// discard the connection.
var (
	ErrTransactionMismatch = errors.New("modbus: transaction id mismatch")
	ErrBadProtocolID       = errors.New("modbus: non-zero protocol id")
	ErrShortFrame          = errors.New("modbus: pdu length below minimum")
	ErrByteCount           = errors.New("modbus: byte count does not match quantity")
)

// Exception is a Modbus exception response; the code is surfaced verbatim.
type Exception byte

func (e Exception) Error() string {
	return fmt.Sprintf("modbus exception 0x%02X", byte(e))
}

// IsProtocolViolation reports whether err poisons the stream, as opposed to a
// device-side exception or plain I/O failure.
func IsProtocolViolation(err error) bool {
	return errors.Is(err, ErrTransactionMismatch) ||
		errors.Is(err, ErrBadProtocolID) ||
		errors.Is(err, ErrShortFrame) ||
		errors.Is(err, ErrByteCount)
}

// ReadHoldingRegisters issues one function-3 request on rw and returns the
// decoded big-endian words. start is the protocol-level zero-based address;
// quantity must be within 1..125.
func ReadHoldingRegisters(rw io.ReadWriter, unitID byte, start, quantity uint16) ([]uint16, error) {
	if quantity < 1 || quantity > MaxQuantity {
		return nil, fmt.Errorf("modbus: quantity %d out of range 1..%d", quantity, MaxQuantity)
	}

	tid := uint16(transactionID.Add(1))

	var req [12]byte
	binary.BigEndian.PutUint16(req[0:2], tid)
	binary.BigEndian.PutUint16(req[2:4], 0) // protocol id
	binary.BigEndian.PutUint16(req[4:6], 6) // unit id + pdu
	req[6] = unitID
	req[7] = funcReadHolding
	binary.BigEndian.PutUint16(req[8:10], start)
	binary.BigEndian.PutUint16(req[10:12], quantity)

	if _, err := rw.Write(req[:]); err != nil {
		return nil, fmt.Errorf("modbus: write request: %w", err)
	}

	var head [mbapHeaderSize]byte
	if _, err := io.ReadFull(rw, head[:]); err != nil {
		return nil, fmt.Errorf("modbus: read header: %w", err)
	}
	if binary.BigEndian.Uint16(head[0:2]) != tid {
		return nil, ErrTransactionMismatch
	}
	if binary.BigEndian.Uint16(head[2:4]) != 0 {
		return nil, ErrBadProtocolID
	}
	length := binary.BigEndian.Uint16(head[4:6])
	if length < 2 {
		return nil, ErrShortFrame
	}

	pdu := make([]byte, length-1)
	if _, err := io.ReadFull(rw, pdu); err != nil {
		return nil, fmt.Errorf("modbus: read pdu: %w", err)
	}

	if len(pdu) < 2 {
		return nil, ErrShortFrame
	}
	if pdu[0]&exceptionFlag != 0 {
		return nil, Exception(pdu[1])
	}
	byteCount := int(pdu[1])
	if byteCount != 2*int(quantity) || len(pdu) != 2+byteCount {
		return nil, ErrByteCount
	}

	words := make([]uint16, quantity)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(pdu[2+2*i : 4+2*i])
	}
	return words, nil
}
