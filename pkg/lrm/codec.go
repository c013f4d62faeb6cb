// pkg/lrm/codec.go
package lrm

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// maxDistance is the largest distance the device can report, in meters.
var maxDistance = decimal.RequireFromString("9999.9999")

// Frame is one protocol message without its trailing checksum.
type Frame struct {
	Address byte
	Command byte
	Payload []byte
}

// Bytes returns the encoded frame with the computed checksum appended.
func (f Frame) Bytes() []byte {
	b := make([]byte, 0, len(f.Payload)+3)
	b = append(b, f.Address, f.Command)
	b = append(b, f.Payload...)
	return append(b, Checksum(b))
}

// Checksum is the two's complement of the byte sum modulo 256.
func Checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return -sum
}

// VerifyChecksum reports whether the last byte of frame is the checksum of
// everything before it.
func VerifyChecksum(frame []byte) bool {
	if len(frame) < 2 {
		return false
	}
	n := len(frame) - 1
	return Checksum(frame[:n]) == frame[n]
}

// BuildSetAddress encodes FA 04 01 addr CS.
func BuildSetAddress(addr byte) []byte {
	return Frame{BroadcastAddress, CmdConfig, []byte{SubSetAddress, addr}}.Bytes()
}

// BuildShutdown encodes A 04 02 CS.
func BuildShutdown(addr byte) []byte {
	return Frame{addr, CmdConfig, []byte{SubShutdown}}.Bytes()
}

// EncodeInterval maps a measurement interval in milliseconds to its wire
// value: 0 selects continuous output, anything from one second up selects the
// one second interval.
func EncodeInterval(ms int) (byte, error) {
	switch {
	case ms == 0:
		return 0x00, nil
	case ms >= minIntervalMs:
		return 0x01, nil
	default:
		return 0, fmt.Errorf("%w: interval %dms (want 0 or >= %dms)", ErrInvalidParameter, ms, minIntervalMs)
	}
}

// BuildSetInterval encodes FA 04 05 v CS.
func BuildSetInterval(ms int) ([]byte, error) {
	v, err := EncodeInterval(ms)
	if err != nil {
		return nil, err
	}
	return Frame{BroadcastAddress, CmdConfig, []byte{SubSetInterval, v}}.Bytes(), nil
}

// BuildDistanceCorrection encodes FA 04 06 sign |mm| CS.
func BuildDistanceCorrection(mm int) ([]byte, error) {
	if mm < -maxCorrectionMm || mm > maxCorrectionMm {
		return nil, fmt.Errorf("%w: correction %dmm out of [-%d, %d]", ErrInvalidParameter, mm, maxCorrectionMm, maxCorrectionMm)
	}
	sign := correctionPlus
	if mm < 0 {
		sign, mm = correctionMinus, -mm
	}
	return Frame{BroadcastAddress, CmdConfig, []byte{SubSetCorrection, sign, byte(mm)}}.Bytes(), nil
}

// BuildSetStartPosition encodes FA 04 08 p CS.
func BuildSetStartPosition(p StartPosition) ([]byte, error) {
	if p != StartTail && p != StartTop {
		return nil, fmt.Errorf("%w: start position %d", ErrInvalidParameter, p)
	}
	return Frame{BroadcastAddress, CmdConfig, []byte{SubSetPosition, byte(p)}}.Bytes(), nil
}

// BuildSetRange encodes FA 04 09 r CS.
func BuildSetRange(r Range) ([]byte, error) {
	code, ok := rangeCodes[r]
	if !ok {
		return nil, fmt.Errorf("%w: range %dm (want 5, 10, 30, 50 or 80)", ErrInvalidParameter, r)
	}
	return Frame{BroadcastAddress, CmdConfig, []byte{SubSetRange, code}}.Bytes(), nil
}

// BuildSetFrequency encodes FA 04 0A f CS.
func BuildSetFrequency(hz int) ([]byte, error) {
	code, ok := frequencyCodes[hz]
	if !ok {
		return nil, fmt.Errorf("%w: frequency %dHz (want 3, 5, 10 or 20)", ErrInvalidParameter, hz)
	}
	return Frame{BroadcastAddress, CmdConfig, []byte{SubSetFrequency, code}}.Bytes(), nil
}

// BuildSetResolution encodes FA 04 0C res CS.
func BuildSetResolution(res Resolution) ([]byte, error) {
	if res != Resolution1mm && res != Resolution01mm {
		return nil, fmt.Errorf("%w: resolution %d (want 1 or 2)", ErrInvalidParameter, res)
	}
	return Frame{BroadcastAddress, CmdConfig, []byte{SubSetResolution, byte(res)}}.Bytes(), nil
}

// BuildSetAutoMeasurement encodes FA 04 0D e CS.
func BuildSetAutoMeasurement(enable bool) []byte {
	return Frame{BroadcastAddress, CmdConfig, []byte{SubSetAutoMeas, boolByte(enable)}}.Bytes()
}

// BuildSingleMeasurement encodes A 06 02 CS.
func BuildSingleMeasurement(addr byte) []byte {
	return Frame{addr, CmdMeasure, []byte{SubSingle}}.Bytes()
}

// BuildContinuousMeasurement encodes A 06 03 CS.
func BuildContinuousMeasurement(addr byte) []byte {
	return Frame{addr, CmdMeasure, []byte{SubContinuous}}.Bytes()
}

// BuildReadDeviceID returns the fixed FA 06 04 FC frame.
func BuildReadDeviceID() []byte {
	return []byte{BroadcastAddress, CmdMeasure, SubReadID, readIDChecksum}
}

// BuildLaser encodes A 06 05 {0,1} CS.
func BuildLaser(addr byte, on bool) []byte {
	return Frame{addr, CmdMeasure, []byte{SubLaser, boolByte(on)}}.Bytes()
}

// BuildBroadcastMeasurement returns the fixed FA 06 06 FA frame.
func BuildBroadcastMeasurement() []byte {
	return []byte{BroadcastAddress, CmdMeasure, SubBroadcastMeas, broadcastChecksum}
}

// BuildReadCache encodes A 06 07 CS.
func BuildReadCache(addr byte) []byte {
	return Frame{addr, CmdMeasure, []byte{SubReadCache}}.Bytes()
}

// ParseMeasurement decodes a measurement response addressed to addr. The
// checksum must already have been verified. A hardware error frame yields a
// *HardwareError; every other rejection wraps ErrCommunication.
func ParseMeasurement(addr byte, raw []byte) (float64, error) {
	if len(raw) < minFrameLen {
		return 0, fmt.Errorf("%w: short frame (%d bytes)", ErrCommunication, len(raw))
	}
	if raw[0] != addr {
		return 0, fmt.Errorf("%w: address 0x%02X, want 0x%02X", ErrCommunication, raw[0], addr)
	}
	if raw[1] != CmdMeasure {
		return 0, fmt.Errorf("%w: command 0x%02X, want 0x%02X", ErrCommunication, raw[1], CmdMeasure)
	}
	if hwErr := parseHardwareError(raw); hwErr != nil {
		return 0, hwErr
	}
	switch raw[2] {
	case RespSingle, RespContinuous, RespCache:
	default:
		return 0, fmt.Errorf("%w: unexpected status 0x%02X", ErrCommunication, raw[2])
	}
	return parseDistance(raw[3 : len(raw)-1])
}

// DecodeMeasurement verifies the checksum and then parses raw.
func DecodeMeasurement(addr byte, raw []byte) (float64, error) {
	if !VerifyChecksum(raw) {
		return 0, fmt.Errorf("%w: checksum mismatch", ErrCommunication)
	}
	return ParseMeasurement(addr, raw)
}

// ParseShutdownAck accepts only the echo frame addr 04 82 CS.
func ParseShutdownAck(addr byte, raw []byte) error {
	if !VerifyChecksum(raw) {
		return fmt.Errorf("%w: checksum mismatch", ErrCommunication)
	}
	if len(raw) != minFrameLen || raw[0] != addr || raw[1] != CmdConfig || raw[2] != RespShutdown {
		return fmt.Errorf("%w: unexpected shutdown reply % X", ErrCommunication, raw)
	}
	return nil
}

// ParseDeviceID extracts the ASCII identifier from FA 06 84 <id> CS.
func ParseDeviceID(raw []byte) (string, error) {
	if len(raw) < minFrameLen+1 {
		return "", fmt.Errorf("%w: short device id frame (%d bytes)", ErrCommunication, len(raw))
	}
	if !VerifyChecksum(raw) {
		return "", fmt.Errorf("%w: checksum mismatch", ErrCommunication)
	}
	if raw[0] != BroadcastAddress || raw[1] != CmdMeasure || raw[2] != RespDeviceID {
		return "", fmt.Errorf("%w: unexpected device id header % X", ErrCommunication, raw[:3])
	}
	return string(raw[3 : len(raw)-1]), nil
}

func parseHardwareError(raw []byte) *HardwareError {
	if len(raw) != errorFrameLen || string(raw[3:7]) != "ERR-" {
		return nil
	}
	d1, d2 := raw[7], raw[8]
	if !isDigit(d1) || !isDigit(d2) {
		return nil
	}
	return &HardwareError{
		Code:  int(d1-'0')*10 + int(d2-'0'),
		ASCII: string(raw[3:9]),
	}
}

func parseDistance(payload []byte) (float64, error) {
	n := len(payload)
	if n < minDistanceDigits || n > maxDistanceDigits {
		return 0, fmt.Errorf("%w: distance payload length %d", ErrCommunication, n)
	}
	dots := 0
	for i, c := range payload {
		switch {
		case isDigit(c):
		case c == '.' && i > 0 && i < n-1:
			dots++
		default:
			return 0, fmt.Errorf("%w: malformed distance %q", ErrCommunication, payload)
		}
	}
	if dots > 1 {
		return 0, fmt.Errorf("%w: malformed distance %q", ErrCommunication, payload)
	}

	d, err := decimal.NewFromString(string(payload))
	if err != nil {
		return 0, fmt.Errorf("%w: malformed distance %q: %v", ErrCommunication, payload, err)
	}
	if d.IsNegative() || d.GreaterThan(maxDistance) {
		return 0, fmt.Errorf("%w: distance %s out of range", ErrCommunication, d)
	}
	f, _ := d.Float64()
	return f, nil
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
