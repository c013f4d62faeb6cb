// pkg/lrm/command.go
package lrm

// Frame addressing and command bytes.
const (
	BroadcastAddress byte = 0xFA

	CmdConfig  byte = 0x04
	CmdMeasure byte = 0x06
)

// Configuration sub-commands (CmdConfig).
const (
	SubSetAddress    byte = 0x01
	SubShutdown      byte = 0x02
	SubSetInterval   byte = 0x05
	SubSetCorrection byte = 0x06
	SubSetPosition   byte = 0x08
	SubSetRange      byte = 0x09
	SubSetFrequency  byte = 0x0A
	SubSetResolution byte = 0x0C
	SubSetAutoMeas   byte = 0x0D
)

// Measurement sub-commands (CmdMeasure).
const (
	SubSingle        byte = 0x02
	SubContinuous    byte = 0x03
	SubReadID        byte = 0x04
	SubLaser         byte = 0x05
	SubBroadcastMeas byte = 0x06
	SubReadCache     byte = 0x07
)

// Response status bytes echo the sub-command with the high bit set.
const (
	RespSingle     byte = 0x82
	RespContinuous byte = 0x83
	RespDeviceID   byte = 0x84
	RespLaser      byte = 0x85
	RespCache      byte = 0x87
	RespShutdown   byte = 0x82 // under CmdConfig
)

const (
	correctionPlus  byte = 0x2B // '+'
	correctionMinus byte = 0x2D // '-'

	// Fixed by the protocol rather than computed.
	readIDChecksum    byte = 0xFC
	broadcastChecksum byte = 0xFA
)

// Payload and value bounds.
const (
	minFrameLen       = 4
	errorFrameLen     = 10
	minDistanceDigits = 3
	maxDistanceDigits = 12
	maxCorrectionMm   = 255
	minIntervalMs     = 1000
)

var rangeCodes = map[Range]byte{
	Range5m:  0x05,
	Range10m: 0x0A,
	Range30m: 0x1E,
	Range50m: 0x32,
	Range80m: 0x50,
}

// 3 Hz is encoded as 0x00 by the device firmware.
var frequencyCodes = map[int]byte{
	3:  0x00,
	5:  0x05,
	10: 0x0A,
	20: 0x14,
}
