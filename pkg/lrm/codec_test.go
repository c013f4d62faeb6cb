package lrm

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksum(t *testing.T) {
	assert.Equal(t, byte(0x78), Checksum([]byte{0x80, 0x06, 0x02}))
	assert.Equal(t, byte(0x00), Checksum(nil))
	assert.True(t, VerifyChecksum([]byte{0x80, 0x06, 0x02, 0x78}))
	assert.False(t, VerifyChecksum([]byte{0x80}))
}

func TestChecksumDetectsSingleBitFlips(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		body := make([]byte, 1+rng.Intn(16))
		rng.Read(body)
		frame := append(body, Checksum(body))

		var sum byte
		for _, b := range frame {
			sum += b
		}
		require.Equal(t, byte(0), sum, "frame % X", frame)
		require.True(t, VerifyChecksum(frame))

		pos, bit := rng.Intn(len(frame)), uint(rng.Intn(8))
		frame[pos] ^= 1 << bit
		require.False(t, VerifyChecksum(frame), "flip byte %d bit %d", pos, bit)
	}
}

func TestBuilders(t *testing.T) {
	must := func(b []byte, err error) []byte {
		require.NoError(t, err)
		return b
	}

	tests := []struct {
		name string
		got  []byte
		want []byte
	}{
		{"set address", BuildSetAddress(0x80), []byte{0xFA, 0x04, 0x01, 0x80, 0x81}},
		{"shutdown", BuildShutdown(0x80), []byte{0x80, 0x04, 0x02, 0x7A}},
		{"interval 1s", must(BuildSetInterval(1000)), []byte{0xFA, 0x04, 0x05, 0x01, 0xFC}},
		{"interval continuous", must(BuildSetInterval(0)), []byte{0xFA, 0x04, 0x05, 0x00, 0xFD}},
		{"correction -5", must(BuildDistanceCorrection(-5)), []byte{0xFA, 0x04, 0x06, 0x2D, 0x05, 0xCA}},
		{"correction +5", must(BuildDistanceCorrection(5)), []byte{0xFA, 0x04, 0x06, 0x2B, 0x05, 0xCC}},
		{"start top", must(BuildSetStartPosition(StartTop)), []byte{0xFA, 0x04, 0x08, 0x01, 0xF9}},
		{"range 80m", must(BuildSetRange(Range80m)), []byte{0xFA, 0x04, 0x09, 0x50, 0xA9}},
		{"frequency 3Hz", must(BuildSetFrequency(3)), []byte{0xFA, 0x04, 0x0A, 0x00, 0xF8}},
		{"resolution 0.1mm", must(BuildSetResolution(Resolution01mm)), []byte{0xFA, 0x04, 0x0C, 0x02, 0xF4}},
		{"auto measure on", BuildSetAutoMeasurement(true), []byte{0xFA, 0x04, 0x0D, 0x01, 0xF4}},
		{"single", BuildSingleMeasurement(0x80), []byte{0x80, 0x06, 0x02, 0x78}},
		{"continuous", BuildContinuousMeasurement(0x80), []byte{0x80, 0x06, 0x03, 0x77}},
		{"read id", BuildReadDeviceID(), []byte{0xFA, 0x06, 0x04, 0xFC}},
		{"laser on", BuildLaser(0x80, true), []byte{0x80, 0x06, 0x05, 0x01, 0x74}},
		{"broadcast", BuildBroadcastMeasurement(), []byte{0xFA, 0x06, 0x06, 0xFA}},
		{"read cache", BuildReadCache(0x80), []byte{0x80, 0x06, 0x07, 0x73}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
			assert.True(t, VerifyChecksum(tt.got))
		})
	}
}

func TestBuildersRejectInvalidParameters(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"interval 999ms", func() error { _, err := BuildSetInterval(999); return err }()},
		{"interval negative", func() error { _, err := BuildSetInterval(-1); return err }()},
		{"correction 256", func() error { _, err := BuildDistanceCorrection(256); return err }()},
		{"correction -256", func() error { _, err := BuildDistanceCorrection(-256); return err }()},
		{"start position 2", func() error { _, err := BuildSetStartPosition(2); return err }()},
		{"range 20m", func() error { _, err := BuildSetRange(20); return err }()},
		{"frequency 7Hz", func() error { _, err := BuildSetFrequency(7); return err }()},
		{"resolution 3", func() error { _, err := BuildSetResolution(3); return err }()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.ErrorIs(t, tt.err, ErrInvalidParameter)
		})
	}
}

func TestParseMeasurement(t *testing.T) {
	const addr = 0x80

	t.Run("valid payloads", func(t *testing.T) {
		tests := []struct {
			status byte
			ascii  string
			want   float64
		}{
			{RespSingle, "050.123", 50.123},
			{RespSingle, "123.456", 123.456},
			{RespContinuous, "9999.9999", 9999.9999},
			{RespCache, "000.000", 0},
			{RespSingle, "123", 123},
		}
		for _, tt := range tests {
			t.Run(tt.ascii, func(t *testing.T) {
				got, err := DecodeMeasurement(addr, measurementFrame(addr, tt.status, tt.ascii))
				require.NoError(t, err)
				assert.InDelta(t, tt.want, got, 1e-9)
			})
		}
	})

	t.Run("rejected payloads", func(t *testing.T) {
		for _, ascii := range []string{"10000.0", "12", "1234567890123", ".12", "12.", "1.2.3", "12a", "-1.5"} {
			t.Run(ascii, func(t *testing.T) {
				_, err := DecodeMeasurement(addr, measurementFrame(addr, RespSingle, ascii))
				require.ErrorIs(t, err, ErrCommunication)
			})
		}
	})

	t.Run("header mismatch", func(t *testing.T) {
		_, err := DecodeMeasurement(addr, measurementFrame(0x81, RespSingle, "050.123"))
		assert.ErrorIs(t, err, ErrCommunication)

		_, err = DecodeMeasurement(addr, Frame{addr, CmdConfig, []byte{RespSingle, '1', '2', '3'}}.Bytes())
		assert.ErrorIs(t, err, ErrCommunication)

		_, err = DecodeMeasurement(addr, measurementFrame(addr, RespLaser, "050.123"))
		assert.ErrorIs(t, err, ErrCommunication)

		_, err = ParseMeasurement(addr, []byte{addr, CmdMeasure})
		assert.ErrorIs(t, err, ErrCommunication)
	})

	t.Run("bad checksum", func(t *testing.T) {
		frame := measurementFrame(addr, RespSingle, "050.123")
		frame[len(frame)-1] ^= 0xFF
		_, err := DecodeMeasurement(addr, frame)
		assert.ErrorIs(t, err, ErrCommunication)
	})

	t.Run("hardware error", func(t *testing.T) {
		frame := measurementFrame(addr, RespSingle, "ERR-16")
		require.Len(t, frame, errorFrameLen)

		_, err := DecodeMeasurement(addr, frame)
		require.ErrorIs(t, err, ErrMeasurement)

		var hwErr *HardwareError
		require.True(t, errors.As(err, &hwErr))
		assert.Equal(t, 16, hwErr.Code)
		assert.Equal(t, "ERR-16", hwErr.ASCII)
		assert.Equal(t, "weak signal or timeout", hwErr.Description())
		assert.Equal(t, CategoryDevice, Classify(err))
	})

	t.Run("malformed error frame", func(t *testing.T) {
		_, err := DecodeMeasurement(addr, measurementFrame(addr, RespSingle, "ERR-1X"))
		assert.ErrorIs(t, err, ErrCommunication)
		assert.NotErrorIs(t, err, ErrMeasurement)
	})
}

func TestParseShutdownAck(t *testing.T) {
	require.NoError(t, ParseShutdownAck(0x80, Frame{0x80, CmdConfig, []byte{RespShutdown}}.Bytes()))
	assert.ErrorIs(t, ParseShutdownAck(0x80, Frame{0x81, CmdConfig, []byte{RespShutdown}}.Bytes()), ErrCommunication)
	assert.ErrorIs(t, ParseShutdownAck(0x80, []byte{0x80, 0x04, 0x82, 0x00}), ErrCommunication)
}

func TestParseDeviceID(t *testing.T) {
	id, err := ParseDeviceID(Frame{BroadcastAddress, CmdMeasure, append([]byte{RespDeviceID}, "SGS-LRM-01"...)}.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "SGS-LRM-01", id)

	_, err = ParseDeviceID([]byte{0xFA, 0x06, 0x84, 0x7C})
	assert.ErrorIs(t, err, ErrCommunication)
}

func TestClassifyAndStatusCode(t *testing.T) {
	tests := []struct {
		err      error
		category Category
		code     int
	}{
		{nil, CategoryNone, StatusSuccess},
		{ErrInvalidParameter, CategoryUsage, StatusInvalidParameter},
		{ErrInvalidHandle, CategoryUsage, StatusInvalidHandle},
		{ErrNotConnected, CategoryUsage, StatusNotConnected},
		{ErrPoolExhausted, CategoryUsage, StatusPoolExhausted},
		{ErrCommunication, CategoryLink, StatusCommunicationError},
		{ErrTimeout, CategoryLink, StatusTimeout},
		{&HardwareError{Code: 15, ASCII: "ERR-15"}, CategoryDevice, StatusMeasurementError},
	}
	for _, tt := range tests {
		name := "nil"
		if tt.err != nil {
			name = tt.err.Error()
		}
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.category, Classify(tt.err))
			assert.Equal(t, tt.code, StatusCode(tt.err))
		})
	}
	assert.Equal(t, "unknown hardware error", DescribeHardwareError(99))
}
