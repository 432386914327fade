package bluetooth

import (
	"encoding/binary"
	"time"
)

// Command opcodes, written as the first byte of every frame on the command
// RX characteristic (write-without-response).
const (
	CmdFileRead    byte = 0x02
	CmdFileWrite   byte = 0x03
	CmdDirList     byte = 0x05
	CmdFileData    byte = 0x10
	CmdFileCancel  byte = 0x12
	CmdMaskGet     byte = 0x20
	CmdMaskSet     byte = 0x21
	CmdStart       byte = 0x30
	CmdStartCancel byte = 0x31
)

// Response opcodes, the first byte of every notification on the response
// TX characteristic.
const (
	RspFileData    byte = 0x10
	RspFileAck     byte = 0x11
	RspDirEntry    byte = 0x15
	RspMaskValue   byte = 0x20
	RspMaskAck     byte = 0x21
	RspGNSSData    byte = 0x40
	RspStartResult byte = 0x50
)

const (
	// DirEntryRecordSize is the fixed size of one directory-entry
	// notification, opcode and reserved byte included.
	DirEntryRecordSize = 24

	// StartResultSize is the payload size of a start-result record.
	StartResultSize = 6
)

// EncodeDirList builds a directory-listing request for an absolute path.
func EncodeDirList(path string) []byte {
	return appendPath([]byte{CmdDirList}, path)
}

// EncodeFileRead builds a file-download request.
func EncodeFileRead(path string) []byte {
	return appendPath([]byte{CmdFileRead}, path)
}

// EncodeFileWrite builds a file-upload announcement: path, NUL separator,
// then the total upload length.
func EncodeFileWrite(path string, length uint32) []byte {
	frame := appendPath([]byte{CmdFileWrite}, path)
	frame = append(frame, 0)
	return binary.LittleEndian.AppendUint32(frame, length)
}

// EncodeFileChunk builds one upload data chunk. A chunk with no data bytes
// marks the end of the upload.
func EncodeFileChunk(seq byte, data []byte) []byte {
	frame := make([]byte, 2+len(data))
	frame[0] = CmdFileData
	frame[1] = seq
	copy(frame[2:], data)
	return frame
}

// EncodeFileCancel builds the cancel indication for an active transfer.
func EncodeFileCancel() []byte {
	return []byte{CmdFileCancel}
}

// EncodeMaskGet builds a GNSS mask query.
func EncodeMaskGet() []byte {
	return []byte{CmdMaskGet}
}

// EncodeMaskSet builds a GNSS mask update.
func EncodeMaskSet(mask GNSSMask) []byte {
	return []byte{CmdMaskSet, byte(mask)}
}

// EncodeStart builds the starting-pistol arm command.
func EncodeStart() []byte {
	return []byte{CmdStart}
}

// EncodeStartCancel builds the countdown cancel command.
func EncodeStartCancel() []byte {
	return []byte{CmdStartCancel}
}

func appendPath(frame []byte, path string) []byte {
	if len(path) == 0 || path[0] != '/' {
		frame = append(frame, '/')
	}
	return append(frame, path...)
}

// DecodeTelemetry decodes a GNSS push record: a mask byte followed by
// fixed-width fields in mask-bit order. Records with unknown mask bits or
// a length that does not match the mask are rejected.
func DecodeTelemetry(record []byte) (*LiveTelemetrySample, bool) {
	if len(record) < 1 {
		return nil, false
	}
	mask := GNSSMask(record[0])
	if !mask.Supported() {
		return nil, false
	}

	rest := record[1:]
	take := func(n int) ([]byte, bool) {
		if len(rest) < n {
			return nil, false
		}
		f := rest[:n]
		rest = rest[n:]
		return f, true
	}

	s := &LiveTelemetrySample{Mask: mask}

	if mask.Has(GNSSTimeOfWeek) {
		f, ok := take(4)
		if !ok {
			return nil, false
		}
		tow := binary.LittleEndian.Uint32(f)
		s.TimeOfWeek = &tow
	}
	if mask.Has(GNSSPosition) {
		f, ok := take(12)
		if !ok {
			return nil, false
		}
		lat := float64(int32(binary.LittleEndian.Uint32(f[0:4]))) * 1e-7
		lon := float64(int32(binary.LittleEndian.Uint32(f[4:8]))) * 1e-7
		height := float64(int32(binary.LittleEndian.Uint32(f[8:12]))) / 1000
		s.Latitude, s.Longitude, s.Height = &lat, &lon, &height
	}
	if mask.Has(GNSSVelocity) {
		f, ok := take(12)
		if !ok {
			return nil, false
		}
		n := float64(int32(binary.LittleEndian.Uint32(f[0:4]))) / 1000
		e := float64(int32(binary.LittleEndian.Uint32(f[4:8]))) / 1000
		d := float64(int32(binary.LittleEndian.Uint32(f[8:12]))) / 1000
		s.VelocityNorth, s.VelocityEast, s.VelocityDown = &n, &e, &d
	}
	if mask.Has(GNSSAccuracy) {
		f, ok := take(12)
		if !ok {
			return nil, false
		}
		h := float64(binary.LittleEndian.Uint32(f[0:4])) / 1000
		v := float64(binary.LittleEndian.Uint32(f[4:8])) / 1000
		sp := float64(binary.LittleEndian.Uint32(f[8:12])) / 1000
		s.HorizontalAccuracy, s.VerticalAccuracy, s.SpeedAccuracy = &h, &v, &sp
	}
	if mask.Has(GNSSNumSV) {
		f, ok := take(1)
		if !ok {
			return nil, false
		}
		n := f[0]
		s.NumSV = &n
	}

	if len(rest) != 0 {
		return nil, false
	}
	return s, true
}

// DecodeStartResult decodes a start-result record: Unix seconds plus a
// fractional part in 1/32768 s ticks, both little-endian. The instant is UTC.
func DecodeStartResult(record []byte) (StartEvent, bool) {
	if len(record) != StartResultSize {
		return StartEvent{}, false
	}
	sec := binary.LittleEndian.Uint32(record[0:4])
	ticks := binary.LittleEndian.Uint16(record[4:6])
	if ticks >= 32768 {
		return StartEvent{}, false
	}
	nanos := int64(ticks) * int64(time.Second) / 32768
	return StartEvent{FiredAt: time.Unix(int64(sec), nanos).UTC()}, true
}
