package bluetooth

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"
)

func TestEncodeDirList(t *testing.T) {
	frame := EncodeDirList("/logs")
	want := append([]byte{CmdDirList}, "/logs"...)
	if !bytes.Equal(frame, want) {
		t.Errorf("EncodeDirList(/logs) = %v, want %v", frame, want)
	}

	// A missing leading slash is supplied.
	frame = EncodeDirList("logs")
	if !bytes.Equal(frame, want) {
		t.Errorf("EncodeDirList(logs) = %v, want %v", frame, want)
	}

	frame = EncodeDirList("")
	if !bytes.Equal(frame, []byte{CmdDirList, '/'}) {
		t.Errorf("EncodeDirList(\"\") = %v, want root request", frame)
	}
}

func TestEncodeFileWrite(t *testing.T) {
	frame := EncodeFileWrite("/config.txt", 0x12345678)

	if frame[0] != CmdFileWrite {
		t.Fatalf("opcode = 0x%02x, want 0x%02x", frame[0], CmdFileWrite)
	}
	path := frame[1 : len(frame)-5]
	if string(path) != "/config.txt" {
		t.Errorf("path = %q, want /config.txt", path)
	}
	if frame[len(frame)-5] != 0 {
		t.Errorf("missing NUL separator before length")
	}
	length := binary.LittleEndian.Uint32(frame[len(frame)-4:])
	if length != 0x12345678 {
		t.Errorf("length = 0x%08x, want 0x12345678", length)
	}
}

func TestEncodeFileChunk(t *testing.T) {
	frame := EncodeFileChunk(7, []byte{0xAA, 0xBB})
	want := []byte{CmdFileData, 7, 0xAA, 0xBB}
	if !bytes.Equal(frame, want) {
		t.Errorf("EncodeFileChunk = %v, want %v", frame, want)
	}

	// The end-of-upload marker carries no data bytes.
	end := EncodeFileChunk(8, nil)
	if !bytes.Equal(end, []byte{CmdFileData, 8}) {
		t.Errorf("end marker = %v, want [0x10 8]", end)
	}
}

func TestEncodeMaskSet(t *testing.T) {
	frame := EncodeMaskSet(GNSSPosition | GNSSNumSV)
	if !bytes.Equal(frame, []byte{CmdMaskSet, 0x12}) {
		t.Errorf("EncodeMaskSet = %v, want [0x21 0x12]", frame)
	}
}

func TestGNSSMaskSupported(t *testing.T) {
	for m := 0; m < 256; m++ {
		mask := GNSSMask(m)
		want := m&^0x1F == 0
		if mask.Supported() != want {
			t.Errorf("GNSSMask(0x%02x).Supported() = %v, want %v", m, mask.Supported(), want)
		}
	}
}

// telemetryRecord builds a GNSS push payload for the given mask with
// recognizable field values.
func telemetryRecord(mask GNSSMask) []byte {
	rec := []byte{byte(mask)}
	if mask.Has(GNSSTimeOfWeek) {
		rec = binary.LittleEndian.AppendUint32(rec, 123456)
	}
	if mask.Has(GNSSPosition) {
		lon := int32(-1224567890)
		rec = binary.LittleEndian.AppendUint32(rec, uint32(int32(473977420))) // 47.3977420 deg
		rec = binary.LittleEndian.AppendUint32(rec, uint32(lon))              // -122.4567890 deg
		rec = binary.LittleEndian.AppendUint32(rec, uint32(int32(1250000)))   // 1250 m
	}
	if mask.Has(GNSSVelocity) {
		velEast := int32(-2500)
		rec = binary.LittleEndian.AppendUint32(rec, uint32(int32(1500)))
		rec = binary.LittleEndian.AppendUint32(rec, uint32(velEast))
		rec = binary.LittleEndian.AppendUint32(rec, uint32(int32(53000)))
	}
	if mask.Has(GNSSAccuracy) {
		rec = binary.LittleEndian.AppendUint32(rec, 2000)
		rec = binary.LittleEndian.AppendUint32(rec, 3500)
		rec = binary.LittleEndian.AppendUint32(rec, 500)
	}
	if mask.Has(GNSSNumSV) {
		rec = append(rec, 14)
	}
	return rec
}

func TestDecodeTelemetryFull(t *testing.T) {
	s, ok := DecodeTelemetry(telemetryRecord(GNSSSupportedMask))
	if !ok {
		t.Fatal("decode failed for full mask")
	}

	if s.TimeOfWeek == nil || *s.TimeOfWeek != 123456 {
		t.Errorf("TimeOfWeek = %v, want 123456", s.TimeOfWeek)
	}
	if s.Latitude == nil || *s.Latitude != float64(473977420)*1e-7 {
		t.Errorf("Latitude = %v, want ~47.3977420", s.Latitude)
	}
	if s.Longitude == nil || *s.Longitude != float64(-1224567890)*1e-7 {
		t.Errorf("Longitude = %v, want ~-122.4567890", s.Longitude)
	}
	if s.Height == nil || *s.Height != 1250 {
		t.Errorf("Height = %v, want 1250", s.Height)
	}
	if s.VelocityDown == nil || *s.VelocityDown != 53 {
		t.Errorf("VelocityDown = %v, want 53", s.VelocityDown)
	}
	if s.VelocityEast == nil || *s.VelocityEast != -2.5 {
		t.Errorf("VelocityEast = %v, want -2.5", s.VelocityEast)
	}
	if s.HorizontalAccuracy == nil || *s.HorizontalAccuracy != 2 {
		t.Errorf("HorizontalAccuracy = %v, want 2", s.HorizontalAccuracy)
	}
	if s.NumSV == nil || *s.NumSV != 14 {
		t.Errorf("NumSV = %v, want 14", s.NumSV)
	}
}

func TestDecodeTelemetryPartial(t *testing.T) {
	s, ok := DecodeTelemetry(telemetryRecord(GNSSPosition | GNSSNumSV))
	if !ok {
		t.Fatal("decode failed for partial mask")
	}

	if s.Latitude == nil || s.NumSV == nil {
		t.Error("masked-in fields missing")
	}
	if s.TimeOfWeek != nil || s.VelocityNorth != nil || s.HorizontalAccuracy != nil {
		t.Error("masked-out fields present")
	}
}

func TestDecodeTelemetryRejects(t *testing.T) {
	cases := []struct {
		name   string
		record []byte
	}{
		{"empty", nil},
		{"unsupported bit", telemetryRecord(GNSSPosition | 0x20)},
		{"truncated", telemetryRecord(GNSSPosition)[:8]},
		{"trailing bytes", append(telemetryRecord(GNSSNumSV), 0xFF)},
	}
	for _, tc := range cases {
		if _, ok := DecodeTelemetry(tc.record); ok {
			t.Errorf("%s: decode succeeded, want rejection", tc.name)
		}
	}
}

func TestDecodeStartResult(t *testing.T) {
	record := make([]byte, StartResultSize)
	binary.LittleEndian.PutUint32(record[0:4], 1750000000)
	binary.LittleEndian.PutUint16(record[4:6], 16384) // exactly half a second

	ev, ok := DecodeStartResult(record)
	if !ok {
		t.Fatal("decode failed")
	}
	want := time.Unix(1750000000, int64(time.Second)/2).UTC()
	if !ev.FiredAt.Equal(want) {
		t.Errorf("FiredAt = %v, want %v", ev.FiredAt, want)
	}
	if ev.FiredAt.Location() != time.UTC {
		t.Errorf("FiredAt location = %v, want UTC", ev.FiredAt.Location())
	}
}

func TestDecodeStartResultRejects(t *testing.T) {
	if _, ok := DecodeStartResult(make([]byte, 5)); ok {
		t.Error("short record accepted")
	}
	if _, ok := DecodeStartResult(make([]byte, 7)); ok {
		t.Error("long record accepted")
	}

	record := make([]byte, StartResultSize)
	binary.LittleEndian.PutUint16(record[4:6], 32768)
	if _, ok := DecodeStartResult(record); ok {
		t.Error("out-of-range tick count accepted")
	}
}
