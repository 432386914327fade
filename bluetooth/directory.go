package bluetooth

import (
	"bytes"
	"sort"
	"strings"
	"time"
)

// FAT-style attribute bits carried by directory-entry records.
const (
	AttrReadOnly byte = 0x01
	AttrHidden   byte = 0x02
	AttrSystem   byte = 0x04
	AttrArchive  byte = 0x08
	AttrFolder   byte = 0x10
)

// DirectoryEntry is one decoded entry of a device directory listing.
// Immutable once decoded; a fresh listing replaces the whole set.
type DirectoryEntry struct {
	Size       uint32    `json:"size"`
	Modified   time.Time `json:"modified"` // UTC, 2-second resolution
	Attributes byte      `json:"attributes"`
	Name       string    `json:"name"`
}

// IsFolder reports whether the directory bit is set.
func (e DirectoryEntry) IsFolder() bool {
	return e.Attributes&AttrFolder != 0
}

// IsHidden reports whether the hidden bit is set.
func (e DirectoryEntry) IsHidden() bool {
	return e.Attributes&AttrHidden != 0
}

// AttributeString renders the attribute bits as five fixed-order characters
// (read-only, hidden, system, archive, directory), '-' for each clear bit.
func (e DirectoryEntry) AttributeString() string {
	chars := []byte("-----")
	if e.Attributes&AttrReadOnly != 0 {
		chars[0] = 'r'
	}
	if e.Attributes&AttrHidden != 0 {
		chars[1] = 'h'
	}
	if e.Attributes&AttrSystem != 0 {
		chars[2] = 's'
	}
	if e.Attributes&AttrArchive != 0 {
		chars[3] = 'a'
	}
	if e.Attributes&AttrFolder != 0 {
		chars[4] = 'd'
	}
	return string(chars)
}

// DecodeDirectoryEntry decodes one 24-byte directory-entry record
// (opcode and reserved byte included). It returns false for records of the
// wrong length, with an empty name region, or with a date or time that does
// not form a valid calendar instant.
func DecodeDirectoryEntry(record []byte) (DirectoryEntry, bool) {
	if len(record) != DirEntryRecordSize {
		return DirectoryEntry{}, false
	}

	name := record[11:24]
	if nul := bytes.IndexByte(name, 0); nul >= 0 {
		name = name[:nul]
	}
	if len(name) == 0 {
		return DirectoryEntry{}, false
	}

	size := uint32(record[2]) | uint32(record[3])<<8 | uint32(record[4])<<16 | uint32(record[5])<<24
	fdate := uint16(record[6]) | uint16(record[7])<<8
	ftime := uint16(record[8]) | uint16(record[9])<<8

	modified, ok := decodePackedDateTime(fdate, ftime)
	if !ok {
		return DirectoryEntry{}, false
	}

	return DirectoryEntry{
		Size:       size,
		Modified:   modified,
		Attributes: record[10],
		Name:       string(name),
	}, true
}

// IsListingEnd reports whether record is the listing terminator: a full-size
// directory-entry record whose name region is entirely NUL.
func IsListingEnd(record []byte) bool {
	if len(record) != DirEntryRecordSize {
		return false
	}
	for _, b := range record[11:24] {
		if b != 0 {
			return false
		}
	}
	return true
}

// decodePackedDateTime expands FAT packed date and time words into a UTC
// instant. Year is offset from 1980; seconds carry 2-second resolution.
// No daylight-savings adjustment applies.
func decodePackedDateTime(fdate, ftime uint16) (time.Time, bool) {
	year := int(fdate>>9) + 1980
	month := int(fdate >> 5 & 0x0F)
	day := int(fdate & 0x1F)
	hour := int(ftime >> 11)
	minute := int(ftime >> 5 & 0x3F)
	second := int(ftime&0x1F) * 2

	if month < 1 || month > 12 || day < 1 || hour > 23 || minute > 59 || second > 59 {
		return time.Time{}, false
	}

	t := time.Date(year, time.Month(month), day, hour, minute, second, 0, time.UTC)
	// time.Date normalizes out-of-range days (e.g. Feb 30); reject those.
	if t.Day() != day || t.Month() != time.Month(month) || t.Year() != year {
		return time.Time{}, false
	}
	return t, true
}

// SortEntries orders a listing in place: folders before files, then
// case-insensitive by name within each group.
func SortEntries(entries []DirectoryEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.IsFolder() != b.IsFolder() {
			return a.IsFolder()
		}
		return strings.ToLower(a.Name) < strings.ToLower(b.Name)
	})
}

// Directory holds the navigable path state and the last received listing.
// It is owned by the session goroutine; readers get copies via State.
type Directory struct {
	path    []string
	entries []DirectoryEntry
}

// AbsolutePath renders the current path with a leading slash, segments
// joined by '/'. Root renders as "/".
func (d *Directory) AbsolutePath() string {
	return "/" + strings.Join(d.path, "/")
}

// AtRoot reports whether the current path is the root.
func (d *Directory) AtRoot() bool {
	return len(d.path) == 0
}

func (d *Directory) descend(name string) {
	d.path = append(d.path, name)
	d.entries = nil
}

func (d *Directory) ascend() {
	if len(d.path) == 0 {
		return
	}
	d.path = d.path[:len(d.path)-1]
	d.entries = nil
}

func (d *Directory) clearEntries() {
	d.entries = nil
}

func (d *Directory) replaceEntries(entries []DirectoryEntry) {
	d.entries = entries
}

func (d *Directory) reset() {
	d.path = nil
	d.entries = nil
}

func (d *Directory) pathCopy() []string {
	out := make([]string, len(d.path))
	copy(out, d.path)
	return out
}

func (d *Directory) entriesCopy() []DirectoryEntry {
	out := make([]DirectoryEntry, len(d.entries))
	copy(out, d.entries)
	return out
}
