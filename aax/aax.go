// Package aax checks activation bytes against the DRM header of an AAX audiobook.
package aax

import (
	"bytes"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/Eyevinn/mp4ff/mp4"
)

const (
	// SampleEntryType is the sample entry of encrypted AAX audio.
	SampleEntryType = "aavd"
	// DRMBoxType is the box inside the sample entry that holds the DRM header.
	DRMBoxType = "adrm"

	boxHeaderSize   = 8
	largeHeaderSize = 16
	maxMoovSize     = 64 << 20
	// reserved, data reference index, reserved, channels, sample size, pre-defined, reserved, sample rate
	audioSampleEntrySize = 28

	blobOffset     = boxHeaderSize + 8
	blobSize       = 56
	checksumOffset = blobOffset + blobSize + 4
	checksumSize   = sha1.Size
	drmBoxSize     = checksumOffset + checksumSize
)

// fixedKey is shared by all AAX files.
var fixedKey = []byte{0x77, 0x21, 0x4d, 0x4b, 0x19, 0x6a, 0x87, 0xcd, 0x52, 0x00, 0x45, 0xfd, 0x20, 0xa5, 0x1d, 0x67}

var (
	ErrNoMoov           = errors.New("no moov box found")
	ErrNoDRM            = errors.New("no adrm box found")
	ErrChecksumMismatch = errors.New("activation bytes do not match file checksum")
)

// DRM is the DRM header of an AAX file.
type DRM struct {
	// Blob is the encrypted file key material.
	Blob []byte
	// Checksum is the SHA-1 that identifies the activation bytes able to decrypt the file.
	Checksum []byte
}

// ReadDRM returns the DRM header of the first encrypted audio track in r.
// Only the moov box is loaded; media data is skipped.
func ReadDRM(r io.ReadSeeker) (*DRM, error) {
	raw, pos, err := readMoov(r)
	if err != nil {
		return nil, err
	}

	box, err := mp4.DecodeBox(pos, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode moov: %w", err)
	}
	moov, ok := box.(*mp4.MoovBox)
	if !ok {
		return nil, fmt.Errorf("unexpected box type %s", box.Type())
	}

	for _, trak := range moov.Traks {
		stsd := sampleDescription(trak)
		if stsd == nil {
			continue
		}

		for _, entry := range stsd.Children {
			if entry == nil || entry.Type() != SampleEntryType {
				continue
			}

			drm, err := fromSampleEntry(entry)
			if errors.Is(err, ErrNoDRM) {
				continue
			}
			return drm, err
		}
	}

	return nil, ErrNoDRM
}

// readMoov scans the top-level boxes of r and returns the raw moov box and its offset.
func readMoov(r io.ReadSeeker) ([]byte, uint64, error) {
	var (
		hdr [largeHeaderSize]byte
		pos uint64
	)

	for {
		if _, err := io.ReadFull(r, hdr[:boxHeaderSize]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, 0, ErrNoMoov
			}
			return nil, 0, fmt.Errorf("read box header at %d: %w", pos, err)
		}

		size := uint64(binary.BigEndian.Uint32(hdr[:4]))
		typ := string(hdr[4:boxHeaderSize])
		hdrLen := uint64(boxHeaderSize)

		switch size {
		case 0:
			// box extends to the end of the file
			if typ != "moov" {
				return nil, 0, ErrNoMoov
			}
			rest, err := io.ReadAll(io.LimitReader(r, maxMoovSize))
			if err != nil {
				return nil, 0, fmt.Errorf("read moov: %w", err)
			}
			raw := make([]byte, 0, boxHeaderSize+len(rest))
			raw = binary.BigEndian.AppendUint32(raw, uint32(boxHeaderSize+len(rest)))
			raw = append(raw, typ...)
			return append(raw, rest...), pos, nil
		case 1:
			if _, err := io.ReadFull(r, hdr[boxHeaderSize:]); err != nil {
				return nil, 0, fmt.Errorf("read box header at %d: %w", pos, err)
			}
			size = binary.BigEndian.Uint64(hdr[boxHeaderSize:])
			hdrLen = largeHeaderSize
		}

		if size < hdrLen {
			return nil, 0, fmt.Errorf("invalid %s box size %d at %d", typ, size, pos)
		}

		if typ == "moov" {
			if size > maxMoovSize {
				return nil, 0, fmt.Errorf("moov box too large: %d bytes", size)
			}
			raw := make([]byte, size)
			copy(raw, hdr[:hdrLen])
			if _, err := io.ReadFull(r, raw[hdrLen:]); err != nil {
				return nil, 0, fmt.Errorf("read moov: %w", err)
			}
			return raw, pos, nil
		}

		if size-hdrLen > math.MaxInt64 {
			return nil, 0, fmt.Errorf("invalid %s box size %d at %d", typ, size, pos)
		}
		if _, err := r.Seek(int64(size-hdrLen), io.SeekCurrent); err != nil {
			return nil, 0, fmt.Errorf("skip %s box: %w", typ, err)
		}
		pos += size
	}
}

func sampleDescription(trak *mp4.TrakBox) *mp4.StsdBox {
	if trak == nil || trak.Mdia == nil || trak.Mdia.Minf == nil || trak.Mdia.Minf.Stbl == nil {
		return nil
	}
	return trak.Mdia.Minf.Stbl.Stsd
}

// fromSampleEntry walks the child boxes of an aavd sample entry.
func fromSampleEntry(entry mp4.Box) (*DRM, error) {
	buf := bytes.NewBuffer(nil)
	if err := entry.Encode(buf); err != nil {
		return nil, fmt.Errorf("encode %s: %w", entry.Type(), err)
	}

	raw := buf.Bytes()
	if len(raw) < boxHeaderSize+audioSampleEntrySize {
		return nil, fmt.Errorf("short %s box: %d bytes", entry.Type(), len(raw))
	}

	pos := uint64(boxHeaderSize + audioSampleEntrySize)
	r := bytes.NewReader(raw[pos:])
	for r.Len() > 0 {
		box, err := mp4.DecodeBox(pos, r)
		if err != nil {
			return nil, fmt.Errorf("decode box: %w", err)
		}
		if box.Type() == DRMBoxType {
			return parseDRMBox(box)
		}
		pos += box.Size()
	}

	return nil, ErrNoDRM
}

func parseDRMBox(box mp4.Box) (*DRM, error) {
	buf := bytes.NewBuffer(nil)
	if err := box.Encode(buf); err != nil {
		return nil, fmt.Errorf("encode %s: %w", box.Type(), err)
	}

	raw := buf.Bytes()
	if len(raw) < drmBoxSize {
		return nil, fmt.Errorf("short %s box: %d bytes", DRMBoxType, len(raw))
	}

	return &DRM{
		Blob:     bytes.Clone(raw[blobOffset : blobOffset+blobSize]),
		Checksum: bytes.Clone(raw[checksumOffset : checksumOffset+checksumSize]),
	}, nil
}

// ParseActivationBytes decodes activation bytes given as 8 hex characters.
func ParseActivationBytes(s string) ([4]byte, error) {
	var ab [4]byte

	b, err := hex.DecodeString(s)
	if err != nil {
		return ab, fmt.Errorf("decode activation bytes: %w", err)
	}
	if len(b) != len(ab) {
		return ab, fmt.Errorf("activation bytes must be %d bytes, got %d", len(ab), len(b))
	}

	copy(ab[:], b)
	return ab, nil
}

// Checksum computes the file checksum that belongs to the activation bytes ab.
func Checksum(ab [4]byte) []byte {
	key, iv := intermediate(ab)

	h := sha1.New()
	h.Write(key[:16])
	h.Write(iv[:16])
	return h.Sum(nil)
}

// intermediate derives the key and IV that protect the DRM blob.
func intermediate(ab [4]byte) (key, iv []byte) {
	h := sha1.New()
	h.Write(fixedKey)
	h.Write(ab[:])
	key = h.Sum(nil)

	h.Reset()
	h.Write(fixedKey)
	h.Write(key)
	h.Write(ab[:])
	iv = h.Sum(nil)

	return key, iv
}

// Verify reports whether the activation bytes, given as 8 hex characters, unlock the file.
func (d *DRM) Verify(activationBytes string) error {
	ab, err := ParseActivationBytes(activationBytes)
	if err != nil {
		return err
	}

	if subtle.ConstantTimeCompare(Checksum(ab), d.Checksum) != 1 {
		return ErrChecksumMismatch
	}

	return nil
}
