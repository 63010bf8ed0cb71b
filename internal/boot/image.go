package boot

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// imageHeaderBytes is the size of the AArch64 Image header as documented
	// in Documentation/arch/arm64/booting.rst.
	imageHeaderBytes = 64

	// The kernel must be placed text_offset bytes from a 2 MiB aligned base.
	imageLoadAlignment = 2 * 1024 * 1024

	arm64ImageMagic = 0x644d5241 // "ARM\x64"

	// maxGzipScanBytes bounds how far into the file we search for a gzip
	// payload when the image starts with a self-decompression stub.
	maxGzipScanBytes = 1 << 20
)

// ImageHeader is the 64-byte header at the start of every decompressed
// AArch64 Image.
type ImageHeader struct {
	Code0      uint32
	Code1      uint32
	TextOffset uint64
	ImageSize  uint64
	Flags      uint64
	Magic      uint32
}

// Image is a kernel Image ready for placement into guest RAM.
type Image struct {
	Header  ImageHeader
	Payload []byte
}

// LoadImage reads an AArch64 kernel Image, transparently unwrapping a gzip
// layer when present, and returns the payload as it should appear in RAM.
func LoadImage(reader io.ReaderAt, size int64) (*Image, error) {
	if reader == nil || size <= 0 {
		return nil, fmt.Errorf("kernel image requires a reader and a positive size (got %d)", size)
	}

	if header, err := readImageHeader(reader); err == nil {
		payload := make([]byte, int(size))
		if _, err := reader.ReadAt(payload, 0); err != nil {
			return nil, fmt.Errorf("read raw kernel image: %w", err)
		}
		return &Image{Header: header, Payload: payload}, nil
	}

	offset, err := findGzipMember(reader, size)
	if err != nil {
		return nil, fmt.Errorf("kernel image has no Image header and no gzip payload: %w", err)
	}

	gz, err := gzip.NewReader(io.NewSectionReader(reader, offset, size-offset))
	if err != nil {
		return nil, fmt.Errorf("open gzip kernel image: %w", err)
	}
	defer gz.Close()

	payload, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("decompress kernel image: %w", err)
	}

	header, err := parseImageHeader(payload)
	if err != nil {
		return nil, fmt.Errorf("decompressed kernel image: %w", err)
	}
	return &Image{Header: header, Payload: payload}, nil
}

// Entry returns the kernel entry address for a 2 MiB aligned load base.
func (img *Image) Entry(base uint64) (uint64, error) {
	if base&(imageLoadAlignment-1) != 0 {
		return 0, fmt.Errorf("kernel load base must be 2 MiB aligned (got %#x)", base)
	}
	return base + img.Header.TextOffset, nil
}

func readImageHeader(reader io.ReaderAt) (ImageHeader, error) {
	buf := make([]byte, imageHeaderBytes)
	if _, err := reader.ReadAt(buf, 0); err != nil {
		return ImageHeader{}, err
	}
	return parseImageHeader(buf)
}

func parseImageHeader(data []byte) (ImageHeader, error) {
	if len(data) < imageHeaderBytes {
		return ImageHeader{}, fmt.Errorf("kernel image header truncated: got %d bytes", len(data))
	}
	h := ImageHeader{
		Code0:      binary.LittleEndian.Uint32(data[0:4]),
		Code1:      binary.LittleEndian.Uint32(data[4:8]),
		TextOffset: binary.LittleEndian.Uint64(data[8:16]),
		ImageSize:  binary.LittleEndian.Uint64(data[16:24]),
		Flags:      binary.LittleEndian.Uint64(data[24:32]),
		Magic:      binary.LittleEndian.Uint32(data[56:60]),
	}
	if h.Magic != arm64ImageMagic {
		return ImageHeader{}, fmt.Errorf("invalid kernel image magic %#x", h.Magic)
	}
	return h, nil
}

func findGzipMember(reader io.ReaderAt, size int64) (int64, error) {
	scan := size
	if scan > maxGzipScanBytes {
		scan = maxGzipScanBytes
	}
	buf := make([]byte, scan)
	n, err := reader.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("read kernel prefix: %w", err)
	}
	idx := bytes.Index(buf[:n], []byte{0x1f, 0x8b})
	if idx == -1 {
		return 0, fmt.Errorf("gzip header not found within first %d bytes", scan)
	}
	return int64(idx), nil
}
