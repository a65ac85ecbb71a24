// Package image loads and saves the engine's binary program format:
// a compact, length-prefixed encoding of a vm.Image, analogous to the
// way the teacher's compiler emits a flat instruction stream except
// that every pool here is explicit and versioned so images can be
// produced by something other than internal/asm.
package image

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/kstephano-labs/c0vm/vm"
)

var magic = [4]byte{'C', '0', 'B', '0'}

const formatVersion = 1

// Save writes img to w in the bc0 binary format documented in
// SPEC_FULL.md: a 4-byte magic, a version byte, then the int pool,
// string pool, function pool and native pool, each length-prefixed.
func Save(w io.Writer, img *vm.Image) error {
	bw := &byteWriter{w: w}

	bw.write(magic[:])
	bw.write([]byte{formatVersion})

	bw.writeUint32(uint32(len(img.IntPool)))
	for _, v := range img.IntPool {
		bw.writeUint32(uint32(v))
	}

	bw.writeUint32(uint32(len(img.StringPool)))
	bw.write(img.StringPool)

	bw.writeUint32(uint32(len(img.Functions)))
	for _, fn := range img.Functions {
		bw.write([]byte{fn.NumArgs, fn.NumVars})
		bw.writeUint32(uint32(len(fn.Code)))
		bw.write(fn.Code)
	}

	bw.writeUint32(uint32(len(img.Natives)))
	for _, n := range img.Natives {
		bw.writeUint16(n.NumArgs)
		bw.writeUint16(n.FunctionTableIndex)
	}

	return bw.err
}

// SaveFile is a convenience wrapper around Save that (over)writes path.
func SaveFile(path string, img *vm.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "image: create")
	}
	defer f.Close()
	return Save(f, img)
}

// Load reads a bc0 image previously produced by Save.
func Load(r io.Reader) (*vm.Image, error) {
	br := &byteReader{r: r}

	var got [4]byte
	br.read(got[:])
	if br.err == nil && got != magic {
		return nil, errors.Errorf("image: bad magic %q", got)
	}

	var version [1]byte
	br.read(version[:])
	if br.err == nil && version[0] != formatVersion {
		return nil, errors.Errorf("image: unsupported version %d", version[0])
	}

	img := &vm.Image{}

	intCount := br.readUint32()
	img.IntPool = make([]int32, intCount)
	for i := range img.IntPool {
		img.IntPool[i] = int32(br.readUint32())
	}

	strLen := br.readUint32()
	img.StringPool = make([]byte, strLen)
	br.read(img.StringPool)

	fnCount := br.readUint32()
	img.Functions = make([]vm.Function, fnCount)
	for i := range img.Functions {
		var hdr [2]byte
		br.read(hdr[:])
		codeLen := br.readUint32()
		code := make([]byte, codeLen)
		br.read(code)
		img.Functions[i] = vm.Function{NumArgs: hdr[0], NumVars: hdr[1], Code: code}
	}

	nativeCount := br.readUint32()
	img.Natives = make([]vm.NativeRef, nativeCount)
	for i := range img.Natives {
		img.Natives[i] = vm.NativeRef{NumArgs: br.readUint16(), FunctionTableIndex: br.readUint16()}
	}

	if br.err != nil && br.err != io.EOF {
		return nil, errors.Wrap(br.err, "image: truncated or corrupt")
	}
	return img, nil
}

// LoadFile is a convenience wrapper around Load.
func LoadFile(path string) (*vm.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "image: read")
	}
	return Load(bytes.NewReader(data))
}

// byteWriter/byteReader latch the first error encountered so call
// sites can chain writes/reads without checking every one.
type byteWriter struct {
	w   io.Writer
	err error
}

func (bw *byteWriter) write(p []byte) {
	if bw.err != nil {
		return
	}
	_, bw.err = bw.w.Write(p)
}

func (bw *byteWriter) writeUint32(v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	bw.write(buf[:])
}

func (bw *byteWriter) writeUint16(v uint16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	bw.write(buf[:])
}

type byteReader struct {
	r   io.Reader
	err error
}

func (br *byteReader) read(p []byte) {
	if br.err != nil {
		return
	}
	_, br.err = io.ReadFull(br.r, p)
}

func (br *byteReader) readUint32() uint32 {
	var buf [4]byte
	br.read(buf[:])
	return binary.LittleEndian.Uint32(buf[:])
}

func (br *byteReader) readUint16() uint16 {
	var buf [2]byte
	br.read(buf[:])
	return binary.LittleEndian.Uint16(buf[:])
}
