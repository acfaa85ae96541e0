// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"reflect"
	"time"

	"github.com/btcsuite/btcd-p2pcore/chainhash"
)

var (
	littleEndian = binary.LittleEndian
	bigEndian    = binary.BigEndian
)

// MaxVarIntPayload is the maximum payload size for a variable length integer.
const MaxVarIntPayload = 9

// MaxBlockLocatorsPerMsg is the maximum number of block locator hashes
// allowed per message.
const MaxBlockLocatorsPerMsg = 500

// errNonCanonicalVarInt is the common format string used for non-canonically
// encoded variable length integer errors.
var errNonCanonicalVarInt = "non-canonical varint %x - discriminant %x must " +
	"encode a value greater than %x"

// binarySerializer provides a free list of buffers to use for serializing and
// deserializing primitive integer values to and from io.Reader and io.Writer.
type binaryFreeList chan []byte

// borrow returns a byte slice of the appropriate size for the passed
// number of bytes.
func (l binaryFreeList) borrow(size uint8) []byte {
	var buf []byte
	select {
	case buf = <-l:
	default:
		buf = make([]byte, 8)
	}
	return buf[:size]
}

// Borrow returns a full 8-byte scratch buffer from the free list for
// callers that need to work with a variable-length prefix of it directly
// (e.g. a single filter-type byte followed by a var-length payload).
func (l binaryFreeList) Borrow() []byte {
	return l.borrow(8)
}

// Return puts the provided byte slice back on the free list.
func (l binaryFreeList) Return(buf []byte) {
	select {
	case l <- buf:
	default:
		// Let it be garbage collected.
	}
}

// Uint8 reads a single byte from the provided reader using a buffer from the
// free list and returns it as a uint8.
func (l binaryFreeList) Uint8(r io.Reader) (uint8, error) {
	buf := l.borrow(1)
	defer l.Return(buf)

	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, err
	}
	rv := buf[0]
	return rv, nil
}

// Uint16 reads two bytes from the provided reader using a buffer from the
// free list, converts it to a number using the provided byte order, and
// returns the resulting uint16.
func (l binaryFreeList) Uint16(r io.Reader, byteOrder binary.ByteOrder) (uint16, error) {
	buf := l.borrow(2)
	defer l.Return(buf)

	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, err
	}
	rv := byteOrder.Uint16(buf)
	return rv, nil
}

// Uint32 reads four bytes from the provided reader using a buffer from the
// free list, converts it to a number using the provided byte order, and
// returns the resulting uint32.
func (l binaryFreeList) Uint32(r io.Reader, byteOrder binary.ByteOrder) (uint32, error) {
	buf := l.borrow(4)
	defer l.Return(buf)

	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, err
	}
	rv := byteOrder.Uint32(buf)
	return rv, nil
}

// Uint64 reads eight bytes from the provided reader using a buffer from the
// free list, converts it to a number using the provided byte order, and
// returns the resulting uint64.
func (l binaryFreeList) Uint64(r io.Reader, byteOrder binary.ByteOrder) (uint64, error) {
	buf := l.borrow(8)
	defer l.Return(buf)

	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, err
	}
	rv := byteOrder.Uint64(buf)
	return rv, nil
}

// PutUint8 copies the provided uint8 into a buffer from the free list and
// writes the resulting byte to the given writer.
func (l binaryFreeList) PutUint8(w io.Writer, val uint8) error {
	buf := l.borrow(1)
	defer l.Return(buf)
	buf[0] = val
	_, err := w.Write(buf)
	return err
}

// PutUint16 serializes the provided uint16 using the given byte order into a
// buffer from the free list and writes the resulting bytes to the given
// writer.
func (l binaryFreeList) PutUint16(w io.Writer, byteOrder binary.ByteOrder, val uint16) error {
	buf := l.borrow(2)
	defer l.Return(buf)
	byteOrder.PutUint16(buf, val)
	_, err := w.Write(buf)
	return err
}

// PutUint32 serializes the provided uint32 using the given byte order into a
// buffer from the free list and writes the resulting bytes to the given
// writer.
func (l binaryFreeList) PutUint32(w io.Writer, byteOrder binary.ByteOrder, val uint32) error {
	buf := l.borrow(4)
	defer l.Return(buf)
	byteOrder.PutUint32(buf, val)
	_, err := w.Write(buf)
	return err
}

// PutUint64 serializes the provided uint64 using the given byte order into a
// buffer from the free list and writes the resulting bytes to the given
// writer.
func (l binaryFreeList) PutUint64(w io.Writer, byteOrder binary.ByteOrder, val uint64) error {
	buf := l.borrow(8)
	defer l.Return(buf)
	byteOrder.PutUint64(buf, val)
	_, err := w.Write(buf)
	return err
}

// binarySerializer is the free list used by this package to reduce garbage
// collection pressure when reading and writing the fixed-width primitives
// that make up most of the wire protocol.
var binarySerializer binaryFreeList = make(chan []byte, 32)

// uint32Time represents a unix timestamp encoded with a uint32 on the wire.
type uint32Time time.Time

// int64Time represents a unix timestamp encoded with an int64 on the wire,
// used by messages that support negative and higher-resolution timestamps.
type int64Time time.Time

// readElement reads the next sequence of bytes from r using little endian
// depending on the concrete type of element.
func readElement(r io.Reader, element interface{}) error {
	switch e := element.(type) {
	case *int32:
		rv, err := binarySerializer.Uint32(r, littleEndian)
		if err != nil {
			return err
		}
		*e = int32(rv)
		return nil

	case *uint32:
		rv, err := binarySerializer.Uint32(r, littleEndian)
		if err != nil {
			return err
		}
		*e = rv
		return nil

	case *int64:
		rv, err := binarySerializer.Uint64(r, littleEndian)
		if err != nil {
			return err
		}
		*e = int64(rv)
		return nil

	case *uint64:
		rv, err := binarySerializer.Uint64(r, littleEndian)
		if err != nil {
			return err
		}
		*e = rv
		return nil

	case *bool:
		rv, err := binarySerializer.Uint8(r)
		if err != nil {
			return err
		}
		*e = rv != 0
		return nil

	case *uint32Time:
		rv, err := binarySerializer.Uint32(r, binary.LittleEndian)
		if err != nil {
			return err
		}
		*e = uint32Time(time.Unix(int64(rv), 0))
		return nil

	case *int64Time:
		rv, err := binarySerializer.Uint64(r, binary.LittleEndian)
		if err != nil {
			return err
		}
		*e = int64Time(time.Unix(int64(rv), 0))
		return nil

	case *chainhash.Hash:
		_, err := io.ReadFull(r, e[:])
		if err != nil {
			return err
		}
		return nil

	case *BitcoinNet:
		rv, err := binarySerializer.Uint32(r, bigEndian)
		if err != nil {
			return err
		}
		*e = BitcoinNet(rv)
		return nil

	case *ServiceFlag:
		rv, err := binarySerializer.Uint64(r, littleEndian)
		if err != nil {
			return err
		}
		*e = ServiceFlag(rv)
		return nil

	case *InvType:
		rv, err := binarySerializer.Uint32(r, littleEndian)
		if err != nil {
			return err
		}
		*e = InvType(rv)
		return nil
	}

	// Fall back to the slow path using reflection for element types not
	// covered above.
	return readElementReflect(r, element)
}

// readElementReflect uses reflection to decode fixed-size arrays and named
// types whose underlying kind matches a supported fixed-width encoding.
func readElementReflect(r io.Reader, element interface{}) error {
	switch e := element.(type) {
	case *[4]byte:
		_, err := io.ReadFull(r, e[:])
		return err

	case *[16]byte:
		_, err := io.ReadFull(r, e[:])
		return err

	case *[CommandSize]byte:
		_, err := io.ReadFull(r, e[:])
		return err
	}

	v := reflect.ValueOf(element)
	if v.Kind() != reflect.Ptr {
		return messageError("readElement", "unsupported element")
	}
	elem := v.Elem()
	switch elem.Kind() {
	case reflect.Int32:
		rv, err := binarySerializer.Uint32(r, littleEndian)
		if err != nil {
			return err
		}
		elem.SetInt(int64(int32(rv)))
		return nil
	}
	return messageError("readElement", "unsupported element type")
}

// readElements reads multiple items from r.  It is equivalent to calling
// readElement for each item in the slice.
func readElements(r io.Reader, elements ...interface{}) error {
	for _, element := range elements {
		if err := readElement(r, element); err != nil {
			return err
		}
	}
	return nil
}

// writeElement writes the little endian representation of element to w.
func writeElement(w io.Writer, element interface{}) error {
	switch e := element.(type) {
	case int32:
		return binarySerializer.PutUint32(w, littleEndian, uint32(e))

	case uint32:
		return binarySerializer.PutUint32(w, littleEndian, e)

	case int64:
		return binarySerializer.PutUint64(w, littleEndian, uint64(e))

	case uint64:
		return binarySerializer.PutUint64(w, littleEndian, e)

	case bool:
		var v uint8
		if e {
			v = 1
		}
		return binarySerializer.PutUint8(w, v)

	case [4]byte:
		_, err := w.Write(e[:])
		return err

	case [CommandSize]byte:
		_, err := w.Write(e[:])
		return err

	case [16]byte:
		_, err := w.Write(e[:])
		return err

	case *chainhash.Hash:
		_, err := w.Write(e[:])
		return err

	case ServiceFlag:
		return binarySerializer.PutUint64(w, littleEndian, uint64(e))

	case InvType:
		return binarySerializer.PutUint32(w, littleEndian, uint32(e))

	case BitcoinNet:
		return binarySerializer.PutUint32(w, bigEndian, uint32(e))
	}

	return writeElementReflect(w, element)
}

// writeElementReflect handles element types not covered by writeElement's
// fast path using reflection, mirroring readElementReflect.
func writeElementReflect(w io.Writer, element interface{}) error {
	v := reflect.ValueOf(element)
	switch v.Kind() {
	case reflect.Int32:
		return binarySerializer.PutUint32(w, littleEndian, uint32(v.Int()))
	}
	return messageError("writeElement", "unsupported element type")
}

// writeElements writes multiple items to w.  It is equivalent to calling
// writeElement for each item in the slice.
func writeElements(w io.Writer, elements ...interface{}) error {
	for _, element := range elements {
		if err := writeElement(w, element); err != nil {
			return err
		}
	}
	return nil
}

// ReadVarInt reads a variable length integer from r and returns it as a
// uint64.
func ReadVarInt(r io.Reader, pver uint32) (uint64, error) {
	discriminant, err := binarySerializer.Uint8(r)
	if err != nil {
		return 0, err
	}

	var rv uint64
	switch discriminant {
	case 0xff:
		sv, err := binarySerializer.Uint64(r, littleEndian)
		if err != nil {
			return 0, err
		}
		rv = sv

		// The encoding is not canonical if the value could have been
		// encoded using fewer bytes.
		min := uint64(0x100000000)
		if rv < min {
			return 0, messageError("ReadVarInt", fmt.Sprintf(
				errNonCanonicalVarInt, rv, discriminant, min))
		}

	case 0xfe:
		sv, err := binarySerializer.Uint32(r, littleEndian)
		if err != nil {
			return 0, err
		}
		rv = uint64(sv)

		min := uint64(0x10000)
		if rv < min {
			return 0, messageError("ReadVarInt", fmt.Sprintf(
				errNonCanonicalVarInt, rv, discriminant, min))
		}

	case 0xfd:
		sv, err := binarySerializer.Uint16(r, littleEndian)
		if err != nil {
			return 0, err
		}
		rv = uint64(sv)

		min := uint64(0xfd)
		if rv < min {
			return 0, messageError("ReadVarInt", fmt.Sprintf(
				errNonCanonicalVarInt, rv, discriminant, min))
		}

	default:
		rv = uint64(discriminant)
	}

	return rv, nil
}

// WriteVarInt serializes val to w using a variable number of bytes depending
// on its value.
func WriteVarInt(w io.Writer, pver uint32, val uint64) error {
	if val < 0xfd {
		return binarySerializer.PutUint8(w, uint8(val))
	}

	if val <= math.MaxUint16 {
		err := binarySerializer.PutUint8(w, 0xfd)
		if err != nil {
			return err
		}
		return binarySerializer.PutUint16(w, littleEndian, uint16(val))
	}

	if val <= math.MaxUint32 {
		err := binarySerializer.PutUint8(w, 0xfe)
		if err != nil {
			return err
		}
		return binarySerializer.PutUint32(w, littleEndian, uint32(val))
	}

	err := binarySerializer.PutUint8(w, 0xff)
	if err != nil {
		return err
	}
	return binarySerializer.PutUint64(w, littleEndian, val)
}

// ReadVarIntBuf behaves identically to ReadVarInt but allows the caller to
// supply a small scratch buffer (as returned by binaryFreeList.Borrow) for
// the read, avoiding an extra free-list round trip in hot decode paths such
// as cfilter/cfheaders messages.
func ReadVarIntBuf(r io.Reader, pver uint32, buf []byte) (uint64, error) {
	if _, err := io.ReadFull(r, buf[:1]); err != nil {
		return 0, err
	}
	discriminant := buf[0]

	var rv uint64
	switch discriminant {
	case 0xff:
		if _, err := io.ReadFull(r, buf[:8]); err != nil {
			return 0, err
		}
		rv = littleEndian.Uint64(buf[:8])

		// The encoding is not canonical if the value could have been
		// encoded using fewer bytes.
		min := uint64(0x100000000)
		if rv < min {
			return 0, messageError("ReadVarIntBuf", fmt.Sprintf(
				errNonCanonicalVarInt, rv, discriminant, min))
		}

	case 0xfe:
		if _, err := io.ReadFull(r, buf[:4]); err != nil {
			return 0, err
		}
		rv = uint64(littleEndian.Uint32(buf[:4]))

		min := uint64(0x10000)
		if rv < min {
			return 0, messageError("ReadVarIntBuf", fmt.Sprintf(
				errNonCanonicalVarInt, rv, discriminant, min))
		}

	case 0xfd:
		if _, err := io.ReadFull(r, buf[:2]); err != nil {
			return 0, err
		}
		rv = uint64(littleEndian.Uint16(buf[:2]))

		min := uint64(0xfd)
		if rv < min {
			return 0, messageError("ReadVarIntBuf", fmt.Sprintf(
				errNonCanonicalVarInt, rv, discriminant, min))
		}

	default:
		rv = uint64(discriminant)
	}

	return rv, nil
}

// WriteVarIntBuf behaves identically to WriteVarInt but allows the caller to
// supply a small scratch buffer for the write, avoiding an extra free-list
// round trip in hot encode paths such as cfilter/cfheaders messages.
func WriteVarIntBuf(w io.Writer, pver uint32, val uint64, buf []byte) error {
	switch {
	case val < 0xfd:
		buf[0] = uint8(val)
		_, err := w.Write(buf[:1])
		return err

	case val <= math.MaxUint16:
		buf[0] = 0xfd
		if _, err := w.Write(buf[:1]); err != nil {
			return err
		}
		littleEndian.PutUint16(buf[:2], uint16(val))
		_, err := w.Write(buf[:2])
		return err

	case val <= math.MaxUint32:
		buf[0] = 0xfe
		if _, err := w.Write(buf[:1]); err != nil {
			return err
		}
		littleEndian.PutUint32(buf[:4], uint32(val))
		_, err := w.Write(buf[:4])
		return err

	default:
		buf[0] = 0xff
		if _, err := w.Write(buf[:1]); err != nil {
			return err
		}
		littleEndian.PutUint64(buf[:8], val)
		_, err := w.Write(buf[:8])
		return err
	}
}

// VarIntSerializeSize returns the number of bytes it would take to serialize
// val as a variable length integer.
func VarIntSerializeSize(val uint64) int {
	if val < 0xfd {
		return 1
	}

	if val <= math.MaxUint16 {
		return 3
	}

	if val <= math.MaxUint32 {
		return 5
	}

	return 9
}

// ReadVarString reads a variable length string from r and returns it as a
// Go string.  A variable length string is encoded as a variable length
// integer containing the length of the string followed by the bytes that
// make up the string.
func ReadVarString(r io.Reader, pver uint32) (string, error) {
	count, err := ReadVarInt(r, pver)
	if err != nil {
		return "", err
	}

	// Prevent variable length strings that are larger than the max
	// message size.  It would be possible to cause memory exhaustion and
	// panics without a sane upper bound on this count.
	if count > MaxMessagePayload {
		str := fmt.Sprintf("variable length string is too long "+
			"[count %d, max %d]", count, MaxMessagePayload)
		return "", messageError("ReadVarString", str)
	}

	buf := make([]byte, count)
	_, err = io.ReadFull(r, buf)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// WriteVarString serializes str to w as a variable length integer
// containing the length of the string followed by the bytes that make up
// the string.
func WriteVarString(w io.Writer, pver uint32, str string) error {
	err := WriteVarInt(w, pver, uint64(len(str)))
	if err != nil {
		return err
	}
	_, err = w.Write([]byte(str))
	return err
}

// ReadVarBytes reads a variable length byte array.  A byte array is
// encoded as a varInt containing the length of the array followed by the
// bytes themselves.  An error is returned if the length is greater than the
// passed maxAllowed parameter which helps protect against memory
// exhaustion attacks and forced panics through malformed messages.  The
// fieldName parameter is only used for the error message so it provides
// more context in the error.
func ReadVarBytes(r io.Reader, pver uint32, maxAllowed uint32,
	fieldName string) ([]byte, error) {

	count, err := ReadVarInt(r, pver)
	if err != nil {
		return nil, err
	}

	if count > uint64(maxAllowed) {
		str := fmt.Sprintf("%s is larger than the max allowed size "+
			"[count %d, max %d]", fieldName, count, maxAllowed)
		return nil, messageError("ReadVarBytes", str)
	}

	b := make([]byte, count)
	_, err = io.ReadFull(r, b)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// WriteVarBytes serializes a variable length byte array to w as a varInt
// containing the number of bytes, followed by the bytes themselves.
func WriteVarBytes(w io.Writer, pver uint32, bytes []byte) error {
	slen := uint64(len(bytes))
	err := WriteVarInt(w, pver, slen)
	if err != nil {
		return err
	}
	_, err = w.Write(bytes)
	return err
}

// ReadVarBytesBuf behaves identically to ReadVarBytes but allows the caller
// to supply a small scratch buffer (as returned by binaryFreeList.Borrow)
// for the varint discriminant read, avoiding an extra free-list round trip
// in hot decode paths such as cfilter/cfheaders messages.
func ReadVarBytesBuf(r io.Reader, pver uint32, buf []byte, maxAllowed uint32,
	fieldName string) ([]byte, error) {

	if _, err := io.ReadFull(r, buf[:1]); err != nil {
		return nil, err
	}

	var count uint64
	switch buf[0] {
	case 0xff:
		if _, err := io.ReadFull(r, buf[:8]); err != nil {
			return nil, err
		}
		count = littleEndian.Uint64(buf[:8])
	case 0xfe:
		if _, err := io.ReadFull(r, buf[:4]); err != nil {
			return nil, err
		}
		count = uint64(littleEndian.Uint32(buf[:4]))
	case 0xfd:
		if _, err := io.ReadFull(r, buf[:2]); err != nil {
			return nil, err
		}
		count = uint64(littleEndian.Uint16(buf[:2]))
	default:
		count = uint64(buf[0])
	}

	if count > uint64(maxAllowed) {
		str := fmt.Sprintf("%s is larger than the max allowed size "+
			"[count %d, max %d]", fieldName, count, maxAllowed)
		return nil, messageError("ReadVarBytesBuf", str)
	}

	b := make([]byte, count)
	_, err := io.ReadFull(r, b)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// WriteVarBytesBuf behaves identically to WriteVarBytes but allows the
// caller to supply a small scratch buffer for the varint discriminant
// write.
func WriteVarBytesBuf(w io.Writer, pver uint32, bytes []byte, buf []byte) error {
	slen := uint64(len(bytes))

	switch {
	case slen < 0xfd:
		buf[0] = byte(slen)
		if _, err := w.Write(buf[:1]); err != nil {
			return err
		}
	case slen <= math.MaxUint16:
		buf[0] = 0xfd
		if _, err := w.Write(buf[:1]); err != nil {
			return err
		}
		littleEndian.PutUint16(buf[:2], uint16(slen))
		if _, err := w.Write(buf[:2]); err != nil {
			return err
		}
	case slen <= math.MaxUint32:
		buf[0] = 0xfe
		if _, err := w.Write(buf[:1]); err != nil {
			return err
		}
		littleEndian.PutUint32(buf[:4], uint32(slen))
		if _, err := w.Write(buf[:4]); err != nil {
			return err
		}
	default:
		buf[0] = 0xff
		if _, err := w.Write(buf[:1]); err != nil {
			return err
		}
		littleEndian.PutUint64(buf[:8], slen)
		if _, err := w.Write(buf[:8]); err != nil {
			return err
		}
	}

	_, err := w.Write(bytes)
	return err
}

// randomUint64 returns a cryptographically random uint64 value.  This
// unexported version takes a reader primarily to make the test code easier.
func randomUint64(r io.Reader) (uint64, error) {
	rv, err := binarySerializer.Uint64(r, bigEndian)
	if err != nil {
		return 0, err
	}
	return rv, nil
}

// RandomUint64 returns a cryptographically random uint64 value.
func RandomUint64() (uint64, error) {
	return randomUint64(rand.Reader)
}
