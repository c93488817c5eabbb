package snmp

import (
	"encoding/binary"
	"fmt"
)

// Universal and application BER tags used by SNMP v2c.
const (
	tagInteger          = 0x02
	tagOctetString      = 0x04
	tagNull             = 0x05
	tagObjectIdentifier = 0x06
	tagSequence         = 0x30

	tagIPAddress = 0x40
	tagCounter32 = 0x41
	tagGauge32   = 0x42
	tagTimeTicks = 0x43

	pduGetRequest     = 0xa0
	pduGetNextRequest = 0xa1
	pduGetResponse    = 0xa2
	pduGetBulkRequest = 0xa5

	// Implicit tags for exception values (context-specific, primitive).
	tagNoSuchObject   = 0x80
	tagNoSuchInstance = 0x81
	tagEndOfMibView   = 0x82
)

// berEncodeTLV encodes a tag-length-value triplet.
func berEncodeTLV(tag byte, value []byte) []byte {
	var buf []byte
	buf = append(buf, tag)
	buf = append(buf, berEncodeLength(len(value))...)
	buf = append(buf, value...)
	return buf
}

// berEncodeLength encodes a BER length field.
func berEncodeLength(length int) []byte {
	if length < 0x80 {
		return []byte{byte(length)}
	}
	var lenBytes []byte
	for l := length; l > 0; l >>= 8 {
		lenBytes = append([]byte{byte(l & 0xff)}, lenBytes...)
	}
	return append([]byte{byte(0x80 | len(lenBytes))}, lenBytes...)
}

// berEncodeIntegerTLV encodes an integer as a complete TLV.
func berEncodeIntegerTLV(val int) []byte {
	return berEncodeTLV(tagInteger, berEncodeIntegerValue(val))
}

// berEncodeIntegerValue encodes a signed integer value (without tag/length).
func berEncodeIntegerValue(val int) []byte {
	if val == 0 {
		return []byte{0}
	}
	var bytes []byte
	if val > 0 {
		for v := val; v > 0; v >>= 8 {
			bytes = append([]byte{byte(v & 0xff)}, bytes...)
		}
		if bytes[0]&0x80 != 0 {
			bytes = append([]byte{0}, bytes...)
		}
	} else {
		for v := val; v < -1; v >>= 8 {
			bytes = append([]byte{byte(v & 0xff)}, bytes...)
		}
		if len(bytes) == 0 || bytes[0]&0x80 == 0 {
			bytes = append([]byte{0xff}, bytes...)
		}
	}
	return bytes
}

// berEncodeUnsigned encodes an unsigned 32-bit value (without tag/length).
// Used for Counter32, Gauge32 and TimeTicks, which all share the INTEGER
// wire form and therefore need a leading zero when the high bit is set.
func berEncodeUnsigned(val uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, val)
	for len(buf) > 1 && buf[0] == 0 {
		buf = buf[1:]
	}
	if buf[0]&0x80 != 0 {
		buf = append([]byte{0}, buf...)
	}
	return buf
}

// berEncodeOID encodes an OID value (without tag/length).
func berEncodeOID(oid []int) []byte {
	if len(oid) < 2 {
		return nil
	}
	// First two components are combined: first*40 + second.
	var encoded []byte
	encoded = append(encoded, byte(oid[0]*40+oid[1]))
	for i := 2; i < len(oid); i++ {
		encoded = append(encoded, berEncodeSubID(oid[i])...)
	}
	return encoded
}

// berEncodeSubID encodes a single OID sub-identifier using base-128 encoding.
func berEncodeSubID(val int) []byte {
	if val < 0x80 {
		return []byte{byte(val)}
	}
	var bytes []byte
	for v := val; v > 0; v >>= 7 {
		bytes = append([]byte{byte(v & 0x7f)}, bytes...)
	}
	for i := 0; i < len(bytes)-1; i++ {
		bytes[i] |= 0x80
	}
	return bytes
}

// berDecodeHeader decodes a BER TLV header, returning the tag and value bytes.
func berDecodeHeader(data []byte) (byte, []byte, error) {
	if len(data) < 2 {
		return 0, nil, fmt.Errorf("ber: data too short")
	}
	tag := data[0]
	length, lenBytes, err := berDecodeLength(data[1:])
	if err != nil {
		return 0, nil, err
	}
	headerLen := 1 + lenBytes
	if headerLen+length > len(data) {
		return 0, nil, fmt.Errorf("ber: value truncated (need %d, have %d)", headerLen+length, len(data))
	}
	return tag, data[headerLen : headerLen+length], nil
}

// berDecodeLength decodes a BER length field.
// Returns the length value and the number of bytes consumed.
func berDecodeLength(data []byte) (int, int, error) {
	if len(data) == 0 {
		return 0, 0, fmt.Errorf("ber: empty length")
	}
	if data[0] < 0x80 {
		return int(data[0]), 1, nil
	}
	numBytes := int(data[0] & 0x7f)
	if numBytes == 0 || numBytes > 4 {
		return 0, 0, fmt.Errorf("ber: unsupported length encoding (%d bytes)", numBytes)
	}
	if len(data) < 1+numBytes {
		return 0, 0, fmt.Errorf("ber: length bytes truncated")
	}
	length := 0
	for i := 0; i < numBytes; i++ {
		length = (length << 8) | int(data[1+i])
	}
	return length, 1 + numBytes, nil
}

// berDecodeInteger decodes a BER INTEGER, returning the value and remaining bytes.
func berDecodeInteger(data []byte) (int, []byte, error) {
	if len(data) < 2 {
		return 0, nil, fmt.Errorf("ber: integer too short")
	}
	if data[0] != tagInteger {
		return 0, nil, fmt.Errorf("ber: expected INTEGER (0x02), got 0x%02x", data[0])
	}
	length, lenBytes, err := berDecodeLength(data[1:])
	if err != nil {
		return 0, nil, err
	}
	headerLen := 1 + lenBytes
	if headerLen+length > len(data) {
		return 0, nil, fmt.Errorf("ber: integer value truncated")
	}
	valBytes := data[headerLen : headerLen+length]
	val := 0
	// Sign-extend from first byte.
	if len(valBytes) > 0 && valBytes[0]&0x80 != 0 {
		val = -1
	}
	for _, b := range valBytes {
		val = (val << 8) | int(b)
	}
	return val, data[headerLen+length:], nil
}

// berDecodeOctetString decodes a BER OCTET STRING, returning the value and
// remaining bytes.
func berDecodeOctetString(data []byte) ([]byte, []byte, error) {
	if len(data) < 2 {
		return nil, nil, fmt.Errorf("ber: octet string too short")
	}
	if data[0] != tagOctetString {
		return nil, nil, fmt.Errorf("ber: expected OCTET STRING (0x04), got 0x%02x", data[0])
	}
	length, lenBytes, err := berDecodeLength(data[1:])
	if err != nil {
		return nil, nil, err
	}
	headerLen := 1 + lenBytes
	if headerLen+length > len(data) {
		return nil, nil, fmt.Errorf("ber: octet string truncated")
	}
	return data[headerLen : headerLen+length], data[headerLen+length:], nil
}

// berDecodeOID decodes the raw bytes of a BER-encoded OID value into integer
// components.
func berDecodeOID(data []byte) ([]int, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("ber: empty OID")
	}
	// First byte encodes first two components: first = byte/40, second = byte%40.
	oid := []int{int(data[0]) / 40, int(data[0]) % 40}
	i := 1
	for i < len(data) {
		val := 0
		for {
			if i >= len(data) {
				return nil, fmt.Errorf("ber: OID sub-identifier truncated")
			}
			val = (val << 7) | int(data[i]&0x7f)
			if data[i]&0x80 == 0 {
				i++
				break
			}
			i++
		}
		oid = append(oid, val)
	}
	return oid, nil
}

// berEncodedLen returns the total encoded length of a BER TLV at the start
// of data, or -1 if it cannot be determined.
func berEncodedLen(data []byte) int {
	if len(data) < 2 {
		return -1
	}
	length, lenBytes, err := berDecodeLength(data[1:])
	if err != nil {
		return -1
	}
	return 1 + lenBytes + length
}

// oidEqual returns true if two OIDs are identical.
func oidEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// oidHasPrefix checks if oid starts with prefix.
func oidHasPrefix(oid, prefix []int) bool {
	if len(oid) < len(prefix) {
		return false
	}
	for i := range prefix {
		if oid[i] != prefix[i] {
			return false
		}
	}
	return true
}

// oidCompare compares two OIDs lexicographically.
// Returns -1 if a < b, 0 if a == b, 1 if a > b.
func oidCompare(a, b []int) int {
	minLen := len(a)
	if len(b) < minLen {
		minLen = len(b)
	}
	for i := 0; i < minLen; i++ {
		if a[i] < b[i] {
			return -1
		}
		if a[i] > b[i] {
			return 1
		}
	}
	if len(a) < len(b) {
		return -1
	}
	if len(a) > len(b) {
		return 1
	}
	return 0
}
