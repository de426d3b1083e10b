// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package km003c

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"strings"
	"time"
)

// AdcQueue streaming is only granted after STREAMING_AUTH. The host reads the
// hardware id with MEMORY_READ and echoes it back inside an encrypted
// STREAMING_AUTH payload. Both payloads are two AES-128-ECB blocks.

// Memory map
const (
	HardwareIDAddress   uint32 = 0x40010450
	DeviceInfoAddress   uint32 = 0x00000420
	FirmwareInfoAddress uint32 = 0x00004420
	CalibrationAddress  uint32 = 0x03000C00

	HardwareIDSize = 12
	InfoBlockSize  = 64
)

// Auth wire sizes
const (
	AuthPayloadSize = 32
	AuthPacketSize  = MainHeaderSize + AuthPayloadSize
)

// Header words carried in bytes 2-3 of the auth requests. They do not follow
// the data header layout.
const (
	memoryReadWord    uint16 = 0x0101
	streamingAuthWord uint16 = 0x0200

	// authGrantedBit is set in the response word when AdcQueue access is granted
	authGrantedBit uint16 = 0x0002
)

var (
	memoryReadKey       = []byte("Lh2yfB7n6X7d9a5Z")
	streamingAuthKeyEnc = []byte("Fa0b4tA25f4R038a")
	streamingAuthKeyDec = []byte("FX0b4tA25f4R038a")
)

// HardwareID is the 12-byte id stored at HardwareIDAddress: a 6-character
// serial prefix, a 2-byte separator, a little-endian device id and padding.
type HardwareID [HardwareIDSize]byte

// SerialPrefix returns the ASCII serial prefix, or false when the bytes are
// not alphanumeric
func (h HardwareID) SerialPrefix() (string, bool) {
	for _, c := range h[:6] {
		if !isAlnum(c) {
			return "", false
		}
	}
	return string(h[:6]), true
}

// DeviceID returns the little-endian id in bytes 8-9
func (h HardwareID) DeviceID() uint16 {
	return binary.LittleEndian.Uint16(h[8:10])
}

func (h HardwareID) String() string {
	return hex.EncodeToString(h[:])
}

func isAlnum(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// ParseHardwareID takes the id from a decrypted memory read
func ParseHardwareID(b []byte) (HardwareID, error) {
	var h HardwareID
	if len(b) < HardwareIDSize {
		return h, fmt.Errorf("hardware id is %d bytes, want %d: %w", len(b), HardwareIDSize, ErrTruncatedPayload)
	}
	copy(h[:], b)
	return h, nil
}

// DeviceInfo collects the strings held in the info memory blocks
type DeviceInfo struct {
	Model     string
	HWVersion string
	MfgDate   string
	FWVersion string
	FWDate    string
	SerialID  string
	UUID      string
}

// ParseDeviceInfo reads model, hardware version and manufacturing date from
// the block at DeviceInfoAddress. Short blocks are ignored.
func (d *DeviceInfo) ParseDeviceInfo(b []byte) {
	if len(b) < InfoBlockSize {
		return
	}
	d.Model = cString(b[0x10:0x1C])
	d.HWVersion = cString(b[0x1C:0x28])
	d.MfgDate = cString(b[0x28:0x40])
}

// ParseFirmwareInfo reads the firmware version and build date from the block
// at FirmwareInfoAddress. An erased block (magic 0xFFFFFFFF) is ignored.
func (d *DeviceInfo) ParseFirmwareInfo(b []byte) {
	if len(b) < InfoBlockSize || binary.LittleEndian.Uint32(b[0:4]) == 0xFFFFFFFF {
		return
	}
	d.FWVersion = cString(b[0x1C:0x28])
	d.FWDate = cString(b[0x28:0x34])
}

// ParseCalibration reads the serial and UUID from the block at
// CalibrationAddress
func (d *DeviceInfo) ParseCalibration(b []byte) {
	if len(b) < InfoBlockSize {
		return
	}
	d.SerialID = strings.TrimSpace(cString(b[0x00:0x07]))
	d.UUID = cString(b[0x07:0x27])
}

// cString cuts b at the first NUL
func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// BuildMemoryReadPayload encrypts a read request for size bytes at address.
// Plaintext: address u32, size u32, 0xFFFFFFFF, CRC-32 of the first 12 bytes,
// then 0xFF fill.
func BuildMemoryReadPayload(address, size uint32) []byte {
	plain := bytes.Repeat([]byte{0xFF}, AuthPayloadSize)
	le := binary.LittleEndian
	le.PutUint32(plain[0:4], address)
	le.PutUint32(plain[4:8], size)
	le.PutUint32(plain[12:16], crc32.ChecksumIEEE(plain[0:12]))
	return ecbEncrypt(memoryReadKey, plain)
}

// BuildMemoryReadPacket encodes a MEMORY_READ request
func BuildMemoryReadPacket(id uint8, address, size uint32) []byte {
	return authPacket(CmdMemoryRead, id, memoryReadWord, BuildMemoryReadPayload(address, size))
}

// DecryptMemoryRead decrypts the data transfer that follows a MEMORY_READ
// confirmation. The meter pads the data to whole AES blocks.
func DecryptMemoryRead(b []byte) ([]byte, error) {
	if len(b) == 0 || len(b)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("memory read data is %d bytes, want a multiple of %d: %w", len(b), aes.BlockSize, ErrLengthMismatch)
	}
	return ecbDecrypt(memoryReadKey, b), nil
}

// EncryptMemoryRead encrypts memory contents the way the meter sends them,
// padding with 0xFF to whole AES blocks
func EncryptMemoryRead(data []byte) []byte {
	n := (len(data) + aes.BlockSize - 1) / aes.BlockSize * aes.BlockSize
	if n == 0 {
		n = aes.BlockSize
	}
	plain := bytes.Repeat([]byte{0xFF}, n)
	copy(plain, data)
	return ecbEncrypt(memoryReadKey, plain)
}

// MemoryReadRequest is a decrypted MEMORY_READ request
type MemoryReadRequest struct {
	Address uint32
	Size    uint32
	// CRCValid reports whether the embedded CRC-32 matched
	CRCValid bool
}

// ParseMemoryReadRequest decrypts a full MEMORY_READ request packet
func ParseMemoryReadRequest(b []byte) (*MemoryReadRequest, error) {
	if len(b) < AuthPacketSize {
		return nil, fmt.Errorf("memory read request is %d bytes, want %d: %w", len(b), AuthPacketSize, ErrTruncatedPayload)
	}
	if cmd := Command(b[0] & 0x7F); cmd != CmdMemoryRead {
		return nil, fmt.Errorf("memory read request has type %s: %w", cmd, ErrUnexpectedCommand)
	}

	plain := ecbDecrypt(memoryReadKey, b[MainHeaderSize:AuthPacketSize])
	le := binary.LittleEndian
	return &MemoryReadRequest{
		Address:  le.Uint32(plain[0:4]),
		Size:     le.Uint32(plain[4:8]),
		CRCValid: le.Uint32(plain[12:16]) == crc32.ChecksumIEEE(plain[0:12]),
	}, nil
}

// BuildStreamingAuthPayload encrypts the auth plaintext: timestamp in ms u64,
// the hardware id and 12 bytes of padding
func BuildStreamingAuthPayload(hw HardwareID, now time.Time, padding [12]byte) []byte {
	plain := make([]byte, AuthPayloadSize)
	binary.LittleEndian.PutUint64(plain[0:8], uint64(now.UnixMilli()))
	copy(plain[8:20], hw[:])
	copy(plain[20:32], padding[:])
	return ecbEncrypt(streamingAuthKeyEnc, plain)
}

// BuildStreamingAuthPacket encodes a STREAMING_AUTH request with random padding
func BuildStreamingAuthPacket(id uint8, hw HardwareID, now time.Time) []byte {
	var padding [12]byte
	rand.Read(padding[:])
	return authPacket(CmdStreamingAuth, id, streamingAuthWord, BuildStreamingAuthPayload(hw, now, padding))
}

// StreamingAuthResult is the meter's answer to STREAMING_AUTH
type StreamingAuthResult struct {
	// Word is bytes 2-3 of the response header
	Word    uint16
	Level   uint8
	Payload []byte
}

// Granted reports whether AdcQueue streaming was enabled
func (r *StreamingAuthResult) Granted() bool {
	return r.Word&authGrantedBit != 0
}

// ParseStreamingAuthResponse decodes a full STREAMING_AUTH response packet
func ParseStreamingAuthResponse(b []byte) (*StreamingAuthResult, error) {
	if len(b) < AuthPacketSize {
		return nil, fmt.Errorf("auth response is %d bytes, want %d: %w", len(b), AuthPacketSize, ErrTruncatedPayload)
	}
	if cmd := Command(b[0] & 0x7F); cmd != CmdStreamingAuth {
		return nil, fmt.Errorf("auth response has type %s: %w", cmd, ErrUnexpectedCommand)
	}

	r := &StreamingAuthResult{
		Word:    binary.LittleEndian.Uint16(b[2:4]),
		Payload: ecbDecrypt(streamingAuthKeyDec, b[MainHeaderSize:AuthPacketSize]),
	}
	if r.Granted() {
		r.Level = 1
	}
	return r, nil
}

// StreamingAuthRequest is a decrypted STREAMING_AUTH request
type StreamingAuthRequest struct {
	Time       time.Time
	HardwareID HardwareID
}

// ParseStreamingAuthRequest decrypts a full STREAMING_AUTH request packet
func ParseStreamingAuthRequest(b []byte) (*StreamingAuthRequest, error) {
	if len(b) < AuthPacketSize {
		return nil, fmt.Errorf("auth request is %d bytes, want %d: %w", len(b), AuthPacketSize, ErrTruncatedPayload)
	}
	if cmd := Command(b[0] & 0x7F); cmd != CmdStreamingAuth {
		return nil, fmt.Errorf("auth request has type %s: %w", cmd, ErrUnexpectedCommand)
	}

	plain := ecbDecrypt(streamingAuthKeyEnc, b[MainHeaderSize:AuthPacketSize])
	r := &StreamingAuthRequest{
		Time: time.UnixMilli(int64(binary.LittleEndian.Uint64(plain[0:8]))),
	}
	copy(r.HardwareID[:], plain[8:20])
	return r, nil
}

// EncodeStreamingAuthResponse builds the meter's STREAMING_AUTH answer.
// plain must be AuthPayloadSize bytes.
func EncodeStreamingAuthResponse(id uint8, granted bool, plain []byte) ([]byte, error) {
	if len(plain) != AuthPayloadSize {
		return nil, fmt.Errorf("auth payload is %d bytes, want %d: %w", len(plain), AuthPayloadSize, ErrLengthMismatch)
	}
	word := streamingAuthWord | 0x0001
	if granted {
		word |= authGrantedBit
	}
	return authPacket(CmdStreamingAuth|0x80, id, word, ecbEncrypt(streamingAuthKeyDec, plain)), nil
}

func authPacket(cmd Command, id uint8, word uint16, payload []byte) []byte {
	b := make([]byte, 0, MainHeaderSize+len(payload))
	b = append(b, byte(cmd), id)
	b = binary.LittleEndian.AppendUint16(b, word)
	return append(b, payload...)
}

func newBlock(key []byte) cipher.Block {
	block, err := aes.NewCipher(key)
	if err != nil {
		// keys are fixed 16-byte constants
		panic(err)
	}
	return block
}

// ecbEncrypt encrypts whole blocks independently; len(src) must be a multiple
// of the block size
func ecbEncrypt(key, src []byte) []byte {
	block := newBlock(key)
	dst := make([]byte, len(src))
	for i := 0; i < len(src); i += aes.BlockSize {
		block.Encrypt(dst[i:i+aes.BlockSize], src[i:i+aes.BlockSize])
	}
	return dst
}

func ecbDecrypt(key, src []byte) []byte {
	block := newBlock(key)
	dst := make([]byte, len(src))
	for i := 0; i < len(src); i += aes.BlockSize {
		block.Decrypt(dst[i:i+aes.BlockSize], src[i:i+aes.BlockSize])
	}
	return dst
}
