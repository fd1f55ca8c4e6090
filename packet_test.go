package gotftp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		pkt  Packet
	}{
		{"RRQ no options", Packet{Opcode: OpRRQ, Filename: "foo.bin", Mode: "octet"}},
		{"RRQ with options", Packet{
			Opcode: OpRRQ, Filename: "foo.bin", Mode: "octet",
			Options: []Option{{Name: "blksize", Value: "1024"}, {Name: "tsize", Value: "0"}},
		}},
		{"WRQ", Packet{Opcode: OpWRQ, Filename: "bar.bin", Mode: "octet"}},
		{"DATA", Packet{Opcode: OpDATA, Block: 7, Payload: []byte("hello world")}},
		{"DATA empty final block", Packet{Opcode: OpDATA, Block: 42, Payload: nil}},
		{"ACK", Packet{Opcode: OpACK, Block: 0}},
		{"ERROR", Packet{Opcode: OpERROR, Code: ErrCodeFileNotFound, Message: "no such file"}},
		{"OACK", Packet{Opcode: OpOACK, Options: []Option{{Name: "blksize", Value: "512"}}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodePacket(EncodePacket(tc.pkt))
			require.NoError(t, err)
			assert.Equal(t, tc.pkt.Opcode, got.Opcode)
			assert.Equal(t, tc.pkt.Filename, got.Filename)
			assert.Equal(t, tc.pkt.Mode, got.Mode)
			assert.Equal(t, tc.pkt.Options, got.Options)
			assert.Equal(t, tc.pkt.Block, got.Block)
			assert.Equal(t, tc.pkt.Payload, got.Payload)
			assert.Equal(t, tc.pkt.Code, got.Code)
			assert.Equal(t, tc.pkt.Message, got.Message)
		})
	}
}

func TestDecodePacketRejectsShortBuffer(t *testing.T) {
	_, err := DecodePacket([]byte{0x00})
	require.Error(t, err)
}

func TestDecodePacketRejectsUnknownOpcode(t *testing.T) {
	_, err := DecodePacket([]byte{0x00, 0x09})
	require.Error(t, err)
}

func TestDecodePacketRejectsMissingTerminator(t *testing.T) {
	buf := EncodePacket(Packet{Opcode: OpRRQ, Filename: "foo", Mode: "octet"})
	_, err := DecodePacket(buf[:len(buf)-1])
	require.Error(t, err)
}

func TestDecodeOptionsEmptyValueIsError(t *testing.T) {
	buf := []byte{0x00, byte(OpRRQ)}
	buf = append(buf, "foo\x00octet\x00blksize\x00\x00"...)
	_, err := DecodePacket(buf)
	require.Error(t, err)
}

func TestDecodeOptionsLastOccurrenceWins(t *testing.T) {
	buf := []byte{0x00, byte(OpRRQ)}
	buf = append(buf, "foo\x00octet\x00blksize\x00512\x00blksize\x001024\x00"...)
	pkt, err := DecodePacket(buf)
	require.NoError(t, err)
	require.Len(t, pkt.Options, 1)
	assert.Equal(t, "1024", pkt.Options[0].Value)
}

func TestDecodeErrorRejectsCodeOutOfRange(t *testing.T) {
	buf := []byte{0x00, byte(OpERROR), 0x00, 0x09}
	buf = append(buf, "bad code\x00"...)
	_, err := DecodePacket(buf)
	require.Error(t, err)
}

func TestDecodeDataRejectsOversizedPayload(t *testing.T) {
	buf := []byte{0x00, byte(OpDATA), 0x00, 0x01}
	buf = append(buf, make([]byte, maxDataPayload+1)...)
	_, err := DecodePacket(buf)
	require.Error(t, err)
}
