package wire

import (
	"encoding/binary"
	"fmt"
	"math/bits"
)

/* IAX2 full frame header layout (RFC 5456):

	unsigned short scallno;	// Source call number -- high bit must be 1
	unsigned short dcallno;	// Destination call number -- high bit is 1 if retransmission
	unsigned int ts;	// 32-bit timestamp in milliseconds
	unsigned char oseqno;	// Packet number (outgoing)
	unsigned char iseqno;	// Packet number (next incoming expected)
	unsigned char type;	// Frame type
	unsigned char csub;	// Compressed subclass

A mini frame shares the first four bytes with the F bit clear and carries a
16-bit truncated timestamp instead of a destination call number.
*/

const (
	// ProtocolVersion is the IAX2 protocol version carried in VERSION IEs.
	ProtocolVersion = 0x0002

	// MaxCallNo is the largest 15-bit call number.
	MaxCallNo = 32767

	// FullFrameHeaderLen is the fixed full frame header size.
	FullFrameHeaderLen = 12

	// MiniFrameHeaderLen is the fixed mini frame header size.
	MiniFrameHeaderLen = 4

	// TrunkFrameHeaderLen is the meta trunk frame header size: the 0x00
	// meta marker, the meta command, two flag bytes and the 32-bit
	// absolute timestamp.
	TrunkFrameHeaderLen = 8

	// TrunkEntryHeaderLen prefixes every trunked mini payload with the
	// source call number and the payload length.
	TrunkEntryHeaderLen = 4

	// metaCommandTrunk is the only meta command this stack emits or
	// accepts; RFC 5456 reserves room for others.
	metaCommandTrunk = 0x01
)

// Frame types.
const (
	FrameDTMF    uint8 = 0x01
	FrameVoice   uint8 = 0x02
	FrameVideo   uint8 = 0x03
	FrameControl uint8 = 0x04
	FrameNull    uint8 = 0x05
	FrameIAX     uint8 = 0x06
	FrameText    uint8 = 0x07
	FrameImage   uint8 = 0x08
	FrameHTML    uint8 = 0x09
	FrameNoise   uint8 = 0x0a
)

// Subclasses for frames of type IAX.
const (
	IAXNew       uint32 = 0x01
	IAXPing      uint32 = 0x02
	IAXPong      uint32 = 0x03
	IAXAck       uint32 = 0x04
	IAXHangup    uint32 = 0x05
	IAXReject    uint32 = 0x06
	IAXAccept    uint32 = 0x07
	IAXAuthReq   uint32 = 0x08
	IAXAuthRep   uint32 = 0x09
	IAXInval     uint32 = 0x0a
	IAXLagRq     uint32 = 0x0b
	IAXLagRp     uint32 = 0x0c
	IAXRegReq    uint32 = 0x0d
	IAXRegAuth   uint32 = 0x0e
	IAXRegAck    uint32 = 0x0f
	IAXRegRej    uint32 = 0x10
	IAXRegRel    uint32 = 0x11
	IAXVNAK      uint32 = 0x12
	IAXDpReq     uint32 = 0x13
	IAXDpRep     uint32 = 0x14
	IAXDial      uint32 = 0x15
	IAXTxReq     uint32 = 0x16
	IAXTxCnt     uint32 = 0x17
	IAXTxAcc     uint32 = 0x18
	IAXTxReady   uint32 = 0x19
	IAXTxRel     uint32 = 0x1a
	IAXTxRej     uint32 = 0x1b
	IAXQuelch    uint32 = 0x1c
	IAXUnquelch  uint32 = 0x1d
	IAXPoke      uint32 = 0x1e
	IAXMWI       uint32 = 0x20
	IAXUnsupport uint32 = 0x21
	IAXTransfer  uint32 = 0x22
	IAXProvision uint32 = 0x23
	IAXFwDownl   uint32 = 0x24
	IAXFwData    uint32 = 0x25
)

// Subclasses for frames of type Control.
const (
	ControlHangup      uint32 = 0x01
	ControlRinging     uint32 = 0x03
	ControlAnswer      uint32 = 0x04
	ControlBusy        uint32 = 0x05
	ControlCongestion  uint32 = 0x08
	ControlFlashHook   uint32 = 0x09
	ControlOption      uint32 = 0x0b
	ControlKeyRadio    uint32 = 0x0c
	ControlUnkeyRadio  uint32 = 0x0d
	ControlProgressing uint32 = 0x0e
	ControlProceeding  uint32 = 0x0f
	ControlHold        uint32 = 0x10
	ControlUnhold      uint32 = 0x11
	ControlVidUpdate   uint32 = 0x12
)

// Audio format bits.
const (
	FormatG723_1 uint32 = 1 << 0
	FormatGSM    uint32 = 1 << 1
	FormatULAW   uint32 = 1 << 2
	FormatALAW   uint32 = 1 << 3
	FormatMP3    uint32 = 1 << 4
	FormatADPCM  uint32 = 1 << 5
	FormatSLIN   uint32 = 1 << 6
	FormatLPC10  uint32 = 1 << 7
	FormatG729A  uint32 = 1 << 8
	FormatSPEEX  uint32 = 1 << 9
	FormatILBC   uint32 = 1 << 10
)

// Video format bits.
const (
	FormatJPEG uint32 = 1 << 16
	FormatPNG  uint32 = 1 << 17
	FormatH261 uint32 = 1 << 18
	FormatH263 uint32 = 1 << 19
)

// Authentication method bits.
const (
	AuthText uint16 = 1
	AuthMD5  uint16 = 2
	AuthRSA  uint16 = 4
)

// Frame is any decoded IAX2 datagram shape.
type Frame interface {
	// Encode serializes the frame to the exact wire bytes it was (or
	// would be) received as.
	Encode() []byte
}

// FullFrame is the reliable 12-byte-header frame carrying sequence numbers
// and, for IAX frames, an IE list payload.
type FullFrame struct {
	Type      uint8
	Subclass  uint32
	SrcCall   uint16
	DestCall  uint16
	Retrans   bool
	Timestamp uint32
	OSeqNo    uint8
	ISeqNo    uint8
	Payload   []byte
}

// MiniFrame is the unacknowledged 4-byte-header media frame with a
// truncated timestamp.
type MiniFrame struct {
	SrcCall   uint16
	Timestamp uint16
	Payload   []byte
}

// TrunkEntry is one call's mini payload inside a meta trunk frame.
type TrunkEntry struct {
	SrcCall uint16
	Payload []byte
}

// TrunkFrame aggregates mini payloads from several calls to one peer under
// a single absolute timestamp.
type TrunkFrame struct {
	Timestamp uint32
	Entries   []TrunkEntry
}

// PackSubclass packs a subclass value: values up to 127 directly, larger
// single powers of two as the bit index with the high bit set. Any other
// value is unrepresentable.
func PackSubclass(value uint32) (uint8, error) {
	if value <= 127 {
		return uint8(value), nil
	}
	if bits.OnesCount32(value) != 1 {
		return 0, fmt.Errorf("wire: subclass 0x%x not packable", value)
	}
	return 0x80 | uint8(bits.TrailingZeros32(value)), nil
}

// UnpackSubclass expands a packed subclass byte.
func UnpackSubclass(value uint8) uint32 {
	if value&0x80 == 0 {
		return uint32(value)
	}
	return uint32(1) << (value & 0x1f)
}

// ParseFrame decodes a received datagram into a mini, full or meta trunk
// frame. The payload slices alias buf.
func ParseFrame(buf []byte) (Frame, error) {
	if len(buf) < MiniFrameHeaderLen {
		return nil, fmt.Errorf("wire: datagram too short (%d bytes)", len(buf))
	}
	first := binary.BigEndian.Uint16(buf[0:2])
	if first&0x8000 == 0 {
		// the meta trunk marker 0x00 0x01 shadows a mini frame from
		// call number 1
		if buf[0] == 0x00 && buf[1] == metaCommandTrunk {
			return parseTrunkFrame(buf)
		}
		return &MiniFrame{
			SrcCall:   first & 0x7fff,
			Timestamp: binary.BigEndian.Uint16(buf[2:4]),
			Payload:   buf[4:],
		}, nil
	}
	if len(buf) < FullFrameHeaderLen {
		return nil, fmt.Errorf("wire: full frame too short (%d bytes)", len(buf))
	}
	dest := binary.BigEndian.Uint16(buf[2:4])
	return &FullFrame{
		Type:      buf[10],
		Subclass:  UnpackSubclass(buf[11]),
		SrcCall:   first & 0x7fff,
		DestCall:  dest & 0x7fff,
		Retrans:   dest&0x8000 != 0,
		Timestamp: binary.BigEndian.Uint32(buf[4:8]),
		OSeqNo:    buf[8],
		ISeqNo:    buf[9],
		Payload:   buf[12:],
	}, nil
}

func parseTrunkFrame(buf []byte) (Frame, error) {
	if len(buf) < TrunkFrameHeaderLen {
		return nil, fmt.Errorf("wire: meta frame too short (%d bytes)", len(buf))
	}
	if buf[1] != metaCommandTrunk {
		return nil, fmt.Errorf("wire: unsupported meta command 0x%02x", buf[1])
	}
	tf := &TrunkFrame{Timestamp: binary.BigEndian.Uint32(buf[4:8])}
	for i := TrunkFrameHeaderLen; i < len(buf); {
		if len(buf)-i < TrunkEntryHeaderLen {
			return nil, fmt.Errorf("wire: truncated trunk entry header at offset %d", i)
		}
		srcCall := binary.BigEndian.Uint16(buf[i:i+2]) & 0x7fff
		dataLen := int(binary.BigEndian.Uint16(buf[i+2 : i+4]))
		i += TrunkEntryHeaderLen
		if len(buf)-i < dataLen {
			return nil, fmt.Errorf("wire: trunk entry for call %d exceeds buffer", srcCall)
		}
		tf.Entries = append(tf.Entries, TrunkEntry{SrcCall: srcCall, Payload: buf[i : i+dataLen]})
		i += dataLen
	}
	return tf, nil
}

// Encode serializes the full frame. Unpackable subclasses are clamped to
// zero; build frames through PackSubclass-checked paths to avoid that.
func (f *FullFrame) Encode() []byte {
	buf := make([]byte, FullFrameHeaderLen, FullFrameHeaderLen+len(f.Payload))
	binary.BigEndian.PutUint16(buf[0:2], 0x8000|f.SrcCall&0x7fff)
	dest := f.DestCall & 0x7fff
	if f.Retrans {
		dest |= 0x8000
	}
	binary.BigEndian.PutUint16(buf[2:4], dest)
	binary.BigEndian.PutUint32(buf[4:8], f.Timestamp)
	buf[8] = f.OSeqNo
	buf[9] = f.ISeqNo
	buf[10] = f.Type
	csub, err := PackSubclass(f.Subclass)
	if err == nil {
		buf[11] = csub
	}
	return append(buf, f.Payload...)
}

// IEList decodes the payload of an IAX frame as an information element
// list.
func (f *FullFrame) IEList() (IEList, error) {
	return DecodeIEList(f.Payload)
}

func (f *MiniFrame) Encode() []byte {
	buf := make([]byte, MiniFrameHeaderLen, MiniFrameHeaderLen+len(f.Payload))
	binary.BigEndian.PutUint16(buf[0:2], f.SrcCall&0x7fff)
	binary.BigEndian.PutUint16(buf[2:4], f.Timestamp)
	return append(buf, f.Payload...)
}

func (f *TrunkFrame) Encode() []byte {
	size := TrunkFrameHeaderLen
	for _, e := range f.Entries {
		size += TrunkEntryHeaderLen + len(e.Payload)
	}
	buf := make([]byte, TrunkFrameHeaderLen, size)
	buf[1] = metaCommandTrunk
	binary.BigEndian.PutUint32(buf[4:8], f.Timestamp)
	for _, e := range f.Entries {
		var hdr [TrunkEntryHeaderLen]byte
		binary.BigEndian.PutUint16(hdr[0:2], e.SrcCall&0x7fff)
		binary.BigEndian.PutUint16(hdr[2:4], uint16(len(e.Payload)))
		buf = append(buf, hdr[:]...)
		buf = append(buf, e.Payload...)
	}
	return buf
}

// FrameTypeName returns the text associated with a frame type.
func FrameTypeName(frameType uint8) string {
	switch frameType {
	case FrameDTMF:
		return "DTMF"
	case FrameVoice:
		return "Voice"
	case FrameVideo:
		return "Video"
	case FrameControl:
		return "Control"
	case FrameNull:
		return "Null"
	case FrameIAX:
		return "IAX"
	case FrameText:
		return "Text"
	case FrameImage:
		return "Image"
	case FrameHTML:
		return "HTML"
	case FrameNoise:
		return "Noise"
	}
	return fmt.Sprintf("0x%02x", frameType)
}

var iaxSubclassNames = map[uint32]string{
	IAXNew:       "NEW",
	IAXPing:      "PING",
	IAXPong:      "PONG",
	IAXAck:       "ACK",
	IAXHangup:    "HANGUP",
	IAXReject:    "REJECT",
	IAXAccept:    "ACCEPT",
	IAXAuthReq:   "AUTHREQ",
	IAXAuthRep:   "AUTHREP",
	IAXInval:     "INVAL",
	IAXLagRq:     "LAGRQ",
	IAXLagRp:     "LAGRP",
	IAXRegReq:    "REGREQ",
	IAXRegAuth:   "REGAUTH",
	IAXRegAck:    "REGACK",
	IAXRegRej:    "REGREJ",
	IAXRegRel:    "REGREL",
	IAXVNAK:      "VNAK",
	IAXDpReq:     "DPREQ",
	IAXDpRep:     "DPREP",
	IAXDial:      "DIAL",
	IAXTxReq:     "TXREQ",
	IAXTxCnt:     "TXCNT",
	IAXTxAcc:     "TXACC",
	IAXTxReady:   "TXREADY",
	IAXTxRel:     "TXREL",
	IAXTxRej:     "TXREJ",
	IAXQuelch:    "QUELCH",
	IAXUnquelch:  "UNQUELCH",
	IAXPoke:      "POKE",
	IAXMWI:       "MWI",
	IAXUnsupport: "UNSUPPORT",
	IAXTransfer:  "TRANSFER",
	IAXProvision: "PROVISION",
	IAXFwDownl:   "FWDOWNL",
	IAXFwData:    "FWDATA",
}

// SubclassName returns the text associated with an IAX control subclass.
func SubclassName(subclass uint32) string {
	if name, ok := iaxSubclassNames[subclass]; ok {
		return name
	}
	return fmt.Sprintf("0x%02x", subclass)
}

var audioFormatNames = map[uint32]string{
	FormatG723_1: "g723.1",
	FormatGSM:    "gsm",
	FormatULAW:   "mulaw",
	FormatALAW:   "alaw",
	FormatMP3:    "mp3",
	FormatADPCM:  "adpcm",
	FormatSLIN:   "slin",
	FormatLPC10:  "lpc10",
	FormatG729A:  "g729a",
	FormatSPEEX:  "speex",
	FormatILBC:   "ilbc",
}

var videoFormatNames = map[uint32]string{
	FormatJPEG: "jpeg",
	FormatPNG:  "png",
	FormatH261: "h261",
	FormatH263: "h263",
}

// AudioFormatName returns the text associated with an audio format bit, or
// empty if the format is unknown.
func AudioFormatName(format uint32) string {
	return audioFormatNames[format]
}

// VideoFormatName returns the text associated with a video format bit, or
// empty if the format is unknown.
func VideoFormatName(format uint32) string {
	return videoFormatNames[format]
}
