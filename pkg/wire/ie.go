package wire

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Information element type codes. The comment gives the wire width of the
// payload: text, binary, null or a big-endian unsigned of 1 (B), 2 (W) or
// 4 (DW) bytes.
const (
	IECalledNumber    uint8 = 0x01 // text
	IECallingNumber   uint8 = 0x02 // text
	IECallingANI      uint8 = 0x03 // text
	IECallingName     uint8 = 0x04 // text
	IECalledContext   uint8 = 0x05 // text
	IEUsername        uint8 = 0x06 // text
	IEPassword        uint8 = 0x07 // text
	IECapability      uint8 = 0x08 // DW
	IEFormat          uint8 = 0x09 // DW
	IELanguage        uint8 = 0x0a // text
	IEVersion         uint8 = 0x0b // W, always ProtocolVersion
	IEADSICPE         uint8 = 0x0c // W
	IEDNID            uint8 = 0x0d // text
	IEAuthMethods     uint8 = 0x0e // W
	IEChallenge       uint8 = 0x0f // text
	IEMD5Result       uint8 = 0x10 // text
	IERSAResult       uint8 = 0x11 // text
	IEApparentAddr    uint8 = 0x12 // binary, 16-byte sockaddr_in blob
	IERefresh         uint8 = 0x13 // W
	IEDPStatus        uint8 = 0x14 // W
	IECallNo          uint8 = 0x15 // W, max MaxCallNo
	IECause           uint8 = 0x16 // text
	IEUnknown         uint8 = 0x17 // B
	IEMsgCount        uint8 = 0x18 // W
	IEAutoAnswer      uint8 = 0x19 // null
	IEMusicOnHold     uint8 = 0x1a // text
	IETransferID      uint8 = 0x1b // DW
	IERDNIS           uint8 = 0x1c // text
	IEProvisioning    uint8 = 0x1d // binary
	IEAESProvisioning uint8 = 0x1e // binary
	IEDateTime        uint8 = 0x1f // DW
	IEDeviceType      uint8 = 0x20 // text
	IEServiceIdent    uint8 = 0x21 // binary
	IEFirmwareVer     uint8 = 0x22 // W
	IEFwBlockDesc     uint8 = 0x23 // DW
	IEFwBlockData     uint8 = 0x24 // binary
	IEProvVer         uint8 = 0x25 // DW
	IECallingPres     uint8 = 0x26 // B
	IECallingTON      uint8 = 0x27 // B
	IECallingTNS      uint8 = 0x28 // W
	IESamplingRate    uint8 = 0x29 // DW
	IECauseCode       uint8 = 0x2a // B
	IEEncryption      uint8 = 0x2b // B
	IEEncKey          uint8 = 0x2c // binary
	IECodecPrefs      uint8 = 0x2d // text
	IERRJitter        uint8 = 0x2e // DW
	IERRLoss          uint8 = 0x2f // DW
	IERRPkts          uint8 = 0x30 // DW
	IERRDelay         uint8 = 0x31 // W
	IERRDropped       uint8 = 0x32 // DW
	IERROOO           uint8 = 0x33 // DW
)

// IEKind tags the payload representation of an IE.
type IEKind uint8

const (
	IEKindNull IEKind = iota
	IEKindText
	IEKindU8
	IEKindU16
	IEKindU32
	IEKindBin
)

// ieKinds maps a known IE type code to the payload kind it carries on the
// wire. Type codes outside the table decode as binary.
var ieKinds = map[uint8]IEKind{
	IECalledNumber:    IEKindText,
	IECallingNumber:   IEKindText,
	IECallingANI:      IEKindText,
	IECallingName:     IEKindText,
	IECalledContext:   IEKindText,
	IEUsername:        IEKindText,
	IEPassword:        IEKindText,
	IECapability:      IEKindU32,
	IEFormat:          IEKindU32,
	IELanguage:        IEKindText,
	IEVersion:         IEKindU16,
	IEADSICPE:         IEKindU16,
	IEDNID:            IEKindText,
	IEAuthMethods:     IEKindU16,
	IEChallenge:       IEKindText,
	IEMD5Result:       IEKindText,
	IERSAResult:       IEKindText,
	IEApparentAddr:    IEKindBin,
	IERefresh:         IEKindU16,
	IEDPStatus:        IEKindU16,
	IECallNo:          IEKindU16,
	IECause:           IEKindText,
	IEUnknown:         IEKindU8,
	IEMsgCount:        IEKindU16,
	IEAutoAnswer:      IEKindNull,
	IEMusicOnHold:     IEKindText,
	IETransferID:      IEKindU32,
	IERDNIS:           IEKindText,
	IEProvisioning:    IEKindBin,
	IEAESProvisioning: IEKindBin,
	IEDateTime:        IEKindU32,
	IEDeviceType:      IEKindText,
	IEServiceIdent:    IEKindBin,
	IEFirmwareVer:     IEKindU16,
	IEFwBlockDesc:     IEKindU32,
	IEFwBlockData:     IEKindBin,
	IEProvVer:         IEKindU32,
	IECallingPres:     IEKindU8,
	IECallingTON:      IEKindU8,
	IECallingTNS:      IEKindU16,
	IESamplingRate:    IEKindU32,
	IECauseCode:       IEKindU8,
	IEEncryption:      IEKindU8,
	IEEncKey:          IEKindBin,
	IECodecPrefs:      IEKindText,
	IERRJitter:        IEKindU32,
	IERRLoss:          IEKindU32,
	IERRPkts:          IEKindU32,
	IERRDelay:         IEKindU16,
	IERRDropped:       IEKindU32,
	IERROOO:           IEKindU32,
}

// KindOf returns the payload kind of a known IE type code. Unknown codes
// are treated as opaque binary.
func KindOf(ieType uint8) IEKind {
	if k, ok := ieKinds[ieType]; ok {
		return k
	}
	return IEKindBin
}

// IE is one information element as a tagged union. The zero value is a
// null IE of type 0.
type IE struct {
	Type uint8
	Kind IEKind

	text string
	num  uint32
	bin  []byte
}

func NewNullIE(ieType uint8) IE {
	return IE{Type: ieType, Kind: IEKindNull}
}

func NewTextIE(ieType uint8, s string) IE {
	if len(s) > 255 {
		s = s[:255]
	}
	return IE{Type: ieType, Kind: IEKindText, text: s}
}

// NewNumericIE builds a numeric IE storing the low width bytes of val.
// Width must be 1, 2 or 4.
func NewNumericIE(ieType uint8, val uint32, width int) IE {
	ie := IE{Type: ieType, num: val}
	switch width {
	case 1:
		ie.Kind = IEKindU8
		ie.num &= 0xff
	case 2:
		ie.Kind = IEKindU16
		ie.num &= 0xffff
	default:
		ie.Kind = IEKindU32
	}
	return ie
}

func NewBinaryIE(ieType uint8, data []byte) IE {
	if len(data) > 255 {
		data = data[:255]
	}
	b := make([]byte, len(data))
	copy(b, data)
	return IE{Type: ieType, Kind: IEKindBin, bin: b}
}

// Text returns the textual payload of a text IE.
func (ie IE) Text() string { return ie.text }

// Numeric returns the numeric payload of a 1/2/4-byte IE.
func (ie IE) Numeric() uint32 { return ie.num }

// Binary returns the opaque payload of a binary IE.
func (ie IE) Binary() []byte { return ie.bin }

// appendTo serializes the IE as type, length, payload.
func (ie IE) appendTo(buf []byte) []byte {
	switch ie.Kind {
	case IEKindNull:
		return append(buf, ie.Type, 0)
	case IEKindText:
		buf = append(buf, ie.Type, uint8(len(ie.text)))
		return append(buf, ie.text...)
	case IEKindU8:
		return append(buf, ie.Type, 1, uint8(ie.num))
	case IEKindU16:
		return append(buf, ie.Type, 2, uint8(ie.num>>8), uint8(ie.num))
	case IEKindU32:
		return append(buf, ie.Type, 4, uint8(ie.num>>24), uint8(ie.num>>16), uint8(ie.num>>8), uint8(ie.num))
	default:
		buf = append(buf, ie.Type, uint8(len(ie.bin)))
		return append(buf, ie.bin...)
	}
}

// IEList is an ordered list of information elements. Order is preserved on
// encode for interoperability with peers that care.
type IEList struct {
	items   []IE
	invalid bool
}

// Invalid reports whether the last decode of this list failed. A transaction
// receiving an invalid list must answer INVAL and not advance state.
func (l *IEList) Invalid() bool { return l.invalid }

func (l *IEList) Len() int { return len(l.items) }

func (l *IEList) Items() []IE { return l.items }

func (l *IEList) Clear() {
	l.items = nil
	l.invalid = false
}

func (l *IEList) Append(ie IE) {
	l.items = append(l.items, ie)
}

func (l *IEList) AppendNull(ieType uint8) {
	l.Append(NewNullIE(ieType))
}

func (l *IEList) AppendString(ieType uint8, s string) {
	l.Append(NewTextIE(ieType, s))
}

func (l *IEList) AppendNumeric(ieType uint8, val uint32, width int) {
	l.Append(NewNumericIE(ieType, val, width))
}

func (l *IEList) AppendBinary(ieType uint8, data []byte) {
	l.Append(NewBinaryIE(ieType, data))
}

// Get returns the first IE of the given type.
func (l *IEList) Get(ieType uint8) (IE, bool) {
	for _, ie := range l.items {
		if ie.Type == ieType {
			return ie, true
		}
	}
	return IE{}, false
}

// GetString fetches the text payload of the first IE of the given type.
func (l *IEList) GetString(ieType uint8) (string, bool) {
	ie, ok := l.Get(ieType)
	if !ok {
		return "", false
	}
	return ie.text, true
}

// GetNumeric fetches the numeric payload of the first IE of the given type.
func (l *IEList) GetNumeric(ieType uint8) (uint32, bool) {
	ie, ok := l.Get(ieType)
	if !ok {
		return 0, false
	}
	return ie.num, true
}

// GetBinary fetches the opaque payload of the first IE of the given type.
func (l *IEList) GetBinary(ieType uint8) ([]byte, bool) {
	ie, ok := l.Get(ieType)
	if !ok {
		return nil, false
	}
	return ie.bin, true
}

// InsertVersion appends a VERSION IE if the list doesn't already carry one.
func (l *IEList) InsertVersion() {
	if _, ok := l.Get(IEVersion); !ok {
		l.AppendNumeric(IEVersion, ProtocolVersion, 2)
	}
}

// ValidVersion reports whether the list carries a VERSION IE equal to
// ProtocolVersion.
func (l *IEList) ValidVersion() bool {
	v, ok := l.GetNumeric(IEVersion)
	return ok && v == ProtocolVersion
}

// Encode serializes the list in order.
func (l *IEList) Encode() []byte {
	var buf []byte
	for _, ie := range l.items {
		buf = ie.appendTo(buf)
	}
	return buf
}

// DecodeIEList parses an IE buffer. On any malformed element the returned
// list is empty with its invalid flag set, alongside a non-nil error.
func DecodeIEList(buf []byte) (IEList, error) {
	var l IEList
	for i := 0; i < len(buf); {
		if len(buf)-i < 2 {
			return IEList{invalid: true}, fmt.Errorf("wire: truncated IE header at offset %d", i)
		}
		ieType := buf[i]
		ieLen := int(buf[i+1])
		i += 2
		if len(buf)-i < ieLen {
			return IEList{invalid: true}, fmt.Errorf("wire: IE 0x%02x length %d exceeds buffer", ieType, ieLen)
		}
		payload := buf[i : i+ieLen]
		i += ieLen

		switch KindOf(ieType) {
		case IEKindNull:
			if ieLen != 0 {
				return IEList{invalid: true}, fmt.Errorf("wire: null IE 0x%02x with %d payload bytes", ieType, ieLen)
			}
			l.AppendNull(ieType)
		case IEKindText:
			l.AppendString(ieType, string(payload))
		case IEKindU8, IEKindU16, IEKindU32:
			var val uint32
			switch ieLen {
			case 1:
				val = uint32(payload[0])
			case 2:
				val = uint32(binary.BigEndian.Uint16(payload))
			case 4:
				val = binary.BigEndian.Uint32(payload)
			default:
				return IEList{invalid: true}, fmt.Errorf("wire: numeric IE 0x%02x with invalid length %d", ieType, ieLen)
			}
			l.AppendNumeric(ieType, val, ieLen)
		default:
			l.AppendBinary(ieType, payload)
		}
	}
	return l, nil
}

// apparentAddrLen is the fixed size of the APPARENT_ADDR blob: a
// sockaddr_in image of family(2), port(2, network order), IPv4(4) and
// 8 bytes of zero padding.
const apparentAddrLen = 16

const afInet = 2

// PackIP builds an APPARENT_ADDR payload from a UDP address.
func PackIP(addr *net.UDPAddr) []byte {
	b := make([]byte, apparentAddrLen)
	binary.BigEndian.PutUint16(b[0:2], afInet)
	binary.BigEndian.PutUint16(b[2:4], uint16(addr.Port))
	if ip4 := addr.IP.To4(); ip4 != nil {
		copy(b[4:8], ip4)
	}
	return b
}

// UnpackIP decodes an APPARENT_ADDR payload back into a UDP address.
func UnpackIP(b []byte) (*net.UDPAddr, error) {
	if len(b) != apparentAddrLen {
		return nil, fmt.Errorf("wire: APPARENT_ADDR must be %d bytes, got %d", apparentAddrLen, len(b))
	}
	if fam := binary.BigEndian.Uint16(b[0:2]); fam != afInet {
		return nil, fmt.Errorf("wire: APPARENT_ADDR with unsupported address family %d", fam)
	}
	ip := make(net.IP, 4)
	copy(ip, b[4:8])
	return &net.UDPAddr{
		IP:   ip,
		Port: int(binary.BigEndian.Uint16(b[2:4])),
	}, nil
}

// IEName returns the text associated with an IE type code, or empty if the
// code is unknown.
func IEName(ieType uint8) string {
	if int(ieType) < len(ieNames) {
		return ieNames[ieType]
	}
	return ""
}

var ieNames = [...]string{
	IECalledNumber:    "CALLED_NUMBER",
	IECallingNumber:   "CALLING_NUMBER",
	IECallingANI:      "CALLING_ANI",
	IECallingName:     "CALLING_NAME",
	IECalledContext:   "CALLED_CONTEXT",
	IEUsername:        "USERNAME",
	IEPassword:        "PASSWORD",
	IECapability:      "CAPABILITY",
	IEFormat:          "FORMAT",
	IELanguage:        "LANGUAGE",
	IEVersion:         "VERSION",
	IEADSICPE:         "ADSICPE",
	IEDNID:            "DNID",
	IEAuthMethods:     "AUTHMETHODS",
	IEChallenge:       "CHALLENGE",
	IEMD5Result:       "MD5_RESULT",
	IERSAResult:       "RSA_RESULT",
	IEApparentAddr:    "APPARENT_ADDR",
	IERefresh:         "REFRESH",
	IEDPStatus:        "DPSTATUS",
	IECallNo:          "CALLNO",
	IECause:           "CAUSE",
	IEUnknown:         "IAX_UNKNOWN",
	IEMsgCount:        "MSGCOUNT",
	IEAutoAnswer:      "AUTOANSWER",
	IEMusicOnHold:     "MUSICONHOLD",
	IETransferID:      "TRANSFERID",
	IERDNIS:           "RDNIS",
	IEProvisioning:    "PROVISIONING",
	IEAESProvisioning: "AESPROVISIONING",
	IEDateTime:        "DATETIME",
	IEDeviceType:      "DEVICETYPE",
	IEServiceIdent:    "SERVICEIDENT",
	IEFirmwareVer:     "FIRMWAREVER",
	IEFwBlockDesc:     "FWBLOCKDESC",
	IEFwBlockData:     "FWBLOCKDATA",
	IEProvVer:         "PROVVER",
	IECallingPres:     "CALLINGPRES",
	IECallingTON:      "CALLINGTON",
	IECallingTNS:      "CALLINGTNS",
	IESamplingRate:    "SAMPLINGRATE",
	IECauseCode:       "CAUSECODE",
	IEEncryption:      "ENCRYPTION",
	IEEncKey:          "ENKEY",
	IECodecPrefs:      "CODEC_PREFS",
	IERRJitter:        "RR_JITTER",
	IERRLoss:          "RR_LOSS",
	IERRPkts:          "RR_PKTS",
	IERRDelay:         "RR_DELAY",
	IERRDropped:       "RR_DROPPED",
	IERROOO:           "RR_OOO",
}
