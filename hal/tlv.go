package hal

import (
	"encoding/binary"
)

// MinTLVSize is the smallest header region that holds an RxTLV.
const MinTLVSize = 16

// TLVFlags are attention and end-of-MSDU bits of the rx TLV header.
type TLVFlags uint16

const (
	// TLVMSDUDone is the last bit hardware writes for a buffer; a terminal
	// buffer without it was not completely written.
	TLVMSDUDone TLVFlags = 1 << iota
	TLVDAIsMCBC
	TLVDAIsValid
	TLVSAIsValid
	// TLVAD4Valid is set when the 802.11 header carries a fourth address.
	TLVAD4Valid
	TLVIPCsumOK
	TLVL4CsumOK
	// TLVProtoTagValid is set when ProtoTag carries a classifier result.
	TLVProtoTagValid
	// TLVFlowTagValid is set when FlowTag carries a flow search result.
	TLVFlowTagValid
	// TLVToDS and TLVFromDS mirror the 802.11 frame control DS bits.
	TLVToDS
	TLVFromDS
)

// RxTLV is the hardware metadata header at the start of every receive
// buffer.
//
// Wire layout (little endian):
//
//	[0:2]  flags
//	[2]    l3 header padding
//	[3]    reserved
//	[4:6]  protocol tag
//	[6:8]  msdu length
//	[8:12] flow tag
type RxTLV struct {
	Flags    TLVFlags
	L3Pad    uint8
	ProtoTag uint16
	MSDULen  uint16
	FlowTag  uint32
}

func (t RxTLV) Has(f TLVFlags) bool { return t.Flags&f == f }

// Encode writes t into the first MinTLVSize bytes of b.
func (t RxTLV) Encode(b []byte) error {
	if len(b) < MinTLVSize {
		return ErrShortTLV
	}
	binary.LittleEndian.PutUint16(b[0:2], uint16(t.Flags))
	b[2] = t.L3Pad
	b[3] = 0
	binary.LittleEndian.PutUint16(b[4:6], t.ProtoTag)
	binary.LittleEndian.PutUint16(b[6:8], t.MSDULen)
	binary.LittleEndian.PutUint32(b[8:12], t.FlowTag)
	clear(b[12:MinTLVSize])
	return nil
}

// DecodeTLV parses the header at the start of b.
func DecodeTLV(b []byte) (RxTLV, error) {
	if len(b) < MinTLVSize {
		return RxTLV{}, ErrShortTLV
	}
	return RxTLV{
		Flags:    TLVFlags(binary.LittleEndian.Uint16(b[0:2])),
		L3Pad:    b[2],
		ProtoTag: binary.LittleEndian.Uint16(b[4:6]),
		MSDULen:  binary.LittleEndian.Uint16(b[6:8]),
		FlowTag:  binary.LittleEndian.Uint32(b[8:12]),
	}, nil
}
