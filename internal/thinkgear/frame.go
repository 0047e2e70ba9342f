package thinkgear

// Framing constants.
const (
	SyncByte         = 0xAA
	ExCodeByte       = 0x55
	MaxPayloadLength = 169
	headerLength     = 3 // sync, sync, length
	MaxFrameSize     = headerLength + MaxPayloadLength + 1
)

// Data row codes.
const (
	CodePoorSignal    = 0x02
	CodeAttention     = 0x04
	CodeMeditation    = 0x05
	CodeBlinkStrength = 0x16
	CodeRawWave       = 0x80
	CodeASICEEGPower  = 0x83

	multiByteThreshold = 0x80
	bandBlockLength    = 8 * 3
)

// Value limits for the eSense and signal metrics.
const (
	MaxESense        = 100
	MaxSignalQuality = 200
)

// Bands holds the eight ASIC EEG band powers. Values are unsigned 24-bit
// magnitudes with no documented unit; they are carried without scaling.
type Bands struct {
	Delta     uint32 `json:"delta"`
	Theta     uint32 `json:"theta"`
	LowAlpha  uint32 `json:"lowAlpha"`
	HighAlpha uint32 `json:"highAlpha"`
	LowBeta   uint32 `json:"lowBeta"`
	HighBeta  uint32 `json:"highBeta"`
	LowGamma  uint32 `json:"lowGamma"`
	MidGamma  uint32 `json:"midGamma"`
}

// Frame is the set of fields decoded from one valid packet. Any field may be
// absent because a packet carries only a subset of data rows.
type Frame struct {
	SignalQuality *uint8
	Attention     *uint8
	Relaxation    *uint8
	Bands         *Bands
}

// Empty reports whether the frame carries no metric at all.
func (f Frame) Empty() bool {
	return f.SignalQuality == nil && f.Attention == nil && f.Relaxation == nil && f.Bands == nil
}

// Payload serializes the frame's fields as data rows in a fixed order.
func (f Frame) Payload() []byte {
	payload := make([]byte, 0, 32)
	if f.SignalQuality != nil {
		payload = append(payload, CodePoorSignal, *f.SignalQuality)
	}
	if f.Attention != nil {
		payload = append(payload, CodeAttention, *f.Attention)
	}
	if f.Relaxation != nil {
		payload = append(payload, CodeMeditation, *f.Relaxation)
	}
	if f.Bands != nil {
		payload = append(payload, CodeASICEEGPower, bandBlockLength)
		for _, v := range f.Bands.values() {
			payload = append(payload, byte(v>>16), byte(v>>8), byte(v))
		}
	}
	return payload
}

func (b *Bands) values() [8]uint32 {
	return [8]uint32{b.Delta, b.Theta, b.LowAlpha, b.HighAlpha, b.LowBeta, b.HighBeta, b.LowGamma, b.MidGamma}
}

func decodeBands(block []byte) Bands {
	var v [8]uint32
	for i := range v {
		o := i * 3
		v[i] = uint32(block[o])<<16 | uint32(block[o+1])<<8 | uint32(block[o+2])
	}
	return Bands{
		Delta:     v[0],
		Theta:     v[1],
		LowAlpha:  v[2],
		HighAlpha: v[3],
		LowBeta:   v[4],
		HighBeta:  v[5],
		LowGamma:  v[6],
		MidGamma:  v[7],
	}
}

// Checksum returns the packet checksum for payload.
func Checksum(payload []byte) byte {
	var sum byte
	for _, b := range payload {
		sum += b
	}
	return ^sum
}

// AppendPacket appends a complete packet wrapping payload to dst. Payloads longer
// than MaxPayloadLength are truncated.
func AppendPacket(dst, payload []byte) []byte {
	if len(payload) > MaxPayloadLength {
		payload = payload[:MaxPayloadLength]
	}
	dst = append(dst, SyncByte, SyncByte, byte(len(payload)))
	dst = append(dst, payload...)
	return append(dst, Checksum(payload))
}

// Encode returns the wire packet for f.
func Encode(f Frame) []byte {
	return AppendPacket(nil, f.Payload())
}
