package types

// Codec identifies a VoMP audio encoding. The wire value is a single
// byte; the table below is fixed and must not be reordered or extended
// without a corresponding peer-side change.
type Codec byte

const (
	CodecNone        Codec = 0
	CodecCodec2_2400 Codec = 1
	CodecCodec2_1400 Codec = 2
	CodecGSMHalf     Codec = 3
	CodecGSMFull     Codec = 4
	Codec16Signed    Codec = 5
	Codec8ULaw       Codec = 6
	Codec8ALaw       Codec = 7
	CodecPCM         Codec = 8
	CodecDTMF        Codec = 9
	CodecEngaged     Codec = 10
	CodecOnHold      Codec = 11
	CodecCallerID    Codec = 12
)

type codecInfo struct {
	sampleSize int
	timespanMs uint32
}

var codecTable = map[Codec]codecInfo{
	CodecNone:        {0, 1},
	CodecCodec2_2400:  {7, 20},
	CodecCodec2_1400:  {7, 40},
	CodecGSMHalf:     {14, 20},
	CodecGSMFull:     {33, 20},
	Codec16Signed:    {320, 20},
	Codec8ULaw:       {160, 20},
	Codec8ALaw:       {160, 20},
	CodecPCM:         {320, 20},
	CodecDTMF:        {1, 80},
	CodecEngaged:     {0, 20},
	CodecOnHold:      {0, 20},
	CodecCallerID:    {32, 0},
}

// SampleSize returns the number of payload bytes a single sample block of
// this codec carries. The second return is false for an unknown codec.
func SampleSize(c Codec) (int, bool) {
	info, ok := codecTable[c]
	return info.sampleSize, ok
}

// Timespan returns the duration in milliseconds a single sample block of
// this codec covers. The second return is false for an unknown codec.
func Timespan(c Codec) (uint32, bool) {
	info, ok := codecTable[c]
	return info.timespanMs, ok
}

// KnownCodec reports whether c appears in the fixed codec table.
func KnownCodec(c Codec) bool {
	_, ok := codecTable[c]
	return ok
}
