package vomp

import (
	"encoding/binary"

	"github.com/gardners/meshcore/pkg/meshcore/types"
)

const headerSize = 14

// SampleGroup is one decoded {codec, bytes} stuffing entry from an
// inbound frame's audio trailer.
type SampleGroup struct {
	Codec     types.Codec
	StartTime uint32
	EndTime   uint32
	Bytes     []byte
}

// DecodedFrame is the parsed form of an inbound VoMP datagram payload.
type DecodedFrame struct {
	RemoteState      State
	LocalState       State
	RemoteSequence   uint16
	LocalSequence    uint16
	MsSinceCallStart uint16
	RemoteSession    types.Session
	LocalSession     types.Session

	CodecList []types.Codec
	LocalDID  string
	RemoteDID string

	HasAudio   bool
	AudioClock uint32
	Samples    []SampleGroup
}

func put24(buf []byte, v types.Session) {
	buf[0] = byte(v >> 16)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v)
}

func get24(buf []byte) types.Session {
	return types.Session(uint32(buf[0])<<16 | uint32(buf[1])<<8 | uint32(buf[2]))
}

// EncodeOptions controls which optional sections EncodeFrame appends,
// mirroring the sender-side conditions in §4.7.
type EncodeOptions struct {
	IncludeCodecsAndDID bool
	LocalCodecs         []types.Codec
	LocalDID            types.DID
	RemoteDID           types.DID

	IncludeAudio bool
}

// EncodeFrame builds the wire payload for call from the local side's
// point of view: the header's "local.*" fields carry this side's own
// values and its "remote.*" fields what this side knows of the peer; the
// peer reads the "local.*" fields back as its "remote.*".
func EncodeFrame(call *Call, opts EncodeOptions) []byte {
	buf := make([]byte, headerSize)
	buf[0] = FrameTypeOrdinary
	buf[1] = packState(call.Remote.State, call.Local.State)
	binary.BigEndian.PutUint16(buf[2:4], uint16(call.Remote.Sequence))
	binary.BigEndian.PutUint16(buf[4:6], uint16(call.Local.Sequence))
	binary.BigEndian.PutUint16(buf[6:8], uint16(call.Local.MsSinceCallStart))
	put24(buf[8:11], call.Remote.Session)
	put24(buf[11:14], call.Local.Session)

	if opts.IncludeCodecsAndDID {
		for _, c := range opts.LocalCodecs {
			buf = append(buf, byte(c))
		}
		buf = append(buf, 0x00)
		if call.InitiatedCall {
			buf = append(buf, []byte(opts.LocalDID)...)
			buf = append(buf, 0x00)
			buf = append(buf, []byte(opts.RemoteDID)...)
			buf = append(buf, 0x00)
		}
	}

	if opts.IncludeAudio {
		buf = appendAudio(buf, call)
	}

	return buf
}

// ShouldIncludeCodecsAndDID implements the §4.7 condition: both sides
// are still below RINGINGOUT.
func ShouldIncludeCodecsAndDID(call *Call) bool {
	return call.Local.State < RingingOut && call.Remote.State < RingingOut
}

// ShouldIncludeAudio implements the §4.7 condition: the local side is in
// a call and a filled sample block exists in the rotor.
func ShouldIncludeAudio(call *Call) bool {
	if call.Local.State != InCall {
		return false
	}
	for _, s := range call.RecentSamples {
		if s.Len > 0 {
			return true
		}
	}
	return false
}

// appendAudio stuffs rotor-descending recent sample blocks under
// StuffBytes, stopping when the rotor is empty or the next block is not
// contiguous in time with the previous one.
func appendAudio(buf []byte, call *Call) []byte {
	start := len(buf)
	head := make([]byte, 4)
	binary.BigEndian.PutUint32(head, call.AudioClock)
	buf = append(buf, head...)

	rotor := call.SampleRotor
	var prevStart uint32
	havePrev := false
	for i := 0; i < MaxRecentSamples; i++ {
		idx := ((rotor - i) % MaxRecentSamples + MaxRecentSamples) % MaxRecentSamples
		sb := call.RecentSamples[idx]
		if sb.Len == 0 {
			break
		}
		if havePrev && !sb.contiguousWith(prevStart) {
			break
		}
		groupSize := 1 + sb.Len
		if len(buf)-start+groupSize > StuffBytes {
			break
		}
		buf = append(buf, byte(sb.Codec))
		buf = append(buf, sb.Bytes[:sb.Len]...)
		prevStart = sb.StartTimeMs
		havePrev = true
	}
	return buf
}

// contiguousWith reports whether this block's end time immediately
// precedes prevStart, the condition rotor stuffing keeps extending on.
func (sb SampleBlock) contiguousWith(prevStart uint32) bool {
	return sb.EndTimeMs+1 == prevStart
}

// DecodeFrame parses an inbound VoMP payload. It does not know the call
// the frame belongs to; the caller resolves remote/local session lookup
// and codec/audio interpretation separately since those depend on the
// matched call's own state.
func DecodeFrame(payload []byte) (*DecodedFrame, error) {
	if len(payload) < 1 {
		return nil, types.ErrFrameTruncated
	}
	if payload[0] != FrameTypeOrdinary {
		return nil, types.ErrFrameType
	}
	if len(payload) < headerSize {
		return nil, types.ErrFrameTruncated
	}

	f := &DecodedFrame{
		RemoteState:      State(payload[1] >> 4),
		LocalState:       State(payload[1] & 0x0F),
		RemoteSequence:   binary.BigEndian.Uint16(payload[2:4]),
		LocalSequence:    binary.BigEndian.Uint16(payload[4:6]),
		MsSinceCallStart: binary.BigEndian.Uint16(payload[6:8]),
		RemoteSession:    get24(payload[8:11]),
		LocalSession:     get24(payload[11:14]),
	}

	rest := payload[headerSize:]
	return f, decodeOptional(f, rest)
}

// decodeOptional is a best-effort parse of the trailing sections; a
// state machine with access to the matched call decides whether to
// actually trust/use CodecList, DIDs or Samples based on its own state,
// per §4.7/§4.9 — DecodeFrame only extracts what is syntactically
// present.
func decodeOptional(f *DecodedFrame, rest []byte) error {
	if len(rest) == 0 {
		return nil
	}
	if f.LocalState < RingingOut && f.RemoteState < RingingOut {
		i := 0
		for i < len(rest) && rest[i] != 0x00 {
			f.CodecList = append(f.CodecList, types.Codec(rest[i]))
			i++
		}
		if i >= len(rest) {
			return nil
		}
		i++ // skip terminator
		rest = rest[i:]

		// DIDs are only present when the sender initiated the call;
		// the receiver cannot tell from the header alone, so both DID
		// strings are parsed opportunistically and the caller ignores
		// them when not applicable.
		if len(rest) > 0 {
			localEnd := indexByte(rest, 0x00)
			if localEnd >= 0 {
				f.LocalDID = string(rest[:localEnd])
				rest = rest[localEnd+1:]
				remoteEnd := indexByte(rest, 0x00)
				if remoteEnd >= 0 {
					f.RemoteDID = string(rest[:remoteEnd])
					rest = rest[remoteEnd+1:]
				}
			}
		}
	}

	if len(rest) >= 4 {
		f.HasAudio = true
		f.AudioClock = binary.BigEndian.Uint32(rest[:4])
		rest = rest[4:]
		end := f.AudioClock
		for len(rest) >= 1 {
			codec := types.Codec(rest[0])
			size, ok := types.SampleSize(codec)
			if !ok {
				return types.ErrUnknownCodec
			}
			if len(rest) < 1+size {
				return types.ErrFrameTruncated
			}
			timespan, _ := types.Timespan(codec)
			start := end - timespan + 1
			f.Samples = append(f.Samples, SampleGroup{
				Codec:     codec,
				StartTime: start,
				EndTime:   end,
				Bytes:     append([]byte(nil), rest[1:1+size]...),
			})
			rest = rest[1+size:]
			end -= timespan
		}
	}

	return nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
