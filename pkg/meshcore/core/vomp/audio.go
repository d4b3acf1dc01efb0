package vomp

import (
	"github.com/gardners/meshcore/pkg/meshcore/types"
)

// audioStarted is tracked per-call only implicitly: the rotor has a
// filled block once SendAudio has been called, and "start audio" in
// §4.8's INCALL,INCALL row is simply "accept SendAudio calls now" — no
// separate flag is kept. SendAudio does not check the call state itself;
// gating it on both sides being InCall is left to the caller, the
// embedding program's own audio source.

// SendAudio accepts one encoded sample block on the send path: the
// rotor's current block is filled up to sample_size(codec) bytes;
// overflow or a full block triggers frame emission by the caller
// checking ShouldIncludeAudio/EncodeFrame on its next status send. A
// codec change mid-block is logged, not fatal.
func (c *Core) SendAudio(call *Call, codec types.Codec, data []byte) error {
	size, ok := types.SampleSize(codec)
	if !ok {
		return types.ErrUnknownCodec
	}
	timespan, _ := types.Timespan(codec)

	cur := &call.RecentSamples[call.SampleRotor]
	if cur.Len == 0 {
		cur.Codec = codec
		cur.StartTimeMs = call.AudioClock
		cur.EndTimeMs = call.AudioClock + timespan - 1
		call.AudioClock += timespan
	} else if cur.Codec != codec {
		if c.logger != nil {
			c.logger.Warnf("vomp: codec changed mid-block for session %06x", call.Local.Session)
		}
	}

	n := copy(cur.Bytes[cur.Len:size], data)
	cur.Len += n

	if cur.Len >= size {
		call.SampleRotor = (call.SampleRotor + 1) % MaxRecentSamples
		call.RecentSamples[call.SampleRotor] = SampleBlock{}
	}
	return nil
}

// stopAudio resets the rotor, used when a call transitions out of INCALL
// (hangup, forced CALLENDED).
func (c *Core) stopAudio(call *Call) {
	for i := range call.RecentSamples {
		call.RecentSamples[i] = SampleBlock{}
	}
	call.SampleRotor = 0
}

// alreadySeen reports whether endTime is present in the 4N-entry dedup
// ring, and if not, records it (evicting the oldest entry).
func alreadySeen(call *Call, endTime uint32) bool {
	for _, v := range call.SeenSamples {
		if v == endTime {
			return true
		}
	}
	call.SeenSamples[call.SamplePos] = endTime
	call.SamplePos = (call.SamplePos + 1) % seenRingSize
	return false
}

// processAudio implements the §4.9 receive path: iterate the decoded
// sample groups (already newest-first), dedup against the seen ring, and
// forward new samples to monitor clients as AUDIOPACKET.
func (c *Core) processAudio(call *Call, decoded *DecodedFrame) {
	for _, g := range decoded.Samples {
		if alreadySeen(call, g.EndTime) {
			continue
		}
		c.notifier.TellAudio(uint32(call.Local.Session), byte(g.Codec), g.StartTime, g.EndTime, g.Bytes)
	}
}
