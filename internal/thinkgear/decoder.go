package thinkgear

// Stats counts what a Decode pass saw besides valid frames.
type Stats struct {
	Frames         int `json:"frames"`
	Discarded      int `json:"discardedBytes"`
	ChecksumErrors int `json:"checksumErrors"`
	InvalidLength  int `json:"invalidLength"`
	Malformed      int `json:"malformed"`
	Empty          int `json:"empty"`
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.Frames += o.Frames
	s.Discarded += o.Discarded
	s.ChecksumErrors += o.ChecksumErrors
	s.InvalidLength += o.InvalidLength
	s.Malformed += o.Malformed
	s.Empty += o.Empty
}

// Corrupt returns the number of frames rejected after sync was found.
func (s Stats) Corrupt() int {
	return s.ChecksumErrors + s.InvalidLength + s.Malformed
}

// Decode scans buf for packets and returns the decoded frames in stream order
// together with the number of leading bytes the caller may drop. Bytes from the
// start of an incomplete packet onwards are never consumed.
func Decode(buf []byte) ([]Frame, int, Stats) {
	var (
		frames []Frame
		stats  Stats
	)

	n := len(buf)
	i := 0
	for i < n {
		if buf[i] != SyncByte {
			i++
			stats.Discarded++
			continue
		}
		if i+1 >= n {
			// Lone trailing sync byte: its partner may be in the next read.
			break
		}
		if buf[i+1] != SyncByte {
			i++
			stats.Discarded++
			continue
		}
		if i+2 >= n {
			break
		}

		length := int(buf[i+2])
		if length == SyncByte {
			// Extra sync byte; the pair starts one byte later.
			i++
			stats.Discarded++
			continue
		}
		if length > MaxPayloadLength {
			i++
			stats.Discarded++
			stats.InvalidLength++
			continue
		}

		end := i + headerLength + length + 1
		if end > n {
			break
		}

		payload := buf[i+headerLength : end-1]
		if Checksum(payload) != buf[end-1] {
			stats.ChecksumErrors++
			i = end
			continue
		}
		i = end

		frame, ok := parsePayload(payload)
		switch {
		case !ok:
			stats.Malformed++
		case frame.Empty():
			stats.Empty++
		default:
			frames = append(frames, frame)
			stats.Frames++
		}
	}

	return frames, i, stats
}

// parsePayload walks the data rows of a checksummed payload. It returns false
// when a row runs past the end of the payload; nothing from such a payload is
// kept.
func parsePayload(payload []byte) (Frame, bool) {
	var frame Frame

	for j := 0; j < len(payload); {
		code := payload[j]
		j++
		if code == ExCodeByte {
			continue
		}

		if code < multiByteThreshold {
			if j >= len(payload) {
				return Frame{}, false
			}
			value := payload[j]
			j++

			switch code {
			case CodePoorSignal:
				if value <= MaxSignalQuality {
					frame.SignalQuality = &value
				}
			case CodeAttention:
				if value <= MaxESense {
					frame.Attention = &value
				}
			case CodeMeditation:
				if value <= MaxESense {
					frame.Relaxation = &value
				}
			}
			continue
		}

		if j >= len(payload) {
			return Frame{}, false
		}
		rowLength := int(payload[j])
		j++
		if j+rowLength > len(payload) {
			return Frame{}, false
		}
		row := payload[j : j+rowLength]
		j += rowLength

		if code == CodeASICEEGPower && rowLength == bandBlockLength {
			bands := decodeBands(row)
			frame.Bands = &bands
		}
	}

	return frame, true
}
