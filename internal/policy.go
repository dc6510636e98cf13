package internal

// QualitySelector picks the rendition to serve for one client on one
// segment boundary. The returned quality must belong to the channel's
// quality list for the medium; a change of selection is permitted at
// any boundary and causes the next frame to carry an init blob.
type QualitySelector interface {
	SelectVideo(s *Session, ch *Channel) Quality
	SelectAudio(s *Session, ch *Channel) Quality
}

// StickySelector keeps the quality already being served, falling back
// to the channel's preferred (first-listed) quality on a fresh binding.
type StickySelector struct{}

func (StickySelector) SelectVideo(s *Session, ch *Channel) Quality {
	if q := s.CurrVQ(); q != nil {
		return *q
	}
	return ch.VideoQualities()[0]
}

func (StickySelector) SelectAudio(s *Session, ch *Channel) Quality {
	if q := s.CurrAQ(); q != nil {
		return *q
	}
	return ch.AudioQualities()[0]
}

// BufferAwareSelector steps down the quality list (toward the cheaper
// tail) while the client's reported buffer is below LowWater and back
// up toward the head once it exceeds HighWater. Between the watermarks
// it is sticky.
type BufferAwareSelector struct {
	LowWater  float64 // seconds
	HighWater float64 // seconds
}

func (b BufferAwareSelector) SelectVideo(s *Session, ch *Channel) Quality {
	return b.step(s.CurrVQ(), ch.VideoQualities(), s.VideoBufferLen())
}

func (b BufferAwareSelector) SelectAudio(s *Session, ch *Channel) Quality {
	return b.step(s.CurrAQ(), ch.AudioQualities(), s.AudioBufferLen())
}

func (b BufferAwareSelector) step(curr *Quality, list []Quality, bufferLen float64) Quality {
	if curr == nil {
		return list[0]
	}
	idx := 0
	for i, q := range list {
		if q == *curr {
			idx = i
			break
		}
	}
	switch {
	case bufferLen < b.LowWater && idx < len(list)-1:
		return list[idx+1]
	case bufferLen > b.HighWater && idx > 0:
		return list[idx-1]
	default:
		return list[idx]
	}
}
