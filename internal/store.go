package internal

// Quality identifies one encoded rendition of a medium. Its string form
// is used both on the wire and in on-disk segment names.
type Quality string

func (q Quality) String() string {
	return string(q)
}

// SegmentStore is the live segment inventory for one medium (audio or
// video) of one channel: a (quality, timestamp) -> blob mapping plus a
// per-quality initialization blob. Timestamps lie on the stride lattice
// {k*duration : k >= 0}. The store is only touched from the engine
// goroutine.
type SegmentStore struct {
	duration  uint64
	retention int
	inits     map[Quality][]byte
	segments  map[Quality]map[uint64][]byte
	liveEdge  uint64
	hasEdge   bool
}

// NewSegmentStore creates a store with the given stride (in channel
// timescale units). retention limits the number of segments kept per
// quality; 0 keeps everything.
func NewSegmentStore(duration uint64, retention int) *SegmentStore {
	return &SegmentStore{
		duration:  duration,
		retention: retention,
		inits:     make(map[Quality][]byte),
		segments:  make(map[Quality]map[uint64][]byte),
	}
}

// Duration returns the fixed stride between segment timestamps.
func (s *SegmentStore) Duration() uint64 {
	return s.duration
}

// PutInit installs the initialization blob for a quality. Overwrites
// are idempotent from readers' perspective.
func (s *SegmentStore) PutInit(q Quality, blob []byte) {
	s.inits[q] = blob
}

// PutSegment installs a segment blob and advances the live edge.
// Timestamps off the stride lattice are stored as-is; the writer is
// trusted to produce lattice-aligned names.
func (s *SegmentStore) PutSegment(q Quality, ts uint64, blob []byte) {
	m, ok := s.segments[q]
	if !ok {
		m = make(map[uint64][]byte)
		s.segments[q] = m
	}
	m[ts] = blob
	if !s.hasEdge || ts > s.liveEdge {
		s.liveEdge = ts
		s.hasEdge = true
	}
	s.pruneQuality(q)
}

// pruneQuality evicts oldest segments beyond the retention limit.
func (s *SegmentStore) pruneQuality(q Quality) {
	if s.retention <= 0 {
		return
	}
	m := s.segments[q]
	for len(m) > s.retention {
		oldest := uint64(0)
		first := true
		for ts := range m {
			if first || ts < oldest {
				oldest = ts
				first = false
			}
		}
		delete(m, oldest)
	}
}

// Ready reports whether the segment at ts can be served: some quality
// holds both its init blob and the segment at ts.
func (s *SegmentStore) Ready(ts uint64) bool {
	for q, m := range s.segments {
		if _, ok := m[ts]; !ok {
			continue
		}
		if _, ok := s.inits[q]; ok {
			return true
		}
	}
	return false
}

// HasSegment reports whether (q, ts) is present.
func (s *SegmentStore) HasSegment(q Quality, ts uint64) bool {
	m, ok := s.segments[q]
	if !ok {
		return false
	}
	_, ok = m[ts]
	return ok
}

// HasInit reports whether the init blob for q is present.
func (s *SegmentStore) HasInit(q Quality) bool {
	_, ok := s.inits[q]
	return ok
}

// Data returns the segment bytes at (q, ts).
func (s *SegmentStore) Data(q Quality, ts uint64) ([]byte, error) {
	m, ok := s.segments[q]
	if !ok {
		return nil, ErrNotFound
	}
	blob, ok := m[ts]
	if !ok {
		return nil, ErrNotFound
	}
	return blob, nil
}

// Init returns the initialization bytes for q.
func (s *SegmentStore) Init(q Quality) ([]byte, error) {
	blob, ok := s.inits[q]
	if !ok {
		return nil, ErrNotReady
	}
	return blob, nil
}

// LiveEdge returns the newest timestamp seen, if any segment has
// arrived yet.
func (s *SegmentStore) LiveEdge() (uint64, bool) {
	return s.liveEdge, s.hasEdge
}

// InitTimestamp returns the starting timestamp for a newly joining
// client: the newest ready timestamp at least one stride behind the
// live edge, so a joiner never races the writer.
func (s *SegmentStore) InitTimestamp() (uint64, error) {
	if !s.hasEdge || s.liveEdge < s.duration {
		return 0, ErrNotReady
	}
	oldest, ok := s.OldestReady()
	if !ok {
		return 0, ErrNotReady
	}
	for ts := s.liveEdge - s.duration; ; ts -= s.duration {
		if s.Ready(ts) {
			return ts, nil
		}
		if ts < oldest+s.duration {
			break
		}
	}
	return 0, ErrNotReady
}

// FindTimestamp projects ts onto this store's stride lattice: the
// largest lattice point <= ts. Used to realign audio to video on bind.
func (s *SegmentStore) FindTimestamp(ts uint64) uint64 {
	return ts - ts%s.duration
}

// OldestReady returns the smallest ready timestamp in the store.
func (s *SegmentStore) OldestReady() (uint64, bool) {
	oldest := uint64(0)
	found := false
	for q, m := range s.segments {
		if _, ok := s.inits[q]; !ok {
			continue
		}
		for ts := range m {
			if !found || ts < oldest {
				oldest = ts
				found = true
			}
		}
	}
	return oldest, found
}
