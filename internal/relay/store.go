package relay

// cameraStore holds the per-camera state owned by a MediaRelay.
// The MediaRelay serialises all access, so implementations need no locking.
type cameraStore interface {
	GetCamera(id CameraID) (*camera, bool)
	SetCamera(c *camera)
	DeleteCamera(id CameraID)
	ListCameraIDs() []CameraID
}

// camera binds one Source to the FrameCache it feeds and tracks the
// sessions reading from that cache.
type camera struct {
	cfg      CameraConfig
	cache    *FrameCache
	source   *Source
	started  bool
	sessions map[string]*Session
}

// memoryStore is a map-backed cameraStore.
type memoryStore struct {
	cameras map[CameraID]*camera
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		cameras: make(map[CameraID]*camera),
	}
}

func (s *memoryStore) GetCamera(id CameraID) (*camera, bool) {
	c, ok := s.cameras[id]
	return c, ok
}

func (s *memoryStore) SetCamera(c *camera) {
	s.cameras[c.cfg.ID] = c
}

func (s *memoryStore) DeleteCamera(id CameraID) {
	delete(s.cameras, id)
}

// ListCameraIDs returns ids in no particular order.
func (s *memoryStore) ListCameraIDs() []CameraID {
	ids := make([]CameraID, 0, len(s.cameras))
	for id := range s.cameras {
		ids = append(ids, id)
	}
	return ids
}
