package transport

// Ceilings holds the hard size limits of the light transport. Upload and
// download ceilings differ and are configured independently.
type Ceilings struct {
	LightUpload   int64
	LightDownload int64
	MaxFileSize   int64 // absolute relay limit, both transports
}

// Router selects the transport for an operation based on object size and the
// heavy transport's availability.
type Router struct {
	ceilings Ceilings
	heavy    Heavy
}

// NewRouter builds a router. heavy may be an implementation whose Available
// method returns false; it is queried per call, never assumed.
func NewRouter(ceilings Ceilings, heavy Heavy) *Router {
	return &Router{ceilings: ceilings, heavy: heavy}
}

// ChooseUpload picks the transport for uploading size bytes.
// Returns ErrTooLarge when size exceeds the light ceiling and no heavy
// transport is available, so callers fail before touching the network.
func (r *Router) ChooseUpload(size int64) (Kind, error) {
	return r.choose(size, r.ceilings.LightUpload)
}

// ChooseDownload picks the transport for downloading size bytes. The
// download ceiling is typically much smaller than the upload ceiling.
func (r *Router) ChooseDownload(size int64) (Kind, error) {
	return r.choose(size, r.ceilings.LightDownload)
}

func (r *Router) choose(size, lightCeiling int64) (Kind, error) {
	if r.ceilings.MaxFileSize > 0 && size > r.ceilings.MaxFileSize {
		return "", ErrTooLarge
	}
	if size <= lightCeiling {
		return KindLight, nil
	}
	if r.heavy != nil && r.heavy.Available() {
		return KindHeavy, nil
	}
	return "", ErrTooLarge
}

// Heavy returns the configured heavy transport, which may be unavailable.
func (r *Router) Heavy() Heavy {
	return r.heavy
}

// Ceilings returns the configured size limits.
func (r *Router) Ceilings() Ceilings {
	return r.ceilings
}
