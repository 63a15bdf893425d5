package handlers

// WithFeed replaces the live feed the handlers publish to.
func (m Main) WithFeed(f feed) Main {
	m.sseSrv = f
	return m
}
