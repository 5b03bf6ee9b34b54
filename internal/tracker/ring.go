package tracker

// ring keeps the last n smoothed points, oldest first.
type ring struct {
	buf   []point
	start int
	n     int
}

func newRing(size int) *ring {
	return &ring{buf: make([]point, size)}
}

func (r *ring) len() int { return r.n }

func (r *ring) push(p point) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = p
		r.n++
		return
	}
	r.buf[r.start] = p
	r.start = (r.start + 1) % len(r.buf)
}

// at returns the i-th point, 0 being the oldest.
func (r *ring) at(i int) point {
	return r.buf[(r.start+i)%len(r.buf)]
}

func (r *ring) lastTwo() (prev, last point, ok bool) {
	if r.n < 2 {
		return point{}, point{}, false
	}
	return r.at(r.n - 2), r.at(r.n - 1), true
}

func (r *ring) reset() {
	r.start = 0
	r.n = 0
}
