package effect

// Fit is the aspect-fit placement of the camera image inside the view.
type Fit struct {
	ScaleX, ScaleY   float64
	OffsetX, OffsetY float64
}

type layoutState struct {
	viewW, viewH     int
	cameraW, cameraH int
	pending          bool
	fit              Fit
	valid            bool
}

// SetViewSize records the destination size and runs any deferred re-layout.
func (p *Pipeline) SetViewSize(w, h int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.layout.viewW, p.layout.viewH = w, h
	p.relayoutLocked()
}

// CameraChanged schedules a re-layout for a new camera image size. The
// layout is only recomputed once the view has a non-zero size.
func (p *Pipeline) CameraChanged(w, h int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.layout.cameraW, p.layout.cameraH = w, h
	p.layout.pending = true
	p.relayoutLocked()
}

// Layout returns the current fit and whether it is valid.
func (p *Pipeline) Layout() (Fit, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.layout.fit, p.layout.valid
}

func (p *Pipeline) relayoutLocked() {
	l := &p.layout
	if !l.pending || l.viewW <= 0 || l.viewH <= 0 || l.cameraW <= 0 || l.cameraH <= 0 {
		return
	}
	l.fit = aspectFit(l.cameraW, l.cameraH, l.viewW, l.viewH)
	l.valid = true
	l.pending = false
}

// aspectFit scales src into dst preserving aspect ratio and centres it.
// Scales are relative to dst (1 = full width/height).
func aspectFit(srcW, srcH, dstW, dstH int) Fit {
	srcAspect := float64(srcW) / float64(srcH)
	dstAspect := float64(dstW) / float64(dstH)
	f := Fit{ScaleX: 1, ScaleY: 1}
	if srcAspect > dstAspect {
		f.ScaleY = dstAspect / srcAspect
		f.OffsetY = (1 - f.ScaleY) / 2
	} else {
		f.ScaleX = srcAspect / dstAspect
		f.OffsetX = (1 - f.ScaleX) / 2
	}
	return f
}
