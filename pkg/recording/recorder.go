package recording

import (
	"github.com/getmockd/scriptbridge/pkg/reply"
)

// Recorder is a reply.Listener that records every finished reply into a
// Store and then forwards each event to an optional next listener.
//
// Like the tracker it listens to, a Recorder belongs to the loop goroutine.
type Recorder struct {
	store   *Store
	next    reply.Listener
	pending map[*reply.Proxy]*Recording
}

// NewRecorder creates a recorder writing to store. next may be nil.
func NewRecorder(store *Store, next reply.Listener) *Recorder {
	return &Recorder{
		store:   store,
		next:    next,
		pending: make(map[*reply.Proxy]*Recording),
	}
}

// Begin starts the clock for a proxy just returned by Tracker.Track. Replies
// that were never passed to Begin are timed from their first event.
func (r *Recorder) Begin(p *reply.Proxy, id reply.RequestID) {
	if _, ok := r.pending[p]; !ok {
		r.pending[p] = NewRecording(id, p.URL())
	}
}

func (r *Recorder) recordingFor(p *reply.Proxy, id reply.RequestID) *Recording {
	rec, ok := r.pending[p]
	if !ok {
		rec = NewRecording(id, p.URL())
		r.pending[p] = rec
	}
	return rec
}

// Started implements reply.Listener.
func (r *Recorder) Started(p *reply.Proxy, id reply.RequestID) {
	r.recordingFor(p, id).Started = true
	if r.next != nil {
		r.next.Started(p, id)
	}
}

// Finished implements reply.Listener.
func (r *Recorder) Finished(ev reply.FinishedEvent) {
	rec := r.recordingFor(ev.Proxy, ev.RequestID)
	delete(r.pending, ev.Proxy)
	rec.CaptureFinished(ev)
	r.store.Add(rec)
	if r.next != nil {
		r.next.Finished(ev)
	}
}

// SSLErrors implements reply.Listener.
func (r *Recorder) SSLErrors(p *reply.Proxy, errs []error) {
	if rec, ok := r.pending[p]; ok {
		for _, err := range errs {
			rec.SSLErrors = append(rec.SSLErrors, err.Error())
		}
	}
	if r.next != nil {
		r.next.SSLErrors(p, errs)
	}
}

// Error implements reply.Listener.
func (r *Recorder) Error(p *reply.Proxy, id reply.RequestID, kind reply.ErrorKind) {
	r.recordingFor(p, id)
	if r.next != nil {
		r.next.Error(p, id, kind)
	}
}

// InFlight returns the number of replies seen but not yet finished.
func (r *Recorder) InFlight() int { return len(r.pending) }
