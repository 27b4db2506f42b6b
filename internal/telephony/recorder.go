package telephony

import (
	"fmt"

	"github.com/voxrun/voice-runtime/internal/blobstore"
	"github.com/voxrun/voice-runtime/internal/recording"
)

// CallRecorder accumulates one call's inbound and outbound audio into a
// single linear buffer (matching the gateway's native rate, per the
// recording-rate open question resolved in DESIGN.md) and flushes it to the
// blob store on Finalize, satisfying pipeline.Recorder.
type CallRecorder struct {
	tenantID, campaignID, callID string
	buf                          *recording.Buffer
	store                        blobstore.Store
}

// NewCallRecorder builds a CallRecorder writing format-conformant audio at
// sampleRate; store is nil-safe — a nil store disables persistence but
// still accumulates bytes so DurationSeconds stays meaningful in tests.
func NewCallRecorder(tenantID, campaignID, callID string, sampleRate int, store blobstore.Store) *CallRecorder {
	return &CallRecorder{
		tenantID:   tenantID,
		campaignID: campaignID,
		callID:     callID,
		buf:        recording.New(recording.Format{SampleRate: sampleRate, Channels: 1, BitDepth: 16}),
		store:      store,
	}
}

// WriteInbound appends caller audio to the shared buffer. The buffer does
// not distinguish direction — both legs render into one mono track, matching
// the Non-goal that excludes stereo/dual-track recording.
func (r *CallRecorder) WriteInbound(pcm []byte) error {
	r.buf.Append(pcm)
	return nil
}

// WriteOutbound appends synthesized audio to the shared buffer.
func (r *CallRecorder) WriteOutbound(pcm []byte) error {
	r.buf.Append(pcm)
	return nil
}

// Finalize renders the accumulated audio to WAV and stores it, returning the
// blob store's relative path. A nil store or zero-length buffer yields an
// empty path without error.
func (r *CallRecorder) Finalize() (string, error) {
	if r.store == nil || r.buf.Len() == 0 {
		return "", nil
	}
	wav, err := r.buf.WAV()
	if err != nil {
		return "", fmt.Errorf("telephony: rendering recording for call %s: %w", r.callID, err)
	}
	path, err := r.store.Put(r.tenantID, r.campaignID, r.callID, wav)
	if err != nil {
		return "", fmt.Errorf("telephony: storing recording for call %s: %w", r.callID, err)
	}
	return path, nil
}
