package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/avatar-chat/backend/internal/metrics"
	"github.com/zhouzirui/avatar-chat/backend/internal/model/audio"
)

var (
	ErrAlreadyRecording    = errors.New("recording already in progress")
	ErrNotRecording        = errors.New("no recording in progress")
	ErrPermissionDenied    = errors.New("microphone permission denied")
	ErrNoSupportedEncoding = errors.New("no supported audio encoding")
)

// Microphone is the platform primitive behind a recorder.
type Microphone interface {
	RequestPermission(ctx context.Context) error
	Supports(encoding string) bool
}

// Recorder buffers encoded chunks for one recording at a time.
type Recorder struct {
	mu        sync.Mutex
	mic       Microphone
	logger    zerolog.Logger
	recording bool
	encoding  string
	chunks    int
	buffer    bytes.Buffer
}

// NewRecorder 创建录音器。
func NewRecorder(mic Microphone, logger zerolog.Logger) *Recorder {
	return &Recorder{mic: mic, logger: logger}
}

// SetMicrophone swaps the platform primitive; it only takes effect for the next Start.
func (r *Recorder) SetMicrophone(mic Microphone) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mic = mic
}

// Start requests permission and picks the first supported encoding.
// On failure the recorder stays idle and keeps no partial state.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return ErrAlreadyRecording
	}
	if r.mic == nil {
		metrics.Recordings.WithLabelValues("no_microphone").Inc()
		return ErrPermissionDenied
	}

	if err := r.mic.RequestPermission(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("microphone access failed")
		metrics.Recordings.WithLabelValues("denied").Inc()
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}

	encoding := negotiateEncoding(r.mic)
	if encoding == "" {
		r.logger.Warn().Msg("no supported audio encoding")
		metrics.Recordings.WithLabelValues("unsupported").Inc()
		return ErrNoSupportedEncoding
	}

	r.buffer.Reset()
	r.chunks = 0
	r.encoding = encoding
	r.recording = true
	r.logger.Debug().Str("encoding", encoding).Msg("recording started")
	return nil
}

// Write appends one encoded chunk to the current recording.
func (r *Recorder) Write(chunk []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.recording {
		return ErrNotRecording
	}
	if len(chunk) == 0 {
		return nil
	}
	r.buffer.Write(chunk)
	r.chunks++
	return nil
}

// Stop finalizes the buffered chunks into one artifact and clears the buffer.
// The artifact owns a copy of the bytes.
func (r *Recorder) Stop() (audio.Artifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.recording {
		return audio.Artifact{}, ErrNotRecording
	}

	artifact := audio.Artifact{
		Data:     bytes.Clone(r.buffer.Bytes()),
		Encoding: r.encoding,
		Chunks:   r.chunks,
	}

	r.buffer.Reset()
	r.chunks = 0
	r.recording = false
	metrics.Recordings.WithLabelValues("finished").Inc()
	r.logger.Debug().Int("bytes", len(artifact.Data)).Int("chunks", artifact.Chunks).Msg("recording stopped")
	return artifact, nil
}

// Recording 是否正在录音。
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// Buffered returns the number of bytes held for the current recording.
func (r *Recorder) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buffer.Len()
}

func negotiateEncoding(mic Microphone) string {
	for _, encoding := range audio.PreferredEncodings {
		if mic.Supports(encoding) {
			return encoding
		}
	}
	return ""
}
