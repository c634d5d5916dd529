// Package turn serializes prompt/reply exchanges for one console.
package turn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/avatar-chat/backend/internal/metrics"
	"github.com/zhouzirui/avatar-chat/backend/internal/model/audio"
	"github.com/zhouzirui/avatar-chat/backend/internal/model/chat"
)

const (
	// FallbackReply replaces a failed or empty assistant reply.
	FallbackReply = "Sorry, I couldn't process your request."
	// VoiceFallbackReply is used when a recording cannot be transcribed.
	VoiceFallbackReply = "Sorry, I couldn't process your voice input now. Please try later."
	// VoicePlaceholder 转写失败时记录中用户一栏的占位文本。
	VoicePlaceholder = "(voice message)"
	// EmptyVoiceReply is recorded for silent recordings under the notice policy.
	EmptyVoiceReply = "I didn't catch anything in that recording."
)

var (
	ErrBusy         = errors.New("a turn is already in progress")
	ErrEmptyPrompt  = errors.New("prompt is empty")
	ErrNoRecording  = errors.New("no finished recording")
	ErrNotCapturing = errors.New("not capturing")
	ErrNoSession    = errors.New("avatar session not initialized")
)

// State 轮次状态
type State string

const (
	StateIdle      State = "idle"
	StateCapturing State = "capturing"
	StatePending   State = "pending"
	StateSpeaking  State = "speaking"
)

// EmptyVoicePolicy decides what a silent recording leaves behind.
type EmptyVoicePolicy string

const (
	EmptyVoiceDrop   EmptyVoicePolicy = "drop"
	EmptyVoiceNotice EmptyVoicePolicy = "notice"
)

// Session is what a turn needs from the avatar session.
// Ready is checked before admission; turns are never run without a session.
type Session interface {
	Ready() bool
	Respond(ctx context.Context, text string) (string, error)
	Transcribe(ctx context.Context, artifact audio.Artifact) (string, error)
	Speak(ctx context.Context, text string) error
}

// Update is published whenever the state or the log changes.
type Update struct {
	State State       `json:"state"`
	Entry *chat.Entry `json:"entry,omitempty"`
}

// Options configures a Controller.
type Options struct {
	EmptyVoicePolicy EmptyVoicePolicy
	// Timeout bounds the assistant and transcription calls of one turn.
	Timeout      time.Duration
	OnUpdate     func(Update)
	OnDiagnostic func(string)
}

// Controller admits at most one turn at a time.
type Controller struct {
	session Session
	log     *chat.Log
	opts    Options
	logger  zerolog.Logger

	mu    sync.Mutex
	state State
}

// NewController 创建轮次控制器。
func NewController(session Session, log *chat.Log, opts Options, logger zerolog.Logger) *Controller {
	if opts.EmptyVoicePolicy == "" {
		opts.EmptyVoicePolicy = EmptyVoiceDrop
	}
	return &Controller{
		session: session,
		log:     log,
		opts:    opts,
		logger:  logger,
		state:   StateIdle,
	}
}

// State returns the current turn state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Busy reports whether a turn is in progress.
func (c *Controller) Busy() bool {
	return c.State() != StateIdle
}

// BeginCapture marks the start of a voice turn.
func (c *Controller) BeginCapture() error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		metrics.TurnRejections.WithLabelValues("busy").Inc()
		return ErrBusy
	}
	c.state = StateCapturing
	c.mu.Unlock()

	c.publish(Update{State: StateCapturing})
	return nil
}

// CancelCapture abandons a voice turn before it was submitted.
func (c *Controller) CancelCapture() error {
	c.mu.Lock()
	if c.state != StateCapturing {
		c.mu.Unlock()
		return ErrNotCapturing
	}
	c.state = StateIdle
	c.mu.Unlock()

	c.publish(Update{State: StateIdle})
	return nil
}

// SubmitText runs one text turn and blocks until the log entry is resolved.
// Admission is decided before any network call.
func (c *Controller) SubmitText(ctx context.Context, prompt string) (chat.Entry, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		metrics.TurnRejections.WithLabelValues("empty").Inc()
		return chat.Entry{}, ErrEmptyPrompt
	}
	if !c.session.Ready() {
		metrics.TurnRejections.WithLabelValues("no_session").Inc()
		return chat.Entry{}, ErrNoSession
	}
	if err := c.admit(StateIdle); err != nil {
		return chat.Entry{}, err
	}
	defer c.finish()

	start := time.Now()
	entry, outcome := c.respondAndSpeak(ctx, prompt)
	c.observe("text", outcome, start)
	return entry, nil
}

// SubmitVoice runs a voice turn on an uploaded recording. Only an idle
// controller accepts it; a recording in progress keeps the turn slot.
func (c *Controller) SubmitVoice(ctx context.Context, artifact audio.Artifact) (*chat.Entry, error) {
	if artifact.Encoding == "" {
		metrics.TurnRejections.WithLabelValues("no_recording").Inc()
		return nil, ErrNoRecording
	}
	if !c.session.Ready() {
		metrics.TurnRejections.WithLabelValues("no_session").Inc()
		return nil, ErrNoSession
	}
	if err := c.admit(StateIdle); err != nil {
		return nil, err
	}
	defer c.finish()
	return c.runVoice(ctx, artifact)
}

// SubmitCaptured finishes the turn opened by BeginCapture. A rejected
// recording releases the capture so the controller returns to idle.
func (c *Controller) SubmitCaptured(ctx context.Context, artifact audio.Artifact) (*chat.Entry, error) {
	var reject error
	switch {
	case artifact.Encoding == "":
		metrics.TurnRejections.WithLabelValues("no_recording").Inc()
		reject = ErrNoRecording
	case !c.session.Ready():
		metrics.TurnRejections.WithLabelValues("no_session").Inc()
		reject = ErrNoSession
	}
	if reject != nil {
		if err := c.CancelCapture(); err != nil {
			return nil, err
		}
		return nil, reject
	}
	if err := c.admit(StateCapturing); err != nil {
		return nil, err
	}
	defer c.finish()
	return c.runVoice(ctx, artifact)
}

// runVoice transcribes the recording and, when it yields text, continues as
// a text turn.
func (c *Controller) runVoice(ctx context.Context, artifact audio.Artifact) (*chat.Entry, error) {
	start := time.Now()
	text, err := c.transcribe(ctx, artifact)
	if err != nil {
		c.diagnostic(fmt.Sprintf("Error transcribing audio: %v", err))
		c.append(VoicePlaceholder)
		entry := c.resolve(VoiceFallbackReply)
		c.speak(ctx, VoiceFallbackReply)
		c.observe("voice", "transcription_failed", start)
		return &entry, nil
	}

	if text == "" {
		c.logger.Debug().Int("bytes", len(artifact.Data)).Msg("empty transcription")
		if c.opts.EmptyVoicePolicy == EmptyVoiceNotice {
			c.append(VoicePlaceholder)
			entry := c.resolve(EmptyVoiceReply)
			c.observe("voice", "empty", start)
			return &entry, nil
		}
		c.observe("voice", "dropped", start)
		return nil, nil
	}

	entry, outcome := c.respondAndSpeak(ctx, text)
	c.observe("voice", outcome, start)
	return &entry, nil
}

// admit moves the controller from the given state to pending.
func (c *Controller) admit(from State) error {
	c.mu.Lock()
	if c.state != from {
		c.mu.Unlock()
		if from == StateCapturing {
			metrics.TurnRejections.WithLabelValues("not_capturing").Inc()
			return ErrNotCapturing
		}
		metrics.TurnRejections.WithLabelValues("busy").Inc()
		return ErrBusy
	}
	c.state = StatePending
	c.mu.Unlock()

	c.publish(Update{State: StatePending})
	return nil
}

func (c *Controller) finish() {
	c.setState(StateIdle)
}

func (c *Controller) setState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
	c.publish(Update{State: state})
}

func (c *Controller) respondAndSpeak(ctx context.Context, prompt string) (chat.Entry, string) {
	c.append(prompt)

	outcome := "replied"
	reply, err := c.respond(ctx, prompt)
	switch {
	case err != nil:
		c.diagnostic(fmt.Sprintf("Error getting response: %v", err))
		reply = FallbackReply
		outcome = "fallback"
	case strings.TrimSpace(reply) == "":
		c.diagnostic("Assistant returned an empty reply")
		reply = FallbackReply
		outcome = "fallback"
	}

	entry := c.resolve(reply)
	c.speak(ctx, reply)
	return entry, outcome
}

func (c *Controller) respond(ctx context.Context, prompt string) (string, error) {
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}
	return c.session.Respond(ctx, prompt)
}

func (c *Controller) transcribe(ctx context.Context, artifact audio.Artifact) (string, error) {
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}
	text, err := c.session.Transcribe(ctx, artifact)
	return strings.TrimSpace(text), err
}

// speak never fails the turn; the session may have ended meanwhile.
func (c *Controller) speak(ctx context.Context, reply string) {
	c.setState(StateSpeaking)
	if err := c.session.Speak(ctx, reply); err != nil {
		c.logger.Warn().Err(err).Msg("speak failed")
		c.diagnostic(fmt.Sprintf("Error speaking reply: %v", err))
	}
}

func (c *Controller) append(user string) chat.Entry {
	entry := c.log.Append(user, "")
	c.publish(Update{State: c.State(), Entry: &entry})
	return entry
}

func (c *Controller) resolve(reply string) chat.Entry {
	entry, _ := c.log.UpdateLast(reply)
	c.publish(Update{State: c.State(), Entry: &entry})
	return entry
}

func (c *Controller) observe(modality, outcome string, start time.Time) {
	metrics.Turns.WithLabelValues(modality, outcome).Inc()
	metrics.TurnDuration.WithLabelValues(modality).Observe(time.Since(start).Seconds())
	c.logger.Info().Str("modality", modality).Str("outcome", outcome).Dur("elapsed", time.Since(start)).Msg("turn finished")
}

func (c *Controller) publish(update Update) {
	if c.opts.OnUpdate != nil {
		c.opts.OnUpdate(update)
	}
}

func (c *Controller) diagnostic(line string) {
	c.logger.Error().Msg(line)
	if c.opts.OnDiagnostic != nil {
		c.opts.OnDiagnostic(line)
	}
}
