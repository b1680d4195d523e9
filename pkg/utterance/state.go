package utterance

import "time"

// Phase names the two states of the utterance boundary state machine.
type Phase int

const (
	Idle Phase = iota
	Active
)

// Command is what the state machine asks the caller to do with the
// Engine Worker as a result of feeding a chunk. The caller (the Audio
// Worker) is responsible for actually sending these as non-blocking
// engine requests; the state machine itself never touches the engine.
type Command int

const (
	// NoCommand means the chunk was consumed with no engine action.
	NoCommand Command = iota
	// ProcessAsync means send this chunk (and, on the rising edge, the
	// flushed lookback chunks before it) to the engine as process-async.
	ProcessAsync
	// FinalAsync means the trailing silence closed the utterance; send
	// final-async. TooShort reports whether the closed utterance's
	// duration fell below the configured minimum.
	FinalAsync
)

// Result is returned by Machine.Feed for each chunk the Audio Worker
// hands it.
type Result struct {
	Command Command
	// Lookback holds chunks to flush before the current one, in
	// insertion order, non-nil only on the rising edge of speech.
	Lookback [][]byte
	// TooShort is valid only when Command == FinalAsync: true means the
	// utterance's voiced duration was below min_duration and the Result
	// Dispatcher must discard the forthcoming Final silently.
	TooShort bool
}

// Machine is the utterance boundary state machine: it tracks the start
// and last-voice times and decides when to open and close an utterance.
// It is owned by the Audio Worker goroutine and is not safe for
// concurrent use.
type Machine struct {
	silenceSeconds time.Duration
	minDuration    time.Duration

	phase         Phase
	startTime     time.Time
	lastVoiceTime time.Time

	finalInFlight bool
}

// NewMachine creates a Machine with the given trailing-silence and
// minimum-duration settings. Callers construct a fresh Machine (or call
// Reconfigure between utterances) rather than mutating durations
// mid-utterance, so an in-progress utterance keeps the values captured
// at its start.
func NewMachine(silenceSeconds, minDuration float64) *Machine {
	return &Machine{
		silenceSeconds: secondsToDuration(silenceSeconds),
		minDuration:    secondsToDuration(minDuration),
	}
}

// Reconfigure updates the durations used for the *next* utterance. It
// must not be called while Phase() == Active, mirroring the copy-on-read
// rule for in-progress utterances.
func (m *Machine) Reconfigure(silenceSeconds, minDuration float64) {
	m.silenceSeconds = secondsToDuration(silenceSeconds)
	m.minDuration = secondsToDuration(minDuration)
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Phase reports the current state.
func (m *Machine) Phase() Phase {
	return m.phase
}

// Feed advances the state machine by one chunk. isSpeech is this chunk's
// VAD decision; now is the current time; lookback, if the rising edge
// fires, must be the Lookback buffer's Flush() result (including the
// current chunk already pushed onto it by the caller).
func (m *Machine) Feed(isSpeech bool, now time.Time, lookback [][]byte) Result {
	switch m.phase {
	case Idle:
		if !isSpeech {
			return Result{Command: NoCommand}
		}
		m.startTime = now
		m.lastVoiceTime = now
		m.phase = Active
		// finalInFlight deliberately survives this transition: a new
		// utterance can start before the Engine Worker has acknowledged
		// the previous one's Final, and a second Final must not be
		// issued while one is in flight. It only clears via FinalAcked.
		return Result{Command: ProcessAsync, Lookback: lookback}

	case Active:
		if isSpeech {
			m.lastVoiceTime = now
		}
		if now.Sub(m.lastVoiceTime) >= m.silenceSeconds {
			// Boundary fired. If an earlier Final is still in flight,
			// coalesce: don't issue a second one.
			if m.finalInFlight {
				m.phase = Idle
				return Result{Command: NoCommand}
			}
			duration := m.lastVoiceTime.Sub(m.startTime)
			m.finalInFlight = true
			m.phase = Idle
			return Result{Command: FinalAsync, TooShort: duration < m.minDuration}
		}
		return Result{Command: ProcessAsync}
	}
	return Result{Command: NoCommand}
}

// FinalAcked must be called when the Engine Worker reports a Final (or
// the fatal/discard path completes) so a subsequent boundary can issue a
// new Final request rather than coalescing forever.
func (m *Machine) FinalAcked() {
	m.finalInFlight = false
}

// TeardownReset clears state for an outgoing engine: the machine goes
// Idle and the last voice time is zeroed.
func (m *Machine) TeardownReset() {
	m.phase = Idle
	m.lastVoiceTime = time.Time{}
	m.finalInFlight = false
}
