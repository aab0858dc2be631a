package trace

// TraceLevel controls the verbosity of the report stream.
type TraceLevel string

const (
	// TraceLevelEvents records faults, refusals, batches, black swans and intents.
	TraceLevelEvents TraceLevel = "events"
	// TraceLevelAll additionally records every dispatch and completion.
	TraceLevelAll TraceLevel = "all"
)

// validTraceLevels maps accepted trace level strings.
var validTraceLevels = map[TraceLevel]bool{
	TraceLevelEvents: true,
	TraceLevelAll:    true,
	"":               true, // empty defaults to events
}

// IsValidTraceLevel returns true if the given level string is a recognized trace level.
func IsValidTraceLevel(level string) bool {
	return validTraceLevels[TraceLevel(level)]
}

// Log is the append-only report stream of one colony session.
// Faults are always recorded; the level only gates per-job detail.
type Log struct {
	Level       TraceLevel
	Faults      []FaultRecord
	Dispatches  []DispatchRecord
	Completions []CompletionRecord
	Batches     []BatchRecord
	Swans       []SwanRecord
	Intents     []IntentRecord
	Refusals    []RefusalRecord
}

// NewLog creates a Log ready for recording.
func NewLog(level TraceLevel) *Log {
	if level == "" {
		level = TraceLevelEvents
	}
	return &Log{Level: level}
}

// Detailed reports whether dispatch and completion records are kept.
func (l *Log) Detailed() bool {
	return l.Level == TraceLevelAll
}

// RecordFault appends a fault record.
func (l *Log) RecordFault(r FaultRecord) {
	l.Faults = append(l.Faults, r)
}

// RecordDispatch appends a dispatch record when the level is TraceLevelAll.
func (l *Log) RecordDispatch(r DispatchRecord) {
	if l.Detailed() {
		l.Dispatches = append(l.Dispatches, r)
	}
}

// RecordCompletion appends a completion record when the level is TraceLevelAll.
func (l *Log) RecordCompletion(r CompletionRecord) {
	if l.Detailed() {
		l.Completions = append(l.Completions, r)
	}
}

// RecordBatch appends a batch record.
func (l *Log) RecordBatch(r BatchRecord) {
	l.Batches = append(l.Batches, r)
}

// RecordSwan appends a black swan record.
func (l *Log) RecordSwan(r SwanRecord) {
	l.Swans = append(l.Swans, r)
}

// RecordIntent appends an intent record.
func (l *Log) RecordIntent(r IntentRecord) {
	l.Intents = append(l.Intents, r)
}

// RecordRefusal appends a refusal record.
func (l *Log) RecordRefusal(r RefusalRecord) {
	l.Refusals = append(l.Refusals, r)
}
