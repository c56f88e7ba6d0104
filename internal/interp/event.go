package interp

// Kind names the category of an Event. The values double as the suffix of
// the realtime message types ("script." + kind).
type Kind string

const (
	KindOutput Kind = "output"
	KindInfo   Kind = "info"
	KindSQL    Kind = "sql"
	KindTable  Kind = "table"
	KindError  Kind = "error"
)

// Event is one unit of interpreter output ready to be rendered. The set of
// implementations is closed: OutLine, InfoBlock, SQLBlock, TableBlock and
// ErrorBlock. Consumers dispatch with a type switch.
type Event interface {
	Kind() Kind
	isEvent()
}

// OutLine is a raw stdout line seen outside any section.
type OutLine struct {
	Text string `json:"text"`
}

// InfoBlock is the body of an info section.
type InfoBlock struct {
	Text string `json:"text"`
}

// SQLBlock is the body of an sql section.
type SQLBlock struct {
	Text string `json:"text"`
}

// TableBlock is the body of a show section. Text is the CSV as emitted by
// the interpreter; Header and Rows are parsed from it.
type TableBlock struct {
	Text     string     `json:"text"`
	Header   []string   `json:"header,omitempty"`
	Rows     [][]string `json:"rows,omitempty"`
	ParseErr string     `json:"parseError,omitempty"`
}

// ErrorBlock aggregates everything the interpreter wrote to stderr during
// one run.
type ErrorBlock struct {
	Text string `json:"text"`
}

func (OutLine) Kind() Kind    { return KindOutput }
func (InfoBlock) Kind() Kind  { return KindInfo }
func (SQLBlock) Kind() Kind   { return KindSQL }
func (TableBlock) Kind() Kind { return KindTable }
func (ErrorBlock) Kind() Kind { return KindError }

func (OutLine) isEvent()    {}
func (InfoBlock) isEvent()  {}
func (SQLBlock) isEvent()   {}
func (TableBlock) isEvent() {}
func (ErrorBlock) isEvent() {}

// Sink receives events in the order they were read from the interpreter.
// Publish is called synchronously from the run's worker goroutine.
type Sink interface {
	Publish(Event)
}

// SinkFunc adapts an ordinary function to the Sink interface.
type SinkFunc func(Event)

// Publish calls f(e).
func (f SinkFunc) Publish(e Event) { f(e) }

// Collector is a Sink that keeps every event in memory.
type Collector struct {
	Events []Event
}

// Publish appends e.
func (c *Collector) Publish(e Event) { c.Events = append(c.Events, e) }
