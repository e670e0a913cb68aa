// Package message holds outbound payloads and the batch queue that feeds them
// through delivery sessions.
package message

import (
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/orsinium-labs/enum"

	"github.com/librescoot/linefsm"
)

// DeliveryState is the observable delivery status of a Message
type DeliveryState enum.Member[string]

var (
	StateQueued    = DeliveryState{"queued"}
	StateDelivered = DeliveryState{"delivered"}
	StateFailed    = DeliveryState{"failed"}
	// StateRetry marks a message handed back to the pending queue
	StateRetry     = DeliveryState{"retry"}
	DeliveryStates = enum.New(StateQueued, StateDelivered, StateFailed, StateRetry)
)

func (s DeliveryState) String() string {
	return s.Value
}

// Outcome is what a delivery attempt decided for a message. Retry is a
// control signal, not a failure: it puts the message back on the queue.
type Outcome int

const (
	Delivered Outcome = iota
	Failed
	Retry
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Failed:
		return "failed"
	case Retry:
		return "retry"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

func (o Outcome) state() DeliveryState {
	switch o {
	case Delivered:
		return StateDelivered
	case Retry:
		return StateRetry
	}
	return StateFailed
}

// DeliveryResult records one delivery attempt
type DeliveryResult struct {
	// Code is of the form SMTP_NNN, SOCKS5_NNN or HTTP_NNN
	Code       string
	Message    string
	ProxyHost  string
	ProxyPort  int
	TargetHost string
	TargetPort int
	Delivered  bool
	Outcome    Outcome
}

var resultSchema = linefsm.MustSchema(
	linefsm.WithAttrs("code", "message", "proxy_host", "target_host"),
	linefsm.WithAttr("proxy_port", linefsm.WithConvert(linefsm.ToInt)),
	linefsm.WithAttr("target_port", linefsm.WithConvert(linefsm.ToInt)),
	linefsm.WithAttr("delivered", linefsm.Boolean(), linefsm.Default(false)),
)

// ResultFrom builds a DeliveryResult from loosely typed values, such as
// those collected by a session context. Ports are converted to int and
// delivered is coerced to a boolean. The outcome is Delivered when delivered
// is true and Failed otherwise.
func ResultFrom(values map[string]any) (DeliveryResult, error) {
	c, err := resultSchema.New(values)
	if err != nil {
		return DeliveryResult{}, fmt.Errorf("delivery result: %w", err)
	}
	r := DeliveryResult{
		Code:       c.String("code"),
		Message:    c.String("message"),
		ProxyHost:  c.String("proxy_host"),
		ProxyPort:  c.Int("proxy_port"),
		TargetHost: c.String("target_host"),
		TargetPort: c.Int("target_port"),
		Delivered:  c.Bool("delivered"),
		Outcome:    Failed,
	}
	if r.Delivered {
		r.Outcome = Delivered
	}
	return r, nil
}

// Message is one outbound payload. Its delivery history is safe for
// concurrent use.
type Message struct {
	ID   string
	Path string
	Data []byte

	mu      sync.Mutex
	state   DeliveryState
	results []DeliveryResult
}

// New creates a queued message with a fresh ID
func New(data []byte) *Message {
	return &Message{
		ID:    uuid.NewString(),
		Data:  data,
		state: StateQueued,
	}
}

// Load reads a message from a file
func Load(path string) (*Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load message: %w", err)
	}
	m := New(data)
	m.Path = path
	return m, nil
}

// State returns the current delivery state
func (m *Message) State() DeliveryState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Results returns the delivery attempts recorded so far
func (m *Message) Results() []DeliveryResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DeliveryResult(nil), m.results...)
}

// Attempts returns the number of recorded delivery attempts
func (m *Message) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.results)
}

func (m *Message) record(r DeliveryResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, r)
	m.state = r.Outcome.state()
}

func (m *Message) String() string {
	return fmt.Sprintf("message(%s %s)", m.ID, m.State())
}
