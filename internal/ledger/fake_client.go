package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/token-custody/internal/types"
)

// SentMessage records one message submitted through the FakeClient
type SentMessage struct {
	Msg        *Message
	TxID       string
	SignerAddr string
}

type scripted struct {
	result *Result
	err    error
}

// FakeClient is an in-memory Client for tests. Responses are scripted per
// action and consumed in order; the last scripted response for an action is
// sticky so "the remote always answers X" scenarios need one entry. Every
// send and dry-run is recorded for assertions.
type FakeClient struct {
	mu       sync.Mutex
	seq      int
	sent     []SentMessage
	dryRuns  []*Message
	txAction map[string]string
	results  map[string][]scripted
	dryRes   map[string][]scripted
	sendErrs map[string]error
}

// NewFakeClient creates an empty fake client
func NewFakeClient() *FakeClient {
	return &FakeClient{
		txAction: make(map[string]string),
		results:  make(map[string][]scripted),
		dryRes:   make(map[string][]scripted),
		sendErrs: make(map[string]error),
	}
}

// QueueResult scripts the next awaited result for action
func (f *FakeClient) QueueResult(action string, result *Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[action] = append(f.results[action], scripted{result: result})
}

// QueueError scripts the next awaited error for action
func (f *FakeClient) QueueError(action string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[action] = append(f.results[action], scripted{err: err})
}

// QueueDryRun scripts the next dry-run result for action
func (f *FakeClient) QueueDryRun(action string, result *Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dryRes[action] = append(f.dryRes[action], scripted{result: result})
}

// QueueDryRunError scripts the next dry-run error for action
func (f *FakeClient) QueueDryRunError(action string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dryRes[action] = append(f.dryRes[action], scripted{err: err})
}

// FailSend makes Send fail for the given action
func (f *FakeClient) FailSend(action string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErrs[action] = err
}

// Send records the message and hands out a correlation handle
func (f *FakeClient) Send(_ context.Context, msg *Message, signer Signer) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	action := msg.Action()
	if err, ok := f.sendErrs[action]; ok {
		return "", err
	}

	f.seq++
	txID := fmt.Sprintf("tx-%d", f.seq)
	f.txAction[txID] = action

	addr := ""
	if signer != nil {
		addr = signer.Address()
	}
	f.sent = append(f.sent, SentMessage{Msg: msg, TxID: txID, SignerAddr: addr})
	return txID, nil
}

// AwaitResult pops the next scripted result for the action behind txID
func (f *FakeClient) AwaitResult(_ context.Context, _, txID string, timeout time.Duration) (*Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	action, ok := f.txAction[txID]
	if !ok {
		return nil, fmt.Errorf("unknown tx %s", txID)
	}
	return f.pop(f.results, action, timeout)
}

// DryRun records the query and pops the next scripted dry-run result
func (f *FakeClient) DryRun(_ context.Context, msg *Message) (*Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.dryRuns = append(f.dryRuns, msg)
	return f.pop(f.dryRes, msg.Action(), 0)
}

func (f *FakeClient) pop(queues map[string][]scripted, action string, timeout time.Duration) (*Result, error) {
	queue := queues[action]
	if len(queue) == 0 {
		return nil, fmt.Errorf("no scripted response for %s (timeout %s)", action, timeout)
	}
	next := queue[0]
	if len(queue) > 1 {
		queues[action] = queue[1:]
	}
	return next.result, next.err
}

// Sent returns every sent message in order
func (f *FakeClient) Sent() []SentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SentMessage(nil), f.sent...)
}

// SentCount returns how many messages carried the given action
func (f *FakeClient) SentCount(action string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if s.Msg.Action() == action {
			n++
		}
	}
	return n
}

// MutatingSentCount returns how many sent messages carried an idempotency
// nonce, i.e. were mutating requests.
func (f *FakeClient) MutatingSentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if _, ok := tagValue(s.Msg.Tags, types.TagNonce); ok {
			n++
		}
	}
	return n
}

// Nonces returns the nonce of every mutating message with the given action,
// in send order.
func (f *FakeClient) Nonces(action string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.sent {
		if s.Msg.Action() != action {
			continue
		}
		if nonce, ok := tagValue(s.Msg.Tags, types.TagNonce); ok {
			out = append(out, nonce)
		}
	}
	return out
}

// DryRunCount returns how many dry-run queries carried the given action
func (f *FakeClient) DryRunCount(action string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, msg := range f.dryRuns {
		if msg.Action() == action {
			n++
		}
	}
	return n
}

// TotalCalls returns the number of sends plus dry-runs
func (f *FakeClient) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent) + len(f.dryRuns)
}

func tagValue(tags []Tag, name string) (string, bool) {
	for _, tag := range tags {
		if tag.Name == name {
			return tag.Value, true
		}
	}
	return "", false
}

// EnvelopeResult builds a single-message result whose body is the JSON
// encoding of v.
func EnvelopeResult(v interface{}) *Result {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return &Result{Messages: []ResultMessage{{Data: string(data)}}}
}

// TextResult builds a single-message result with a plain-text body
func TextResult(text string) *Result {
	return &Result{Messages: []ResultMessage{{Data: text}}}
}

// BalanceTagResult builds a read-only balance query result carrying the raw
// scaled balance in the Balance tag.
func BalanceTagResult(raw string) *Result {
	return &Result{Messages: []ResultMessage{{
		Tags: []Tag{{Name: types.TagBalance, Value: raw}},
	}}}
}
