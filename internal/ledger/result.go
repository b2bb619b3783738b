package ledger

import (
	"encoding/json"
	"strings"

	"github.com/token-custody/internal/errors"
	"github.com/token-custody/internal/types"
)

// ResultMessage is one message produced by a remote process in response to a
// request
type ResultMessage struct {
	Data string `json:"Data"`
	Tags []Tag  `json:"Tags"`
}

// Tag returns the value of the named tag
func (m *ResultMessage) Tag(name string) (string, bool) {
	for _, tag := range m.Tags {
		if tag.Name == name {
			return tag.Value, true
		}
	}
	return "", false
}

// Result is the full response to a request
type Result struct {
	Messages []ResultMessage `json:"Messages"`
}

// First returns the first response message, if any
func (r *Result) First() (*ResultMessage, bool) {
	if r == nil || len(r.Messages) == 0 {
		return nil, false
	}
	return &r.Messages[0], true
}

// Envelope is the structured response contract honored by the ledger
// process. Amount-bearing fields arrive as integers scaled by 10^18, either
// as JSON numbers or strings.
type Envelope struct {
	Success        bool        `json:"Success"`
	Message        string      `json:"message,omitempty"`
	ProcessID      string      `json:"processId,omitempty"`
	ChildProcessID string      `json:"childProcessId,omitempty"`
	DepositAddress string      `json:"depositAddress,omitempty"`
	Balance        json.Number `json:"balance,omitempty"`
	NewBalance     json.Number `json:"NewBalance,omitempty"`
}

// BalanceAmount decodes the balance field into an Amount. An absent field is
// zero.
func (e *Envelope) BalanceAmount() (types.Amount, error) {
	return amountFromNumber(e.Balance)
}

// NewBalanceAmount decodes the NewBalance field into an Amount.
func (e *Envelope) NewBalanceAmount() (types.Amount, error) {
	return amountFromNumber(e.NewBalance)
}

func amountFromNumber(n json.Number) (types.Amount, error) {
	if n == "" {
		return types.ZeroAmount(), nil
	}
	return types.AmountFromRawString(n.String())
}

// DecodeEnvelope decodes the first message of result as a structured
// envelope. A result with no messages, a body that is not a JSON object, or
// an object without the Success discriminator is a response-shape error. A
// Success:false envelope is a remote rejection carried verbatim.
func DecodeEnvelope(action string, result *Result) (*Envelope, error) {
	msg, ok := result.First()
	if !ok {
		return nil, errors.NewResponseShapeError(action, "<no messages>")
	}

	// Probe for the discriminator before committing to the envelope type so
	// an arbitrary JSON object cannot pass as a failed (Success=false) one.
	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(msg.Data), &probe); err != nil {
		return nil, errors.NewResponseShapeError(action, msg.Data)
	}
	rawSuccess, ok := probe["Success"]
	if !ok {
		return nil, errors.NewResponseShapeError(action, msg.Data)
	}
	var success bool
	if err := json.Unmarshal(rawSuccess, &success); err != nil {
		return nil, errors.NewResponseShapeError(action, msg.Data)
	}

	var envelope Envelope
	if err := json.Unmarshal([]byte(msg.Data), &envelope); err != nil {
		return nil, errors.NewResponseShapeError(action, msg.Data)
	}
	if !envelope.Success {
		return nil, errors.NewRemoteRejectionError(action, envelope.Message)
	}
	return &envelope, nil
}

// tokenTransferSuccessPrefix is the one recognized plain-text success shape
// the token contract emits for transfers.
const tokenTransferSuccessPrefix = "You transferred"

// DecodeTransferResult decodes a token Transfer response. Two shapes are
// recognized: the structured envelope and the plain-text transfer
// confirmation. Anything else is a response-shape failure; a transfer is
// never presumed successful from an unrecognized reply.
func DecodeTransferResult(action string, result *Result) error {
	msg, ok := result.First()
	if !ok {
		return errors.NewResponseShapeError(action, "<no messages>")
	}

	if strings.HasPrefix(strings.TrimSpace(msg.Data), tokenTransferSuccessPrefix) {
		return nil
	}

	_, err := DecodeEnvelope(action, result)
	return err
}

// BalanceFromTags extracts the scaled Balance tag from a read-only token
// balance query. A missing tag reads as zero balance.
func BalanceFromTags(result *Result) (types.Amount, error) {
	msg, ok := result.First()
	if !ok {
		return types.ZeroAmount(), errors.NewResponseShapeError(types.ActionTokenBalance, "<no messages>")
	}
	value, ok := msg.Tag(types.TagBalance)
	if !ok {
		return types.ZeroAmount(), nil
	}
	return types.AmountFromRawString(value)
}
