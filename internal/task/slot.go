package task

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// responseSlotSchema is the contract a worker's response slot must meet.
// A successful result carries data; anything else may carry a message.
const responseSlotSchema = `{
	"type": "object",
	"required": ["success"],
	"properties": {
		"success":   {"type": "boolean"},
		"cancelled": {"type": "boolean"},
		"message":   {"type": "string"}
	},
	"if":   {"properties": {"success": {"const": true}}},
	"then": {"required": ["data"]}
}`

var slotSchema = mustCompileSlotSchema()

func mustCompileSlotSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(responseSlotSchema))
	if err != nil {
		panic(fmt.Sprintf("unmarshal response slot schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("response_slot.json", doc); err != nil {
		panic(fmt.Sprintf("add response slot schema: %v", err))
	}
	return c.MustCompile("response_slot.json")
}

// Outcome is the validated content of a response slot: Success, Failure
// or Cancelled.
type Outcome interface {
	// Transition is the terminal transition the outcome maps to.
	Transition() Transition
}

// Success carries the worker's extracted data.
type Success struct {
	Data json.RawMessage
}

// Failure carries the worker's failure message.
type Failure struct {
	Message string
}

// Cancelled acknowledges a cancel control message.
type Cancelled struct {
	Message string
}

// Transition implements Outcome.
func (s Success) Transition() Transition { return Complete(s.Data) }

// Transition implements Outcome.
func (f Failure) Transition() Transition {
	msg := f.Message
	if msg == "" {
		msg = "worker reported a failure"
	}
	return Fail(msg)
}

// Transition implements Outcome.
func (c Cancelled) Transition() Transition { return Cancel(c.Message) }

type rawSlot struct {
	Success   bool            `json:"success"`
	Cancelled bool            `json:"cancelled"`
	Data      json.RawMessage `json:"data"`
	Message   string          `json:"message"`
}

// ParseResponseSlot validates a raw slot payload and converts it into an
// Outcome before it reaches the state machine.
func ParseResponseSlot(raw []byte) (Outcome, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResult, err)
	}
	if err := slotSchema.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResult, err)
	}

	var slot rawSlot
	if err := json.Unmarshal(raw, &slot); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResult, err)
	}

	switch {
	case slot.Success:
		return Success{Data: slot.Data}, nil
	case slot.Cancelled:
		return Cancelled{Message: slot.Message}, nil
	default:
		return Failure{Message: slot.Message}, nil
	}
}
