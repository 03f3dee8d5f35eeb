package machine

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/rstmdb/rstmdb/internal/wal"
)

// RawTransition is a transition as written in the definition JSON. The from
// field accepts either a single state name or a list of names.
type RawTransition struct {
	From  FromStates `json:"from"`
	Event string     `json:"event"`
	To    string     `json:"to"`
	Guard string     `json:"guard,omitempty"`
}

// FromStates unmarshals from a JSON string or array of strings.
type FromStates []string

// UnmarshalJSON accepts "a" and ["a","b"].
func (f *FromStates) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*f = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("from must be a string or array of strings")
	}
	*f = many
	return nil
}

// MarshalJSON writes a single-element list back as a plain string.
func (f FromStates) MarshalJSON() ([]byte, error) {
	if len(f) == 1 {
		return json.Marshal(f[0])
	}
	return json.Marshal([]string(f))
}

// RawDefinition is the definition document as stored and transmitted.
type RawDefinition struct {
	States      []string        `json:"states"`
	Initial     string          `json:"initial"`
	Transitions []RawTransition `json:"transitions"`
	Meta        json.RawMessage `json:"meta,omitempty"`
}

// transitionTarget is the indexed (to, guard) pair for a (from, event) key.
type transitionTarget struct {
	to    string
	guard GuardExpr
}

type transitionKey struct {
	from  string
	event string
}

// Definition is a validated, indexed machine definition. Definitions are
// immutable once registered.
type Definition struct {
	Name     string
	Version  uint32
	Initial  string
	Checksum string

	states      map[string]struct{}
	transitions map[transitionKey]transitionTarget
	raw         RawDefinition
	rawJSON     json.RawMessage
}

// ParseDefinition parses and validates a definition document.
//
// Invariants enforced: initial state is in the state set; every transition
// source and target is in the state set; no two transitions share a
// (source, event) pair; guards parse.
func ParseDefinition(name string, version uint32, definitionJSON json.RawMessage) (*Definition, error) {
	var raw RawDefinition
	if err := json.Unmarshal(definitionJSON, &raw); err != nil {
		return nil, NewInvalidDefinitionError(err.Error())
	}

	if len(raw.States) == 0 {
		return nil, NewInvalidDefinitionError("states list is empty")
	}

	states := make(map[string]struct{}, len(raw.States))
	for _, s := range raw.States {
		states[s] = struct{}{}
	}

	if _, ok := states[raw.Initial]; !ok {
		return nil, NewInvalidDefinitionError(
			fmt.Sprintf("initial state %q not in states list", raw.Initial))
	}

	transitions := make(map[transitionKey]transitionTarget)
	for _, t := range raw.Transitions {
		if len(t.From) == 0 {
			return nil, NewInvalidDefinitionError(
				fmt.Sprintf("transition on event %q has no source states", t.Event))
		}
		if _, ok := states[t.To]; !ok {
			return nil, NewInvalidDefinitionError(
				fmt.Sprintf("transition target %q not in states list", t.To))
		}

		var guard GuardExpr
		if t.Guard != "" {
			parsed, err := ParseGuard(t.Guard)
			if err != nil {
				return nil, err
			}
			guard = parsed
		}

		for _, from := range t.From {
			if _, ok := states[from]; !ok {
				return nil, NewInvalidDefinitionError(
					fmt.Sprintf("transition source %q not in states list", from))
			}
			key := transitionKey{from: from, event: t.Event}
			if _, exists := transitions[key]; exists {
				return nil, NewInvalidDefinitionError(
					fmt.Sprintf("duplicate transition from %q on event %q", from, t.Event))
			}
			transitions[key] = transitionTarget{to: t.To, guard: guard}
		}
	}

	// Checksum over the canonical (re-marshalled) form so formatting
	// differences do not defeat idempotent PUT_MACHINE.
	canonical, err := json.Marshal(raw)
	if err != nil {
		return nil, NewInvalidDefinitionError(err.Error())
	}
	checksum := fmt.Sprintf("%08x", wal.Checksum(canonical))

	return &Definition{
		Name:        name,
		Version:     version,
		Initial:     raw.Initial,
		Checksum:    checksum,
		states:      states,
		transitions: transitions,
		raw:         raw,
		rawJSON:     definitionJSON,
	}, nil
}

// Transition looks up (to, guard) for a (state, event) pair.
func (d *Definition) Transition(state, event string) (string, GuardExpr, bool) {
	target, ok := d.transitions[transitionKey{from: state, event: event}]
	if !ok {
		return "", nil, false
	}
	return target.to, target.guard, true
}

// HasState reports whether the state belongs to this machine.
func (d *Definition) HasState(state string) bool {
	_, ok := d.states[state]
	return ok
}

// States returns the state names in definition order.
func (d *Definition) States() []string {
	return d.raw.States
}

// EventsFrom returns the events valid from a given state, sorted.
func (d *Definition) EventsFrom(state string) []string {
	var events []string
	for key := range d.transitions {
		if key.from == state {
			events = append(events, key.event)
		}
	}
	sort.Strings(events)
	return events
}

// JSON returns the raw definition document as registered.
func (d *Definition) JSON() json.RawMessage {
	return d.rawJSON
}
