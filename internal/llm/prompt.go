package llm

import (
	"errors"
	"fmt"
	"strings"
)

// Role identifies who authored a message on the wire.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single turn as sent to the inference API.
// Role is omitted from the JSON body when it could not be mapped.
type Message struct {
	Role Role   `json:"role,omitempty"`
	Text string `json:"text"`
}

// Turn is one prompt turn produced by the harness's templating.
type Turn struct {
	Role   string `json:"role" mapstructure:"role"`
	Prompt string `json:"prompt" mapstructure:"prompt"`
}

// Input is a single generation input: either a bare string or a list of turns.
type Input struct {
	text  string
	turns []Turn
}

// Text builds a bare string input.
func Text(s string) Input {
	return Input{text: s}
}

// Turns builds a structured input from prompt turns.
func Turns(turns ...Turn) Input {
	cp := make([]Turn, len(turns))
	copy(cp, turns)
	return Input{turns: cp}
}

// Texts wraps each string as a bare input.
func Texts(ss ...string) []Input {
	out := make([]Input, len(ss))
	for i, s := range ss {
		out[i] = Text(s)
	}
	return out
}

// IsStructured reports whether the input carries turns rather than a bare string.
func (in Input) IsStructured() bool {
	return in.turns != nil
}

// String renders the input for logs and prediction files.
func (in Input) String() string {
	if !in.IsStructured() {
		return in.text
	}
	parts := make([]string, 0, len(in.turns))
	for _, t := range in.turns {
		parts = append(parts, t.Role+": "+t.Prompt)
	}
	return strings.Join(parts, "\n")
}

// RolePolicy decides what happens to a turn whose role has no mapping.
type RolePolicy string

const (
	// RolePolicyDrop keeps the text and omits the role key.
	RolePolicyDrop RolePolicy = "drop"
	// RolePolicyUser maps unknown roles to user.
	RolePolicyUser RolePolicy = "user"
	// RolePolicyReject fails the input before any request is sent.
	RolePolicyReject RolePolicy = "reject"
	// RolePolicyPassthrough copies the source role verbatim.
	RolePolicyPassthrough RolePolicy = "passthrough"
)

// Valid reports whether p is a known policy. The empty policy is treated as drop.
func (p RolePolicy) Valid() bool {
	switch p {
	case "", RolePolicyDrop, RolePolicyUser, RolePolicyReject, RolePolicyPassthrough:
		return true
	}
	return false
}

// ErrUnmappedRole is returned under RolePolicyReject.
var ErrUnmappedRole = errors.New("unmapped message role")

// RoleTable maps harness role names to API roles.
type RoleTable map[string]Role

// LiveRoles is the table used by the remote inference client.
var LiveRoles = RoleTable{
	"user":      RoleUser,
	"assistant": RoleAssistant,
	"SYSTEM":    RoleSystem,
}

// MockRoles is the table used by the mock client. It also understands the
// HUMAN/BOT names from the harness's default meta template.
var MockRoles = RoleTable{
	"HUMAN":     RoleUser,
	"BOT":       RoleAssistant,
	"SYSTEM":    RoleSystem,
	"user":      RoleUser,
	"assistant": RoleAssistant,
}

// RoundSpec is one entry of a meta template round.
type RoundSpec struct {
	Role     string `mapstructure:"role" json:"role"`
	APIRole  string `mapstructure:"api_role" json:"api_role,omitempty"`
	Generate bool   `mapstructure:"generate" json:"generate,omitempty"`
}

// MetaTemplate describes the role names a harness config uses and how they
// translate into API roles.
type MetaTemplate struct {
	Round []RoundSpec `mapstructure:"round" json:"round"`
}

// APIRole returns the api role configured for a harness role, or the role
// unchanged when the template has no entry for it.
func (t *MetaTemplate) APIRole(role string) string {
	if t == nil {
		return role
	}
	for _, r := range t.Round {
		if r.Role == role && r.APIRole != "" {
			return r.APIRole
		}
	}
	return role
}

// MessageBuilder turns an Input into API messages.
type MessageBuilder struct {
	Roles    RoleTable
	Policy   RolePolicy
	Template *MetaTemplate
}

// Build converts in into the message list sent to the API.
func (b MessageBuilder) Build(in Input) ([]Message, error) {
	if !in.IsStructured() {
		return []Message{{Role: RoleUser, Text: in.text}}, nil
	}

	msgs := make([]Message, 0, len(in.turns))
	for _, t := range in.turns {
		msg := Message{Text: t.Prompt}
		src := b.Template.APIRole(t.Role)
		if role, ok := b.Roles[src]; ok {
			msg.Role = role
		} else {
			switch b.Policy {
			case RolePolicyUser:
				msg.Role = RoleUser
			case RolePolicyPassthrough:
				msg.Role = Role(src)
			case RolePolicyReject:
				return nil, fmt.Errorf("%w: %q", ErrUnmappedRole, t.Role)
			}
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}
