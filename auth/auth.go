/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

/*
Package auth implements CLASP's token-scope authorization model: scope
parsing, a validator registry, and the per-operation action check
described in spec section 4.4.
*/
package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/clasp-router/clasp/addr"
)

// Action is the capability level a Scope grants.
type Action uint8

// Actions, ordered so admin ⊇ write ⊇ read (spec section 4.4).
const (
	Read Action = iota
	Write
	Admin
)

func (a Action) String() string {
	switch a {
	case Read:
		return "read"
	case Write:
		return "write"
	case Admin:
		return "admin"
	default:
		return fmt.Sprintf("action(%d)", uint8(a))
	}
}

// Covers reports whether this action level satisfies a requirement of
// need, using the admin ⊇ write ⊇ read hierarchy.
func (a Action) Covers(need Action) bool { return a >= need }

// ParseAction parses "read", "write" or "admin".
func ParseAction(s string) (Action, error) {
	switch s {
	case "read":
		return Read, nil
	case "write":
		return Write, nil
	case "admin":
		return Admin, nil
	default:
		return 0, fmt.Errorf("auth: unknown action %q", s)
	}
}

// Scope is one `action:pattern` capability entry of a token.
type Scope struct {
	Action  Action
	Pattern *addr.Pattern
}

// ParseScope parses a single "action:pattern" string.
func ParseScope(s string) (Scope, error) {
	idx := strings.IndexByte(s, ':')
	if idx < 0 {
		return Scope{}, fmt.Errorf("auth: scope %q missing ':' separator", s)
	}
	action, err := ParseAction(s[:idx])
	if err != nil {
		return Scope{}, err
	}
	pat, err := addr.CompilePattern(s[idx+1:])
	if err != nil {
		return Scope{}, fmt.Errorf("auth: scope %q has invalid pattern: %w", s, err)
	}
	return Scope{Action: action, Pattern: pat}, nil
}

// Covers reports whether this scope authorizes the given action on
// address. address may itself be a concrete address or a pattern (as
// it is when the operation being authorized is a Subscribe/Query/
// Snapshot): entailment requires the scope's pattern to cover every
// concrete address the requested pattern could match, not merely
// match the requested string's literal bytes (spec section 4.4), so a
// narrow scope like "read:/scene/*" must not authorize a broader
// request such as "/scene/**".
func (s Scope) Covers(need Action, address string) bool {
	if !s.Action.Covers(need) {
		return false
	}
	pat, err := addr.CompilePattern(address)
	if err != nil {
		return false
	}
	return s.Pattern.Covers(pat)
}

// Info describes a validated token.
type Info struct {
	ID        string
	Subject   string
	Scopes    []Scope
	ExpiresAt time.Time // zero means no expiry
}

// Allows reports whether any of the token's scopes authorize need on
// address.
func (i Info) Allows(need Action, address string) bool {
	for _, sc := range i.Scopes {
		if sc.Covers(need, address) {
			return true
		}
	}
	return false
}

// Result is the outcome of validating a token against one validator.
type Result uint8

const (
	// NotMyToken means this validator doesn't recognize the token at
	// all; the chain should keep trying the next one.
	NotMyToken Result = iota
	// Valid means the token is recognized and current.
	Valid
	// Invalid means the token is recognized but malformed/revoked.
	Invalid
	// Expired means the token is recognized but past ExpiresAt.
	Expired
)

// Validator checks one token string and reports the outcome plus,
// when Valid, the token's Info.
type Validator interface {
	Validate(token string) (Result, Info, error)
}

// Registry chains multiple Validators. The first Valid result wins;
// NotMyToken falls through to the next validator; Invalid/Expired
// short-circuit the chain (spec section 4.4).
type Registry struct {
	validators []Validator
}

// NewRegistry builds a Registry from an ordered list of validators.
func NewRegistry(validators ...Validator) *Registry {
	return &Registry{validators: validators}
}

// Validate runs the chain against token.
func (r *Registry) Validate(token string) (Result, Info, error) {
	for _, v := range r.validators {
		res, info, err := v.Validate(token)
		if res == NotMyToken {
			continue
		}
		return res, info, err
	}
	return NotMyToken, Info{}, nil
}
