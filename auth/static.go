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

package auth

import (
	"fmt"
	"os"
	"sync"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// syncMapToken is a mutex-guarded token table, following the
// lock-per-map style facebook/time's ptp4u server uses for its
// client/subscription tables.
type syncMapToken struct {
	sync.Mutex
	m map[string]Info
}

func (s *syncMapToken) init() {
	s.m = make(map[string]Info)
}

func (s *syncMapToken) load(key string) (Info, bool) {
	s.Lock()
	defer s.Unlock()
	info, found := s.m[key]
	return info, found
}

func (s *syncMapToken) store(key string, val Info) {
	s.Lock()
	s.m[key] = val
	s.Unlock()
}

func (s *syncMapToken) delete(key string) {
	s.Lock()
	delete(s.m, key)
	s.Unlock()
}

func (s *syncMapToken) keys() []string {
	s.Lock()
	defer s.Unlock()
	keys := make([]string, 0, len(s.m))
	for k := range s.m {
		keys = append(keys, k)
	}
	return keys
}

// StaticValidator is a validator backed by an in-process token table,
// suitable for config-loaded or admin-API-managed tokens. It reports
// NotMyToken for a token string it has never seen, so a Registry can
// chain it with another validator (e.g. one backed by a remote identity
// provider) that handles tokens this one doesn't know.
type StaticValidator struct {
	tokens syncMapToken
}

// NewStaticValidator returns an empty StaticValidator.
func NewStaticValidator() *StaticValidator {
	v := &StaticValidator{}
	v.tokens.init()
	return v
}

// Put registers or replaces a token's Info.
func (v *StaticValidator) Put(token string, info Info) {
	v.tokens.store(token, info)
}

// Revoke removes a token.
func (v *StaticValidator) Revoke(token string) {
	v.tokens.delete(token)
}

// Tokens returns the set of currently registered token strings.
func (v *StaticValidator) Tokens() []string {
	return v.tokens.keys()
}

// Validate implements Validator.
func (v *StaticValidator) Validate(token string) (Result, Info, error) {
	info, found := v.tokens.load(token)
	if !found {
		return NotMyToken, Info{}, nil
	}
	if !info.ExpiresAt.IsZero() && time.Now().After(info.ExpiresAt) {
		return Expired, Info{}, nil
	}
	return Valid, info, nil
}

// tokenFile is the on-disk shape of a tokens_file (spec section 6),
// following config.Config's gopkg.in/yaml.v2 convention.
type tokenFile struct {
	Tokens []tokenRecord `yaml:"tokens"`
}

type tokenRecord struct {
	Token     string    `yaml:"token"`
	ID        string    `yaml:"id"`
	Subject   string    `yaml:"subject"`
	Scopes    []string  `yaml:"scopes"`
	ExpiresAt time.Time `yaml:"expires_at"`
}

// LoadTokensFile reads a YAML tokens_file and returns a StaticValidator
// populated with its records (spec section 4.4's "token records { id,
// subject?, scopes, expires_at? } are held in a validator registry").
func LoadTokensFile(path string) (*StaticValidator, error) {
	v := NewStaticValidator()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	var tf tokenFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	for _, rec := range tf.Tokens {
		if rec.Token == "" {
			return nil, fmt.Errorf("auth: tokens_file has a record with no token string")
		}
		scopes := make([]Scope, 0, len(rec.Scopes))
		for _, s := range rec.Scopes {
			sc, err := ParseScope(s)
			if err != nil {
				return nil, fmt.Errorf("auth: token %q: %w", rec.ID, err)
			}
			scopes = append(scopes, sc)
		}
		v.Put(rec.Token, Info{ID: rec.ID, Subject: rec.Subject, Scopes: scopes, ExpiresAt: rec.ExpiresAt})
	}
	return v, nil
}
