// Copyright (C) 2025 ModelHarbor AI (oss@modelharbor.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package download

import (
	"os"
	"strings"
	"sync"

	"github.com/awnumar/memguard"

	"github.com/ModelHarborAI/ModelHarbor/pkg/logging"
)

// memguardInitOnce ensures memguard initialization happens only once.
var memguardInitOnce sync.Once

func initMemguard() {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
	})
}

// CredentialStore holds the provider token in locked memory.
//
// # Security Context
//
// The token value must never appear in logs, error messages, or API
// responses. Everything exposed by this type is either a presence
// boolean or an Authorization header value handed directly to the HTTP
// client. The token lives in a memguard enclave between uses so it is
// encrypted at rest in process memory.
type CredentialStore struct {
	mu      sync.RWMutex
	enclave *memguard.Enclave
	logger  *logging.Logger
}

// NewCredentialStore creates an empty store.
func NewCredentialStore(logger *logging.Logger) *CredentialStore {
	initMemguard()
	if logger == nil {
		logger = logging.Default()
	}
	return &CredentialStore{logger: logger}
}

// LoadAmbient seeds the store from the conventional on-disk token file,
// falling back to the named environment variable. Both sources are
// optional; absence is not an error.
func (s *CredentialStore) LoadAmbient(tokenFile, tokenEnv string) {
	if tokenFile != "" {
		if data, err := os.ReadFile(tokenFile); err == nil {
			if token := strings.TrimSpace(string(data)); token != "" {
				s.Set(token)
				s.logger.Info("provider token loaded", "source", "file")
				return
			}
		}
	}
	if tokenEnv != "" {
		if token := strings.TrimSpace(os.Getenv(tokenEnv)); token != "" {
			s.Set(token)
			s.logger.Info("provider token loaded", "source", "env")
		}
	}
}

// Set replaces the stored token. An empty token clears the store.
func (s *CredentialStore) Set(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token == "" {
		s.enclave = nil
		return
	}
	// NewEnclave wipes the passed slice after sealing.
	s.enclave = memguard.NewEnclave([]byte(token))
}

// Authenticated reports whether a token is present. It says nothing
// about whether the provider will accept it.
func (s *CredentialStore) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enclave != nil
}

// authorizationHeader returns the Bearer header value for the stored
// token, or ok=false when no token is set.
func (s *CredentialStore) authorizationHeader() (value string, ok bool) {
	s.mu.RLock()
	enclave := s.enclave
	s.mu.RUnlock()
	if enclave == nil {
		return "", false
	}

	buf, err := enclave.Open()
	if err != nil {
		s.logger.Error("credential enclave open failed", "error", err)
		return "", false
	}
	defer buf.Destroy()

	return "Bearer " + buf.String(), true
}
