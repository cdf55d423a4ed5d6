package config

import "sync"

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Env is the mutable development/production toggle. The relay constructs one
// at startup and hands it to every component that derives URLs from it, so
// nothing reads the toggle from ambient state.
type Env struct {
	mu   sync.RWMutex
	name string
	dev  string
	prod string
}

func NewEnv(cfg *Config) *Env {
	e := &Env{
		name: EnvProduction,
		dev:  cfg.DevBaseURL,
		prod: cfg.ProdBaseURL,
	}
	e.Set(cfg.Environment)
	return e
}

// Set switches the environment. Unknown names are rejected and the current
// environment is kept.
func (e *Env) Set(name string) bool {
	if name != EnvDevelopment && name != EnvProduction {
		return false
	}
	e.mu.Lock()
	e.name = name
	e.mu.Unlock()
	return true
}

func (e *Env) Name() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.name
}

// BaseURL returns the web app origin for the active environment.
func (e *Env) BaseURL() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.name == EnvDevelopment {
		return e.dev
	}
	return e.prod
}

// SignInURL is where an unauthenticated user is sent to establish a session.
func (e *Env) SignInURL() string {
	return e.BaseURL() + "/sign-in"
}

// TranscriptURL is the view page for a finished transcription.
func (e *Env) TranscriptURL(transcriptionID string) string {
	return e.BaseURL() + "/transcript/" + transcriptionID
}
