package executor

import (
	"fmt"
	"sync"

	"fleetsh/internal/prompt"
)

// PasswordCache prompts for the sudo password once per run and reuses it.
// Concurrent callers block while a prompt is outstanding.
type PasswordCache struct {
	prompter prompt.Prompter

	mu       sync.Mutex
	password string
	cached   bool
}

// NewPasswordCache creates a cache backed by prompter
func NewPasswordCache(prompter prompt.Prompter) *PasswordCache {
	return &PasswordCache{prompter: prompter}
}

// Get returns the cached password, prompting on first use.
// A failed prompt is not cached.
func (c *PasswordCache) Get() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached {
		return c.password, nil
	}
	if c.prompter == nil {
		return "", fmt.Errorf("a password is required but no prompt is available")
	}

	password, err := c.prompter.Password("Enter your password: ")
	if err != nil {
		return "", err
	}
	c.password = password
	c.cached = true
	return password, nil
}
