package fsm

import (
	"fmt"
	"sync"
)

// ErrKeyNotFound represents an error when a requested key does not exist in the context.
type ErrKeyNotFound struct {
	Key string
}

// Error implements the error interface.
func (e ErrKeyNotFound) Error() string {
	return fmt.Sprintf("key %q not found", e.Key)
}

// ErrTypeAssertion represents an error when a value cannot be asserted to the expected type.
type ErrTypeAssertion struct {
	Key  string // The key that was accessed
	Got  string // The actual type received (as string representation)
	Want string // The expected type
}

// Error implements the error interface.
func (e ErrTypeAssertion) Error() string {
	return fmt.Sprintf("key %q is %s, not %s", e.Key, e.Got, e.Want)
}

// Context is the interpreter-local mutable state shared by guards,
// actions, and entry actions. Writes happen on the interpreter goroutine;
// reads may come from observers on other goroutines, so access is
// mutex-guarded.
type Context struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewContext creates a context seeded with the given values. A nil seed
// yields an empty context.
func NewContext(values map[string]any) *Context {
	seeded := make(map[string]any, len(values))
	for k, v := range values {
		seeded[k] = v
	}
	return &Context{values: seeded}
}

// Set stores a value.
func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// Delete removes a key. Deleting a missing key is a no-op.
func (c *Context) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
}

// Get retrieves a raw value.
func (c *Context) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	val, ok := c.values[key]
	return val, ok
}

// GetString retrieves a string value.
// Returns ErrKeyNotFound if key doesn't exist, ErrTypeAssertion if wrong type.
func (c *Context) GetString(key string) (string, error) {
	val, ok := c.Get(key)
	if !ok {
		return "", ErrKeyNotFound{Key: key}
	}
	str, ok := val.(string)
	if !ok {
		return "", ErrTypeAssertion{Key: key, Got: fmt.Sprintf("%T", val), Want: "string"}
	}
	return str, nil
}

// GetStringOr returns a string value or the default if key is missing or wrong type.
func (c *Context) GetStringOr(key string, defaultVal string) string {
	str, err := c.GetString(key)
	if err != nil {
		return defaultVal
	}
	return str
}

// GetInt64 retrieves an int64 value.
// Returns ErrKeyNotFound if key doesn't exist, ErrTypeAssertion if wrong type.
func (c *Context) GetInt64(key string) (int64, error) {
	val, ok := c.Get(key)
	if !ok {
		return 0, ErrKeyNotFound{Key: key}
	}

	// Handle various integer types that might come from JSON/YAML unmarshaling
	switch v := val.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case float64:
		// JSON numbers are unmarshaled as float64
		return int64(v), nil
	default:
		return 0, ErrTypeAssertion{Key: key, Got: fmt.Sprintf("%T", val), Want: "int64"}
	}
}

// GetInt64Or returns an int64 value or the default if key is missing or wrong type.
func (c *Context) GetInt64Or(key string, defaultVal int64) int64 {
	i, err := c.GetInt64(key)
	if err != nil {
		return defaultVal
	}
	return i
}

// GetFloat64 retrieves a float64 value.
// Returns ErrKeyNotFound if key doesn't exist, ErrTypeAssertion if wrong type.
func (c *Context) GetFloat64(key string) (float64, error) {
	val, ok := c.Get(key)
	if !ok {
		return 0, ErrKeyNotFound{Key: key}
	}

	// Handle various numeric types
	switch v := val.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, ErrTypeAssertion{Key: key, Got: fmt.Sprintf("%T", val), Want: "float64"}
	}
}

// GetFloat64Or returns a float64 value or the default if key is missing or wrong type.
func (c *Context) GetFloat64Or(key string, defaultVal float64) float64 {
	f, err := c.GetFloat64(key)
	if err != nil {
		return defaultVal
	}
	return f
}

// GetBool retrieves a bool value.
// Returns ErrKeyNotFound if key doesn't exist, ErrTypeAssertion if wrong type.
func (c *Context) GetBool(key string) (bool, error) {
	val, ok := c.Get(key)
	if !ok {
		return false, ErrKeyNotFound{Key: key}
	}
	b, ok := val.(bool)
	if !ok {
		return false, ErrTypeAssertion{Key: key, Got: fmt.Sprintf("%T", val), Want: "bool"}
	}
	return b, nil
}

// GetBoolOr returns a bool value or the default if key is missing or wrong type.
func (c *Context) GetBoolOr(key string, defaultVal bool) bool {
	b, err := c.GetBool(key)
	if err != nil {
		return defaultVal
	}
	return b
}

// Snapshot returns a shallow copy of the context values. Safe to read
// after the interpreter has moved on, though nested reference values are
// shared with live state.
func (c *Context) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}
