// Package settings provides durable key/value storage for client-side
// state such as the device identity blob.
package settings

// Store defines the settings storage interface.
type Store interface {
	// Get retrieves a value by key. The boolean reports whether the key exists.
	Get(key string) (string, bool, error)
	// Set stores a value under key, creating or replacing it.
	Set(key, value string) error
	// Delete removes a key. Deleting an absent key is not an error.
	Delete(key string) error
}
