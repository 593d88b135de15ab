package interfaces

import "rollcall/pkg/types"

// Connection represents an authenticated realtime client connection
type Connection interface {
	// WriteJSON queues a JSON message for the client (thread-safe)
	WriteJSON(v interface{}) error

	// Close closes the connection and cleans up resources
	Close() error

	// GetID returns the server-assigned connection ID
	GetID() string

	// GetUserID returns the connected user's ID
	GetUserID() string

	// GetRole returns the role bound at connect time
	GetRole() types.Role

	// IsAuthenticated returns true once credentials were bound
	IsAuthenticated() bool

	// SetCredentials binds a verified identity to the connection.
	// Credentials are bound once and never re-verified.
	SetCredentials(userID string, role types.Role) error
}

// CredentialVerifier turns a bearer credential into a verified identity
type CredentialVerifier interface {
	Verify(token string) (types.Actor, error)
}
