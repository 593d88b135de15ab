package interfaces_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"rollcall/pkg/interfaces"
	"rollcall/pkg/types"
)

// Mock implementations for testing
type mockConnection struct{}

func (m *mockConnection) WriteJSON(v interface{}) error                       { return nil }
func (m *mockConnection) Close() error                                        { return nil }
func (m *mockConnection) GetID() string                                       { return "" }
func (m *mockConnection) GetUserID() string                                   { return "" }
func (m *mockConnection) GetRole() types.Role                                 { return "" }
func (m *mockConnection) IsAuthenticated() bool                               { return false }
func (m *mockConnection) SetCredentials(userID string, role types.Role) error { return nil }

type mockVerifier struct{}

func (m *mockVerifier) Verify(token string) (types.Actor, error) {
	return types.Actor{}, interfaces.ErrUnauthorized
}

type mockEngine struct{}

func (m *mockEngine) Start(ctx context.Context, actor types.Actor, classID string) (*types.SessionInfo, error) {
	return nil, nil
}
func (m *mockEngine) Stop(ctx context.Context, actor types.Actor, classID string) (time.Time, error) {
	return time.Time{}, nil
}
func (m *mockEngine) Mark(ctx context.Context, actor types.Actor, studentID string, status types.Status) error {
	return nil
}
func (m *mockEngine) Summary(ctx context.Context, actor types.Actor) (types.Tally, error) {
	return types.Tally{}, nil
}
func (m *mockEngine) MyStatus(ctx context.Context, actor types.Actor) (string, error) {
	return "", nil
}
func (m *mockEngine) Commit(ctx context.Context, actor types.Actor) (*types.CommitResult, error) {
	return nil, nil
}
func (m *mockEngine) Active() *types.Session { return nil }

type mockBroadcaster struct{}

func (m *mockBroadcaster) Broadcast(env *types.Envelope) error { return nil }

type mockRouter struct{}

func (m *mockRouter) Route(ctx context.Context, conn interfaces.Connection, raw []byte) {}

type mockRoster struct{}

func (m *mockRoster) GetRoster(ctx context.Context, classID string) (*types.Roster, error) {
	return nil, interfaces.ErrClassNotFound
}

type mockStore struct{}

func (m *mockStore) SaveAttendance(ctx context.Context, records []types.AttendanceRecord) error {
	return nil
}

func TestInterfaces_Compliance(t *testing.T) {
	var _ interfaces.Connection = (*mockConnection)(nil)
	var _ interfaces.CredentialVerifier = (*mockVerifier)(nil)
	var _ interfaces.SessionEngine = (*mockEngine)(nil)
	var _ interfaces.Broadcaster = (*mockBroadcaster)(nil)
	var _ interfaces.EventRouter = (*mockRouter)(nil)
	var _ interfaces.RosterProvider = (*mockRoster)(nil)
	var _ interfaces.AttendanceStore = (*mockStore)(nil)
}

func TestRosterProvider_NotFoundContract(t *testing.T) {
	var provider interfaces.RosterProvider = &mockRoster{}

	_, err := provider.GetRoster(context.Background(), "missing")
	if !errors.Is(err, interfaces.ErrClassNotFound) {
		t.Errorf("expected ErrClassNotFound, got %v", err)
	}
}

func TestErrors_AreDistinct(t *testing.T) {
	all := []error{
		interfaces.ErrClassNotFound,
		interfaces.ErrUserNotFound,
		interfaces.ErrEmailExists,
		interfaces.ErrRecordNotFound,
		interfaces.ErrNotEnrolled,
		interfaces.ErrUnauthorized,
	}
	for i := range all {
		for j := range all {
			if i != j && errors.Is(all[i], all[j]) {
				t.Errorf("%v should not match %v", all[i], all[j])
			}
		}
	}
}
