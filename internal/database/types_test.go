package database

import (
	"testing"
)

func TestCameraRoleValid(t *testing.T) {
	tests := []struct {
		role CameraRole
		want bool
	}{
		{RoleTracking, true},
		{RoleEntry, true},
		{RoleExit, true},
		{"", false},
		{"Entry", false},
		{"lobby", false},
	}

	for _, tc := range tests {
		t.Run(string(tc.role), func(t *testing.T) {
			if got := tc.role.Valid(); got != tc.want {
				t.Errorf("CameraRole(%q).Valid() = %v, want %v", tc.role, got, tc.want)
			}
		})
	}
}

func TestSessionOpen(t *testing.T) {
	exit := int64(4)
	if !(Session{ID: 1}).Open() {
		t.Error("session without exit event should be open")
	}
	if (Session{ID: 1, ExitEventID: &exit}).Open() {
		t.Error("session with exit event should be closed")
	}
}

func TestBackendValidate(t *testing.T) {
	if err := (&Backend{}).Validate(); err == nil {
		t.Error("empty backend should not validate")
	}

	closed := false
	b := NewBackend(nil, nil, nil, nil, nil, func() error { closed = true; return nil })
	if err := b.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !closed {
		t.Error("Close() did not call closer")
	}
}
