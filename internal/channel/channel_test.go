package channel

import (
	"errors"
	"testing"
)

func TestNames(t *testing.T) {
	if got := User("42"); got != "user:42" {
		t.Fatalf("User() = %q", got)
	}
	if got := Group("7"); got != "group:7" {
		t.Fatalf("Group() = %q", got)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name     Name
		wantKind Kind
		wantID   string
		wantErr  bool
	}{
		{name: "user:42", wantKind: KindUser, wantID: "42"},
		{name: "group:abc", wantKind: KindGroup, wantID: "abc"},
		{name: "group:a:b", wantKind: KindGroup, wantID: "a:b"},
		{name: "user:", wantErr: true},
		{name: "room:1", wantErr: true},
		{name: "nocolon", wantErr: true},
		{name: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(string(tt.name), func(t *testing.T) {
			kind, id, err := Parse(tt.name)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidName) {
					t.Fatalf("Parse(%q) error = %v, want ErrInvalidName", tt.name, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) error = %v", tt.name, err)
			}
			if kind != tt.wantKind || id != tt.wantID {
				t.Fatalf("Parse(%q) = %q, %q", tt.name, kind, id)
			}
		})
	}
}
