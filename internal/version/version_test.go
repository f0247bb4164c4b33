package version

import "testing"

func TestString(t *testing.T) {
	old := [3]string{Version, Commit, BuildTime}
	defer func() { Version, Commit, BuildTime = old[0], old[1], old[2] }()

	Version, Commit, BuildTime = "1.2.3", "abc1234", "2026-01-01T00:00:00Z"

	if got, want := String(), "1.2.3 (abc1234) built 2026-01-01T00:00:00Z"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if got, want := UserAgent(), "coreos-client/1.2.3"; got != want {
		t.Errorf("UserAgent() = %q, want %q", got, want)
	}
}
