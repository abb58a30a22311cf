package domain

import "testing"

func TestSlugify(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"simple", "blog", "blog"},
		{"lowercases", "MyBlog", "myblog"},
		{"spaces become dashes", "My Cool App", "my-cool-app"},
		{"collapses runs", "a  --  b", "a-b"},
		{"trims edges", "  hello world!  ", "hello-world"},
		{"keeps digits", "app2 v3", "app2-v3"},
		{"empty", "", ""},
		{"only punctuation", "!!!", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Slugify(tc.in); got != tc.want {
				t.Fatalf("Slugify(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestStatusValid(t *testing.T) {
	for _, s := range []Status{StatusBuilding, StatusRunning, StatusStopped, StatusError} {
		if !s.Valid() {
			t.Errorf("expected %q to be valid", s)
		}
	}
	if Status("paused").Valid() {
		t.Error("expected unknown status to be invalid")
	}
	if Status("").Valid() {
		t.Error("expected empty status to be invalid")
	}
}
