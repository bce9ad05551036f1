package auth

import "testing"

func TestNormalizeRole(t *testing.T) {
	cases := []struct {
		in   string
		want Role
		ok   bool
	}{
		{"viewer", RoleViewer, true},
		{"operator", RoleOperator, true},
		{"admin", RoleAdmin, true},
		{"root", "", false},
		{"", "", false},
		{"Viewer", "", false},
	}
	for _, c := range cases {
		got, ok := NormalizeRole(c.in)
		if got != c.want || ok != c.ok {
			t.Errorf("NormalizeRole(%q) = %q, %v; want %q, %v", c.in, got, ok, c.want, c.ok)
		}
	}
}

func TestRoleAtLeast(t *testing.T) {
	cases := []struct {
		role     Role
		required Role
		want     bool
	}{
		{RoleViewer, RoleViewer, true},
		{RoleViewer, RoleOperator, false},
		{RoleOperator, RoleViewer, true},
		{RoleOperator, RoleAdmin, false},
		{RoleAdmin, RoleOperator, true},
		{Role("root"), RoleViewer, false},
	}
	for _, c := range cases {
		if got := RoleAtLeast(c.role, c.required); got != c.want {
			t.Errorf("RoleAtLeast(%q, %q) = %v, want %v", c.role, c.required, got, c.want)
		}
	}
}
