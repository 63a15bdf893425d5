package services

import "testing"

func TestCleanTitle(t *testing.T) {
	tests := []struct {
		name  string
		title string
		want  string
	}{
		{name: "Plain", title: "Project deadlines", want: "Project deadlines"},
		{name: "Quoted", title: `  "Project deadlines"  `, want: "Project deadlines"},
		{name: "Markdown heading", title: "# Project deadlines", want: "Project deadlines"},
		{name: "Extra lines", title: "Project deadlines\nThis title summarizes...", want: "Project deadlines"},
		{name: "Empty", title: " \n ", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cleanTitle(tt.title); got != tt.want {
				t.Errorf("cleanTitle(%q) = %q, want %q", tt.title, got, tt.want)
			}
		})
	}
}
