package classify

import "testing"

func TestMatch(t *testing.T) {
	tests := []struct {
		value   string
		pattern string
		want    bool
	}{
		// literals
		{"ls -la", "ls -la", true},
		{"ls -la", "ls -l", false},

		// '*' does not cross '/'
		{"a.txt", "*.txt", true},
		{"dir/a.txt", "*.txt", false},
		{"dir/a.txt", "dir/*.txt", true},
		{"dir/sub/a.txt", "dir/*.txt", false},
		{"git status", "git *", true},
		{"git push origin", "git *", false},

		// '**' crosses '/'
		{"dir/sub/a.txt", "dir/**", true},
		{"dir/sub/a.txt", "**/*.txt", true},
		{"/workspace/x/y", "/workspace/**", true},
		{"/workspace", "/workspace/**", false},

		// '?' matches one non-slash char
		{"ab", "a?", true},
		{"a/", "a?", false},
		{"a", "a?", false},

		// case sensitivity
		{"README.md", "readme.md", false},

		// no path normalisation; dotted segments never wildcard-match
		{"/sandbox/../x", "/sandbox/**", false},
		{"/sandbox/.hidden", "/sandbox/**", false},
		{"/sandbox/sub/../x", "/sandbox/**", false},
		{"/sandbox/a.b", "/sandbox/**", true},

		// negation is the exact complement
		{"rm -rf /", "!(git *)", true},
		{"git status", "!(git *)", false},
		{"dir/a.txt", "!(*.txt)", true},
		{"a.txt", "!(*.txt)", false},

		// empty cases
		{"", "", true},
		{"", "*", true},
		{"", "**", true},
		{"x", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.value+"|"+tt.pattern, func(t *testing.T) {
			if got := Match(tt.value, tt.pattern); got != tt.want {
				t.Errorf("Match(%q, %q) = %v, want %v", tt.value, tt.pattern, got, tt.want)
			}
		})
	}
}

func TestNegationComplement(t *testing.T) {
	values := []string{"", "a", "a/b", "/sandbox/x", "/sandbox/../x", "git log", "rm -rf /"}
	patterns := []string{"*", "**", "git *", "/sandbox/**", "a/b"}

	for _, p := range patterns {
		for _, v := range values {
			plain := Match(v, p)
			negated := Match(v, "!("+p+")")
			if plain == negated {
				t.Errorf("Match(%q, %q)=%v equals negation", v, p, plain)
			}
		}
	}
}
