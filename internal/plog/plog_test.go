package plog

import "testing"

func TestStripColor(t *testing.T) {
	for _, test := range []struct{ in, want string }{
		{"plain text", "plain text"},
		{"\x1b[36mcyan\x1b[0m", "cyan"},
		{"\x1b[1mbold\x1b[0m tail", "bold tail"},
	} {
		if got := stripColor(test.in); got != test.want {
			t.Errorf("stripColor(%q) = %q, want %q", test.in, got, test.want)
		}
	}
}

func TestContextMatches(t *testing.T) {
	for _, test := range []struct {
		patterns []string
		context  string
		want     bool
	}{
		{[]string{"build/*"}, "build/queue", true},
		{[]string{"build/*"}, "release/info", false},
		{[]string{"release/*", "build/queue"}, "build/queue", true},
		{nil, "build/queue", false},
	} {
		if got := contextMatches(test.patterns, test.context); got != test.want {
			t.Errorf("contextMatches(%v, %q) = %v, want %v", test.patterns, test.context, got, test.want)
		}
	}
}

type recordingSink struct {
	lines []string
}

func (r *recordingSink) Log(project, context, line string) {
	r.lines = append(r.lines, project+"|"+context+"|"+line)
}

func TestRouterLogfFallsBackToDefault(t *testing.T) {
	def := &recordingSink{}
	r := NewRouter(def)
	r.Logf("org/proj", "build/queue", "hello %d", 1)

	if len(def.lines) != 1 {
		t.Fatalf("default sink lines = %v, want 1 entry", def.lines)
	}
	if want := "org/proj|build/queue|hello 1"; def.lines[0] != want {
		t.Errorf("default sink line = %q, want %q", def.lines[0], want)
	}
}

func TestRouterLogfMatchesConfiguredRoute(t *testing.T) {
	target := &recordingSink{}
	def := &recordingSink{}
	r := NewRouter(def)
	r.SetRoutes("org/proj", []Route{
		{Target: target, Contexts: []string{"build/*"}, PrefixProject: true},
	})

	r.Logf("org/proj", "build/queue", "enqueued")
	r.Logf("org/proj", "release/info", "ignored by this route")

	if len(def.lines) != 0 {
		t.Errorf("default sink lines = %v, want none (project has explicit routes)", def.lines)
	}
	if len(target.lines) != 1 {
		t.Fatalf("target sink lines = %v, want 1 entry", target.lines)
	}
	if want := "org/proj|build/queue|org/proj: enqueued"; target.lines[0] != want {
		t.Errorf("target sink line = %q, want %q", target.lines[0], want)
	}
}
