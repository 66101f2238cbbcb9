package shell

import (
	"os/exec"
	"strings"
	"testing"
)

func TestPathSnippet(t *testing.T) {
	tests := []struct {
		name    string
		shell   ShellType
		binDir  string
		want    []string
		wantErr bool
	}{
		{
			name:   "bash",
			shell:  ShellBash,
			binDir: "/home/dev/.local/bin",
			want:   []string{`*:'/home/dev/.local/bin':*) ;;`, `export PATH='/home/dev/.local/bin'"${PATH:+:${PATH}}"`},
		},
		{
			name:   "zsh_cleans_path",
			shell:  ShellZsh,
			binDir: "/opt/keg/bin/",
			want:   []string{`export PATH='/opt/keg/bin'`},
		},
		{
			name:   "fish",
			shell:  ShellFish,
			binDir: "/home/dev/.local/bin",
			want:   []string{`contains -- '/home/dev/.local/bin' $PATH; or set -gx PATH '/home/dev/.local/bin' $PATH`},
		},
		{
			name:   "posix_quote_escaping",
			shell:  ShellBash,
			binDir: "/tmp/it's here",
			want:   []string{`'/tmp/it'\''s here'`},
		},
		{
			name:   "fish_quote_escaping",
			shell:  ShellFish,
			binDir: `/tmp/it's\here`,
			want:   []string{`'/tmp/it\'s\\here'`},
		},
		{
			name:    "relative_dir",
			shell:   ShellBash,
			binDir:  "bin",
			wantErr: true,
		},
		{
			name:    "unsupported_shell",
			shell:   "tcsh",
			binDir:  "/bin",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PathSnippet(tt.shell, tt.binDir)
			if (err != nil) != tt.wantErr {
				t.Fatalf("PathSnippet() error = %v, wantErr %v", err, tt.wantErr)
			}
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("snippet missing %q:\n%s", w, got)
				}
			}
		})
	}
}

func TestPathSnippet_Bash(t *testing.T) {
	bash, err := exec.LookPath("bash")
	if err != nil {
		t.Skip("bash not installed")
	}

	dir := t.TempDir()
	snippet, err := PathSnippet(ShellBash, dir)
	if err != nil {
		t.Fatal(err)
	}

	// Evaluated twice, the directory appears once and first
	script := "PATH=/usr/bin:/bin\n" + snippet + snippet + `printf %s "$PATH"`
	out, err := exec.Command(bash, "--norc", "--noprofile", "-c", script).Output()
	if err != nil {
		t.Fatalf("bash failed: %v", err)
	}
	if got, want := string(out), dir+":/usr/bin:/bin"; got != want {
		t.Errorf("PATH = %q, want %q", got, want)
	}
}
