package shellinit

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/afero"
)

// Options controls the generated bootstrap.
type Options struct {
	// SourceUserRC sources ~/.bashrc or ~/.zshrc before installing hooks.
	SourceUserRC bool
	// Env is exported before the hooks are installed.
	Env map[string]string
}

const promptPrintf = `printf '\074\074\074TTYX:PROMPT exit=%d cwd=%s\076\076\076' "$__ttyx_exit" "$__ttyx_cwd"`

// cwdEscape percent-encodes '%' and '>' in $PWD so a directory name cannot
// end the sentinel early. Only paths containing either character fork sed.
const cwdEscape = `[ "${PWD#*[%>]}" != "$PWD" ] && __ttyx_cwd=$(printf '%s' "$PWD" | sed -e 's/%/%25/g' -e 's/>/%3E/g')`

const readyPrintf = `printf '\074\074\074TTYX:READY\076\076\076\n'`

// Script returns the bootstrap as an rc file for bash or zsh.
func Script(opts Options) string {
	var b strings.Builder
	b.WriteString("# ttyx shell integration\n")
	b.WriteString("export TTYX_SHELL_INTEGRATION=1\n")
	for _, key := range slices.Sorted(maps.Keys(opts.Env)) {
		fmt.Fprintf(&b, "export %s=%s\n", key, Quote(opts.Env[key]))
	}
	if opts.SourceUserRC {
		b.WriteString("if [ -n \"$ZSH_VERSION\" ]; then\n  [ -f ~/.zshrc ] && . ~/.zshrc\nelif [ -n \"$BASH_VERSION\" ]; then\n  [ -f ~/.bashrc ] && . ~/.bashrc\nfi\n")
	}
	b.WriteString("__ttyx_precmd() {\n")
	b.WriteString("  local __ttyx_exit=$?\n")
	b.WriteString("  local __ttyx_cwd=\"$PWD\"\n")
	b.WriteString("  " + cwdEscape + "\n")
	b.WriteString("  " + promptPrintf + "\n")
	b.WriteString("  return $__ttyx_exit\n")
	b.WriteString("}\n")
	b.WriteString("if [ -n \"$ZSH_VERSION\" ]; then\n")
	b.WriteString("  unsetopt PROMPT_SP 2>/dev/null\n")
	b.WriteString("  precmd_functions=(__ttyx_precmd $precmd_functions)\n")
	b.WriteString("  PS1='%~ %# '\n")
	b.WriteString("else\n")
	b.WriteString("  bind 'set enable-bracketed-paste off' 2>/dev/null\n")
	b.WriteString("  PROMPT_COMMAND=\"__ttyx_precmd${PROMPT_COMMAND:+;$PROMPT_COMMAND}\"\n")
	b.WriteString("  PS1='\\w \\$ '\n")
	b.WriteString("fi\n")
	b.WriteString(readyPrintf + "\n")
	return b.String()
}

// InlineScript returns the bootstrap as a single line for shells that are
// already running, such as a remote login shell. The leading space keeps it
// out of history when HISTCONTROL includes ignorespace.
func InlineScript(opts Options) string {
	lines := strings.Split(strings.TrimSpace(Script(opts)), "\n")
	parts := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts = append(parts, line)
	}
	joined := strings.Join(parts, "\n")
	// if/then/else/fi and function bodies survive joining with "; " once the
	// keywords that must not be followed by a separator are fixed up.
	joined = strings.ReplaceAll(joined, "\n", "; ")
	for _, kw := range []string{"then; ", "else; ", "{; "} {
		joined = strings.ReplaceAll(joined, kw, strings.TrimSuffix(kw, "; ")+" ")
	}
	return " " + joined + "\n"
}

// WriteRCFile writes Script(opts) under dir on fs and returns its path and a cleanup func.
func WriteRCFile(fs afero.Fs, dir string, opts Options) (string, func(), error) {
	if err := fs.MkdirAll(dir, 0o700); err != nil {
		return "", nil, fmt.Errorf("shellinit: create dir: %w", err)
	}
	file, err := afero.TempFile(fs, dir, "ttyx-rc-*.sh")
	if err != nil {
		return "", nil, fmt.Errorf("shellinit: create rc file: %w", err)
	}
	name := file.Name()
	if _, err := file.WriteString(Script(opts)); err != nil {
		_ = file.Close()
		_ = fs.Remove(name)
		return "", nil, fmt.Errorf("shellinit: write rc file: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = fs.Remove(name)
		return "", nil, fmt.Errorf("shellinit: close rc file: %w", err)
	}
	return name, func() { _ = fs.Remove(name) }, nil
}

// Quote single-quotes s for POSIX shells.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if isSafe(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// QuotePath quotes a path but leaves a leading "~/" unquoted so the shell expands it.
func QuotePath(p string) string {
	if p == "~" {
		return p
	}
	if rest, ok := strings.CutPrefix(p, "~/"); ok {
		if rest == "" {
			return "~/"
		}
		return "~/" + Quote(rest)
	}
	return Quote(p)
}

func isSafe(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune("-_./:=@%+,", r):
		default:
			return false
		}
	}
	return true
}

