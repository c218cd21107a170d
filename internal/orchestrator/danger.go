package orchestrator

import (
	"strings"

	"mvdan.cc/sh/v3/syntax"

	"tether/internal/runtime"
)

// Commands whose first word alone marks the invocation. Anything not listed
// in either set classifies as normal.
var (
	dangerousCommands = map[string]struct{}{
		"rm": {}, "rmdir": {}, "dd": {}, "mkfs": {}, "shred": {},
		"shutdown": {}, "reboot": {}, "halt": {}, "poweroff": {},
		"sudo": {}, "su": {}, "chown": {}, "chmod": {},
		"kill": {}, "killall": {}, "pkill": {},
		"truncate": {}, "fdisk": {}, "parted": {},
	}
	safeCommands = map[string]struct{}{
		"ls": {}, "cat": {}, "head": {}, "tail": {}, "grep": {}, "rg": {},
		"find": {}, "pwd": {}, "echo": {}, "wc": {}, "sort": {}, "uniq": {},
		"which": {}, "whoami": {}, "date": {}, "env": {}, "printenv": {},
		"file": {}, "stat": {}, "du": {}, "df": {}, "tree": {},
	}
)

// ClassifyCommand grades a shell command for the approval surface. The grade
// is advisory only; it never decides for the human. Commands the shell
// grammar cannot parse grade dangerous, as do redirections that clobber
// files and any dangerous word anywhere in a pipeline or list.
func ClassifyCommand(command string) runtime.DangerLevel {
	if strings.TrimSpace(command) == "" {
		return runtime.DangerNormal
	}

	parser := syntax.NewParser()
	prog, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		return runtime.DangerDangerous
	}

	dangerous := false
	allSafe := true
	sawCall := false

	syntax.Walk(prog, func(node syntax.Node) bool {
		switch n := node.(type) {
		case *syntax.CallExpr:
			if len(n.Args) == 0 {
				return true
			}
			sawCall = true
			name := literalWord(n.Args[0])
			if name == "" {
				// Expansions in command position defeat analysis.
				dangerous = true
				return true
			}
			if _, ok := dangerousCommands[name]; ok {
				dangerous = true
			}
			if _, ok := safeCommands[name]; !ok {
				allSafe = false
			}
		case *syntax.Redirect:
			switch n.Op {
			case syntax.RdrOut, syntax.RdrAll, syntax.ClbOut:
				dangerous = true
			default:
				allSafe = false
			}
		}
		return true
	})

	switch {
	case dangerous:
		return runtime.DangerDangerous
	case sawCall && allSafe:
		return runtime.DangerSafe
	default:
		return runtime.DangerNormal
	}
}

// literalWord flattens a word made only of literal parts; expansions yield "".
func literalWord(w *syntax.Word) string {
	var sb strings.Builder
	for _, part := range w.Parts {
		lit, ok := part.(*syntax.Lit)
		if !ok {
			return ""
		}
		sb.WriteString(lit.Value)
	}
	return sb.String()
}
