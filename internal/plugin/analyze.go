package plugin

import (
	"slices"
	"strings"
)

// ModuleInfo is what the dev server needs to know about a served module to
// choose update boundaries.
type ModuleInfo struct {
	Path          string
	Imports       []string // specifiers passed to import()
	AcceptedDeps  []string // specifiers passed to hot.accept()
	SelfAccepting bool     // hot.accept() without deps, or hot.acceptExports()
}

// specifier is a string literal naming a module inside Lua source.
type specifier struct {
	value      string
	start, end int // byte range of the whole literal
	accept     bool
}

// AnalyzeModule scans Lua source for import("x"), hot.accept(...) and
// hot.acceptExports(...) calls. Comments and string contents are skipped.
func AnalyzeModule(path, code string) ModuleInfo {
	specs, self := scanSpecifiers(code)
	info := ModuleInfo{Path: path, SelfAccepting: self}
	for _, s := range specs {
		if s.accept {
			if !slices.Contains(info.AcceptedDeps, s.value) {
				info.AcceptedDeps = append(info.AcceptedDeps, s.value)
			}
		} else if !slices.Contains(info.Imports, s.value) {
			info.Imports = append(info.Imports, s.value)
		}
	}
	return info
}

type tokenKind int

const (
	tokName tokenKind = iota
	tokString
	tokPunct
)

type token struct {
	kind       tokenKind
	text       string // name, punctuation, or decoded string value
	start, end int
}

func scanSpecifiers(code string) ([]specifier, bool) {
	toks := lexLua(code)
	var specs []specifier
	self := false
	at := func(i int, kind tokenKind, text string) bool {
		return i < len(toks) && toks[i].kind == kind && (text == "" || toks[i].text == text)
	}
	for i := 0; i < len(toks); i++ {
		switch {
		case at(i, tokName, "import") && (i == 0 || !at(i-1, tokPunct, ".") && !at(i-1, tokPunct, ":")):
			j := i + 1
			if at(j, tokPunct, "(") {
				j++
			}
			if at(j, tokString, "") {
				specs = append(specs, specifier{value: toks[j].text, start: toks[j].start, end: toks[j].end})
			}
		case at(i, tokName, "hot") && at(i+1, tokPunct, ".") && at(i+2, tokName, "acceptExports"):
			self = true
		case at(i, tokName, "hot") && at(i+1, tokPunct, ".") && at(i+2, tokName, "accept") && at(i+3, tokPunct, "("):
			j := i + 4
			switch {
			case at(j, tokString, ""):
				specs = append(specs, specifier{value: toks[j].text, start: toks[j].start, end: toks[j].end, accept: true})
			case at(j, tokPunct, "{"):
				for j++; j < len(toks) && !at(j, tokPunct, "}"); j++ {
					if toks[j].kind == tokString {
						specs = append(specs, specifier{value: toks[j].text, start: toks[j].start, end: toks[j].end, accept: true})
					}
				}
			default:
				self = true
			}
		}
	}
	return specs, self
}

// lexLua splits Lua source into names, strings and single-byte punctuation.
// Numbers and operators come out as punctuation; only names and strings matter here.
func lexLua(code string) []token {
	var toks []token
	i := 0
	for i < len(code) {
		c := code[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case strings.HasPrefix(code[i:], "--"):
			i += 2
			if level, ok := longBracket(code, i); ok {
				i = skipLong(code, i, level)
			} else {
				for i < len(code) && code[i] != '\n' {
					i++
				}
			}
		case c == '"' || c == '\'':
			start := i
			value, end := quotedString(code, i)
			toks = append(toks, token{kind: tokString, text: value, start: start, end: end})
			i = end
		case c == '[':
			if level, ok := longBracket(code, i); ok {
				start := i
				open := i + level + 2
				end := skipLong(code, i, level)
				closeLen := level + 2
				if end-closeLen < open {
					closeLen = end - open
				}
				value := strings.TrimPrefix(code[open:end-closeLen], "\n")
				toks = append(toks, token{kind: tokString, text: value, start: start, end: end})
				i = end
			} else {
				toks = append(toks, token{kind: tokPunct, text: "[", start: i, end: i + 1})
				i++
			}
		case isNameStart(c):
			start := i
			for i < len(code) && isNameChar(code[i]) {
				i++
			}
			toks = append(toks, token{kind: tokName, text: code[start:i], start: start, end: i})
		default:
			toks = append(toks, token{kind: tokPunct, text: code[i : i+1], start: i, end: i + 1})
			i++
		}
	}
	return toks
}

// longBracket reports whether code[i:] opens a long bracket [[ or [==[ and returns its level.
func longBracket(code string, i int) (int, bool) {
	if i >= len(code) || code[i] != '[' {
		return 0, false
	}
	j := i + 1
	for j < len(code) && code[j] == '=' {
		j++
	}
	if j < len(code) && code[j] == '[' {
		return j - i - 1, true
	}
	return 0, false
}

// skipLong returns the index just past the long bracket opened at i.
func skipLong(code string, i, level int) int {
	closing := "]" + strings.Repeat("=", level) + "]"
	open := i + level + 2
	if k := strings.Index(code[open:], closing); k >= 0 {
		return open + k + len(closing)
	}
	return len(code)
}

// quotedString decodes the literal starting at i and returns it with the index past the closing quote.
func quotedString(code string, i int) (string, int) {
	quote := code[i]
	var sb strings.Builder
	j := i + 1
	for j < len(code) {
		c := code[j]
		switch {
		case c == quote:
			return sb.String(), j + 1
		case c == '\n':
			return sb.String(), j
		case c == '\\' && j+1 < len(code):
			j++
			switch code[j] {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case 'r':
				sb.WriteByte('\r')
			default:
				sb.WriteByte(code[j])
			}
		default:
			sb.WriteByte(c)
		}
		j++
	}
	return sb.String(), j
}

func isNameStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isNameChar(c byte) bool {
	return isNameStart(c) || c >= '0' && c <= '9'
}
