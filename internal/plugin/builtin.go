package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Options configures the built-in stages.
type Options struct {
	Root       string            // directory served as "/"
	Production bool              // drops the dev-only stages
	Alias      map[string]string // specifier prefix -> replacement
	Define     map[string]string // identifier -> Lua expression
	OnAnalyze  func(ModuleInfo)  // receives the import analysis of each served module
}

// ResolvePlugins returns the full pipeline: alias, pre plugins, resolve, json,
// normal plugins, define, dynamic-import, post plugins, and import-analysis
// outside production builds.
func ResolvePlugins(opts Options, pre, normal, post []*Plugin) []*Plugin {
	resolve := resolvePlugin(opts.Root)
	var plugins []*Plugin
	plugins = append(plugins, aliasPlugin(opts.Alias, resolve))
	plugins = append(plugins, pre...)
	plugins = append(plugins, resolve.plugin(), jsonPlugin())
	plugins = append(plugins, normal...)
	plugins = append(plugins, definePlugin(opts.Define), dynamicImportPlugin())
	plugins = append(plugins, post...)
	if !opts.Production {
		plugins = append(plugins, importAnalysisPlugin(opts.OnAnalyze))
	}
	return plugins
}

// fileResolver maps module paths onto files under a root directory.
type fileResolver struct {
	root string
}

func resolvePlugin(root string) *fileResolver {
	return &fileResolver{root: root}
}

func (r *fileResolver) plugin() *Plugin {
	return &Plugin{
		Name: "hmr:resolve",
		Hooks: map[string]Hook{
			HookResolveID: {Fn: ResolveIDFunc(r.resolveID)},
			HookLoad:      {Fn: LoadFunc(r.load)},
		},
	}
}

// resolveID turns a relative or bare specifier into a clean absolute module
// path of an existing file, trying the .lua extension when id has none.
func (r *fileResolver) resolveID(ctx context.Context, id, importer string) (string, error) {
	if i := strings.IndexAny(id, "?#"); i >= 0 {
		id = id[:i]
	}
	var p string
	switch {
	case strings.HasPrefix(id, "./") || strings.HasPrefix(id, "../"):
		p = path.Join(path.Dir("/"+strings.TrimPrefix(importer, "/")), id)
	default:
		p = path.Clean("/" + strings.TrimPrefix(id, "/"))
	}
	candidates := []string{p}
	if path.Ext(p) == "" {
		candidates = append(candidates, p+".lua", path.Join(p, "init.lua"))
	}
	for _, c := range candidates {
		if info, err := os.Stat(r.file(c)); err == nil && !info.IsDir() {
			return c, nil
		}
	}
	return "", nil
}

func (r *fileResolver) load(ctx context.Context, id string) (string, bool, error) {
	data, err := os.ReadFile(r.file(id))
	if os.IsNotExist(err) {
		return "", false, nil
	} else if err != nil {
		return "", false, err
	}
	return string(data), true, nil
}

func (r *fileResolver) file(id string) string {
	return filepath.Join(r.root, filepath.FromSlash(path.Clean("/"+id)))
}

// aliasPlugin rewrites specifiers that start with an alias key and resolves the result.
func aliasPlugin(alias map[string]string, files *fileResolver) *Plugin {
	keys := make([]string, 0, len(alias))
	for k := range alias {
		keys = append(keys, k)
	}
	// longest key first so "@lib/ui" wins over "@lib"
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })
	resolveID := func(ctx context.Context, id, importer string) (string, error) {
		for _, k := range keys {
			if id == k || strings.HasPrefix(id, k+"/") {
				return files.resolveID(ctx, alias[k]+strings.TrimPrefix(id, k), importer)
			}
		}
		return "", nil
	}
	return &Plugin{
		Name:  "hmr:alias",
		Hooks: map[string]Hook{HookResolveID: {Order: OrderPre, Fn: ResolveIDFunc(resolveID)}},
	}
}

// jsonPlugin turns .json modules into Lua chunks returning an equivalent table.
func jsonPlugin() *Plugin {
	transform := func(ctx context.Context, r Resolver, code, id string) (string, error) {
		if path.Ext(id) != ".json" {
			return code, nil
		}
		dec := json.NewDecoder(strings.NewReader(code))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return "", fmt.Errorf("parse json: %w", err)
		}
		var sb strings.Builder
		sb.WriteString("return ")
		writeLuaValue(&sb, v)
		sb.WriteByte('\n')
		return sb.String(), nil
	}
	return &Plugin{
		Name:  "hmr:json",
		Hooks: map[string]Hook{HookTransform: {Fn: TransformFunc(transform)}},
	}
}

func writeLuaValue(sb *strings.Builder, v any) {
	switch val := v.(type) {
	case nil:
		sb.WriteString("nil")
	case bool:
		sb.WriteString(strconv.FormatBool(val))
	case json.Number:
		sb.WriteString(val.String())
	case string:
		sb.WriteString(luaQuote(val))
	case []any:
		sb.WriteByte('{')
		for i, item := range val {
			if i > 0 {
				sb.WriteString(", ")
			}
			writeLuaValue(sb, item)
		}
		sb.WriteByte('}')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteByte('[')
			sb.WriteString(luaQuote(k))
			sb.WriteString("] = ")
			writeLuaValue(sb, val[k])
		}
		sb.WriteByte('}')
	}
}

// luaQuote renders s as a double-quoted Lua string literal.
func luaQuote(s string) string {
	var sb strings.Builder
	sb.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"', '\\':
			sb.WriteByte('\\')
			sb.WriteByte(c)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case '\t':
			sb.WriteString(`\t`)
		default:
			if c < 0x20 || c == 0x7f {
				fmt.Fprintf(&sb, `\%03d`, c)
			} else {
				sb.WriteByte(c)
			}
		}
	}
	sb.WriteByte('"')
	return sb.String()
}

// definePlugin replaces whole-word occurrences of the define keys in Lua modules.
func definePlugin(define map[string]string) *Plugin {
	p := &Plugin{Name: "hmr:define"}
	if len(define) == 0 {
		return p
	}
	keys := make([]string, 0, len(define))
	for k := range define {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })
	quoted := make([]string, len(keys))
	for i, k := range keys {
		quoted[i] = regexp.QuoteMeta(k)
	}
	pattern := regexp.MustCompile(`\b(?:` + strings.Join(quoted, "|") + `)\b`)
	transform := func(ctx context.Context, r Resolver, code, id string) (string, error) {
		if path.Ext(id) != ".lua" {
			return code, nil
		}
		return pattern.ReplaceAllStringFunc(code, func(m string) string { return define[m] }), nil
	}
	p.Hooks = map[string]Hook{HookTransform: {Fn: TransformFunc(transform)}}
	return p
}

// dynamicImportPlugin rewrites the specifiers of import() and hot.accept()
// calls into absolute module paths so the client and the server agree on ids.
func dynamicImportPlugin() *Plugin {
	transform := func(ctx context.Context, r Resolver, code, id string) (string, error) {
		if path.Ext(id) != ".lua" {
			return code, nil
		}
		specs, _ := scanSpecifiers(code)
		var sb strings.Builder
		last := 0
		for _, s := range specs {
			resolved, err := r.ResolveID(ctx, s.value, id)
			if err != nil || resolved == s.value {
				continue
			}
			sb.WriteString(code[last:s.start])
			sb.WriteString(luaQuote(resolved))
			last = s.end
		}
		if last == 0 {
			return code, nil
		}
		sb.WriteString(code[last:])
		return sb.String(), nil
	}
	return &Plugin{
		Name:  "hmr:dynamic-import",
		Hooks: map[string]Hook{HookTransform: {Fn: TransformFunc(transform)}},
	}
}

// importAnalysisPlugin reports the imports and accepts of each served module.
func importAnalysisPlugin(onAnalyze func(ModuleInfo)) *Plugin {
	transform := func(ctx context.Context, r Resolver, code, id string) (string, error) {
		if onAnalyze != nil {
			onAnalyze(AnalyzeModule(id, code))
		}
		return code, nil
	}
	return &Plugin{
		Name:  "hmr:import-analysis",
		Hooks: map[string]Hook{HookTransform: {Order: OrderPost, Fn: TransformFunc(transform)}},
	}
}
