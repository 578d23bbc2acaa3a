package uci

import (
	"bufio"
	"bytes"
	"fmt"
	"slices"
	"strings"

	"uci-fleet/internal/shared/model"
)

// StructuralDiffer 文件结构化差异接口
type StructuralDiffer interface {
	Diff(before, after []byte) (model.FileDiff, error)
}

// SectionDiffer 按 config/option/list 行比较两个 UCI 文件
//
// 匿名段落按类型编号为 @type[i]，与 uci show 的命名方式一致。
type SectionDiffer struct{}

var _ StructuralDiffer = SectionDiffer{}

type section struct {
	key     string
	options map[string][]string
}

// Diff 报告段落增删改以及变化的选项（section.option）
func (SectionDiffer) Diff(before, after []byte) (model.FileDiff, error) {
	a, err := parseSections(before)
	if err != nil {
		return model.FileDiff{}, fmt.Errorf("parse before: %w", err)
	}
	b, err := parseSections(after)
	if err != nil {
		return model.FileDiff{}, fmt.Errorf("parse after: %w", err)
	}

	var diff model.FileDiff
	for key, sa := range a {
		sb, ok := b[key]
		if !ok {
			diff.SectionsRemoved = append(diff.SectionsRemoved, key)
			continue
		}
		changed := optionDelta(sa, sb)
		if len(changed) > 0 {
			diff.SectionsModified = append(diff.SectionsModified, key)
			diff.OptionsChanged = append(diff.OptionsChanged, changed...)
		}
	}
	for key := range b {
		if _, ok := a[key]; !ok {
			diff.SectionsAdded = append(diff.SectionsAdded, key)
		}
	}
	slices.Sort(diff.SectionsAdded)
	slices.Sort(diff.SectionsRemoved)
	slices.Sort(diff.SectionsModified)
	slices.Sort(diff.OptionsChanged)
	return diff, nil
}

func optionDelta(a, b *section) []string {
	var out []string
	for name, va := range a.options {
		if vb, ok := b.options[name]; !ok || !slices.Equal(va, vb) {
			out = append(out, a.key+"."+name)
		}
	}
	for name := range b.options {
		if _, ok := a.options[name]; !ok {
			out = append(out, a.key+"."+name)
		}
	}
	return out
}

func parseSections(data []byte) (map[string]*section, error) {
	sections := make(map[string]*section)
	anon := make(map[string]int)
	var cur *section

	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		fields := tokenize(scanner.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		switch fields[0] {
		case "package":
		case "config":
			if len(fields) < 2 {
				return nil, fmt.Errorf("line %d: config without type", lineNo)
			}
			typ := fields[1]
			var key string
			if len(fields) >= 3 {
				key = typ + "." + fields[2]
			} else {
				key = fmt.Sprintf("@%s[%d]", typ, anon[typ])
				anon[typ]++
			}
			cur = &section{key: key, options: make(map[string][]string)}
			sections[key] = cur
		case "option", "list":
			if cur == nil {
				return nil, fmt.Errorf("line %d: %s outside section", lineNo, fields[0])
			}
			if len(fields) < 2 {
				return nil, fmt.Errorf("line %d: %s without name", lineNo, fields[0])
			}
			val := ""
			if len(fields) >= 3 {
				val = fields[2]
			}
			if fields[0] == "option" {
				cur.options[fields[1]] = []string{val}
			} else {
				cur.options[fields[1]] = append(cur.options[fields[1]], val)
			}
		default:
			return nil, fmt.Errorf("line %d: unexpected keyword %q", lineNo, fields[0])
		}
	}
	return sections, scanner.Err()
}

// tokenize 按空白切分，支持单/双引号
func tokenize(line string) []string {
	var (
		out   []string
		cur   strings.Builder
		quote rune
		inTok bool
	)
	for _, r := range line {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inTok = true
		case r == ' ' || r == '\t':
			if inTok {
				out = append(out, cur.String())
				cur.Reset()
				inTok = false
			}
		default:
			cur.WriteRune(r)
			inTok = true
		}
	}
	if inTok {
		out = append(out, cur.String())
	}
	return out
}
