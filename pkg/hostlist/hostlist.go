// Package hostlist expands and compresses bracketed node-name lists of
// the form "prefix[1-3,5,7-9]suffix" used throughout the cluster CLI and
// wire surfaces wherever a set of node names needs compact notation.
package hostlist

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Expand turns a possibly-bracketed hostlist expression into the
// ordered list of individual hostnames it denotes. A plain
// comma-separated list of full names (no brackets) is also accepted,
// and multiple bracketed/plain terms may be joined with commas at the
// top level, e.g. "node[1-2],gpu[01-03]".
func Expand(expr string) ([]string, error) {
	terms, err := splitTopLevel(expr)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, term := range terms {
		names, err := expandTerm(term)
		if err != nil {
			return nil, err
		}
		out = append(out, names...)
	}
	return out, nil
}

// splitTopLevel splits expr on commas that are not inside a bracketed
// range, so "a[1,2],b" splits into ["a[1,2]", "b"].
func splitTopLevel(expr string) ([]string, error) {
	var terms []string
	depth := 0
	start := 0
	for i, r := range expr {
		switch r {
		case '[':
			depth++
		case ']':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("hostlist: unbalanced ']' in %q", expr)
			}
		case ',':
			if depth == 0 {
				terms = append(terms, expr[start:i])
				start = i + 1
			}
		}
	}
	if depth != 0 {
		return nil, fmt.Errorf("hostlist: unbalanced '[' in %q", expr)
	}
	terms = append(terms, expr[start:])
	return terms, nil
}

func expandTerm(term string) ([]string, error) {
	open := strings.IndexByte(term, '[')
	if open < 0 {
		if term == "" {
			return nil, nil
		}
		return []string{term}, nil
	}
	closeIdx := strings.LastIndexByte(term, ']')
	if closeIdx < open {
		return nil, fmt.Errorf("hostlist: malformed range in %q", term)
	}
	prefix := term[:open]
	suffix := term[closeIdx+1:]
	body := term[open+1 : closeIdx]

	var out []string
	for _, piece := range strings.Split(body, ",") {
		piece = strings.TrimSpace(piece)
		if piece == "" {
			continue
		}
		if dash := strings.IndexByte(piece, '-'); dash > 0 {
			loStr := piece[:dash]
			hiStr := piece[dash+1:]
			lo, err := strconv.Atoi(loStr)
			if err != nil {
				return nil, fmt.Errorf("hostlist: invalid range start %q", piece)
			}
			hi, err := strconv.Atoi(hiStr)
			if err != nil {
				return nil, fmt.Errorf("hostlist: invalid range end %q", piece)
			}
			if hi < lo {
				return nil, fmt.Errorf("hostlist: inverted range %q", piece)
			}
			width := len(loStr)
			zeroPad := strings.HasPrefix(loStr, "0") && width > 1
			for n := lo; n <= hi; n++ {
				out = append(out, prefix+formatNum(n, width, zeroPad)+suffix)
			}
			continue
		}
		n, err := strconv.Atoi(piece)
		if err != nil {
			return nil, fmt.Errorf("hostlist: invalid index %q", piece)
		}
		width := len(piece)
		zeroPad := strings.HasPrefix(piece, "0") && width > 1
		out = append(out, prefix+formatNum(n, width, zeroPad)+suffix)
	}
	return out, nil
}

func formatNum(n, width int, zeroPad bool) string {
	s := strconv.Itoa(n)
	if zeroPad && len(s) < width {
		s = strings.Repeat("0", width-len(s)) + s
	}
	return s
}

// Compress is the inverse of Expand: given an ordered (or unordered)
// slice of hostnames, it groups names ending in digits that share a
// common non-numeric prefix into a single bracketed expression per
// group, preserving the relative order of each group's first appearance.
// A name that does not end in digits is emitted as-is.
func Compress(names []string) string {
	type group struct {
		prefix, suffix string
		width          int
		nums           []int
	}
	var order []string
	groups := map[string]*group{}

	for _, name := range names {
		prefix, numStr, suffix, ok := splitTrailingNumber(name)
		if !ok {
			key := "literal:" + name
			g, exists := groups[key]
			if !exists {
				g = &group{prefix: name}
				groups[key] = g
				order = append(order, key)
			}
			continue
		}
		n, _ := strconv.Atoi(numStr)
		key := prefix + "\x00" + suffix + "\x00" + strconv.Itoa(len(numStr))
		g, exists := groups[key]
		if !exists {
			g = &group{prefix: prefix, suffix: suffix, width: len(numStr)}
			groups[key] = g
			order = append(order, key)
		}
		g.nums = append(g.nums, n)
	}

	var sb strings.Builder
	for gi, key := range order {
		if gi > 0 {
			sb.WriteByte(',')
		}
		g := groups[key]
		if g.nums == nil {
			sb.WriteString(g.prefix)
			continue
		}
		sort.Ints(g.nums)
		sb.WriteString(g.prefix)
		sb.WriteByte('[')
		sb.WriteString(formatRuns(g.nums, g.width))
		sb.WriteByte(']')
		sb.WriteString(g.suffix)
	}
	return sb.String()
}

func splitTrailingNumber(name string) (prefix, numStr, suffix string, ok bool) {
	i := len(name)
	for i > 0 && name[i-1] >= '0' && name[i-1] <= '9' {
		i--
	}
	if i == len(name) {
		return "", "", "", false
	}
	return name[:i], name[i:], "", true
}

func formatRuns(nums []int, width int) string {
	if len(nums) == 0 {
		return ""
	}
	var sb strings.Builder
	i := 0
	first := true
	for i < len(nums) {
		start := nums[i]
		end := start
		j := i + 1
		for j < len(nums) && nums[j] == end+1 {
			end = nums[j]
			j++
		}
		if !first {
			sb.WriteByte(',')
		}
		first = false
		zeroPad := width > 1
		if start == end {
			sb.WriteString(formatNum(start, width, zeroPad))
		} else {
			sb.WriteString(formatNum(start, width, zeroPad))
			sb.WriteByte('-')
			sb.WriteString(formatNum(end, width, zeroPad))
		}
		i = j
	}
	return sb.String()
}
